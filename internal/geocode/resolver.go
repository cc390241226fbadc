package geocode

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/servicefinder/internal/metrics"
	"github.com/mmeshcher/servicefinder/internal/model"
)

// Source показывает, откуда взят центр карты.
type Source string

const (
	SourceText    Source = "text"
	SourceDevice  Source = "device"
	SourceDefault Source = "default"
)

// Resolution содержит результат разрешения центра карты.
type Resolution struct {
	Center  model.Coordinate `json:"center"`
	Source  Source           `json:"source"`
	Warning string           `json:"warning,omitempty"`
}

// Resolver выбирает центр карты: текст, затем устройство, затем координата по умолчанию.
type Resolver struct {
	geocoder Geocoder
	fallback model.Coordinate
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewResolver создаёт Resolver.
func NewResolver(geocoder Geocoder, fallback model.Coordinate, logger *zap.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		geocoder: geocoder,
		fallback: fallback,
		logger:   logger,
		metrics:  m,
	}
}

// Default возвращает координату по умолчанию.
func (r *Resolver) Default() model.Coordinate {
	return r.fallback
}

// Resolve никогда не возвращает ошибку: любой сбой приводит к координате по умолчанию.
// При непустом тексте device не опрашивается.
func (r *Resolver) Resolve(ctx context.Context, text string, device DeviceLocator) Resolution {
	res := r.resolve(ctx, text, device)
	r.metrics.GeocodeResolved(string(res.Source))
	return res
}

func (r *Resolver) resolve(ctx context.Context, text string, device DeviceLocator) Resolution {
	text = strings.TrimSpace(text)

	if text != "" {
		coord, found, err := r.geocoder.Lookup(ctx, text)
		switch {
		case err != nil:
			r.logger.Warn("geocoding failed", zap.String("location", text), zap.Error(err))
			return r.defaulted(fmt.Sprintf("Could not look up %q right now, showing the default area", text))
		case !found:
			r.logger.Info("location not found", zap.String("location", text))
			return r.defaulted(fmt.Sprintf("Location %q not found, showing the default area", text))
		default:
			return Resolution{Center: coord, Source: SourceText}
		}
	}

	if device != nil {
		coord, err := device.Locate(ctx)
		if err == nil {
			return Resolution{Center: coord, Source: SourceDevice}
		}
		if errors.Is(err, ErrLocationUnavailable) {
			r.logger.Debug("device location unavailable", zap.Error(err))
		} else {
			r.logger.Warn("device location failed", zap.Error(err))
		}
	}

	return r.defaulted("")
}

func (r *Resolver) defaulted(warning string) Resolution {
	return Resolution{Center: r.fallback, Source: SourceDefault, Warning: warning}
}
