// Package geocode превращает текстовое местоположение в координаты.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mmeshcher/servicefinder/internal/metrics"
	"github.com/mmeshcher/servicefinder/internal/model"
)

// Geocoder ищет координаты по тексту. found=false означает, что совпадений нет.
type Geocoder interface {
	Lookup(ctx context.Context, text string) (coord model.Coordinate, found bool, err error)
}

// NominatimConfig содержит параметры клиента Nominatim.
type NominatimConfig struct {
	BaseURL   string
	UserAgent string
	// RPS задаёт допустимую частоту запросов к сервису.
	RPS float64
}

// Nominatim реализует клиент поиска OpenStreetMap Nominatim с ограничением частоты и кэшем.
type Nominatim struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      Cache
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewNominatim создаёт клиент Nominatim. cache и m могут быть nil.
func NewNominatim(cfg NominatimConfig, httpClient *http.Client, cache Cache, logger *zap.Logger, m *metrics.Metrics) *Nominatim {
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 1
	}

	return &Nominatim{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		cache:      cache,
		logger:     logger,
		metrics:    m,
	}
}

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Lookup возвращает координаты первого совпадения.
func (n *Nominatim) Lookup(ctx context.Context, text string) (model.Coordinate, bool, error) {
	key := cacheKey(text)

	if n.cache != nil {
		entry, ok, err := n.cache.Get(ctx, key)
		if err != nil {
			n.logger.Warn("geocode cache read failed", zap.Error(err))
		} else if ok {
			n.metrics.GeocodeLookup("cached")
			return entry.Coordinate, entry.Found, nil
		}
	}

	coord, found, err := n.query(ctx, text)
	if err != nil {
		n.metrics.GeocodeLookup("error")
		return model.Coordinate{}, false, err
	}

	if found {
		n.metrics.GeocodeLookup("found")
	} else {
		n.metrics.GeocodeLookup("miss")
	}

	if n.cache != nil {
		if err := n.cache.Set(ctx, key, Entry{Coordinate: coord, Found: found}); err != nil {
			n.logger.Warn("geocode cache write failed", zap.Error(err))
		}
	}

	return coord, found, nil
}

func (n *Nominatim) query(ctx context.Context, text string) (model.Coordinate, bool, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return model.Coordinate{}, false, fmt.Errorf("wait rate limiter: %w", err)
	}

	params := url.Values{}
	params.Set("format", "json")
	params.Set("q", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return model.Coordinate{}, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if n.userAgent != "" {
		req.Header.Set("User-Agent", n.userAgent)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return model.Coordinate{}, false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Coordinate{}, false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var places []place
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return model.Coordinate{}, false, fmt.Errorf("decode response: %w", err)
	}

	if len(places) == 0 {
		return model.Coordinate{}, false, nil
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return model.Coordinate{}, false, fmt.Errorf("parse lat %q: %w", places[0].Lat, err)
	}
	lng, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return model.Coordinate{}, false, fmt.Errorf("parse lon %q: %w", places[0].Lon, err)
	}

	return model.Coordinate{Lat: lat, Lng: lng}, true, nil
}

func cacheKey(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
