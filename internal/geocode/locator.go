package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/mmeshcher/servicefinder/internal/model"
)

// ErrLocationUnavailable означает, что координаты устройства недоступны или доступ запрещён.
var ErrLocationUnavailable = errors.New("device location unavailable")

// DeviceLocator получает текущие координаты устройства пользователя.
type DeviceLocator interface {
	Locate(ctx context.Context) (model.Coordinate, error)
}

// Reported содержит координаты, которые сообщил браузер. nil означает отказ пользователя.
type Reported struct {
	Coordinate *model.Coordinate
}

// Locate возвращает сообщённые координаты.
func (r Reported) Locate(_ context.Context) (model.Coordinate, error) {
	if r.Coordinate == nil {
		return model.Coordinate{}, ErrLocationUnavailable
	}
	return *r.Coordinate, nil
}

// Chain опрашивает локаторы по порядку и возвращает первый успешный результат.
type Chain []DeviceLocator

// Locate возвращает координаты первого локатора, который их знает.
func (c Chain) Locate(ctx context.Context) (model.Coordinate, error) {
	for _, l := range c {
		if l == nil {
			continue
		}
		coord, err := l.Locate(ctx)
		if err == nil {
			return coord, nil
		}
		if ctx.Err() != nil {
			return model.Coordinate{}, ctx.Err()
		}
	}
	return model.Coordinate{}, ErrLocationUnavailable
}

// IPLocator определяет примерные координаты по IP-адресу клиента через сервис в стиле ipapi.co.
type IPLocator struct {
	baseURL    string
	httpClient *http.Client
}

// NewIPLocator создаёт локатор. Пустой baseURL отключает определение по IP.
func NewIPLocator(baseURL string, httpClient *http.Client) *IPLocator {
	if httpClient == nil {
		httpClient = cleanhttp.DefaultClient()
	}
	return &IPLocator{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// ForAddr возвращает локатор для конкретного адреса клиента.
func (l *IPLocator) ForAddr(ip string) DeviceLocator {
	return ipLookup{locator: l, ip: ip}
}

type ipLookup struct {
	locator *IPLocator
	ip      string
}

type ipGeo struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Error     bool    `json:"error"`
}

func (q ipLookup) Locate(ctx context.Context) (model.Coordinate, error) {
	if q.locator == nil || q.locator.baseURL == "" {
		return model.Coordinate{}, ErrLocationUnavailable
	}
	if !isPublicIP(q.ip) {
		return model.Coordinate{}, ErrLocationUnavailable
	}

	url := fmt.Sprintf("%s/%s/json/", q.locator.baseURL, q.ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := q.locator.httpClient.Do(req)
	if err != nil {
		return model.Coordinate{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Coordinate{}, fmt.Errorf("%w: status %d", ErrLocationUnavailable, resp.StatusCode)
	}

	var geo ipGeo
	if err := json.NewDecoder(resp.Body).Decode(&geo); err != nil {
		return model.Coordinate{}, fmt.Errorf("%w: decode: %v", ErrLocationUnavailable, err)
	}
	if geo.Error || (geo.Latitude == 0 && geo.Longitude == 0) {
		return model.Coordinate{}, ErrLocationUnavailable
	}

	return model.Coordinate{Lat: geo.Latitude, Lng: geo.Longitude}, nil
}

func isPublicIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return !(parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsUnspecified() ||
		parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast())
}
