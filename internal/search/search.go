// Package search ищет исполнителей рядом с точкой на карте.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmeshcher/servicefinder/internal/backend"
	"github.com/mmeshcher/servicefinder/internal/geocode"
	"github.com/mmeshcher/servicefinder/internal/model"
	"github.com/mmeshcher/servicefinder/internal/session"
)

// DefaultRadius задаёт радиус поиска, если клиент его не указал.
const DefaultRadius = 15

// NoProvidersMessage показывается вместо ошибки при пустом результате.
const NoProvidersMessage = "no providers found"

// Backend описывает запросы поиска к бэкенду маркетплейса.
type Backend interface {
	SearchNearby(ctx context.Context, creds session.Credentials, q backend.NearbyQuery) ([]model.Provider, error)
	SearchProviders(ctx context.Context, creds session.Credentials, serviceType, location string) ([]model.Provider, error)
}

// Searcher выполняет поиск исполнителей.
type Searcher struct {
	backend  Backend
	resolver *geocode.Resolver
	radius   float64
}

// New создаёт Searcher. radius <= 0 заменяется на DefaultRadius.
func New(b Backend, resolver *geocode.Resolver, radius float64) *Searcher {
	if radius <= 0 {
		radius = DefaultRadius
	}
	return &Searcher{backend: b, resolver: resolver, radius: radius}
}

// Nearby делает ровно один запрос поиска по радиусу. Порядок ответа сохраняется.
func (s *Searcher) Nearby(ctx context.Context, creds session.Credentials, q backend.NearbyQuery) ([]model.Provider, error) {
	if q.Radius <= 0 {
		q.Radius = s.radius
	}
	q.ServiceType = strings.TrimSpace(q.ServiceType)

	providers, err := s.backend.SearchNearby(ctx, creds, q)
	if err != nil {
		return nil, fmt.Errorf("search nearby: %w", err)
	}
	if providers == nil {
		providers = []model.Provider{}
	}
	return providers, nil
}

// Search ищет исполнителей по типу услуги и текстовому местоположению.
func (s *Searcher) Search(ctx context.Context, creds session.Credentials, serviceType, location string) ([]model.Provider, error) {
	providers, err := s.backend.SearchProviders(ctx, creds, strings.TrimSpace(serviceType), strings.TrimSpace(location))
	if err != nil {
		return nil, fmt.Errorf("search providers: %w", err)
	}
	if providers == nil {
		providers = []model.Provider{}
	}
	return providers, nil
}

// MapQuery содержит параметры поиска для карты.
type MapQuery struct {
	Location    string
	ServiceType string
	Radius      float64
}

// Marker описывает исполнителя, которого можно показать на карте.
type Marker struct {
	ProviderID  int64            `json:"providerId"`
	Name        string           `json:"name"`
	ServiceType string           `json:"serviceType"`
	ServiceCost float64          `json:"serviceCost"`
	Position    model.Coordinate `json:"position"`
}

// MapView содержит всё, что нужно для отрисовки карты с результатами.
type MapView struct {
	Center       model.Coordinate `json:"center"`
	CenterSource geocode.Source   `json:"centerSource"`
	Warning      string           `json:"warning,omitempty"`
	Radius       float64          `json:"radius"`
	Providers    []model.Provider `json:"providers"`
	Markers      []Marker         `json:"markers"`
	Message      string           `json:"message,omitempty"`
}

// MapSearch определяет центр карты и всегда выполняет один поиск по радиусу,
// даже если местоположение не удалось распознать.
func (s *Searcher) MapSearch(ctx context.Context, creds session.Credentials, q MapQuery, device geocode.DeviceLocator) (*MapView, error) {
	res := s.resolver.Resolve(ctx, q.Location, device)

	radius := q.Radius
	if radius <= 0 {
		radius = s.radius
	}

	providers, err := s.Nearby(ctx, creds, backend.NearbyQuery{
		Center:      res.Center,
		Radius:      radius,
		ServiceType: q.ServiceType,
	})
	if err != nil {
		return nil, err
	}

	view := &MapView{
		Center:       res.Center,
		CenterSource: res.Source,
		Warning:      res.Warning,
		Radius:       radius,
		Providers:    providers,
		Markers:      Markers(providers),
	}
	if len(providers) == 0 {
		view.Message = NoProvidersMessage
	}
	return view, nil
}

// Markers отбирает исполнителей с обеими координатами.
func Markers(providers []model.Provider) []Marker {
	markers := make([]Marker, 0, len(providers))
	for _, p := range providers {
		pos, ok := p.Coordinate()
		if !ok {
			continue
		}
		markers = append(markers, Marker{
			ProviderID:  p.ID,
			Name:        p.Name,
			ServiceType: p.ServiceType,
			ServiceCost: p.ServiceCost,
			Position:    pos,
		})
	}
	return markers
}
