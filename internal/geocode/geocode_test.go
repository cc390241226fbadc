package geocode

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/servicefinder/internal/metrics"
	"github.com/mmeshcher/servicefinder/internal/model"
)

var chennai = model.Coordinate{Lat: 13.0827, Lng: 80.2707}

type stubGeocoder struct {
	coord model.Coordinate
	found bool
	err   error
	calls int
}

func (s *stubGeocoder) Lookup(ctx context.Context, text string) (model.Coordinate, bool, error) {
	s.calls++
	return s.coord, s.found, s.err
}

type countingLocator struct {
	coord model.Coordinate
	err   error
	calls int
}

func (c *countingLocator) Locate(ctx context.Context) (model.Coordinate, error) {
	c.calls++
	return c.coord, c.err
}

func TestNominatimLookup(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "servicefinder-test", r.Header.Get("User-Agent"))

		switch r.URL.Query().Get("q") {
		case "Anna Nagar":
			_, _ = io.WriteString(w, `[{"lat":"13.0850","lon":"80.2101","display_name":"Anna Nagar"},{"lat":"1","lon":"2"}]`)
		default:
			_, _ = io.WriteString(w, `[]`)
		}
	}))
	defer ts.Close()

	m := metrics.New(prometheus.NewRegistry())
	n := NewNominatim(NominatimConfig{BaseURL: ts.URL, UserAgent: "servicefinder-test", RPS: 100},
		nil, NewMemoryCache(time.Minute), zap.NewNop(), m)

	coord, found, err := n.Lookup(context.Background(), "Anna Nagar")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.Coordinate{Lat: 13.0850, Lng: 80.2101}, coord)

	_, found, err = n.Lookup(context.Background(), "Atlantis")
	require.NoError(t, err)
	assert.False(t, found)

	// повторные запросы обслуживаются кэшем, включая промах
	_, found, err = n.Lookup(context.Background(), "  anna   NAGAR ")
	require.NoError(t, err)
	assert.True(t, found)
	_, _, _ = n.Lookup(context.Background(), "atlantis")

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GeocodeLookups.WithLabelValues("cached")))
}

func TestNominatimLookup_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	n := NewNominatim(NominatimConfig{BaseURL: ts.URL, RPS: 100}, nil, nil, zap.NewNop(), nil)

	_, found, err := n.Lookup(context.Background(), "Chennai")
	require.Error(t, err)
	assert.False(t, found)
}

func TestRedisCache(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := NewRedisCache(db, time.Hour)
	ctx := context.Background()

	mock.ExpectGet("geocode:chennai").RedisNil()
	_, ok, err := cache.Get(ctx, "chennai")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectSet("geocode:chennai", `{"coordinate":{"lat":13.0827,"lng":80.2707},"found":true}`, time.Hour).SetVal("OK")
	require.NoError(t, cache.Set(ctx, "chennai", Entry{Coordinate: chennai, Found: true}))

	mock.ExpectGet("geocode:chennai").SetVal(`{"coordinate":{"lat":13.0827,"lng":80.2707},"found":true}`)
	e, ok, err := cache.Get(ctx, "chennai")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Entry{Coordinate: chennai, Found: true}, e)

	mock.ExpectGet("geocode:broken").SetErr(errors.New("connection refused"))
	_, _, err = cache.Get(ctx, "broken")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_TextNeverConsultsDevice(t *testing.T) {
	geo := &stubGeocoder{coord: model.Coordinate{Lat: 12.97, Lng: 77.59}, found: true}
	device := &countingLocator{coord: model.Coordinate{Lat: 1, Lng: 1}}
	r := NewResolver(geo, chennai, zap.NewNop(), nil)

	res := r.Resolve(context.Background(), "Bengaluru", device)

	assert.Equal(t, SourceText, res.Source)
	assert.Equal(t, model.Coordinate{Lat: 12.97, Lng: 77.59}, res.Center)
	assert.Empty(t, res.Warning)
	assert.Zero(t, device.calls)
}

func TestResolve_TextMissFallsBackToDefault(t *testing.T) {
	tests := []struct {
		name string
		geo  *stubGeocoder
	}{
		{name: "zero matches", geo: &stubGeocoder{}},
		{name: "lookup error", geo: &stubGeocoder{err: errors.New("timeout")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := &countingLocator{coord: model.Coordinate{Lat: 1, Lng: 1}}
			r := NewResolver(tt.geo, chennai, zap.NewNop(), nil)

			res := r.Resolve(context.Background(), "Nowhere", device)

			assert.Equal(t, SourceDefault, res.Source)
			assert.Equal(t, chennai, res.Center)
			assert.NotEmpty(t, res.Warning)
			assert.Zero(t, device.calls)
		})
	}
}

func TestResolve_EmptyTextUsesDevice(t *testing.T) {
	geo := &stubGeocoder{}
	device := &countingLocator{coord: model.Coordinate{Lat: 28.61, Lng: 77.20}}
	r := NewResolver(geo, chennai, zap.NewNop(), nil)

	res := r.Resolve(context.Background(), "   ", device)

	assert.Equal(t, SourceDevice, res.Source)
	assert.Equal(t, model.Coordinate{Lat: 28.61, Lng: 77.20}, res.Center)
	assert.Zero(t, geo.calls)
}

func TestResolve_DeviceDeniedUsesDefault(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := NewResolver(&stubGeocoder{}, chennai, zap.NewNop(), m)

	res := r.Resolve(context.Background(), "", Reported{})
	assert.Equal(t, SourceDefault, res.Source)
	assert.Equal(t, chennai, res.Center)
	assert.Empty(t, res.Warning)

	res = r.Resolve(context.Background(), "", nil)
	assert.Equal(t, SourceDefault, res.Source)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.GeocodeResolutions.WithLabelValues("default")))
}

func TestChain(t *testing.T) {
	first := &countingLocator{err: ErrLocationUnavailable}
	second := &countingLocator{coord: chennai}
	third := &countingLocator{coord: model.Coordinate{Lat: 9, Lng: 9}}

	coord, err := Chain{first, nil, second, third}.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chennai, coord)
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, third.calls)

	_, err = Chain{first}.Locate(context.Background())
	assert.ErrorIs(t, err, ErrLocationUnavailable)
}

func TestIPLocator(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/8.8.8.8/json/", r.URL.Path)
		_, _ = io.WriteString(w, `{"ip":"8.8.8.8","latitude":37.42,"longitude":-122.08}`)
	}))
	defer ts.Close()

	l := NewIPLocator(ts.URL, nil)

	coord, err := l.ForAddr("8.8.8.8").Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Coordinate{Lat: 37.42, Lng: -122.08}, coord)

	for _, ip := range []string{"127.0.0.1", "192.168.1.10", "", "not-an-ip"} {
		_, err := l.ForAddr(ip).Locate(context.Background())
		assert.ErrorIs(t, err, ErrLocationUnavailable, ip)
	}

	_, err = NewIPLocator("", nil).ForAddr("8.8.8.8").Locate(context.Background())
	assert.ErrorIs(t, err, ErrLocationUnavailable)
}
