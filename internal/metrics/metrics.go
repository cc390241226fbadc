// Package metrics содержит метрики Prometheus шлюза.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "servicefinder"

// Metrics хранит все метрики приложения. Методы безопасны для nil-получателя.
type Metrics struct {
	GeocodeLookups     *prometheus.CounterVec
	GeocodeResolutions *prometheus.CounterVec
	BookingAttempts    *prometheus.CounterVec
	BackendRequests    *prometheus.HistogramVec
	HTTPRequests       *prometheus.HistogramVec
}

// New создаёт метрики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		GeocodeLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geocode",
			Name:      "lookups_total",
			Help:      "Geocoding lookups by result (found, miss, cached, error)",
		}, []string{"result"}),
		GeocodeResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geocode",
			Name:      "resolutions_total",
			Help:      "Map centers resolved by source (text, device, default)",
		}, []string{"source"}),
		BookingAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Finished booking attempts by payment method and outcome",
		}, []string{"method", "outcome"}),
		BackendRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound requests to the marketplace backend",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"code", "method"}),
		HTTPRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of inbound HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method"}),
	}
}

// GeocodeLookup учитывает результат обращения к геокодеру.
func (m *Metrics) GeocodeLookup(result string) {
	if m == nil {
		return
	}
	m.GeocodeLookups.WithLabelValues(result).Inc()
}

// GeocodeResolved учитывает источник центра карты.
func (m *Metrics) GeocodeResolved(source string) {
	if m == nil {
		return
	}
	m.GeocodeResolutions.WithLabelValues(source).Inc()
}

// BookingFinished учитывает завершённую попытку бронирования.
func (m *Metrics) BookingFinished(method, outcome string) {
	if m == nil {
		return
	}
	m.BookingAttempts.WithLabelValues(method, outcome).Inc()
}

// InstrumentTransport оборачивает транспорт клиента бэкенда замером длительности.
func (m *Metrics) InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if m == nil {
		return next
	}
	return promhttp.InstrumentRoundTripperDuration(m.BackendRequests, next)
}

// InstrumentHandler оборачивает входящий HTTP-обработчик замером длительности.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return promhttp.InstrumentHandlerDuration(m.HTTPRequests, next)
}
