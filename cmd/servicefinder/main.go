// Package main запускает HTTP-сервер шлюза маркетплейса услуг.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/servicefinder/internal/backend"
	"github.com/mmeshcher/servicefinder/internal/booking"
	"github.com/mmeshcher/servicefinder/internal/config"
	"github.com/mmeshcher/servicefinder/internal/geocode"
	"github.com/mmeshcher/servicefinder/internal/handler"
	"github.com/mmeshcher/servicefinder/internal/metrics"
	"github.com/mmeshcher/servicefinder/internal/middleware"
	"github.com/mmeshcher/servicefinder/internal/model"
	"github.com/mmeshcher/servicefinder/internal/repository"
	"github.com/mmeshcher/servicefinder/internal/search"
	"github.com/mmeshcher/servicefinder/internal/service"
	"github.com/mmeshcher/servicefinder/internal/session"
)

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// newLookupClient создаёт клиент геосервисов. Зависший сервис не должен
// задерживать поиск дольше, чем нужно для перехода к координатам по умолчанию.
func newLookupClient() *http.Client {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = 5 * time.Second
	return c
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Environment)
	defer logger.Sync()

	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		sessionStore session.Store
		journal      service.PaymentJournal
		closer       io.Closer
	)
	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		sessionStore, journal, closer = repo, repo, repo
	} else {
		sugar.Warn("DATABASE_URI is not set, sessions and payment journal are kept in memory only")
		journal = repository.NewMemoryJournal()
	}

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = 30 * time.Second
	httpClient.Transport = m.InstrumentTransport(httpClient.Transport)

	api := backend.NewClient(cfg.BackendURL, httpClient)

	var cache geocode.Cache = geocode.NewMemoryCache(cfg.GeocodeCacheTTL)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			sugar.Warnw("redis unavailable, using in-memory geocode cache", "addr", cfg.RedisAddr, "error", err.Error())
		} else {
			cache = geocode.NewRedisCache(rdb, cfg.GeocodeCacheTTL)
		}
		cancel()
	}

	nominatim := geocode.NewNominatim(geocode.NominatimConfig{
		BaseURL:   cfg.NominatimURL,
		UserAgent: cfg.NominatimUserAgent,
		RPS:       cfg.GeocodeRPS,
	}, newLookupClient(), cache, logger.Named("geocode"), m)

	resolver := geocode.NewResolver(nominatim, model.Coordinate{Lat: cfg.DefaultLat, Lng: cfg.DefaultLng}, logger.Named("geocode"), m)

	var ipLocator *geocode.IPLocator
	if cfg.IPLocateURL != "" {
		ipLocator = geocode.NewIPLocator(cfg.IPLocateURL, newLookupClient())
	}

	sessions, err := session.NewManager(ctx, api, sessionStore, logger.Named("session"))
	if err != nil {
		sugar.Fatalw("session restore error", "error", err.Error())
	}

	svc := service.NewService(service.Options{
		Backend:   api,
		Sessions:  sessions,
		Searcher:  search.New(api, resolver, cfg.SearchRadius),
		IPLocator: ipLocator,
		Journal:   journal,
		Checkout: booking.CheckoutConfig{
			Key:        cfg.RazorpayKeyID,
			Currency:   cfg.Currency,
			Merchant:   cfg.MerchantName,
			ThemeColor: cfg.ThemeColor,
		},
		CheckoutTimeout: cfg.CheckoutTimeout,
		AttemptTTL:      cfg.AttemptTTL,
		Logger:          logger.Named("service"),
		Metrics:         m,
		Closer:          closer,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.SessionSecret, sessions)
	h := handler.NewHandler(svc, logger, authMiddleware, m, reg)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting servicefinder gateway", "addr", cfg.RunAddress, "backend", cfg.BackendURL,
			"default_center", resolver.Default())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
