// Package config содержит логику чтения конфигурации шлюза servicefinder.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации шлюза.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	BackendURL  string `env:"BACKEND_URL"`
	Environment string `env:"ENV" envDefault:"development"`

	NominatimURL       string        `env:"NOMINATIM_URL" envDefault:"https://nominatim.openstreetmap.org"`
	NominatimUserAgent string        `env:"NOMINATIM_USER_AGENT" envDefault:"servicefinder/1.0"`
	GeocodeRPS         float64       `env:"GEOCODE_RPS" envDefault:"1"`
	GeocodeCacheTTL    time.Duration `env:"GEOCODE_CACHE_TTL" envDefault:"24h"`
	RedisAddr          string        `env:"REDIS_ADDR"`
	IPLocateURL        string        `env:"IP_LOCATE_URL"`

	DefaultLat   float64 `env:"DEFAULT_LAT" envDefault:"13.0827"`
	DefaultLng   float64 `env:"DEFAULT_LNG" envDefault:"80.2707"`
	SearchRadius float64 `env:"SEARCH_RADIUS" envDefault:"15"`

	RazorpayKeyID string `env:"RAZORPAY_KEY_ID"`
	Currency      string `env:"CURRENCY" envDefault:"INR"`
	MerchantName  string `env:"MERCHANT_NAME" envDefault:"ServiceFinder"`
	ThemeColor    string `env:"THEME_COLOR" envDefault:"#2563eb"`

	SessionSecret   string        `env:"SESSION_SECRET"`
	CheckoutTimeout time.Duration `env:"CHECKOUT_TIMEOUT" envDefault:"30m"`
	AttemptTTL      time.Duration `env:"ATTEMPT_TTL" envDefault:"45m"`
}

const (
	defaultRunAddress = "localhost:8081"
	defaultBackendURL = "http://localhost:8080/api"
)

// Parse считывает конфигурацию из .env, переменных окружения и флагов командной строки.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env необязателен
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBackendURL := cfg.BackendURL

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.BackendURL, "b", defaultBackendURL, "marketplace backend base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBackendURL != "" {
		cfg.BackendURL = envBackendURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.BackendURL == "" {
		cfg.BackendURL = defaultBackendURL
	}

	if cfg.SearchRadius <= 0 {
		return nil, fmt.Errorf("search radius must be positive, got %v", cfg.SearchRadius)
	}
	if cfg.GeocodeRPS <= 0 {
		return nil, fmt.Errorf("geocode rate must be positive, got %v", cfg.GeocodeRPS)
	}

	return cfg, nil
}
