package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the booking service.
// Values come from the environment, optionally seeded by a file named in
// CONFIG_FILE, with defaults that run locally against a backend URL.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	BackendBaseURL   string
	BackendTimeout   time.Duration
	TokenRefreshSkew time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration
	CachePrefix   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	// InstanceID names this process in published events and in its
	// consumer group. Empty means a random id per start.
	InstanceID string

	// JWTSigningKey, when set, makes the HTTP edge verify HS256/384/512
	// access tokens itself instead of deferring to the backend.
	JWTSigningKey string

	PGDSN         string
	RunMigrations bool

	LogLevel string
	LogPath  string

	DisplayLocale      string
	MaxSeatsPerRequest int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", 5*time.Second)
	v.SetDefault("HTTP_WRITE_TIMEOUT", 10*time.Second)
	v.SetDefault("HTTP_IDLE_TIMEOUT", 120*time.Second)
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("BACKEND_TIMEOUT", 10*time.Second)
	v.SetDefault("TOKEN_REFRESH_SKEW", 30*time.Second)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CACHE_TTL", 30*time.Second)
	v.SetDefault("CACHE_PREFIX", "ride_booking:")
	v.SetDefault("KAFKA_TOPIC", "booking-mutations")
	v.SetDefault("KAFKA_GROUP", "ride-booking")
	v.SetDefault("INSTANCE_ID", "")
	v.SetDefault("JWT_SIGNING_KEY", "")
	v.SetDefault("MIGRATE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PATH", "")
	v.SetDefault("DISPLAY_LOCALE", "ru")
	v.SetDefault("MAX_SEATS_PER_REQUEST", 8)
}

func Load() (ServerConfig, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (ServerConfig, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return ServerConfig{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := ServerConfig{
		HTTPAddr:           v.GetString("HTTP_ADDR"),
		ReadTimeout:        v.GetDuration("HTTP_READ_TIMEOUT"),
		WriteTimeout:       v.GetDuration("HTTP_WRITE_TIMEOUT"),
		IdleTimeout:        v.GetDuration("HTTP_IDLE_TIMEOUT"),
		ShutdownTimeout:    v.GetDuration("HTTP_SHUTDOWN_TIMEOUT"),
		BackendBaseURL:     strings.TrimRight(strings.TrimSpace(v.GetString("BACKEND_BASE_URL")), "/"),
		BackendTimeout:     v.GetDuration("BACKEND_TIMEOUT"),
		TokenRefreshSkew:   v.GetDuration("TOKEN_REFRESH_SKEW"),
		RedisAddr:          strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:      v.GetString("REDIS_PASSWORD"),
		RedisDB:            v.GetInt("REDIS_DB"),
		CacheTTL:           v.GetDuration("CACHE_TTL"),
		CachePrefix:        v.GetString("CACHE_PREFIX"),
		KafkaBrokers:       splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:         v.GetString("KAFKA_TOPIC"),
		KafkaGroup:         v.GetString("KAFKA_GROUP"),
		InstanceID:         strings.TrimSpace(v.GetString("INSTANCE_ID")),
		JWTSigningKey:      v.GetString("JWT_SIGNING_KEY"),
		PGDSN:              v.GetString("PG_DSN"),
		RunMigrations:      v.GetBool("MIGRATE"),
		LogLevel:           strings.ToLower(v.GetString("LOG_LEVEL")),
		LogPath:            v.GetString("LOG_PATH"),
		DisplayLocale:      v.GetString("DISPLAY_LOCALE"),
		MaxSeatsPerRequest: v.GetInt("MAX_SEATS_PER_REQUEST"),
	}

	return cfg, cfg.validate()
}

func (c ServerConfig) validate() error {
	var errs []error
	if c.BackendBaseURL == "" {
		errs = append(errs, errors.New("BACKEND_BASE_URL is required"))
	} else if u, err := url.Parse(c.BackendBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid BACKEND_BASE_URL %q", c.BackendBaseURL))
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"HTTP_READ_TIMEOUT", c.ReadTimeout},
		{"HTTP_WRITE_TIMEOUT", c.WriteTimeout},
		{"HTTP_IDLE_TIMEOUT", c.IdleTimeout},
		{"HTTP_SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
	} {
		if t.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", t.name))
		}
	}
	if c.BackendTimeout <= 0 {
		errs = append(errs, errors.New("BACKEND_TIMEOUT must be > 0"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be > 0"))
	}
	if c.MaxSeatsPerRequest <= 0 {
		errs = append(errs, errors.New("MAX_SEATS_PER_REQUEST must be > 0"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required with KAFKA_BROKERS"))
	}
	return errors.Join(errs...)
}

func splitAndTrim(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
