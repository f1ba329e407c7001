package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	NATS       NATSConfig
	JWT        JWTConfig
	Log        LogConfig
	CORS       CORSConfig
	Usage      UsageConfig
	AuthLimit  AuthRateLimitConfig
	Migrations MigrationsConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL disables event publishing and task hand-off.
type NATSConfig struct {
	URL string

	// EventRetention bounds how long usage events stay on the events stream.
	EventRetention time.Duration

	// TaskTTL drops generation tasks no worker picked up in time.
	TaskTTL time.Duration

	// AuditMaxDeliver caps redeliveries of an event the audit store keeps rejecting.
	AuditMaxDeliver int
}

// JWTConfig verifies access tokens issued by the portal's identity service.
type JWTConfig struct {
	AccessSecret string
	AccessExpiry time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string
}

// UsageConfig controls the AI usage governance core.
type UsageConfig struct {
	// Timezone is used for the off-hours heuristic. Counters always roll over in UTC.
	Timezone         string
	SchedulerEnabled bool
	PatternsEnabled  bool
}

// Location resolves Timezone, falling back to UTC.
func (c UsageConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AuthRateLimitConfig guards the admin routes with a per-IP sliding window.
type AuthRateLimitConfig struct {
	MaxRequests int
	WindowSec   int
}

type MigrationsConfig struct {
	Path    string
	AutoRun bool
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL:             k.String("nats.url"),
			EventRetention:  k.Duration("nats.event.retention"),
			TaskTTL:         k.Duration("nats.task.ttl"),
			AuditMaxDeliver: k.Int("nats.audit.max.deliver"),
		},
		JWT: JWTConfig{
			AccessSecret: k.String("jwt.access.secret"),
			AccessExpiry: k.Duration("jwt.access.expiry"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(k.String("cors.allowed.origins")),
		},
		Usage: UsageConfig{
			Timezone:         k.String("usage.timezone"),
			SchedulerEnabled: boolOr(k, "usage.scheduler.enabled", true),
			PatternsEnabled:  boolOr(k, "usage.patterns.enabled", true),
		},
		AuthLimit: AuthRateLimitConfig{
			MaxRequests: k.Int("auth.ratelimit.max"),
			WindowSec:   k.Int("auth.ratelimit.window"),
		},
		Migrations: MigrationsConfig{
			Path:    k.String("migrations.path"),
			AutoRun: k.Bool("migrations.autorun"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "careerfolio"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "careerfolio"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.EventRetention == 0 {
		cfg.NATS.EventRetention = 30 * 24 * time.Hour
	}
	if cfg.NATS.TaskTTL == 0 {
		cfg.NATS.TaskTTL = time.Hour
	}
	if cfg.NATS.AuditMaxDeliver == 0 {
		cfg.NATS.AuditMaxDeliver = 5
	}
	if cfg.JWT.AccessExpiry == 0 {
		cfg.JWT.AccessExpiry = 15 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Usage.Timezone == "" {
		cfg.Usage.Timezone = "UTC"
	}
	if cfg.AuthLimit.MaxRequests == 0 {
		cfg.AuthLimit.MaxRequests = 60
	}
	if cfg.AuthLimit.WindowSec == 0 {
		cfg.AuthLimit.WindowSec = 60
	}
	if cfg.Migrations.Path == "" {
		cfg.Migrations.Path = "migrations"
	}

	return cfg, nil
}

func boolOr(k *koanf.Koanf, key string, def bool) bool {
	if !k.Exists(key) {
		return def
	}
	return k.Bool(key)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
