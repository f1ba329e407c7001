package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secret
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	if c.Usage.Timezone != "" {
		if _, err := time.LoadLocation(c.Usage.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("USAGE_TIMEZONE %q is not a valid IANA zone", c.Usage.Timezone))
		}
	}

	if c.AuthLimit.MaxRequests < 1 || c.AuthLimit.WindowSec < 1 {
		errs = append(errs, "AUTH_RATELIMIT_MAX and AUTH_RATELIMIT_WINDOW must be positive")
	}

	// NATS: warn only when disabled
	if c.NATS.URL == "" {
		slog.Warn("NATS_URL is empty: usage events and generation tasks are disabled")
	} else if c.NATS.AuditMaxDeliver < 1 {
		errs = append(errs, "NATS_AUDIT_MAX_DELIVER must be positive")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
