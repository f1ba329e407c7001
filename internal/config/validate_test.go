package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "careerfolio",
			Password: "secret", Name: "careerfolio", SSLMode: "disable", MaxConns: 25,
		},
		Redis:     RedisConfig{Host: "localhost", Port: 6379},
		NATS:      NATSConfig{URL: "nats://localhost:4222", AuditMaxDeliver: 5},
		JWT:       JWTConfig{AccessSecret: "access-secret-that-is-at-least-32-chars!"},
		Usage:     UsageConfig{Timezone: "Europe/London", SchedulerEnabled: true},
		AuthLimit: AuthRateLimitConfig{MaxRequests: 60, WindowSec: 60},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_JWTAccessSecretTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.AccessSecret = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "JWT_ACCESS_SECRET") {
		t.Fatalf("expected JWT_ACCESS_SECRET error, got: %v", err)
	}
}

func TestValidate_DBPasswordRequired(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got: %v", err)
	}
}

func TestValidate_InvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Usage.Timezone = "Mars/Olympus"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "USAGE_TIMEZONE") {
		t.Fatalf("expected USAGE_TIMEZONE error, got: %v", err)
	}
}

func TestValidate_InvalidPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.DB.Port = 99999
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected port validation errors")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("expected SERVER_PORT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "DB_PORT") {
		t.Errorf("expected DB_PORT error in: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 0},
		DB:     DBConfig{Port: 5432},
		Redis:  RedisConfig{Port: 6379},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"JWT_ACCESS_SECRET", "DB_PASSWORD", "SERVER_PORT", "AUTH_RATELIMIT_MAX"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}

func TestValidate_NATSAuditMaxDeliver(t *testing.T) {
	cfg := validConfig()
	cfg.NATS.AuditMaxDeliver = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "NATS_AUDIT_MAX_DELIVER") {
		t.Errorf("expected NATS_AUDIT_MAX_DELIVER error, got %v", err)
	}

	cfg.NATS.URL = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled NATS should not be validated, got %v", err)
	}
}

func TestUsageConfig_Location(t *testing.T) {
	if loc := (UsageConfig{}).Location(); loc != time.UTC {
		t.Fatalf("expected UTC for empty timezone, got %v", loc)
	}
	if loc := (UsageConfig{Timezone: "bogus/zone"}).Location(); loc != time.UTC {
		t.Fatalf("expected UTC fallback, got %v", loc)
	}
	if loc := (UsageConfig{Timezone: "Europe/London"}).Location(); loc.String() != "Europe/London" {
		t.Fatalf("expected Europe/London, got %v", loc)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" https://a.example, ,https://b.example ")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected split: %#v", got)
	}
	if splitList("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
