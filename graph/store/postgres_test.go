package store

import (
	"testing"
	"time"
)

func TestPostgresConfig_Validate(t *testing.T) {
	valid := DefaultPostgresConfig("postgres://pipegraph@localhost:5432/pipegraph")
	if err := valid.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*PostgresConfig)
	}{
		{"missing url", func(c *PostgresConfig) { c.URL = "" }},
		{"zero ping timeout", func(c *PostgresConfig) { c.PingTimeout = 0 }},
		{"no connections", func(c *PostgresConfig) { c.MaxOpenConns = 0 }},
		{"idle above open", func(c *PostgresConfig) { c.MaxIdleConns = c.MaxOpenConns + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if _, err := OpenPostgresLog(PostgresConfig{PingTimeout: time.Second}); err == nil {
		t.Error("expected OpenPostgresLog to reject an invalid config")
	}
}
