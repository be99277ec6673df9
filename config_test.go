/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Seednode/dynamicboard/board"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"cert without key", func(c *Config) { c.tlsCert = "cert.pem" }, true},
		{"key without cert", func(c *Config) { c.tlsKey = "key.pem" }, true},
		{"port too low", func(c *Config) { c.port = 0 }, true},
		{"port too high", func(c *Config) { c.port = 70000 }, true},
		{"code too short", func(c *Config) { c.codeLength = 3 }, true},
		{"code too long", func(c *Config) { c.codeLength = 17 }, true},
		{"unknown store", func(c *Config) { c.store = "etcd" }, true},
		{"redis without addr", func(c *Config) { c.store = "redis" }, true},
		{"redis with addr", func(c *Config) { c.store = "redis"; c.redisAddr = "localhost:6379" }, false},
		{"redis ttl outlasts sessions", func(c *Config) { c.store = "redis"; c.redisAddr = "localhost:6379"; c.redisTTL = 24 * time.Hour }, false},
		{"redis ttl shorter than sessions", func(c *Config) { c.store = "redis"; c.redisAddr = "localhost:6379"; c.redisTTL = time.Hour }, true},
		{"redis ttl without session timeout", func(c *Config) {
			c.store = "redis"
			c.redisAddr = "localhost:6379"
			c.redisTTL = 24 * time.Hour
			c.sessionTimeout = 0
		}, true},
		{"redis without ttl or timeout", func(c *Config) { c.store = "redis"; c.redisAddr = "localhost:6379"; c.sessionTimeout = 0 }, false},
		{"no auth", func(c *Config) { c.allowAnonymous = false }, true},
		{"secret only", func(c *Config) { c.allowAnonymous = false; c.jwtSecret = "s" }, false},
		{"zero send buffer", func(c *Config) { c.sendBuffer = 0 }, true},
		{"zero batch", func(c *Config) { c.maxBatch = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			if err := cfg.validate(); (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigScheme(t *testing.T) {
	cfg := testConfig()
	if cfg.scheme() != "http" {
		t.Fatalf("expected http, got %s", cfg.scheme())
	}

	cfg.tlsCert, cfg.tlsKey = "cert.pem", "key.pem"
	if cfg.scheme() != "https" {
		t.Fatalf("expected https, got %s", cfg.scheme())
	}
}

func TestConfigAuthenticator(t *testing.T) {
	cfg := testConfig()
	cfg.allowAnonymous = false
	cfg.jwtSecret = "s3cret"

	auth, err := cfg.authenticator()
	if err != nil {
		t.Fatalf("authenticator() error = %v", err)
	}

	id, err := auth.Authenticate(context.Background(), signToken(t, "s3cret", "user-1", "Ada"))
	if err != nil || id.Subject != "user-1" {
		t.Fatalf("Authenticate() = %+v, %v", id, err)
	}
	if _, err := auth.Authenticate(context.Background(), ""); !errors.Is(err, board.ErrAuth) {
		t.Fatalf("expected a missing token to be rejected, got %v", err)
	}

	cfg.allowAnonymous = true
	auth, err = cfg.authenticator()
	if err != nil {
		t.Fatalf("authenticator() error = %v", err)
	}
	if id, err := auth.Authenticate(context.Background(), ""); err != nil || !id.Anonymous {
		t.Fatalf("expected anonymous access, got %+v, %v", id, err)
	}

	cfg.jwtPublicKey = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := cfg.authenticator(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected a missing key file to fail, got %v", err)
	}
}

func TestCommandReadsEnvironment(t *testing.T) {
	t.Setenv("DYNAMICBOARD_PORT", "9191")
	t.Setenv("DYNAMICBOARD_SESSION_TIMEOUT", "15m")
	t.Setenv("DYNAMICBOARD_ALLOWED_ORIGINS", "https://draw.example")

	cfg := &Config{}
	cmd := newCmd(cfg)

	if cfg.port != 9191 {
		t.Fatalf("expected port from env, got %d", cfg.port)
	}
	if cfg.sessionTimeout.String() != "15m0s" {
		t.Fatalf("expected session timeout from env, got %s", cfg.sessionTimeout)
	}
	if len(cfg.allowedOrigins) != 1 || cfg.allowedOrigins[0] != "https://draw.example" {
		t.Fatalf("expected origins from env, got %v", cfg.allowedOrigins)
	}
	if cfg.codeLength != board.DefaultCodeLength || cfg.store != "memory" || !cfg.echo {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	if err := cmd.ParseFlags([]string{"--port", "7070"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	if cfg.port != 7070 {
		t.Fatalf("expected flag to override env, got %d", cfg.port)
	}
}
