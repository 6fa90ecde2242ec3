package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/harbor_dispatch/internal/auth"
	"github.com/austindbirch/harbor_dispatch/internal/config"
	"github.com/austindbirch/harbor_dispatch/internal/logging"
)

func writePublicKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwt.pub")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, key
}

func TestNewAuthenticator(t *testing.T) {
	keyPath, _ := writePublicKey(t)
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	tests := []struct {
		name      string
		cfg       config.Auth
		expectErr bool
	}{
		{name: "secret only", cfg: config.Auth{InternalSecret: "s3cret"}},
		{name: "public key only", cfg: config.Auth{JWTPublicKeyPath: keyPath}},
		{name: "both", cfg: config.Auth{InternalSecret: "s3cret", JWTPublicKeyPath: keyPath}},
		{name: "nothing configured", cfg: config.Auth{}, expectErr: true},
		{name: "missing key file", cfg: config.Auth{JWTPublicKeyPath: filepath.Join(t.TempDir(), "absent.pem")}, expectErr: true},
		{name: "unparseable key", cfg: config.Auth{JWTPublicKeyPath: garbage}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := newAuthenticator(tt.cfg)
			if tt.expectErr {
				if err == nil {
					t.Error("newAuthenticator() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("newAuthenticator() unexpected error: %v", err)
			}
			if a == nil {
				t.Fatal("newAuthenticator() returned nil")
			}
		})
	}
}

func TestNewAuthenticator_AcceptsSignedToken(t *testing.T) {
	keyPath, key := writePublicKey(t)
	a, err := newAuthenticator(config.Auth{
		JWTPublicKeyPath: keyPath,
		JWTIssuer:        "scheduler",
		JWTAudience:      "harbor-dispatch",
	})
	if err != nil {
		t.Fatalf("newAuthenticator() unexpected error: %v", err)
	}

	token, err := auth.SignToken(key, "scheduler", "harbor-dispatch", "cron", time.Minute)
	if err != nil {
		t.Fatalf("SignToken() unexpected error: %v", err)
	}
	caller, err := a.Check("", "Bearer "+token)
	if err != nil {
		t.Fatalf("Check() unexpected error: %v", err)
	}
	if caller != "cron" {
		t.Errorf("caller = %q, want cron", caller)
	}
}

func TestNSQConsumerConfig(t *testing.T) {
	tests := []struct {
		name        string
		maxInFlight int
	}{
		{name: "single", maxInFlight: 1},
		{name: "parallel", maxInFlight: 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := nsqConsumerConfig(config.NSQ{MaxInFlight: tt.maxInFlight})
			if conf.MaxInFlight != tt.maxInFlight {
				t.Errorf("MaxInFlight = %d, want %d", conf.MaxInFlight, tt.maxInFlight)
			}
			if conf.MaxAttempts != 0 {
				t.Errorf("MaxAttempts = %d, want 0 (unbounded requeue)", conf.MaxAttempts)
			}
			if err := conf.Validate(); err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestNewRegistry_WithoutRedis(t *testing.T) {
	reg, closeFn, err := newRegistry(context.Background(), config.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("newRegistry() unexpected error: %v", err)
	}
	defer closeFn()
	if reg == nil {
		t.Fatal("newRegistry() returned nil registry")
	}
}

func TestNewRegistry_BadRedisURL(t *testing.T) {
	cfg := config.Config{Redis: config.Redis{URL: "redis://localhost:notaport/0"}}
	if _, _, err := newRegistry(context.Background(), cfg, nil, nil); err == nil {
		t.Error("newRegistry() expected error for invalid REDIS_URL")
	}
}

func TestRun_RejectsStaleAfterShorterThanAttempt(t *testing.T) {
	cfg := config.Config{
		Dispatch: config.Dispatch{HTTPTimeout: 10 * time.Second, StoreTimeout: 5 * time.Second},
		Sweep:    config.Sweep{Enabled: true, StaleAfter: 5 * time.Second},
	}
	logger := logging.NewWithWriter("test", io.Discard, logging.LevelError)

	err := run(context.Background(), cfg, logger)
	if err == nil || !strings.Contains(err.Error(), "SWEEP_STALE_AFTER") {
		t.Errorf("run() error = %v, want SWEEP_STALE_AFTER rejection", err)
	}
}
