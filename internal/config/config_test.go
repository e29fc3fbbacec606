package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("COLLAB_STORE", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("COLLAB_REQUEST_TIMEOUT_SECONDS", "")

	cfg := Load()
	if cfg.Addr != ":5000" {
		t.Fatalf("Addr = %q, want :5000", cfg.Addr)
	}
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("StoreDriver = %q, want postgres", cfg.StoreDriver)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL = %q, want empty", cfg.RedisURL)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Fatalf("RequestTimeout = %v, want 15s", cfg.RequestTimeout)
	}
	if cfg.SubscriberBuffer != 32 {
		t.Fatalf("SubscriberBuffer = %d, want 32", cfg.SubscriberBuffer)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COLLAB_STORE", "Memory")
	t.Setenv("COLLAB_SUBSCRIBER_BUFFER", "4")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("COLLAB_REQUEST_TIMEOUT_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.StoreDriver != "memory" {
		t.Fatalf("StoreDriver = %q, want memory", cfg.StoreDriver)
	}
	if cfg.SubscriberBuffer != 4 {
		t.Fatalf("SubscriberBuffer = %d, want 4", cfg.SubscriberBuffer)
	}
	if !cfg.MinioUseSSL {
		t.Fatal("expected MinioUseSSL to be true")
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Fatalf("invalid int should fall back, got %v", cfg.RequestTimeout)
	}
}
