package store

import (
	"context"
	"testing"
)

// TestOpenCH_BadURL bubbles the DSN parse error
func TestOpenCH_BadURL(t *testing.T) {
	t.Parallel()

	cfg := Config{CH: CHConfig{Enabled: true, URL: "://bad"}}
	if _, err := openCH(context.Background(), cfg, &Store{}); err == nil {
		t.Fatalf("expected error for malformed CH URL")
	}
}

// TestOpenRD_EmptyAddr bubbles the validation error
func TestOpenRD_EmptyAddr(t *testing.T) {
	t.Parallel()

	cfg := Config{RDS: RedisConfig{Enabled: true}}
	if _, err := openRD(context.Background(), cfg, &Store{}); err == nil {
		t.Fatalf("expected error for empty redis addr")
	}
}

// TestOpenRD_LazyClient succeeds without a live server
func TestOpenRD_LazyClient(t *testing.T) {
	t.Parallel()

	cfg := Config{RDS: RedisConfig{Enabled: true, Addr: "127.0.0.1:6379"}}
	kv, err := openRD(context.Background(), cfg, &Store{})
	if err != nil {
		t.Fatalf("openRD returned error: %v", err)
	}
	if kv == nil {
		t.Fatalf("openRD returned nil seam")
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}
