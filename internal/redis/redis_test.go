package redis

import (
	"context"
	"errors"
	"testing"
)

func TestKey(t *testing.T) {
	if got := Key("token", "abc"); got != "agentchat:token:abc" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := Key("runs"); got != "agentchat:runs" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNilClientReportsNotInitialized(t *testing.T) {
	var c *Client
	ctx := context.Background()
	if err := c.Ping(ctx); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected errNotInitialized, got %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected errNotInitialized, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil client: %v", err)
	}
	if c.Raw() != nil {
		t.Fatalf("expected nil raw client")
	}
}

func TestNewRedisClientRequiresConfig(t *testing.T) {
	if _, err := NewRedisClient(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
