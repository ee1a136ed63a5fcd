package natskv_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Strob0t/autopack/internal/adapter/nats"
	"github.com/Strob0t/autopack/internal/adapter/natskv"
	"github.com/Strob0t/autopack/internal/port/cache/cachetest"
)

func TestCache_Contract(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	ctx := context.Background()
	q, err := nats.Connect(ctx, url, "AUTOPACK_TEST")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	kv, err := q.KeyValue(ctx, "autopack-test-content", time.Minute)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	cachetest.Run(t, natskv.New(kv, 0), nil)
}

func TestCache_SkipsOversizedValues(t *testing.T) {
	c := natskv.New(nil, 4)
	if err := c.Set(context.Background(), "content.big", []byte("too large"), time.Minute); err != nil {
		t.Fatalf("oversized Set should be a silent no-op, got %v", err)
	}
}
