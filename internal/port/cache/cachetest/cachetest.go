// Package cachetest holds the behaviour every cache.Cache backend must share.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/autopack/internal/port/cache"
)

// Run exercises c with the standard file content cache contract. settle is
// called after each write for backends that apply writes asynchronously; it
// may be nil.
func Run(t *testing.T, c cache.Cache, settle func()) {
	t.Helper()
	ctx := context.Background()
	wait := func() {
		if settle != nil {
			settle()
		}
	}

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "content.set", []byte("package main\n"), time.Minute); err != nil {
			t.Fatal(err)
		}
		wait()
		val, found, err := c.Get(ctx, "content.set")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected hit after Set")
		}
		if string(val) != "package main\n" {
			t.Fatalf("got %q", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "content.missing")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for unknown key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "content.del", []byte("x"), time.Minute)
		wait()
		if err := c.Delete(ctx, "content.del"); err != nil {
			t.Fatal(err)
		}
		wait()
		if _, found, _ := c.Get(ctx, "content.del"); found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteUnknown", func(t *testing.T) {
		if err := c.Delete(ctx, "content.never"); err != nil {
			t.Fatalf("Delete of unknown key: %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "content.ow", []byte("v1"), time.Minute)
		wait()
		_ = c.Set(ctx, "content.ow", []byte("v2"), time.Minute)
		wait()
		val, found, err := c.Get(ctx, "content.ow")
		if err != nil || !found {
			t.Fatalf("found=%v err=%v", found, err)
		}
		if string(val) != "v2" {
			t.Fatalf("got %q after overwrite, want v2", val)
		}
	})
}
