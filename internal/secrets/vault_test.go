package secrets_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Strob0t/autopack/internal/secrets"
)

func fixed(m map[string]string) secrets.Loader {
	return func() (map[string]string, error) { return m, nil }
}

func TestVault_ReloadSwapsValues(t *testing.T) {
	calls := 0
	v, err := secrets.NewVault(func() (map[string]string, error) {
		calls++
		if calls == 1 {
			return map[string]string{secrets.KeyAPIToken: "old"}, nil
		}
		return map[string]string{secrets.KeyAPIToken: "new"}, nil
	})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	get := v.Getter(secrets.KeyAPIToken)
	if got := get(); got != "old" {
		t.Fatalf("before reload = %q", got)
	}
	if err := v.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := get(); got != "new" {
		t.Errorf("getter after reload = %q, want new", got)
	}
}

func TestVault_InitialLoadError(t *testing.T) {
	_, err := secrets.NewVault(func() (map[string]string, error) {
		return nil, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestVault_ReloadErrorPreservesValues(t *testing.T) {
	calls := 0
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		calls++
		if calls == 1 {
			return map[string]string{"KEY": "original"}, nil
		}
		return nil, errors.New("unavailable")
	})
	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := v.Get("KEY"); got != "original" {
		t.Errorf("after failed reload = %q, want original", got)
	}
}

func TestVault_ConcurrentAccess(t *testing.T) {
	v, _ := secrets.NewVault(fixed(map[string]string{"K": "V"}))
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() { defer wg.Done(); _ = v.Get("K") }()
		go func() { defer wg.Done(); _ = v.Reload() }()
	}
	wg.Wait()
}

func TestVault_Redact(t *testing.T) {
	v, _ := secrets.NewVault(fixed(map[string]string{
		secrets.KeyLiteLLMMasterKey: "sk-live-abcdef",
		"SHORT":                     "ab",
	}))
	got := v.Redact("auth failed for sk-live-abcdef (ab)")
	if want := "auth failed for sk**** (ab)"; got != want {
		t.Errorf("Redact = %q, want %q", got, want)
	}
}

func TestVault_Keys(t *testing.T) {
	v, _ := secrets.NewVault(fixed(map[string]string{"B": "2", "A": "1"}))
	if diff := cmp.Diff([]string{"A", "B"}, v.Keys()); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
}

func TestChain_LaterOverrides(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "autopack_api_token"), []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(secrets.KeyLiteLLMMasterKey, "from-env")

	load := secrets.Chain(
		secrets.StaticLoader(map[string]string{
			secrets.KeyAPIToken:         "from-config",
			secrets.KeyLiteLLMMasterKey: "from-config",
			"EMPTY":                     "",
		}),
		secrets.EnvLoader(secrets.KeyLiteLLMMasterKey, "AUTOPACK_TEST_UNSET"),
		secrets.FileLoader(dir, secrets.KeyAPIToken, secrets.KeyLiteLLMMasterKey),
	)
	got, err := load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := map[string]string{
		secrets.KeyAPIToken:         "from-file",
		secrets.KeyLiteLLMMasterKey: "from-env",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged secrets (-want +got):\n%s", diff)
	}
}

func TestFileLoader_EmptyDir(t *testing.T) {
	got, err := secrets.FileLoader("", secrets.KeyAPIToken)()
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v; want empty", got, err)
	}
}
