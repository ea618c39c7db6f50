package heirlink

import (
	"context"
	"path/filepath"
	"testing"
)

func storageBackends(t *testing.T) map[string]Storage {
	t.Helper()
	sq, err := OpenSQLiteStorage(filepath.Join(t.TempDir(), "state", "heirlink.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sq,
	}
}

func TestStorage(t *testing.T) {
	ctx := context.Background()
	for name, s := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
			}

			if err := s.Set(ctx, "a", "1"); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := s.Set(ctx, "a", "2"); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if v, ok, _ := s.Get(ctx, "a"); !ok || v != "2" {
				t.Fatalf("expected a=2, got %q ok=%v", v, ok)
			}

			if err := s.SetMany(ctx, map[string]string{"b": "x", "c": "y"}); err != nil {
				t.Fatalf("set many: %v", err)
			}
			if err := s.Delete(ctx, "a", "b", "never-set"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := s.Get(ctx, "a"); ok {
				t.Fatal("a should be deleted")
			}
			if _, ok, _ := s.Get(ctx, "b"); ok {
				t.Fatal("b should be deleted")
			}
			if v, _, _ := s.Get(ctx, "c"); v != "y" {
				t.Fatalf("expected c=y, got %q", v)
			}
		})
	}
}

func TestSQLiteStorage_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "heirlink.db")

	s, err := OpenSQLiteStorage(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tokens := NewTokenStore(s)
	if err := tokens.Set(ctx, TokenPair{AccessToken: "acc", RefreshToken: "ref"}); err != nil {
		t.Fatalf("set tokens: %v", err)
	}
	s.Close()

	s, err = OpenSQLiteStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	pair, err := NewTokenStore(s).Get(ctx)
	if err != nil {
		t.Fatalf("get tokens: %v", err)
	}
	if pair.AccessToken != "acc" || pair.RefreshToken != "ref" {
		t.Fatalf("tokens not persisted: %+v", pair)
	}
}
