package address

import (
	"errors"
	"testing"

	pebblestore "github.com/rzbill/flomq/internal/storage/pebble"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRegistry(db)
}

func TestEnsureIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	m1, created, err := r.Ensure("orders", Meta{Mode: "fanout"})
	if err != nil || !created {
		t.Fatalf("ensure: created=%v err=%v", created, err)
	}
	if m1.Mode != "fanout" || m1.SettleMode != "take-at-least-once" || m1.ID == 0 || m1.CreatedAtMs == 0 {
		t.Fatalf("unexpected meta: %+v", m1)
	}
	m2, created, err := r.Ensure("orders", Meta{Mode: "exclusive"})
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
	if m2 != m1 {
		t.Fatalf("existing settings changed: %+v vs %+v", m2, m1)
	}
}

func TestIdsAreDistinct(t *testing.T) {
	r := newTestRegistry(t)
	a, _, _ := r.Ensure("a", Meta{})
	b, _, _ := r.Ensure("b", Meta{})
	if a.ID == b.ID {
		t.Fatalf("addresses share id %d", a.ID)
	}
	list, err := r.List()
	if err != nil || len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Fatalf("list = %+v, %v", list, err)
	}
}

func TestGetMissingAndInvalidNames(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, name := range []string{"", "a/b"} {
		if _, _, err := r.Ensure(name, Meta{}); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Ensure(%q) err = %v", name, err)
		}
	}
	if _, _, err := r.Ensure("gone", Meta{}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := r.Delete("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Get("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted address to be missing")
	}
}
