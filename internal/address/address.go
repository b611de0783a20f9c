// Package address persists the set of declared addresses and their delivery
// settings in Pebble.
package address

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pebblestore "github.com/rzbill/flomq/internal/storage/pebble"
)

var (
	// ErrNotFound is returned for an undeclared address.
	ErrNotFound = errors.New("address: not found")
	// ErrInvalidName is returned for names that are empty or contain '/'.
	ErrInvalidName = errors.New("address: invalid name")
)

// Meta holds an address's settings. ID is the destination id written into
// journal records.
type Meta struct {
	Name          string `json:"name"`
	ID            uint64 `json:"id"`
	Mode          string `json:"mode"`
	SettleMode    string `json:"settleMode"`
	Prefetch      uint32 `json:"prefetch,omitempty"`
	MaxDeliveries uint32 `json:"maxDeliveries,omitempty"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

// Defaults returns the settings used for addresses declared without any.
func Defaults() Meta {
	return Meta{Mode: "exclusive", SettleMode: "take-at-least-once"}
}

var (
	metaPrefix = []byte("addr/")
	idCounter  = []byte("addrseq")
)

func metaKey(name string) []byte {
	k := make([]byte, 0, len(metaPrefix)+len(name))
	k = append(k, metaPrefix...)
	k = append(k, name...)
	return k
}

// ValidName reports whether name can be used as an address.
func ValidName(name string) bool {
	return name != "" && len(name) <= 255 && !strings.ContainsAny(name, "/\x00")
}

// Registry reads and writes address metadata.
type Registry struct {
	db *pebblestore.DB
}

// NewRegistry returns a registry over db.
func NewRegistry(db *pebblestore.DB) *Registry { return &Registry{db: db} }

// Ensure creates the address with settings from want if absent and returns
// the stored meta. Idempotent: an existing address keeps its settings.
func (r *Registry) Ensure(name string, want Meta) (Meta, bool, error) {
	if !ValidName(name) {
		return Meta{}, false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if m, err := r.Get(name); err == nil {
		return m, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Meta{}, false, err
	}

	m := Defaults()
	if want.Mode != "" {
		m.Mode = want.Mode
	}
	if want.SettleMode != "" {
		m.SettleMode = want.SettleMode
	}
	m.Prefetch = want.Prefetch
	m.MaxDeliveries = want.MaxDeliveries
	m.Name = name
	m.CreatedAtMs = time.Now().UnixMilli()
	id, err := r.db.Next(idCounter)
	if err != nil {
		return Meta{}, false, fmt.Errorf("address: allocate id: %w", err)
	}
	m.ID = id
	b, err := json.Marshal(m)
	if err != nil {
		return Meta{}, false, err
	}
	if err := r.db.Set(metaKey(name), b); err != nil {
		return Meta{}, false, err
	}
	return m, true, nil
}

// Get returns the meta of name.
func (r *Registry) Get(name string) (Meta, error) {
	b, err := r.db.Get(metaKey(name))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, fmt.Errorf("address: decode %s: %w", name, err)
	}
	return m, nil
}

// List returns every address in name order.
func (r *Registry) List() ([]Meta, error) {
	var out []Meta
	var decodeErr error
	err := r.db.Scan(metaPrefix, func(_, v []byte) bool {
		var m Meta
		if err := json.Unmarshal(v, &m); err != nil {
			decodeErr = err
			return false
		}
		out = append(out, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("address: decode: %w", decodeErr)
	}
	return out, nil
}

// Delete removes name. Deleting a missing address is not an error.
func (r *Registry) Delete(name string) error {
	return r.db.Delete(metaKey(name))
}
