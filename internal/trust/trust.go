// Package trust implements an optional persisted per-peer fingerprint
// trust label store, an opaque key-value store keyed by fingerprint.
// Grounded on PeernetOfficial's Pogreb wrapper
// (_examples/PeernetOfficial-core/store/Pogreb.go).
package trust

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/akrylysov/pogreb"
)

// Label is one trust decision recorded against a fingerprint.
type Label struct {
	Trusted   bool      `json:"trusted"`
	Nickname  string    `json:"nickname,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a pogreb-backed key/value store keyed by the 32-byte
// fingerprint. No message content is ever stored here — only the opaque
// trust label.
type Store struct {
	mu   sync.Mutex
	db   *pogreb.DB
}

// Open creates or opens the trust store at path.
func Open(path string) (*Store, error) {
	pogreb.SetLogger(log.New(io.Discard, "", 0))
	db, err := pogreb.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("trust: open pogreb store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set records (or overwrites) the trust label for fingerprint.
func (s *Store) Set(fingerprint [32]byte, label Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	label.UpdatedAt = time.Now()
	data, err := json.Marshal(label)
	if err != nil {
		return fmt.Errorf("trust: marshal label: %w", err)
	}
	return s.db.Put(fingerprint[:], data)
}

// Get returns the trust label for fingerprint, if any.
func (s *Store) Get(fingerprint [32]byte) (Label, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.db.Get(fingerprint[:])
	if err != nil || data == nil {
		return Label{}, false
	}
	var label Label
	if err := json.Unmarshal(data, &label); err != nil {
		return Label{}, false
	}
	return label, true
}

// Delete removes any trust label for fingerprint.
func (s *Store) Delete(fingerprint [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(fingerprint[:])
}
