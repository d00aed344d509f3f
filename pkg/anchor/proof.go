// Package anchor writes redundant integrity proofs of issued credentials to
// the secondary ledgers. Anchoring is best effort: every outcome becomes a
// Proof, and nothing here fails an issuance.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no proof exists for a content hash.
var ErrNotFound = errors.New("anchor: no proofs for content hash")

// Status is the outcome of anchoring on one network.
type Status string

const (
	StatusAnchored    Status = "ANCHORED"
	StatusPending     Status = "PENDING"
	StatusUnavailable Status = "UNAVAILABLE"
)

// Kind says what event a proof records.
type Kind string

const (
	KindIssuance   Kind = "ISSUANCE"
	KindRevocation Kind = "REVOCATION"
)

// Proof is one anchoring attempt on one secondary network.
type Proof struct {
	ID             string          `json:"id"`
	Network        string          `json:"network"`
	Kind           Kind            `json:"kind"`
	ContentHash    string          `json:"content_hash"`
	AssetID        string          `json:"asset_id"`
	SerialNumber   int64           `json:"serial_number"`
	Status         Status          `json:"status"`
	TransactionRef string          `json:"transaction_ref,omitempty"`
	Error          string          `json:"error,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Memo           json.RawMessage `json:"memo"`
}

// Latest keeps the most recent proof of kind per network. proofs must be in
// recording order.
func Latest(proofs []Proof, kind Kind) map[string]Proof {
	out := make(map[string]Proof)
	for _, p := range proofs {
		if p.Kind == kind {
			out[p.Network] = p
		}
	}
	return out
}

// Store persists proofs. Saving a proof with a known ID replaces it.
type Store interface {
	Save(ctx context.Context, p Proof) error
	// ForContent returns every proof of contentHash in recording order.
	ForContent(ctx context.Context, contentHash string) ([]Proof, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	order  []string
	proofs map[string]Proof
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proofs: make(map[string]Proof)}
}

func (s *MemoryStore) Save(_ context.Context, p Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proofs[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	s.proofs[p.ID] = p
	return nil
}

func (s *MemoryStore) ForContent(_ context.Context, contentHash string) ([]Proof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Proof
	for _, id := range s.order {
		if p := s.proofs[id]; p.ContentHash == contentHash {
			out = append(out, p)
		}
	}
	return out, nil
}
