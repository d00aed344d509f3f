package issuance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// IntentFilter selects intents for maintenance sweeps.
type IntentFilter struct {
	Phases        []Phase
	ExpiresBefore time.Time
	Limit         int
}

// Store persists intents, mint records and revocations.
type Store interface {
	CreateIntent(ctx context.Context, in *Intent) error
	GetIntent(ctx context.Context, id string) (*Intent, error)
	// GetIntentByRequest returns the most recent intent for requestID.
	GetIntentByRequest(ctx context.Context, requestID string) (*Intent, error)
	// UpdateIntent stores in if its Version still matches, then increments it.
	UpdateIntent(ctx context.Context, in *Intent) error
	ListIntents(ctx context.Context, f IntentFilter) ([]*Intent, error)

	// ClaimPaymentRef binds an external payment to one intent.
	ClaimPaymentRef(ctx context.Context, ref, intentID string) error

	SaveRecord(ctx context.Context, rec MintRecord) error
	GetRecord(ctx context.Context, assetID string, serial int64) (MintRecord, error)
	// GetRecordByIntent returns the record minted for intentID, if any.
	GetRecordByIntent(ctx context.Context, intentID string) (MintRecord, error)

	SaveRevocation(ctx context.Context, rev Revocation) error
	GetRevocation(ctx context.Context, assetID string, serial int64) (Revocation, bool, error)
}

type recordKey struct {
	asset  string
	serial int64
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	intents     map[string]*Intent
	byRequest   map[string]string
	paymentRefs map[string]string
	records     map[recordKey]MintRecord
	byIntent    map[string]recordKey
	revocations map[recordKey]Revocation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:     make(map[string]*Intent),
		byRequest:   make(map[string]string),
		paymentRefs: make(map[string]string),
		records:     make(map[recordKey]MintRecord),
		byIntent:    make(map[string]recordKey),
		revocations: make(map[recordKey]Revocation),
	}
}

func (s *MemoryStore) CreateIntent(_ context.Context, in *Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[in.ID]; ok {
		return ErrVersionConflict
	}
	s.intents[in.ID] = in.Clone()
	if in.Request.RequestID != "" {
		s.byRequest[in.Request.RequestID] = in.ID
	}
	return nil
}

func (s *MemoryStore) GetIntent(_ context.Context, id string) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return in.Clone(), nil
}

func (s *MemoryStore) GetIntentByRequest(ctx context.Context, requestID string) (*Intent, error) {
	s.mu.RLock()
	id, ok := s.byRequest[requestID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrIntentNotFound
	}
	return s.GetIntent(ctx, id)
}

func (s *MemoryStore) UpdateIntent(_ context.Context, in *Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.intents[in.ID]
	if !ok {
		return ErrIntentNotFound
	}
	if cur.Version != in.Version {
		return ErrVersionConflict
	}
	in.Version++
	s.intents[in.ID] = in.Clone()
	return nil
}

func (s *MemoryStore) ListIntents(_ context.Context, f IntentFilter) ([]*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Intent
	for _, in := range s.intents {
		if len(f.Phases) > 0 && !containsPhase(f.Phases, in.Phase) {
			continue
		}
		if !f.ExpiresBefore.IsZero() && !in.ExpiresAt.Before(f.ExpiresBefore) {
			continue
		}
		out = append(out, in.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func containsPhase(phases []Phase, p Phase) bool {
	for _, q := range phases {
		if q == p {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ClaimPaymentRef(_ context.Context, ref, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.paymentRefs[ref]; ok && owner != intentID {
		return ErrPaymentRefUsed
	}
	s.paymentRefs[ref] = intentID
	return nil
}

func (s *MemoryStore) SaveRecord(_ context.Context, rec MintRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{rec.AssetID, rec.SerialNumber}
	if _, ok := s.records[k]; ok {
		return ErrDuplicateSerial
	}
	s.records[k] = rec
	if rec.IntentID != "" {
		s.byIntent[rec.IntentID] = k
	}
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, assetID string, serial int64) (MintRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{assetID, serial}]
	if !ok {
		return MintRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (s *MemoryStore) GetRecordByIntent(_ context.Context, intentID string) (MintRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byIntent[intentID]
	if !ok {
		return MintRecord{}, ErrRecordNotFound
	}
	return s.records[k], nil
}

func (s *MemoryStore) SaveRevocation(_ context.Context, rev Revocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{rev.AssetID, rev.SerialNumber}
	if _, ok := s.revocations[k]; !ok {
		s.revocations[k] = rev
	}
	return nil
}

func (s *MemoryStore) GetRevocation(_ context.Context, assetID string, serial int64) (Revocation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revocations[recordKey{assetID, serial}]
	return rev, ok, nil
}
