// Package institution is the directory of issuing institutions: their
// settlement account, active flag and the NFT collections they may mint.
package institution

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/config"
)

// ErrNotFound is returned for an unknown institution id.
var ErrNotFound = errors.New("institution: not found")

// Institution is an issuer of credentials.
type Institution struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	DID               string   `json:"did,omitempty"`
	SettlementAccount string   `json:"settlement_account"`
	Active            bool     `json:"active"`
	Assets            []string `json:"assets"`
}

// OwnsAsset reports whether assetID is registered to the institution.
func (i Institution) OwnsAsset(assetID string) bool {
	return slices.Contains(i.Assets, assetID)
}

// Directory resolves institutions.
type Directory interface {
	Get(ctx context.Context, id string) (Institution, error)
	Put(ctx context.Context, inst Institution) error
	List(ctx context.Context) ([]Institution, error)
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	items map[string]Institution
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{items: make(map[string]Institution)}
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (Institution, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.items[id]
	if !ok {
		return Institution{}, ErrNotFound
	}
	inst.Assets = slices.Clone(inst.Assets)
	return inst, nil
}

func (d *MemoryDirectory) Put(_ context.Context, inst Institution) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst.Assets = slices.Clone(inst.Assets)
	d.items[inst.ID] = inst
	return nil
}

func (d *MemoryDirectory) List(context.Context) ([]Institution, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Institution, 0, len(d.items))
	for _, inst := range d.items {
		inst.Assets = slices.Clone(inst.Assets)
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Seed writes the profile's institutions into d. Institutions default to active.
func Seed(ctx context.Context, d Directory, seeds []config.InstitutionSeed) error {
	for _, s := range seeds {
		inst := Institution{
			ID:                s.ID,
			Name:              s.Name,
			DID:               s.DID,
			SettlementAccount: s.SettlementAccount,
			Active:            s.Active == nil || *s.Active,
			Assets:            s.Assets,
		}
		if err := d.Put(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}
