package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/canonical"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/observability"
)

// Memo is the canonical document written to a secondary ledger.
type Memo struct {
	CertificateHash string `json:"certificateHash"`
	AssetID         string `json:"assetId"`
	SerialNumber    int64  `json:"serialNumber"`
	StorageURI      string `json:"storageUri"`
	Timestamp       string `json:"timestamp"`
	Format          string `json:"format"`
	Action          string `json:"action,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Config wires a Service.
type Config struct {
	Ledgers *ledger.Registry
	Store   Store
	Metrics *observability.Instruments
	Logger  *slog.Logger
	// Timeout bounds each submission. Zero means 15s.
	Timeout time.Duration
	Now     func() time.Time
}

// Service anchors credentials on every secondary network of the registry.
type Service struct {
	ledgers *ledger.Registry
	store   Store
	metrics *observability.Instruments
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewService(cfg Config) *Service {
	s := &Service{
		ledgers: cfg.Ledgers,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		timeout: cfg.Timeout,
		now:     cfg.Now,
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "anchoring")
	}
	if s.timeout <= 0 {
		s.timeout = 15 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Anchor records rec on the secondaries in the background.
func (s *Service) Anchor(ctx context.Context, rec issuance.MintRecord) {
	s.spawn(ctx, func(ctx context.Context) {
		s.AnchorRecord(ctx, rec)
	})
}

// AnchorRevocation records a revocation of rec in the background.
func (s *Service) AnchorRevocation(ctx context.Context, rec issuance.MintRecord, rev issuance.Revocation) {
	s.spawn(ctx, func(ctx context.Context) {
		memo := s.memo(rec, rev.RevokedAt)
		memo.Action = "REVOKED"
		memo.Reason = rev.Reason
		s.anchorAll(ctx, KindRevocation, rec, memo, s.ledgers.Secondaries())
	})
}

func (s *Service) spawn(ctx context.Context, fn func(context.Context)) {
	if s.closed.Load() {
		s.logger.WarnContext(ctx, "anchoring service closed, skipping")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

// AnchorRecord anchors rec synchronously and returns one proof per secondary.
func (s *Service) AnchorRecord(ctx context.Context, rec issuance.MintRecord) []Proof {
	return s.anchorAll(ctx, KindIssuance, rec, s.memo(rec, s.now()), s.ledgers.Secondaries())
}

// Reanchor retries the networks whose latest issuance proof for contentHash
// is not ANCHORED, including networks that have none. A PENDING proof younger
// than the submission timeout is still in flight and is left alone.
func (s *Service) Reanchor(ctx context.Context, contentHash string) ([]Proof, error) {
	proofs, err := s.store.ForContent(ctx, contentHash)
	if err != nil {
		return nil, fmt.Errorf("load proofs: %w", err)
	}
	latest := Latest(proofs, KindIssuance)
	if len(latest) == 0 {
		return nil, ErrNotFound
	}
	var base Proof
	for _, p := range proofs {
		if p.Kind == KindIssuance {
			base = p
		}
	}
	now := s.now()
	var retry []string
	for _, network := range s.ledgers.Secondaries() {
		p, ok := latest[network]
		switch {
		case ok && p.Status == StatusAnchored:
		case ok && p.Status == StatusPending && now.Sub(p.Timestamp) < s.timeout:
		default:
			retry = append(retry, network)
		}
	}
	if len(retry) == 0 {
		return nil, nil
	}
	rec := issuance.MintRecord{ContentHash: base.ContentHash, AssetID: base.AssetID, SerialNumber: base.SerialNumber}
	return s.submitAll(ctx, KindIssuance, rec, base.Memo, retry), nil
}

// Proofs returns the latest issuance proof per network for contentHash.
func (s *Service) Proofs(ctx context.Context, contentHash string) ([]Proof, error) {
	all, err := s.store.ForContent(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	latest := Latest(all, KindIssuance)
	out := make([]Proof, 0, len(latest))
	seen := make(map[string]bool, len(latest))
	for _, network := range s.ledgers.Secondaries() {
		if p, ok := latest[network]; ok {
			out = append(out, p)
			seen[network] = true
		}
	}
	for network, p := range latest {
		if !seen[network] {
			out = append(out, p)
		}
	}
	return out, nil
}

// Wait blocks until background anchoring has finished.
func (s *Service) Wait() { s.wg.Wait() }

// Close stops accepting work and drains what is in flight.
func (s *Service) Close(ctx context.Context) error {
	s.closed.Store(true)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("anchoring drain: %w", ctx.Err())
	}
}

func (s *Service) memo(rec issuance.MintRecord, at time.Time) Memo {
	return Memo{
		CertificateHash: rec.ContentHash,
		AssetID:         rec.AssetID,
		SerialNumber:    rec.SerialNumber,
		StorageURI:      rec.StorageURI,
		Timestamp:       at.UTC().Format(time.RFC3339),
		Format:          issuance.MetadataFormat,
	}
}

func (s *Service) anchorAll(ctx context.Context, kind Kind, rec issuance.MintRecord, memo Memo, networks []string) []Proof {
	data, err := canonical.Marshal(memo)
	if err != nil {
		s.logger.ErrorContext(ctx, "anchor memo encoding failed", "content_hash", rec.ContentHash, "error", err)
		return nil
	}
	return s.submitAll(ctx, kind, rec, data, networks)
}

func (s *Service) submitAll(ctx context.Context, kind Kind, rec issuance.MintRecord, memo []byte, networks []string) []Proof {
	out := make([]Proof, len(networks))
	var wg sync.WaitGroup
	for i, network := range networks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = s.submit(ctx, kind, network, rec, memo)
		}()
	}
	wg.Wait()
	return out
}

func (s *Service) submit(ctx context.Context, kind Kind, network string, rec issuance.MintRecord, memo []byte) Proof {
	ctx, span := observability.StartSpan(ctx, "anchor.submit",
		attribute.String("network", network), attribute.String("content_hash", rec.ContentHash))
	p := Proof{
		ID:           uuid.NewString(),
		Network:      network,
		Kind:         kind,
		ContentHash:  rec.ContentHash,
		AssetID:      rec.AssetID,
		SerialNumber: rec.SerialNumber,
		Status:       StatusPending,
		Timestamp:    s.now().UTC(),
		Memo:         memo,
	}
	s.save(ctx, p)

	receipt, err := s.send(ctx, network, memo)
	if err != nil {
		p.Status = StatusUnavailable
		p.Error = err.Error()
		p.Timestamp = s.now().UTC()
		s.logger.WarnContext(ctx, "anchoring unavailable",
			"network", network, "asset_id", rec.AssetID, "serial", rec.SerialNumber, "error", err)
	} else {
		p.Status = StatusAnchored
		p.TransactionRef = receipt.TxRef
		p.Timestamp = receipt.ConsensusAt
		if p.Timestamp.IsZero() {
			p.Timestamp = s.now().UTC()
		}
		s.logger.InfoContext(ctx, "credential anchored",
			"network", network, "asset_id", rec.AssetID, "serial", rec.SerialNumber, "tx_ref", receipt.TxRef)
	}
	s.save(ctx, p)
	s.metrics.AnchorProof(ctx, network, string(p.Status))
	observability.EndSpan(span, err)
	return p
}

func (s *Service) send(ctx context.Context, network string, memo []byte) (ledger.Receipt, error) {
	gw, err := s.ledgers.Get(network)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if !gw.Enabled() {
		return ledger.Receipt{}, ledger.ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	r, err := gw.SubmitAnchor(ctx, memo)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ledger.ErrTimeout, err)
	}
	return r, err
}

func (s *Service) save(ctx context.Context, p Proof) {
	if err := s.store.Save(ctx, p); err != nil {
		s.logger.WarnContext(ctx, "anchor proof not persisted", "network", p.Network, "status", p.Status, "error", err)
	}
}

var _ issuance.Anchorer = (*Service)(nil)
