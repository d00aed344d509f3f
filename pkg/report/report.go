// Package report assembles read-only verification reports for minted
// credentials from primary-ledger, anchor and storage evidence.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/anchor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/artifacts"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/observability"
)

type Status string

const (
	StatusValid   Status = "VALID"
	StatusRevoked Status = "REVOKED"
	StatusInvalid Status = "INVALID"
)

type PersistenceStatus string

const (
	Persisted   PersistenceStatus = "PERSISTED"
	NotFound    PersistenceStatus = "NOT_FOUND"
	CheckFailed PersistenceStatus = "CHECK_FAILED"
	Unknown     PersistenceStatus = "UNKNOWN"
)

// DefaultSchemaConstraint accepts every 1.x metadata document.
const DefaultSchemaConstraint = "^1.0.0"

type Identity struct {
	SubjectName    string `json:"subject_name"`
	SubjectAccount string `json:"subject_account,omitempty"`
	Institution    string `json:"institution"`
	InstitutionID  string `json:"institution_id,omitempty"`
	IssuerDID      string `json:"issuer_did,omitempty"`
	Title          string `json:"title,omitempty"`
}

type Primary struct {
	Network        string    `json:"network"`
	AssetID        string    `json:"asset_id"`
	Serial         int64     `json:"serial"`
	Owner          string    `json:"owner"`
	StorageURI     string    `json:"storage_uri"`
	TransactionRef string    `json:"transaction_ref,omitempty"`
	MintedAt       time.Time `json:"minted_at"`
}

type Secondary struct {
	Network        string        `json:"network"`
	Status         anchor.Status `json:"status"`
	TransactionRef string        `json:"transaction_ref,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

type Persistence struct {
	Status PersistenceStatus `json:"status"`
	URI    string            `json:"uri"`
}

type Integrity struct {
	ContentHash     string `json:"content_hash,omitempty"`
	MetadataHash    string `json:"metadata_hash,omitempty"`
	SchemaVersion   string `json:"schema_version,omitempty"`
	SchemaSupported bool   `json:"schema_supported"`
}

// Report is the forensic view of one credential.
type Report struct {
	Status      Status               `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	VerifiedAt  time.Time            `json:"verified_at"`
	Identity    *Identity            `json:"identity,omitempty"`
	Primary     *Primary             `json:"primary,omitempty"`
	Secondary   []Secondary          `json:"secondary"`
	Persistence Persistence          `json:"persistence"`
	Integrity   Integrity            `json:"integrity"`
	Revocation  *issuance.Revocation `json:"revocation,omitempty"`
}

// Records is the issuance store as seen by the builder.
type Records interface {
	GetRecord(ctx context.Context, assetID string, serial int64) (issuance.MintRecord, error)
	GetRevocation(ctx context.Context, assetID string, serial int64) (issuance.Revocation, bool, error)
}

// ProofLookup returns the latest anchor proof per secondary network.
type ProofLookup interface {
	Proofs(ctx context.Context, contentHash string) ([]anchor.Proof, error)
}

// Ledgers resolves the primary gateway.
type Ledgers interface {
	Primary() (ledger.Gateway, error)
}

type Config struct {
	Ledgers          Ledgers
	Records          Records
	Proofs           ProofLookup
	Artifacts        artifacts.Store
	SchemaConstraint string
	Timeout          time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// Builder builds reports. It never writes.
type Builder struct {
	ledgers   Ledgers
	records   Records
	proofs    ProofLookup
	artifacts artifacts.Store
	schema    *semver.Constraints
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewBuilder(cfg Config) (*Builder, error) {
	raw := cfg.SchemaConstraint
	if raw == "" {
		raw = DefaultSchemaConstraint
	}
	schema, err := semver.NewConstraint(raw)
	if err != nil {
		return nil, fmt.Errorf("schema constraint %q: %w", raw, err)
	}
	b := &Builder{
		ledgers:   cfg.Ledgers,
		records:   cfg.Records,
		proofs:    cfg.Proofs,
		artifacts: cfg.Artifacts,
		schema:    schema,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if b.timeout <= 0 {
		b.timeout = 15 * time.Second
	}
	if b.logger == nil {
		b.logger = slog.Default().With("component", "report")
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

// Build reports on a credential. A serial absent from the primary ledger is
// INVALID; an unreachable primary ledger is an error. Every other source is
// best-effort.
func (b *Builder) Build(ctx context.Context, assetID string, serial int64) (rep *Report, err error) {
	ctx, span := observability.StartSpan(ctx, "report.build",
		attribute.String("asset_id", assetID), attribute.Int64("serial", serial))
	defer func() { observability.EndSpan(span, err) }()

	rep = &Report{
		VerifiedAt:  b.now().UTC(),
		Secondary:   []Secondary{},
		Persistence: Persistence{Status: Unknown},
	}

	gw, err := b.ledgers.Primary()
	if err != nil {
		return nil, fmt.Errorf("primary ledger: %w", err)
	}
	qctx, cancel := context.WithTimeout(ctx, b.timeout)
	nft, err := gw.NFTInfo(qctx, assetID, serial)
	cancel()
	switch {
	case errors.Is(err, ledger.ErrNotFound), err == nil && nft.Deleted:
		rep.Status = StatusInvalid
		rep.Reason = "credential not found on the primary ledger"
		return rep, nil
	case err != nil:
		return nil, fmt.Errorf("query %s/%d: %w", assetID, serial, err)
	}

	uri := string(nft.Metadata)
	rep.Primary = &Primary{
		Network:    gw.Network(),
		AssetID:    assetID,
		Serial:     serial,
		Owner:      nft.Owner,
		StorageURI: uri,
		MintedAt:   nft.CreatedAt,
	}
	rep.Persistence.URI = uri

	rec, haveRecord := b.record(ctx, assetID, serial)
	if haveRecord {
		rep.Primary.TransactionRef = rec.TransactionRef
		rep.Integrity.ContentHash = rec.ContentHash
		rep.Identity = &Identity{
			SubjectName:    rec.SubjectName,
			SubjectAccount: rec.SubjectAccount,
			InstitutionID:  rec.InstitutionID,
		}
	}

	if meta := b.metadata(ctx, rep, uri); meta != nil {
		if rep.Integrity.ContentHash == "" {
			rep.Integrity.ContentHash = meta.ContentHash
		}
		if rep.Identity == nil {
			rep.Identity = &Identity{}
		}
		rep.Identity.SubjectName = meta.Subject.Name
		rep.Identity.Institution = meta.Issuer.Name
		rep.Identity.InstitutionID = meta.Issuer.ID
		rep.Identity.IssuerDID = meta.Issuer.DID
		rep.Identity.Title = meta.Name
		if rep.Identity.SubjectAccount == "" {
			rep.Identity.SubjectAccount = meta.Subject.Account
		}
	}

	if rep.Integrity.ContentHash != "" {
		rep.Secondary = b.secondary(ctx, rep.Integrity.ContentHash)
	}

	if haveRecord && rec.StorageURI != uri {
		rep.Status = StatusInvalid
		rep.Reason = "ledger metadata does not match the issuance record"
		return rep, nil
	}

	rev, revoked, err := b.records.GetRevocation(ctx, assetID, serial)
	if err != nil {
		b.logger.WarnContext(ctx, "revocation lookup failed", "asset_id", assetID, "serial", serial, "error", err)
	}
	if revoked {
		rep.Status = StatusRevoked
		rep.Reason = rev.Reason
		rep.Revocation = &rev
		return rep, nil
	}
	rep.Status = StatusValid
	return rep, nil
}

func (b *Builder) record(ctx context.Context, assetID string, serial int64) (issuance.MintRecord, bool) {
	rec, err := b.records.GetRecord(ctx, assetID, serial)
	if err != nil {
		if !errors.Is(err, issuance.ErrRecordNotFound) {
			b.logger.WarnContext(ctx, "record lookup failed", "asset_id", assetID, "serial", serial, "error", err)
		}
		return issuance.MintRecord{}, false
	}
	return rec, true
}

// metadata fills persistence and schema evidence and returns the decoded
// document when storage holds it.
func (b *Builder) metadata(ctx context.Context, rep *Report, uri string) *issuance.Metadata {
	hash, err := artifacts.HashFromURI(uri)
	if err != nil {
		return nil
	}
	rep.Integrity.MetadataHash = hash

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ok, err := b.artifacts.Exists(ctx, hash)
	if err != nil {
		rep.Persistence.Status = CheckFailed
		b.logger.WarnContext(ctx, "persistence check failed", "uri", uri, "error", err)
		return nil
	}
	if !ok {
		rep.Persistence.Status = NotFound
		return nil
	}
	rep.Persistence.Status = Persisted

	doc, err := b.artifacts.Get(ctx, hash)
	if err != nil {
		b.logger.WarnContext(ctx, "metadata fetch failed", "uri", uri, "error", err)
		return nil
	}
	meta, err := issuance.DecodeMetadata(doc)
	if err != nil {
		b.logger.WarnContext(ctx, "metadata decode failed", "uri", uri, "error", err)
		return nil
	}
	rep.Integrity.SchemaVersion = meta.SchemaVersion
	if v, err := semver.NewVersion(meta.SchemaVersion); err == nil {
		rep.Integrity.SchemaSupported = b.schema.Check(v)
	}
	return &meta
}

func (b *Builder) secondary(ctx context.Context, contentHash string) []Secondary {
	out := []Secondary{}
	if b.proofs == nil {
		return out
	}
	proofs, err := b.proofs.Proofs(ctx, contentHash)
	if err != nil {
		b.logger.WarnContext(ctx, "anchor lookup failed", "content_hash", contentHash, "error", err)
		return out
	}
	for _, p := range proofs {
		out = append(out, Secondary{
			Network:        p.Network,
			Status:         p.Status,
			TransactionRef: p.TransactionRef,
			Timestamp:      p.Timestamp,
		})
	}
	return out
}
