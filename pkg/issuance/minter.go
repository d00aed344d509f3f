package issuance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/artifacts"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
)

// Minter uploads credential metadata and mints it on the primary ledger.
type Minter struct {
	ledgers        *ledger.Registry
	store          artifacts.Store
	codec          *MetadataCodec
	storageTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// MinterConfig configures a Minter.
type MinterConfig struct {
	Ledgers        *ledger.Registry
	Artifacts      artifacts.Store
	Codec          *MetadataCodec
	StorageTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

func NewMinter(cfg MinterConfig) *Minter {
	m := &Minter{
		ledgers:        cfg.Ledgers,
		store:          cfg.Artifacts,
		codec:          cfg.Codec,
		storageTimeout: cfg.StorageTimeout,
		now:            cfg.Now,
		logger:         cfg.Logger,
	}
	if m.storageTimeout <= 0 {
		m.storageTimeout = 30 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default().With("component", "minter")
	}
	return m
}

// Mint runs upload, mint and optional delivery for a paid intent. Any error
// is a mint failure; a failed delivery is not.
func (m *Minter) Mint(ctx context.Context, in *Intent) (MintRecord, error) {
	req := in.Request
	issuedAt := m.now().UTC()

	doc, err := m.codec.Encode(m.codec.Build(in, issuedAt))
	if err != nil {
		return MintRecord{}, err
	}

	uploadCtx, cancel := context.WithTimeout(ctx, m.storageTimeout)
	hash, err := m.store.Store(uploadCtx, doc)
	cancel()
	if err != nil {
		return MintRecord{}, fmt.Errorf("upload metadata: %w", err)
	}
	uri := m.store.URI(hash)

	gw, err := m.ledgers.Primary()
	if err != nil {
		return MintRecord{}, fmt.Errorf("primary ledger: %w", err)
	}
	res, err := gw.Mint(ctx, req.AssetID, []byte(uri))
	if err != nil {
		return MintRecord{}, fmt.Errorf("mint %s: %w", req.AssetID, err)
	}

	rec := MintRecord{
		IntentID:       in.ID,
		InstitutionID:  req.InstitutionID,
		AssetID:        req.AssetID,
		SerialNumber:   res.Serial,
		TransactionRef: res.TxRef,
		StorageURI:     uri,
		ContentHash:    req.ContentHash,
		SubjectName:    req.SubjectName,
		SubjectAccount: req.SubjectAccount,
		PaymentRef:     in.PaymentRef,
		CreatedAt:      issuedAt,
	}

	info, err := gw.AssetInfo(ctx, req.AssetID)
	if err != nil {
		m.logger.WarnContext(ctx, "asset info unavailable after mint",
			"intent_id", in.ID, "asset_id", req.AssetID, "serial", res.Serial, "error", err)
	} else {
		rec.Owner = info.Treasury
	}
	if req.SubjectAccount == "" || rec.Owner == "" {
		return rec, nil
	}
	if req.SubjectAccount == rec.Owner {
		rec.Delivered = true
		return rec, nil
	}
	if _, err := gw.TransferNFT(ctx, req.AssetID, res.Serial, rec.Owner, req.SubjectAccount); err != nil {
		m.logger.WarnContext(ctx, "credential delivery failed",
			"intent_id", in.ID, "asset_id", req.AssetID, "serial", res.Serial,
			"subject_account", req.SubjectAccount, "error", err)
		return rec, nil
	}
	rec.Owner = req.SubjectAccount
	rec.Delivered = true
	return rec, nil
}
