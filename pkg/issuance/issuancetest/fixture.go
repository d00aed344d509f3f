// Package issuancetest builds a complete in-memory issuance stack for tests
// of the packages layered on the engine.
package issuancetest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/artifacts"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/institution"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/lock"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/retry"
)

const (
	Treasury          = "0.0.1001"
	SettlementAccount = "0.0.2001"
	SubjectAccount    = "0.0.3003"
	InstitutionID     = "demo-university"
	XRPLDestination   = "rAcademicChainTreasury"
	Fee               = 100
	ExternalAmount    = 1000000
)

// Fixture is a wired engine over memory ledgers: hedera (primary), xrpl
// and algorand.
type Fixture struct {
	Primary   *ledger.MemoryLedger
	XRPL      *ledger.MemoryLedger
	Algorand  *ledger.MemoryLedger
	Registry  *ledger.Registry
	Directory *institution.MemoryDirectory
	Store     *issuance.MemoryStore
	Artifacts *artifacts.FileStore
	Guard     *issuance.Guard
	Engine    *issuance.Engine
	Logger    *slog.Logger

	ACLAsset    string
	CreditAsset string
	Collection  string
}

// Option adjusts the fixture before the engine is built.
type Option func(*options)

type options struct {
	anchorer func(*Fixture) issuance.Anchorer
	fee      int64
	now      func() time.Time
	store    func(*issuance.MemoryStore) issuance.Store
}

// WithAnchorer installs an anchorer built from the fixture's registry.
func WithAnchorer(f func(*Fixture) issuance.Anchorer) Option {
	return func(o *options) { o.anchorer = f }
}

// WithClock replaces the engine's clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStore wraps the fixture's memory store before the engine uses it.
func WithStore(wrap func(*issuance.MemoryStore) issuance.Store) Option {
	return func(o *options) { o.store = wrap }
}

// WithFee overrides the native mint fee.
func WithFee(fee int64) Option {
	return func(o *options) { o.fee = fee }
}

// New builds a fixture. The institution holds the ACL asset, has credit to
// pay fees both by signature and by allowance, and owns one NFT collection.
func New(t testing.TB, opts ...Option) *Fixture {
	t.Helper()
	o := options{fee: Fee}
	for _, opt := range opts {
		opt(&o)
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &Fixture{
		Primary:   ledger.NewMemoryLedger("hedera", ledger.WithOperator(Treasury)),
		XRPL:      ledger.NewMemoryLedger("xrpl"),
		Algorand:  ledger.NewMemoryLedger("algorand"),
		Directory: institution.NewMemoryDirectory(),
		Store:     issuance.NewMemoryStore(),
		Logger:    logger,
	}
	var err error
	f.ACLAsset, err = f.Primary.CreateAsset(ctx, ledger.AssetSpec{Name: "Access", Symbol: "ACL", Kind: ledger.Fungible, Treasury: Treasury})
	require.NoError(t, err)
	f.CreditAsset, err = f.Primary.CreateAsset(ctx, ledger.AssetSpec{Name: "Credit", Symbol: "ACAD", Kind: ledger.Fungible, Treasury: Treasury})
	require.NoError(t, err)
	f.Collection, err = f.Primary.CreateAsset(ctx, ledger.AssetSpec{Name: "Diplomas", Symbol: "DIP", Kind: ledger.NonFungible, Treasury: Treasury})
	require.NoError(t, err)

	f.Primary.Fund(SettlementAccount, f.ACLAsset, 1)
	f.Primary.Fund(SettlementAccount, f.CreditAsset, 1000*Fee)
	f.Primary.Approve(SettlementAccount, f.CreditAsset, 500*Fee)
	require.NoError(t, f.Primary.Associate(ctx, SubjectAccount, f.Collection))

	f.Registry = ledger.NewRegistry("hedera")
	f.Registry.RegisterGateway(f.Primary)
	f.Registry.RegisterGateway(f.XRPL)
	f.Registry.RegisterGateway(f.Algorand)

	require.NoError(t, f.Directory.Put(ctx, institution.Institution{
		ID:                InstitutionID,
		Name:              "Demo University",
		DID:               "did:example:demo",
		SettlementAccount: SettlementAccount,
		Active:            true,
		Assets:            []string{f.Collection},
	}))

	f.Artifacts, err = artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	codec, err := issuance.NewMetadataCodec()
	require.NoError(t, err)

	f.Guard = issuance.NewGuard(issuance.GuardConfig{
		Directory:  f.Directory,
		Ledgers:    f.Registry,
		ACLAssetID: f.ACLAsset,
		Treasury:   Treasury,
		Logger:     logger,
	})
	resolver := issuance.NewResolver(f.Registry, issuance.ResolverConfig{
		Treasury:            Treasury,
		SettlementAssetID:   f.CreditAsset,
		Fee:                 o.fee,
		ExternalNetwork:     "xrpl",
		ExternalDestination: XRPLDestination,
		ExternalAmount:      ExternalAmount,
	})
	minter := issuance.NewMinter(issuance.MinterConfig{
		Ledgers:   f.Registry,
		Artifacts: f.Artifacts,
		Codec:     codec,
		Logger:    logger,
	})
	var anchorer issuance.Anchorer
	if o.anchorer != nil {
		anchorer = o.anchorer(f)
	}
	var store issuance.Store = f.Store
	if o.store != nil {
		store = o.store(f.Store)
	}
	f.Engine = issuance.NewEngine(issuance.EngineConfig{
		Store:    store,
		Guard:    f.Guard,
		Resolver: resolver,
		Minter:   minter,
		Ledgers:  f.Registry,
		Locker:   lock.NewMemoryLocker(),
		Anchorer: anchorer,
		Logger:   logger,
		Now:      o.now,
		PersistRetry: retry.Policy{
			Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3,
		},
	})
	return f
}

// Request returns a valid AUTO request for the fixture's collection.
func (f *Fixture) Request(id string) issuance.Request {
	return issuance.Request{
		RequestID:      id,
		InstitutionID:  InstitutionID,
		AssetID:        f.Collection,
		ContentHash:    "sha256:" + id,
		SubjectName:    "Ada Lovelace",
		SubjectAccount: SubjectAccount,
		Title:          "BSc Mathematics",
		Attributes:     map[string]string{"program": "Mathematics", "year": "2026"},
		PaymentMethod:  issuance.MethodAuto,
	}
}

// PayExternal deposits the payment an EXTERNAL intent asks for on the xrpl
// ledger and returns its transaction reference.
func (f *Fixture) PayExternal(in *issuance.Intent) string {
	s := in.Settlement.(issuance.ExternalSettlement)
	p := f.XRPL.Deposit(ledger.Transfer{
		From:   "rPayer",
		To:     s.Descriptor.Destination,
		Amount: s.Descriptor.Amount,
		Memo:   s.Descriptor.Memo,
	})
	return p.TxRef
}

// SignedProof countersigns the intent's prepared fee transfer as the payer.
func SignedProof(t testing.TB, in *issuance.Intent) issuance.SignedPayload {
	t.Helper()
	ns, ok := in.Settlement.(issuance.NativeSettlement)
	require.True(t, ok, "intent is not natively settled")
	signed, err := ledger.Sign(ns.UnsignedPayload, ns.Payer)
	require.NoError(t, err)
	return issuance.SignedPayload{Payload: signed}
}
