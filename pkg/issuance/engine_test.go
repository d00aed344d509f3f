package issuance_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/artifacts"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/institution"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance/issuancetest"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
)

func TestEngine_AutoPrepareExecuteMintsUniqueSerials(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)

	seen := map[int64]bool{}
	for _, id := range []string{"req-1", "req-2", "req-3"} {
		in, err := f.Engine.Prepare(ctx, f.Request(id))
		require.NoError(t, err)
		assert.Equal(t, issuance.PhasePrepared, in.Phase)
		ns, ok := in.Settlement.(issuance.NativeSettlement)
		require.True(t, ok)
		require.NotEmpty(t, ns.UnsignedPayload)
		assert.Equal(t, issuancetest.SettlementAccount, ns.Payer)
		assert.Equal(t, issuancetest.Treasury, ns.Payee)

		res, err := f.Engine.Execute(ctx, in.ID, issuancetest.SignedProof(t, in))
		require.NoError(t, err)
		assert.False(t, res.Replayed)
		rec := res.Record
		assert.False(t, seen[rec.SerialNumber], "serial %d minted twice", rec.SerialNumber)
		seen[rec.SerialNumber] = true
		assert.Equal(t, f.Collection, rec.AssetID)
		assert.Len(t, rec.TransactionRef, 64)
		assert.True(t, rec.Delivered)
		assert.Equal(t, issuancetest.SubjectAccount, rec.Owner)
		assert.NotEmpty(t, rec.PaymentRef)

		nft, err := f.Primary.NFTInfo(ctx, rec.AssetID, rec.SerialNumber)
		require.NoError(t, err)
		assert.Equal(t, issuancetest.SubjectAccount, nft.Owner)
		assert.Equal(t, rec.StorageURI, string(nft.Metadata))

		hash, err := artifacts.HashFromURI(rec.StorageURI)
		require.NoError(t, err)
		doc, err := f.Artifacts.Get(ctx, hash)
		require.NoError(t, err)
		meta, err := issuance.DecodeMetadata(doc)
		require.NoError(t, err)
		assert.Equal(t, "sha256:"+id, meta.ContentHash)
		assert.Equal(t, "Demo University", meta.Issuer.Name)
	}

	bal, err := f.Primary.Balance(ctx, issuancetest.Treasury, f.CreditAsset)
	require.NoError(t, err)
	assert.Equal(t, int64(3*issuancetest.Fee), bal)
}

func TestEngine_ExecuteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	in, err := f.Engine.Prepare(ctx, f.Request("req-idem"))
	require.NoError(t, err)
	proof := issuancetest.SignedProof(t, in)

	first, err := f.Engine.Execute(ctx, in.ID, proof)
	require.NoError(t, err)
	again, err := f.Engine.Execute(ctx, in.ID, proof)
	require.NoError(t, err)

	assert.True(t, again.Replayed)
	assert.Equal(t, first.Record, again.Record)
	assert.Equal(t, 1, f.Primary.Calls(ledger.OpMint))
	assert.Equal(t, 1, f.Primary.Calls(ledger.OpSubmitSigned))
}

func TestEngine_ConcurrentExecuteMintsOnce(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	in, err := f.Engine.Prepare(ctx, f.Request("req-race"))
	require.NoError(t, err)
	proof := issuancetest.SignedProof(t, in)

	var (
		wg       sync.WaitGroup
		minted   atomic.Int32
		conflict atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.Engine.Execute(ctx, in.ID, proof)
			switch {
			case err == nil && !res.Replayed:
				minted.Add(1)
			case errors.Is(err, issuance.KindIdempotencyConflict):
				conflict.Add(1)
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), minted.Load())
	assert.Equal(t, 1, f.Primary.Calls(ledger.OpMint))
}

func TestEngine_PrepareReturnsLiveIntentForSameRequest(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	a, err := f.Engine.Prepare(ctx, f.Request("req-same"))
	require.NoError(t, err)
	b, err := f.Engine.Prepare(ctx, f.Request("req-same"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	other := f.Request("req-same")
	other.InstitutionID = "someone-else"
	_, err = f.Engine.Prepare(ctx, other)
	assert.ErrorIs(t, err, issuance.KindValidation)
}

func TestEngine_PrepareValidatesRequest(t *testing.T) {
	f := issuancetest.New(t)
	req := f.Request("req-invalid")
	req.SubjectName = ""
	_, err := f.Engine.Prepare(context.Background(), req)
	require.ErrorIs(t, err, issuance.KindValidation)
	assert.Contains(t, issuance.ReasonOf(err), "subject_name")
}

func TestEngine_TamperedPayloadRejected(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	in, err := f.Engine.Prepare(ctx, f.Request("req-tamper"))
	require.NoError(t, err)

	cheaper, err := f.Primary.BuildFeeTransfer(ctx, ledger.Transfer{
		From: issuancetest.SettlementAccount, To: issuancetest.Treasury, AssetID: f.CreditAsset, Amount: 1,
	})
	require.NoError(t, err)
	signed, err := ledger.Sign(cheaper, issuancetest.SettlementAccount)
	require.NoError(t, err)

	_, err = f.Engine.Execute(ctx, in.ID, issuance.SignedPayload{Payload: signed})
	require.ErrorIs(t, err, issuance.KindValidation)

	snap, err := f.Engine.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhasePrepared, snap.Phase)
	assert.Equal(t, 0, f.Primary.Calls(ledger.OpSubmitSigned))
}

func TestEngine_UnsignedPayloadRejectedWithoutFailingIntent(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	in, err := f.Engine.Prepare(ctx, f.Request("req-unsigned"))
	require.NoError(t, err)
	ns := in.Settlement.(issuance.NativeSettlement)

	_, err = f.Engine.Execute(ctx, in.ID, issuance.SignedPayload{Payload: ns.UnsignedPayload})
	require.ErrorIs(t, err, issuance.KindValidation)

	_, err = f.Engine.Execute(ctx, in.ID, issuancetest.SignedProof(t, in))
	require.NoError(t, err)
}

func TestEngine_PaymentRejectedFailsIntent(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	f.Primary.InjectFault(ledger.OpSubmitSigned, func(context.Context, ledger.Call) error {
		return ledger.ErrRejected
	})
	in, err := f.Engine.Prepare(ctx, f.Request("req-reject"))
	require.NoError(t, err)

	_, err = f.Engine.Execute(ctx, in.ID, issuancetest.SignedProof(t, in))
	require.ErrorIs(t, err, issuance.KindPaymentFailure)
	assert.Equal(t, 0, f.Primary.Calls(ledger.OpMint))

	snap, err := f.Engine.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhaseFailed, snap.Phase)
	assert.False(t, snap.Paid)
	assert.Equal(t, issuance.KindPaymentFailure, snap.Failure.Kind)
}

func TestEngine_LedgerUnavailableLeavesIntentRetryable(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	f.Primary.InjectFault(ledger.OpSubmitSigned, func(context.Context, ledger.Call) error {
		return ledger.ErrUnavailable
	})
	in, err := f.Engine.Prepare(ctx, f.Request("req-unavailable"))
	require.NoError(t, err)
	proof := issuancetest.SignedProof(t, in)

	_, err = f.Engine.Execute(ctx, in.ID, proof)
	require.ErrorIs(t, err, issuance.KindLedgerUnavailable)
	snap, err := f.Engine.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhasePrepared, snap.Phase)

	f.Primary.InjectFault(ledger.OpSubmitSigned, nil)
	_, err = f.Engine.Execute(ctx, in.ID, proof)
	require.NoError(t, err)
}

func TestEngine_MintFailureAfterPaymentIsDistinctAndRetryable(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	f.Primary.InjectFault(ledger.OpMint, func(context.Context, ledger.Call) error {
		return ledger.ErrTimeout
	})
	in, err := f.Engine.Prepare(ctx, f.Request("req-mintfail"))
	require.NoError(t, err)
	proof := issuancetest.SignedProof(t, in)

	_, err = f.Engine.Execute(ctx, in.ID, proof)
	require.ErrorIs(t, err, issuance.KindMintFailure)
	assert.NotErrorIs(t, err, issuance.KindPaymentFailure)

	snap, err := f.Engine.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhaseFailed, snap.Phase)
	assert.True(t, snap.Paid, "funds moved")
	assert.NotEmpty(t, snap.PaymentRef)

	_, err = f.Engine.Execute(ctx, in.ID, proof)
	require.ErrorIs(t, err, issuance.KindMintFailure, "execute never retries the mint")
	assert.Equal(t, 1, f.Primary.Calls(ledger.OpMint))

	f.Primary.InjectFault(ledger.OpMint, nil)
	res, err := f.Engine.RetryMint(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.PaymentRef, res.Record.PaymentRef)
	assert.Equal(t, 1, f.Primary.Calls(ledger.OpSubmitSigned), "fee is charged once")

	again, err := f.Engine.Execute(ctx, in.ID, proof)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
}

var errStoreDown = errors.New("store unavailable")

// faultyStore fails a number of EXECUTED intent writes and record saves.
type faultyStore struct {
	*issuance.MemoryStore

	mu           sync.Mutex
	executedFail int
	recordFail   int
}

func (s *faultyStore) setFaults(executed, record int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executedFail, s.recordFail = executed, record
}

func (s *faultyStore) take(n *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *n == 0 {
		return false
	}
	*n--
	return true
}

func (s *faultyStore) UpdateIntent(ctx context.Context, in *issuance.Intent) error {
	if in.Phase == issuance.PhaseExecuted && s.take(&s.executedFail) {
		return errStoreDown
	}
	return s.MemoryStore.UpdateIntent(ctx, in)
}

func (s *faultyStore) SaveRecord(ctx context.Context, rec issuance.MintRecord) error {
	if s.take(&s.recordFail) {
		return errStoreDown
	}
	return s.MemoryStore.SaveRecord(ctx, rec)
}

func newFaultyFixture(t *testing.T) (*issuancetest.Fixture, *faultyStore) {
	t.Helper()
	var fs *faultyStore
	f := issuancetest.New(t, issuancetest.WithStore(func(m *issuance.MemoryStore) issuance.Store {
		fs = &faultyStore{MemoryStore: m}
		return fs
	}))
	return f, fs
}

func TestEngine_ExecutedWriteIsRetried(t *testing.T) {
	ctx := context.Background()
	f, fs := newFaultyFixture(t)
	fs.setFaults(1, 0)

	in, err := f.Engine.Prepare(ctx, f.Request("req-exec-retry"))
	require.NoError(t, err)
	res, err := f.Engine.Execute(ctx, in.ID, issuancetest.SignedProof(t, in))
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	snap, err := f.Engine.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhaseExecuted, snap.Phase)
	assert.Equal(t, 1, f.Primary.Calls(ledger.OpMint))
}

func TestEngine_LostExecutedWriteNeverMintsTwice(t *testing.T) {
	ctx := context.Background()
	f, fs := newFaultyFixture(t)
	fs.setFaults(10, 0)

	in, err := f.Engine.Prepare(ctx, f.Request("req-exec-lost"))
	require.NoError(t, err)
	proof := issuancetest.SignedProof(t, in)

	_, err = f.Engine.Execute(ctx, in.ID, proof)
	require.ErrorIs(t, err, errStoreDown)

	snap, err := f.Engine.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhasePrepared, snap.Phase)
	assert.True(t, snap.Paid)
	stored, err := f.Store.GetRecordByIntent(ctx, in.ID)
	require.NoError(t, err, "record is stored before the intent phase")

	fs.setFaults(0, 0)
	res, err := f.Engine.Execute(ctx, in.ID, proof)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, stored.SerialNumber, res.Record.SerialNumber)
	assert.Equal(t, 1, f.Primary.Calls(ledger.OpMint))
	assert.Equal(t, 1, f.Primary.Calls(ledger.OpSubmitSigned))

	snap, err = f.Engine.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhaseExecuted, snap.Phase)
}

func TestEngine_UnsavedRecordIsStoredByRetryMint(t *testing.T) {
	ctx := context.Background()
	f, fs := newFaultyFixture(t)
	fs.setFaults(0, 10)

	in, err := f.Engine.Prepare(ctx, f.Request("req-record-lost"))
	require.NoError(t, err)
	proof := issuancetest.SignedProof(t, in)

	_, err = f.Engine.Execute(ctx, in.ID, proof)
	require.ErrorIs(t, err, issuance.KindMintFailure)

	snap, err := f.Engine.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhaseFailed, snap.Phase)
	require.NotNil(t, snap.PendingRecord, "minted serial is kept")
	minted := snap.PendingRecord.SerialNumber

	fs.setFaults(0, 0)
	res, err := f.Engine.RetryMint(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, minted, res.Record.SerialNumber)
	assert.Equal(t, 1, f.Primary.Calls(ledger.OpMint))

	rec, err := f.Engine.GetRecord(ctx, res.Record.AssetID, minted)
	require.NoError(t, err)
	assert.Equal(t, in.ID, rec.IntentID)

	snap, err = f.Engine.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhaseExecuted, snap.Phase)
	assert.Nil(t, snap.PendingRecord)

	again, err := f.Engine.Execute(ctx, in.ID, proof)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
}

func TestEngine_RetryMintRequiresMintFailure(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	in, err := f.Engine.Prepare(ctx, f.Request("req-noretry"))
	require.NoError(t, err)
	_, err = f.Engine.RetryMint(ctx, in.ID)
	require.ErrorIs(t, err, issuance.KindValidation)
	assert.Equal(t, 0, f.Primary.Calls(ledger.OpMint))
}

func TestEngine_DeliveryFailureKeepsCredential(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	req := f.Request("req-undelivered")
	req.SubjectAccount = "0.0.4004"
	in, err := f.Engine.Prepare(ctx, req)
	require.NoError(t, err)

	res, err := f.Engine.Execute(ctx, in.ID, issuancetest.SignedProof(t, in))
	require.NoError(t, err)
	assert.False(t, res.Record.Delivered)
	assert.Equal(t, issuancetest.Treasury, res.Record.Owner)
}

func TestEngine_DelegatedCharge(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	in, err := f.Engine.Prepare(ctx, f.Request("req-delegated"), issuance.WithDelegatedCharge())
	require.NoError(t, err)
	ns := in.Settlement.(issuance.NativeSettlement)
	assert.True(t, ns.Delegated)
	assert.Empty(t, ns.UnsignedPayload)

	_, err = f.Engine.Execute(ctx, in.ID, issuance.SignedPayload{Payload: []byte("{}")})
	require.ErrorIs(t, err, issuance.KindValidation)

	res, err := f.Engine.Execute(ctx, in.ID, issuance.DelegatedCharge{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Record.PaymentRef)

	plain, err := f.Engine.Prepare(ctx, f.Request("req-not-delegated"))
	require.NoError(t, err)
	_, err = f.Engine.Execute(ctx, plain.ID, issuance.DelegatedCharge{})
	require.ErrorIs(t, err, issuance.KindValidation)
}

func TestEngine_ZeroFeeNeedsNoSignature(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t, issuancetest.WithFee(0))
	in, err := f.Engine.Prepare(ctx, f.Request("req-free"))
	require.NoError(t, err)
	assert.Empty(t, in.Settlement.(issuance.NativeSettlement).UnsignedPayload)

	res, err := f.Engine.Execute(ctx, in.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Record.PaymentRef)
	assert.Equal(t, 0, f.Primary.Calls(ledger.OpBuildFeeTransfer))
}

func TestEngine_ExternalProofFormatIsValidatedFirst(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	req := f.Request("req-ext-format")
	req.PaymentMethod = issuance.MethodExternal
	in, err := f.Engine.Prepare(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhaseAwaitingExternalProof, in.Phase)

	bad := []string{
		"",
		"abc",
		strings.Repeat("A", 63),
		strings.Repeat("A", 65),
		strings.Repeat("G", 64),
		" " + strings.Repeat("A", 63),
	}
	for _, ref := range bad {
		_, err := f.Engine.Execute(ctx, in.ID, issuance.ExternalReference{TxRef: ref})
		require.ErrorIs(t, err, issuance.KindValidation, "ref %q", ref)
	}
	snap, err := f.Engine.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhaseAwaitingExternalProof, snap.Phase)
	assert.NotEmpty(t, snap.LastProofError)
	assert.Equal(t, 0, f.XRPL.Calls(ledger.OpLookupPayment))
}

func TestEngine_ExternalPaymentVerified(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	req := f.Request("req-ext")
	req.PaymentMethod = issuance.MethodExternal
	in, err := f.Engine.Prepare(ctx, req)
	require.NoError(t, err)

	desc := in.Settlement.(issuance.ExternalSettlement).Descriptor
	assert.Equal(t, "xrpl", desc.Network)
	assert.Equal(t, issuancetest.XRPLDestination, desc.Destination)
	assert.Equal(t, int64(issuancetest.ExternalAmount), desc.Amount)
	assert.Equal(t, "drops", desc.Unit)
	assert.Equal(t, "ACAD-PAY:req-ext", desc.Memo)

	ref := f.PayExternal(in)
	res, err := f.Engine.Execute(ctx, in.ID, issuance.ExternalReference{TxRef: strings.ToLower(ref)})
	require.NoError(t, err)
	assert.Equal(t, ref, res.Record.PaymentRef)
	assert.Equal(t, 0, f.Primary.Calls(ledger.OpSubmitSigned))

	req2 := f.Request("req-ext-replay")
	req2.PaymentMethod = issuance.MethodExternal
	in2, err := f.Engine.Prepare(ctx, req2)
	require.NoError(t, err)
	_, err = f.Engine.Execute(ctx, in2.ID, issuance.ExternalReference{TxRef: ref})
	require.ErrorIs(t, err, issuance.KindValidation)
}

func TestEngine_ExternalPaymentMismatchKeepsIntentAwaiting(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	req := f.Request("req-ext-short")
	req.PaymentMethod = issuance.MethodExternal
	in, err := f.Engine.Prepare(ctx, req)
	require.NoError(t, err)
	desc := in.Settlement.(issuance.ExternalSettlement).Descriptor

	short := f.XRPL.Deposit(ledger.Transfer{From: "rPayer", To: desc.Destination, Amount: desc.Amount - 1, Memo: desc.Memo})
	_, err = f.Engine.Execute(ctx, in.ID, issuance.ExternalReference{TxRef: short.TxRef})
	require.ErrorIs(t, err, issuance.KindValidation)

	wrongMemo := f.XRPL.Deposit(ledger.Transfer{From: "rPayer", To: desc.Destination, Amount: desc.Amount, Memo: "ACAD-PAY:other"})
	_, err = f.Engine.Execute(ctx, in.ID, issuance.ExternalReference{TxRef: wrongMemo.TxRef})
	require.ErrorIs(t, err, issuance.KindValidation)

	_, err = f.Engine.Execute(ctx, in.ID, issuance.ExternalReference{TxRef: strings.Repeat("ab", 32)})
	require.ErrorIs(t, err, issuance.KindValidation, "unknown transaction")

	snap, err := f.Engine.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhaseAwaitingExternalProof, snap.Phase)
	assert.Contains(t, snap.LastProofError, "not found")

	_, err = f.Engine.Execute(ctx, in.ID, issuance.ExternalReference{TxRef: f.PayExternal(in)})
	require.NoError(t, err)
}

func TestEngine_ExternalNotConfigured(t *testing.T) {
	f := issuancetest.New(t)
	resolver := issuance.NewResolver(f.Registry, issuance.ResolverConfig{Treasury: issuancetest.Treasury})
	req := f.Request("req-ext-off")
	req.PaymentMethod = issuance.MethodExternal
	_, err := resolver.Resolve(context.Background(), req, issuancetest.SettlementAccount, false)
	require.ErrorIs(t, err, issuance.KindValidation)
}

func TestEngine_GuardDenialsAreDistinct(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	put := func(inst institution.Institution) {
		require.NoError(t, f.Directory.Put(ctx, inst))
	}
	put(institution.Institution{ID: "inactive", SettlementAccount: issuancetest.SettlementAccount, Active: false, Assets: []string{f.Collection}})
	put(institution.Institution{ID: "no-account", Active: true, Assets: []string{f.Collection}})
	put(institution.Institution{ID: "unassociated", SettlementAccount: "0.0.7777", Active: true, Assets: []string{f.Collection}})

	cases := []struct {
		institution string
		asset       string
		reason      issuance.DenyReason
	}{
		{"missing", f.Collection, issuance.DenyInstitutionNotFound},
		{"inactive", f.Collection, issuance.DenyInstitutionInactive},
		{"no-account", f.Collection, issuance.DenySettlementMissing},
		{issuancetest.InstitutionID, "0.0.999999", issuance.DenyAssetNotRegistered},
		{"unassociated", f.Collection, issuance.DenyNotAssociated},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			req := f.Request("req-deny-" + tc.institution)
			req.InstitutionID = tc.institution
			req.AssetID = tc.asset
			_, err := f.Engine.Prepare(ctx, req)
			require.ErrorIs(t, err, issuance.KindAuthorizationDenied)
			assert.Equal(t, string(tc.reason), issuance.ReasonOf(err))
		})
	}
	assert.Equal(t, 0, f.Primary.Calls(ledger.OpMint))
}

func TestGuard_FailsClosedAndCachesAllowed(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)

	d := f.Guard.CheckAssociation(ctx, issuancetest.SettlementAccount, f.ACLAsset)
	require.True(t, d.Allowed)
	f.Primary.InjectFault(ledger.OpIsAssociated, func(context.Context, ledger.Call) error {
		return ledger.ErrUnavailable
	})
	d = f.Guard.CheckAssociation(ctx, issuancetest.SettlementAccount, f.ACLAsset)
	assert.True(t, d.Allowed, "allowed decisions are cached")

	d = f.Guard.CheckAssociation(ctx, "0.0.8888", f.ACLAsset)
	assert.False(t, d.Allowed)
	assert.Equal(t, issuance.DenyLedgerQueryFailed, d.Reason)

	d = f.Guard.CheckAssociation(ctx, issuancetest.Treasury, f.ACLAsset)
	assert.True(t, d.Allowed, "treasury bypasses the ledger")
	assert.Equal(t, 2, f.Primary.Calls(ledger.OpIsAssociated))
}

func TestEngine_TreasuryIssuesWithoutFee(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	require.NoError(t, f.Directory.Put(ctx, institution.Institution{
		ID: "platform", Name: "Platform", SettlementAccount: issuancetest.Treasury, Active: true, Assets: []string{f.Collection},
	}))
	req := f.Request("req-platform")
	req.InstitutionID = "platform"
	in, err := f.Engine.Prepare(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, in.Settlement.(issuance.NativeSettlement).Fee)

	_, err = f.Engine.Execute(ctx, in.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, f.Primary.Calls(ledger.OpIsAssociated))
}

func TestEngine_ExpireStale(t *testing.T) {
	ctx := context.Background()
	var now atomic.Int64
	now.Store(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }
	f := issuancetest.New(t, issuancetest.WithClock(clock))

	native, err := f.Engine.Prepare(ctx, f.Request("req-stale"))
	require.NoError(t, err)
	extReq := f.Request("req-stale-ext")
	extReq.PaymentMethod = issuance.MethodExternal
	external, err := f.Engine.Prepare(ctx, extReq)
	require.NoError(t, err)

	now.Add(int64(2 * time.Hour))
	n, err := f.Engine.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "external intents wait for their own deadline")

	_, err = f.Engine.Execute(ctx, native.ID, issuancetest.SignedProof(t, native))
	require.ErrorIs(t, err, issuance.KindPaymentFailure)

	now.Add(int64(72 * time.Hour))
	n, err = f.Engine.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	snap, err := f.Engine.GetIntent(ctx, external.ID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhaseFailed, snap.Phase)
}

func TestEngine_Revoke(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	in, err := f.Engine.Prepare(ctx, f.Request("req-revoke"))
	require.NoError(t, err)
	res, err := f.Engine.Execute(ctx, in.ID, issuancetest.SignedProof(t, in))
	require.NoError(t, err)
	rec := res.Record

	_, err = f.Engine.Revoke(ctx, "another-university", rec.AssetID, rec.SerialNumber, "fraud")
	require.ErrorIs(t, err, issuance.KindAuthorizationDenied)

	rev, err := f.Engine.Revoke(ctx, issuancetest.InstitutionID, rec.AssetID, rec.SerialNumber, " issued in error ")
	require.NoError(t, err)
	assert.Equal(t, "issued in error", rev.Reason)

	again, err := f.Engine.Revoke(ctx, issuancetest.InstitutionID, rec.AssetID, rec.SerialNumber, "other")
	require.NoError(t, err)
	assert.Equal(t, rev, again)

	got, ok, err := f.Engine.GetRevocation(ctx, rec.AssetID, rec.SerialNumber)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rev, got)

	_, err = f.Engine.Revoke(ctx, issuancetest.InstitutionID, rec.AssetID, 999, "x")
	require.ErrorIs(t, err, issuance.ErrRecordNotFound)
}
