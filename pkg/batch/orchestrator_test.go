package batch_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/artifacts"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/batch"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/database"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/institution"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance/issuancetest"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newOrchestrator(t *testing.T, f *issuancetest.Fixture, mutate func(*batch.Config)) *batch.Orchestrator {
	t.Helper()
	cfg := batch.Config{
		Issuer:          f.Engine,
		Gate:            f.Guard,
		Store:           batch.NewMemoryStore(),
		Logger:          f.Logger,
		Workers:         2,
		ItemConcurrency: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o := batch.New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})
	return o
}

func requests(f *issuancetest.Fixture, ids ...string) []issuance.Request {
	out := make([]issuance.Request, len(ids))
	for i, id := range ids {
		out[i] = f.Request(id)
		out[i].RequestID = ""
	}
	return out
}

func waitStatus(t *testing.T, o *batch.Orchestrator, jobID string, want batch.Status) *batch.View {
	t.Helper()
	var v *batch.View
	require.Eventually(t, func() bool {
		var err error
		v, err = o.Status(context.Background(), jobID)
		require.NoError(t, err)
		return v.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s", want)
	return v
}

func TestOrchestrator_GuardDenialFailsJobWithoutRunningItems(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	require.NoError(t, f.Directory.Put(ctx, institution.Institution{
		ID:                "unassociated",
		SettlementAccount: "0.0.7777",
		Active:            true,
		Assets:            []string{f.Collection},
	}))
	o := newOrchestrator(t, f, nil)
	o.Start()

	job, err := o.Submit(ctx, "unassociated", requests(f, "a", "b", "c"))
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, batch.StatusFailed, job.Status)

	v, err := o.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, v.Status)
	assert.Equal(t, 3, v.Total)
	assert.Zero(t, v.SuccessfulCount)
	assert.Zero(t, v.FailedCount)
	assert.Contains(t, v.Error, string(issuance.DenyNotAssociated))
	assert.NotNil(t, v.CompletedAt)
	assert.Equal(t, 0, f.Primary.Calls(ledger.OpMint))
}

func TestOrchestrator_ForcedFailuresDoNotAbortSiblings(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	f.Primary.InjectFault(ledger.OpMint, func(_ context.Context, c ledger.Call) error {
		if c.Seq == 2 || c.Seq == 4 {
			return ledger.ErrRejected
		}
		return nil
	})
	o := newOrchestrator(t, f, nil)
	o.Start()

	job, err := o.Submit(ctx, issuancetest.InstitutionID, requests(f, "a", "b", "c", "d", "e"))
	require.NoError(t, err)

	v := waitStatus(t, o, job.ID, batch.StatusCompleted)
	assert.Equal(t, 100, v.ProgressPercent)
	assert.Len(t, v.Successful, 3)
	assert.Len(t, v.Failed, 2)
	for _, fi := range v.Failed {
		assert.Equal(t, issuance.KindMintFailure, fi.ErrorKind)
		assert.NotEmpty(t, fi.IntentID)
	}
	assert.Equal(t, 2, v.Summary.MintFailures)
	assert.Zero(t, v.Summary.FailedBeforeExecution)

	serials := map[int64]bool{}
	for _, rec := range v.Successful {
		assert.False(t, serials[rec.SerialNumber])
		serials[rec.SerialNumber] = true
	}
}

func TestOrchestrator_MintFailureAfterPaymentIsTaggedMintFailure(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	f.Primary.InjectFault(ledger.OpMint, func(ctx context.Context, c ledger.Call) error {
		hash, err := artifacts.HashFromURI(string(c.Data))
		if err != nil {
			return err
		}
		doc, err := f.Artifacts.Get(ctx, hash)
		if err != nil {
			return err
		}
		meta, err := issuance.DecodeMetadata(doc)
		if err != nil {
			return err
		}
		if meta.ContentHash == "sha256:B" {
			return ledger.ErrTimeout
		}
		return nil
	})
	o := newOrchestrator(t, f, nil)
	o.Start()

	job, err := o.Submit(ctx, issuancetest.InstitutionID, requests(f, "A", "B"))
	require.NoError(t, err)
	v := waitStatus(t, o, job.ID, batch.StatusCompleted)

	require.Len(t, v.Successful, 1)
	assert.Equal(t, "sha256:A", v.Successful[0].ContentHash)
	require.Len(t, v.Failed, 1)
	assert.Equal(t, 1, v.Failed[0].Index)
	assert.Equal(t, issuance.KindMintFailure, v.Failed[0].ErrorKind)

	in, err := f.Engine.GetIntent(ctx, v.Failed[0].IntentID)
	require.NoError(t, err)
	assert.True(t, in.Paid, "B's fee was charged before the mint failed")
	assert.Equal(t, 2, f.Primary.Calls(ledger.OpPay))
}

func TestOrchestrator_ExternalItemsParkUntilFinalized(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	o := newOrchestrator(t, f, func(c *batch.Config) {
		c.Now = clk.Now
		c.ExternalProofTTL = time.Hour
	})
	o.Start()

	reqs := requests(f, "auto", "ext-1", "ext-2")
	reqs[1].PaymentMethod = issuance.MethodExternal
	reqs[2].PaymentMethod = issuance.MethodExternal
	job, err := o.Submit(ctx, issuancetest.InstitutionID, reqs)
	require.NoError(t, err)

	v := waitStatus(t, o, job.ID, batch.StatusAwaitingExternalProof)
	assert.Equal(t, 1, v.SuccessfulCount)
	require.Len(t, v.PendingExternalProofs, 2)
	for _, p := range v.PendingExternalProofs {
		assert.Equal(t, issuancetest.XRPLDestination, p.Descriptor.Destination)
		assert.Equal(t, issuance.PaymentMemo(batch.ItemRequestID(job.ID, p.ItemIndex)), p.Descriptor.Memo)
	}
	first, second := v.PendingExternalProofs[0], v.PendingExternalProofs[1]

	in, err := f.Engine.GetIntent(ctx, first.IntentID)
	require.NoError(t, err)
	paid := f.PayExternal(in)
	unknownRef := strings.Repeat("AB", 32)

	res, err := o.Finalize(ctx, job.ID, map[string]string{
		first.IntentID:  paid,
		second.IntentID: "not-a-ref",
		"stranger":      unknownRef,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{first.IntentID}, res.Accepted)
	assert.Contains(t, res.Rejected, second.IntentID)
	assert.Contains(t, res.Rejected, "stranger")
	assert.Equal(t, batch.StatusProcessing, res.Status)

	v = waitStatus(t, o, job.ID, batch.StatusAwaitingExternalProof)
	assert.Equal(t, 2, v.SuccessfulCount)
	require.Len(t, v.PendingExternalProofs, 1)
	assert.Equal(t, second.IntentID, v.PendingExternalProofs[0].IntentID)

	// A well-formed reference the ledger has never seen keeps the item parked.
	_, err = o.Finalize(ctx, job.ID, map[string]string{second.IntentID: unknownRef})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, err = o.Status(ctx, job.ID)
		require.NoError(t, err)
		return v.Status == batch.StatusAwaitingExternalProof &&
			len(v.PendingExternalProofs) == 1 && v.PendingExternalProofs[0].LastProofError != ""
	}, 5*time.Second, 5*time.Millisecond)

	_, err = o.Finalize(ctx, "missing-job", nil)
	require.ErrorIs(t, err, batch.ErrJobNotFound)
	_, err = o.Subscribe(ctx, "missing-job")
	require.ErrorIs(t, err, batch.ErrJobNotFound)
	require.Eventually(t, func() bool { return o.HeldLocks() == 0 }, 5*time.Second, 5*time.Millisecond,
		"job locks outlive their callers")

	clk.Advance(2 * time.Hour)
	swept, err := o.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept.Expired)

	v, err = o.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, v.Status)
	assert.Equal(t, 100, v.ProgressPercent)
	assert.Equal(t, 2, v.SuccessfulCount)
	require.Len(t, v.Failed, 1)
	assert.Equal(t, issuance.KindPaymentFailure, v.Failed[0].ErrorKind)

	// The swept intent is expired in the engine too, so paying late mints nothing.
	late, err := f.Engine.GetIntent(ctx, second.IntentID)
	require.NoError(t, err)
	assert.Equal(t, issuance.PhaseFailed, late.Phase)
	_, err = f.Engine.Execute(ctx, second.IntentID, issuance.ExternalReference{TxRef: f.PayExternal(late)})
	require.ErrorIs(t, err, issuance.KindPaymentFailure)
	assert.Equal(t, 2, f.Primary.Calls(ledger.OpMint))

	_, err = o.Finalize(ctx, job.ID, map[string]string{second.IntentID: unknownRef})
	require.ErrorIs(t, err, batch.ErrNotAwaiting)
	assert.Zero(t, o.HeldLocks())
}

func TestOrchestrator_SweepCountsIntentsExecutedOutsideTheJob(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	o := newOrchestrator(t, f, func(c *batch.Config) {
		c.Now = clk.Now
		c.ExternalProofTTL = time.Hour
	})
	o.Start()

	reqs := requests(f, "ext")
	reqs[0].PaymentMethod = issuance.MethodExternal
	job, err := o.Submit(ctx, issuancetest.InstitutionID, reqs)
	require.NoError(t, err)
	v := waitStatus(t, o, job.ID, batch.StatusAwaitingExternalProof)
	require.Len(t, v.PendingExternalProofs, 1)
	parked := v.PendingExternalProofs[0]

	// The proof arrives directly through the engine after the deadline.
	in, err := f.Engine.GetIntent(ctx, parked.IntentID)
	require.NoError(t, err)
	_, err = f.Engine.Execute(ctx, parked.IntentID, issuance.ExternalReference{TxRef: f.PayExternal(in)})
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	swept, err := o.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept.Expired)

	v, err = o.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, v.Status)
	assert.Equal(t, 1, v.SuccessfulCount, "executed intent is reported as a success")
	assert.Empty(t, v.Failed)
}

func TestOrchestrator_SubscriberSeesMonotonicProgressThenTerminal(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	o := newOrchestrator(t, f, nil)

	job, err := o.Submit(ctx, issuancetest.InstitutionID, requests(f, "a", "b", "c", "d"))
	require.NoError(t, err)
	sub, err := o.Subscribe(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Subscribers(job.ID))
	o.Start()

	var events []batch.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				done = true
				continue
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("subscription never closed")
		}
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, batch.EventTerminal, last.Type)
	assert.Equal(t, batch.StatusCompleted, last.Status)
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, 4, last.SuccessCount)

	progress := 0
	prev := 0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Percent, prev)
		prev = ev.Percent
		if ev.Type == batch.EventProgress {
			progress++
		}
	}
	assert.Equal(t, 4, progress)
	assert.Equal(t, 0, o.Subscribers(job.ID))

	late, err := o.Subscribe(ctx, job.ID)
	require.NoError(t, err)
	ev, ok := <-late.C
	require.True(t, ok)
	assert.Equal(t, batch.EventTerminal, ev.Type)
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestOrchestrator_UnsubscribeClosesChannel(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	o := newOrchestrator(t, f, nil)
	job, err := o.Submit(ctx, issuancetest.InstitutionID, requests(f, "a"))
	require.NoError(t, err)

	sub, err := o.Subscribe(ctx, job.ID)
	require.NoError(t, err)
	o.Unsubscribe(sub)
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, o.Subscribers(job.ID))

	_, err = o.Subscribe(ctx, "missing")
	require.ErrorIs(t, err, batch.ErrJobNotFound)
}

func TestOrchestrator_RecoverResumesWithoutRemint(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := batch.NewSQLStore(ctx, db)
	require.NoError(t, err)

	first := newOrchestrator(t, f, func(c *batch.Config) { c.Store = store })
	job, err := first.Submit(ctx, issuancetest.InstitutionID, requests(f, "a", "b"))
	require.NoError(t, err)
	require.NoError(t, first.Stop(ctx))

	// Item 0 executed before the crash; its intent outlives the job state.
	req := job.Items[0].Request
	req.RequestID = batch.ItemRequestID(job.ID, 0)
	in, err := f.Engine.Prepare(ctx, req, issuance.WithDelegatedCharge())
	require.NoError(t, err)
	_, err = f.Engine.Execute(ctx, in.ID, issuance.DelegatedCharge{})
	require.NoError(t, err)
	require.Equal(t, 1, f.Primary.Calls(ledger.OpMint))

	second := newOrchestrator(t, f, func(c *batch.Config) { c.Store = store })
	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	second.Start()

	v := waitStatus(t, second, job.ID, batch.StatusCompleted)
	assert.Equal(t, 2, v.SuccessfulCount)
	assert.Equal(t, 2, f.Primary.Calls(ledger.OpMint))
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	o := newOrchestrator(t, f, func(c *batch.Config) { c.MaxItems = 2 })

	_, err := o.Submit(ctx, issuancetest.InstitutionID, nil)
	require.ErrorIs(t, err, batch.ErrEmptyBatch)
	_, err = o.Submit(ctx, issuancetest.InstitutionID, requests(f, "a", "b", "c"))
	require.ErrorIs(t, err, batch.ErrTooManyItems)

	require.NoError(t, o.Stop(ctx))
	_, err = o.Submit(ctx, issuancetest.InstitutionID, requests(f, "a"))
	require.ErrorIs(t, err, batch.ErrClosed)
}

func TestOrchestrator_InvalidItemFailsAlone(t *testing.T) {
	ctx := context.Background()
	f := issuancetest.New(t)
	o := newOrchestrator(t, f, nil)
	o.Start()

	reqs := requests(f, "good", "bad")
	reqs[1].SubjectName = ""
	job, err := o.Submit(ctx, issuancetest.InstitutionID, reqs)
	require.NoError(t, err)

	v := waitStatus(t, o, job.ID, batch.StatusCompleted)
	assert.Equal(t, 1, v.SuccessfulCount)
	require.Len(t, v.Failed, 1)
	assert.Equal(t, issuance.KindValidation, v.Failed[0].ErrorKind)
	assert.Empty(t, v.Failed[0].IntentID)
	assert.Equal(t, 1, v.Summary.FailedBeforeExecution)
}
