package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/lock"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/observability"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/retry"
)

// Anchorer receives every new credential and revocation. Both calls must
// return without waiting for the secondary ledgers.
type Anchorer interface {
	Anchor(ctx context.Context, rec MintRecord)
	AnchorRevocation(ctx context.Context, rec MintRecord, rev Revocation)
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Store    Store
	Guard    *Guard
	Resolver *Resolver
	Minter   *Minter
	Ledgers  *ledger.Registry
	Locker   lock.Locker
	Anchorer Anchorer
	Metrics  *observability.Instruments
	Logger   *slog.Logger
	Now      func() time.Time

	IntentTTL        time.Duration
	ExternalProofTTL time.Duration
	LockTTL          time.Duration
	// PersistRetry bounds store writes made after funds moved.
	PersistRetry retry.Policy
}

// Engine runs the prepare/execute protocol.
type Engine struct {
	store    Store
	guard    *Guard
	resolver *Resolver
	minter   *Minter
	ledgers  *ledger.Registry
	locker   lock.Locker
	anchorer Anchorer
	metrics  *observability.Instruments
	logger   *slog.Logger
	now      func() time.Time

	intentTTL    time.Duration
	externalTTL  time.Duration
	lockTTL      time.Duration
	persistRetry retry.Policy
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		store:        cfg.Store,
		guard:        cfg.Guard,
		resolver:     cfg.Resolver,
		minter:       cfg.Minter,
		ledgers:      cfg.Ledgers,
		locker:       cfg.Locker,
		anchorer:     cfg.Anchorer,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          cfg.Now,
		intentTTL:    cfg.IntentTTL,
		externalTTL:  cfg.ExternalProofTTL,
		lockTTL:      cfg.LockTTL,
		persistRetry: cfg.PersistRetry,
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "issuance_engine")
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.locker == nil {
		e.locker = lock.NewMemoryLocker()
	}
	if e.intentTTL <= 0 {
		e.intentTTL = time.Hour
	}
	if e.externalTTL <= 0 {
		e.externalTTL = 72 * time.Hour
	}
	if e.lockTTL <= 0 {
		e.lockTTL = 2 * time.Minute
	}
	if e.persistRetry.MaxAttempts <= 0 {
		e.persistRetry = retry.Policy{Base: 50 * time.Millisecond, Max: time.Second, MaxJitter: 25 * time.Millisecond, MaxAttempts: 4}
	}
	return e
}

// ExecuteResult is the outcome of a successful execute. Replayed is set when
// the intent had already been executed and nothing was minted.
type ExecuteResult struct {
	Record   MintRecord
	Replayed bool
}

type prepareOptions struct {
	delegated bool
}

// PrepareOption adjusts Prepare.
type PrepareOption func(*prepareOptions)

// WithDelegatedCharge prepares an AUTO request to be settled by
// DelegatedCharge instead of a countersigned payload.
func WithDelegatedCharge() PrepareOption {
	return func(o *prepareOptions) { o.delegated = true }
}

// Prepare checks the institution, resolves the settlement and persists a
// new intent. A live intent for the same request id is returned as is.
func (e *Engine) Prepare(ctx context.Context, req Request, opts ...PrepareOption) (in *Intent, err error) {
	const op = "prepare"
	ctx, span := observability.StartSpan(ctx, "issuance.prepare",
		attribute.String("institution_id", req.InstitutionID), attribute.String("asset_id", req.AssetID))
	defer func() {
		observability.EndSpan(span, err)
		e.recordFailure(ctx, err)
	}()

	var o prepareOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := req.Validate(); err != nil {
		return nil, newError(KindValidation, op, "", err.Error(), nil)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	} else if existing, err := e.store.GetIntentByRequest(ctx, req.RequestID); err == nil {
		if existing.Request.InstitutionID != req.InstitutionID {
			return nil, newError(KindValidation, op, "", "request_id is already in use", nil)
		}
		if existing.Phase != PhaseFailed {
			return existing, nil
		}
	} else if !errors.Is(err, ErrIntentNotFound) {
		return nil, fmt.Errorf("lookup request %s: %w", req.RequestID, err)
	}

	decision := e.guard.Check(ctx, req.InstitutionID, req.AssetID)
	if !decision.Allowed {
		e.logger.WarnContext(ctx, "issuance denied",
			"institution_id", req.InstitutionID, "reason", decision.Reason, "detail", decision.Detail)
		return nil, decision.Err(op)
	}

	settlement, err := e.resolver.Resolve(ctx, req, decision.Institution.SettlementAccount, o.delegated)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	in = &Intent{
		ID:         uuid.NewString(),
		Request:    req,
		IssuerName: decision.Institution.Name,
		IssuerDID:  decision.Institution.DID,
		Phase:      PhasePrepared,
		Settlement: settlement,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(e.intentTTL),
	}
	if _, ok := settlement.(ExternalSettlement); ok {
		in.Phase = PhaseAwaitingExternalProof
		in.ExpiresAt = now.Add(e.externalTTL)
	}
	if err := e.store.CreateIntent(ctx, in); err != nil {
		return nil, fmt.Errorf("store intent: %w", err)
	}

	e.metrics.IntentPrepared(ctx, string(settlement.Method()))
	e.logger.InfoContext(ctx, "intent prepared",
		"intent_id", in.ID, "request_id", req.RequestID, "institution_id", req.InstitutionID,
		"asset_id", req.AssetID, "phase", in.Phase)
	return in, nil
}

// Execute settles the intent's payment with proof and mints the credential.
// An executed intent returns its recorded result without minting again.
func (e *Engine) Execute(ctx context.Context, intentID string, proof Proof) (res ExecuteResult, err error) {
	const op = "execute"
	start := e.now()
	ctx, span := observability.StartSpan(ctx, "issuance.execute", attribute.String("intent_id", intentID))
	defer func() {
		observability.EndSpan(span, err)
		e.recordFailure(ctx, err)
	}()

	lease, err := e.acquire(ctx, op, intentID)
	if err != nil {
		return ExecuteResult{}, err
	}
	defer e.release(ctx, lease, intentID)

	in, err := e.load(ctx, op, intentID)
	if err != nil {
		return ExecuteResult{}, err
	}
	switch in.Phase {
	case PhaseExecuted:
		return ExecuteResult{Record: *in.Record, Replayed: true}, nil
	case PhaseFailed:
		return ExecuteResult{}, failedError(op, in)
	}
	if !in.Paid && e.now().After(in.ExpiresAt) {
		return ExecuteResult{}, e.fail(ctx, in, newError(KindPaymentFailure, op, in.ID, "intent expired", nil))
	}
	if !in.Paid {
		if err := e.settle(ctx, op, in, proof); err != nil {
			return ExecuteResult{}, err
		}
	}
	return e.mint(ctx, op, in, start)
}

// RetryMint re-runs only the mint step of an intent that failed after its
// payment settled.
func (e *Engine) RetryMint(ctx context.Context, intentID string) (res ExecuteResult, err error) {
	const op = "retry_mint"
	start := e.now()
	ctx, span := observability.StartSpan(ctx, "issuance.retry_mint", attribute.String("intent_id", intentID))
	defer func() {
		observability.EndSpan(span, err)
		e.recordFailure(ctx, err)
	}()

	lease, err := e.acquire(ctx, op, intentID)
	if err != nil {
		return ExecuteResult{}, err
	}
	defer e.release(ctx, lease, intentID)

	in, err := e.load(ctx, op, intentID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if in.Phase == PhaseExecuted {
		return ExecuteResult{Record: *in.Record, Replayed: true}, nil
	}
	if in.Phase != PhaseFailed || in.Failure == nil || in.Failure.Kind != KindMintFailure || !in.Paid {
		return ExecuteResult{}, newError(KindValidation, op, in.ID,
			"only intents that failed to mint after payment can retry", nil)
	}
	e.logger.InfoContext(ctx, "retrying mint", "intent_id", in.ID, "payment_ref", in.PaymentRef)
	return e.mint(ctx, op, in, start)
}

// GetIntent returns a snapshot of an intent.
func (e *Engine) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	return e.store.GetIntent(ctx, intentID)
}

// GetRecord returns the mint record of a credential.
func (e *Engine) GetRecord(ctx context.Context, assetID string, serial int64) (MintRecord, error) {
	return e.store.GetRecord(ctx, assetID, serial)
}

// GetRevocation reports whether a credential is revoked.
func (e *Engine) GetRevocation(ctx context.Context, assetID string, serial int64) (Revocation, bool, error) {
	return e.store.GetRevocation(ctx, assetID, serial)
}

// Revoke withdraws a credential issued by institutionID. Revoking twice
// returns the first revocation.
func (e *Engine) Revoke(ctx context.Context, institutionID, assetID string, serial int64, reason string) (Revocation, error) {
	const op = "revoke"
	rec, err := e.store.GetRecord(ctx, assetID, serial)
	if errors.Is(err, ErrRecordNotFound) {
		return Revocation{}, newError(KindValidation, op, "", "credential not found", err)
	}
	if err != nil {
		return Revocation{}, fmt.Errorf("load mint record: %w", err)
	}
	if institutionID != "" && rec.InstitutionID != institutionID {
		return Revocation{}, newError(KindAuthorizationDenied, op, rec.IntentID, "credential belongs to another institution", nil)
	}
	if prev, ok, err := e.store.GetRevocation(ctx, assetID, serial); err != nil {
		return Revocation{}, fmt.Errorf("load revocation: %w", err)
	} else if ok {
		return prev, nil
	}

	rev := Revocation{
		AssetID:      assetID,
		SerialNumber: serial,
		Reason:       strings.TrimSpace(reason),
		RevokedAt:    e.now().UTC(),
	}
	if err := e.store.SaveRevocation(ctx, rev); err != nil {
		return Revocation{}, fmt.Errorf("save revocation: %w", err)
	}
	e.logger.InfoContext(ctx, "credential revoked", "asset_id", assetID, "serial", serial, "reason", rev.Reason)
	if e.anchorer != nil {
		e.anchorer.AnchorRevocation(context.WithoutCancel(ctx), rec, rev)
	}
	return rev, nil
}

// Expire fails an unpaid intent now, whatever its deadline, and returns its
// final snapshot. Paid or finished intents are returned unchanged.
func (e *Engine) Expire(ctx context.Context, intentID, reason string) (*Intent, error) {
	const op = "expire"
	lease, err := e.acquire(ctx, op, intentID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, lease, intentID)

	in, err := e.load(ctx, op, intentID)
	if err != nil {
		return nil, err
	}
	if in.Paid || in.Phase.Terminal() {
		return in, nil
	}
	_ = e.fail(ctx, in, newError(KindPaymentFailure, op, in.ID, reason, nil))
	return in, nil
}

// ExpireStale fails unpaid intents past their deadline. Intents being
// executed are skipped.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	const op = "expire"
	now := e.now()
	stale, err := e.store.ListIntents(ctx, IntentFilter{
		Phases:        []Phase{PhasePrepared, PhaseAwaitingExternalProof},
		ExpiresBefore: now,
		Limit:         500,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale intents: %w", err)
	}
	expired := 0
	for _, s := range stale {
		if s.Paid {
			continue
		}
		lease, err := e.locker.TryLock(ctx, lockKey(s.ID), e.lockTTL)
		if err != nil {
			continue
		}
		in, err := e.store.GetIntent(ctx, s.ID)
		if err == nil && !in.Paid && !in.Phase.Terminal() && now.After(in.ExpiresAt) {
			_ = e.fail(ctx, in, newError(KindPaymentFailure, op, in.ID, "intent expired", nil))
			expired++
		}
		e.release(ctx, lease, s.ID)
	}
	if expired > 0 {
		e.logger.InfoContext(ctx, "expired stale intents", "count", expired)
	}
	return expired, nil
}

func lockKey(intentID string) string { return "intent:" + intentID }

func (e *Engine) acquire(ctx context.Context, op, intentID string) (lock.Lease, error) {
	lease, err := e.locker.TryLock(ctx, lockKey(intentID), e.lockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, newError(KindIdempotencyConflict, op, intentID, "intent is already being executed", err)
	}
	if err != nil {
		return nil, newError(KindLedgerUnavailable, op, intentID, "intent lock unavailable", err)
	}
	return lease, nil
}

func (e *Engine) release(ctx context.Context, lease lock.Lease, intentID string) {
	if err := lease.Unlock(context.WithoutCancel(ctx)); err != nil {
		e.logger.WarnContext(ctx, "intent lock release failed", "intent_id", intentID, "error", err)
	}
}

func (e *Engine) load(ctx context.Context, op, intentID string) (*Intent, error) {
	in, err := e.store.GetIntent(ctx, intentID)
	if errors.Is(err, ErrIntentNotFound) {
		return nil, newError(KindValidation, op, intentID, "unknown intent", err)
	}
	if err != nil {
		return nil, fmt.Errorf("load intent %s: %w", intentID, err)
	}
	return in, nil
}

func failedError(op string, in *Intent) error {
	if in.Failure == nil {
		return newError(KindValidation, op, in.ID, "intent has failed", nil)
	}
	reason := "intent has failed: " + in.Failure.Message
	if in.Failure.Kind == KindMintFailure {
		reason = "payment settled but mint failed; use retry-mint"
	}
	return newError(in.Failure.Kind, op, in.ID, reason, nil)
}

func (e *Engine) recordFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	kind := KindOf(err)
	if kind == "" {
		e.metrics.Failure(ctx, "internal")
		return
	}
	e.metrics.Failure(ctx, string(kind))
}

// fail moves in to FAILED and returns cause.
func (e *Engine) fail(ctx context.Context, in *Intent, cause *Error) error {
	in.Phase = PhaseFailed
	in.Failure = &Failure{Kind: cause.Kind, Message: cause.Error(), At: e.now().UTC()}
	in.UpdatedAt = e.now().UTC()
	if err := e.persist(ctx, "update_intent", in.ID, func(ctx context.Context) error {
		return e.updateIntent(ctx, in)
	}); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist intent failure", "intent_id", in.ID, "error", err)
	}
	e.logger.WarnContext(ctx, "intent failed", "intent_id", in.ID, "kind", cause.Kind, "error", cause)
	return cause
}

// rejectProof records a proof problem on an intent that stays executable.
func (e *Engine) rejectProof(ctx context.Context, in *Intent, cause *Error) error {
	in.LastProofError = cause.Reason
	in.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateIntent(ctx, in); err != nil {
		e.logger.WarnContext(ctx, "failed to record proof error", "intent_id", in.ID, "error", err)
	}
	return cause
}

func (e *Engine) settle(ctx context.Context, op string, in *Intent, proof Proof) error {
	var (
		ref string
		err error
	)
	switch s := in.Settlement.(type) {
	case NativeSettlement:
		ref, err = e.settleNative(ctx, op, in, s, proof)
	case ExternalSettlement:
		ref, err = e.settleExternal(ctx, op, in, s, proof)
	default:
		return newError(KindValidation, op, in.ID, fmt.Sprintf("unsupported settlement %T", s), nil)
	}
	if err != nil {
		return err
	}

	in.Paid = true
	in.PaymentRef = ref
	in.LastProofError = ""
	in.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateIntent(ctx, in); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist settled payment", "intent_id", in.ID, "payment_ref", ref, "error", err)
	}
	e.logger.InfoContext(ctx, "payment settled", "intent_id", in.ID, "payment_ref", ref)
	return nil
}

func (e *Engine) settleNative(ctx context.Context, op string, in *Intent, s NativeSettlement, proof Proof) (string, error) {
	if s.Fee <= 0 {
		return "", nil
	}
	gw, err := e.ledgers.Primary()
	if err != nil {
		return "", newError(KindLedgerUnavailable, op, in.ID, "primary ledger", err)
	}

	var receipt ledger.Receipt
	switch p := proof.(type) {
	case SignedPayload:
		if s.Delegated {
			return "", newError(KindValidation, op, in.ID, "intent settles by delegated charge", nil)
		}
		signed, err := ledger.OpenEnvelope(p.Payload)
		if err != nil {
			return "", newError(KindValidation, op, in.ID, "malformed signed payload", err)
		}
		prepared, err := ledger.OpenEnvelope(s.UnsignedPayload)
		if err != nil {
			return "", newError(KindValidation, op, in.ID, "prepared payload is unreadable", err)
		}
		if !ledger.SameBody(prepared, signed) {
			return "", newError(KindValidation, op, in.ID, "signed payload does not match the prepared transfer", nil)
		}
		receipt, err = gw.SubmitSigned(ctx, p.Payload)
		if errors.Is(err, ledger.ErrBadSignature) {
			return "", newError(KindValidation, op, in.ID, "payload is not signed by the payer", err)
		}
		if err != nil {
			return "", e.paymentError(ctx, op, in, err)
		}
	case DelegatedCharge:
		if !s.Delegated {
			return "", newError(KindValidation, op, in.ID, "intent requires a signed payload", nil)
		}
		receipt, err = gw.Pay(ctx, ledger.Transfer{
			From:    s.Payer,
			To:      s.Payee,
			AssetID: s.AssetID,
			Amount:  s.Fee,
			Memo:    FeeMemo(in.Request.RequestID),
		})
		if err != nil {
			return "", e.paymentError(ctx, op, in, err)
		}
	case nil:
		return "", newError(KindValidation, op, in.ID, "proof is required", nil)
	default:
		return "", newError(KindValidation, op, in.ID, "native settlement requires a signed payload", nil)
	}
	if receipt.Status != "" && receipt.Status != "SUCCESS" {
		return "", e.fail(ctx, in, newError(KindPaymentFailure, op, in.ID, "fee transfer status "+receipt.Status, nil))
	}
	return receipt.TxRef, nil
}

// paymentError leaves the intent untouched when the ledger was unreachable
// and fails it otherwise.
func (e *Engine) paymentError(ctx context.Context, op string, in *Intent, err error) error {
	cause := classifyLedger(op, in.ID, "fee transfer", err)
	if cause.Kind == KindLedgerUnavailable {
		return cause
	}
	return e.fail(ctx, in, cause)
}

func (e *Engine) settleExternal(ctx context.Context, op string, in *Intent, s ExternalSettlement, proof Proof) (string, error) {
	p, ok := proof.(ExternalReference)
	if !ok {
		return "", newError(KindValidation, op, in.ID, "external settlement requires a transaction reference", nil)
	}
	if !ValidExternalRef(p.TxRef) {
		return "", e.rejectProof(ctx, in, newError(KindValidation, op, in.ID, "transaction reference must be 64 hex characters", nil))
	}
	ref := strings.ToUpper(p.TxRef)
	desc := s.Descriptor

	gw, err := e.ledgers.Get(desc.Network)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		gw = nil
	case err != nil:
		return "", newError(KindLedgerUnavailable, op, in.ID, desc.Network+" ledger", err)
	}
	if gw != nil {
		payment, err := gw.LookupPayment(ctx, ref)
		switch {
		case err == nil:
			if reason := matchPayment(payment, desc); reason != "" {
				return "", e.rejectProof(ctx, in, newError(KindValidation, op, in.ID, reason, nil))
			}
		case errors.Is(err, ledger.ErrNotSupported):
		case errors.Is(err, ledger.ErrNotFound):
			return "", e.rejectProof(ctx, in, newError(KindValidation, op, in.ID, "payment not found on "+desc.Network, err))
		case ledger.IsTransient(err) || errors.Is(err, ledger.ErrDisabled):
			return "", newError(KindLedgerUnavailable, op, in.ID, "payment lookup", err)
		default:
			return "", e.rejectProof(ctx, in, newError(KindValidation, op, in.ID, "payment lookup rejected", err))
		}
	}

	if err := e.store.ClaimPaymentRef(ctx, ref, in.ID); err != nil {
		if errors.Is(err, ErrPaymentRefUsed) {
			return "", e.rejectProof(ctx, in, newError(KindValidation, op, in.ID, "payment reference already used", err))
		}
		return "", fmt.Errorf("claim payment ref: %w", err)
	}
	return ref, nil
}

// matchPayment returns why payment does not satisfy desc, or "".
func matchPayment(p ledger.Payment, desc PaymentDescriptor) string {
	switch {
	case !p.Success:
		return "payment did not succeed"
	case p.To != desc.Destination:
		return "payment destination does not match"
	case p.Amount < desc.Amount:
		return fmt.Sprintf("payment amount %d is below %d", p.Amount, desc.Amount)
	case !strings.Contains(p.Memo, desc.Memo):
		return "payment memo does not reference the request"
	}
	return ""
}

func (e *Engine) mint(ctx context.Context, op string, in *Intent, start time.Time) (ExecuteResult, error) {
	if rec, err := e.store.GetRecordByIntent(ctx, in.ID); err == nil {
		e.logger.WarnContext(ctx, "intent already has a stored credential",
			"intent_id", in.ID, "asset_id", rec.AssetID, "serial", rec.SerialNumber)
		if err := e.markExecuted(ctx, in, rec); err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Record: rec, Replayed: true}, nil
	} else if !errors.Is(err, ErrRecordNotFound) {
		return ExecuteResult{}, fmt.Errorf("lookup record of intent %s: %w", in.ID, err)
	}

	var rec MintRecord
	if in.PendingRecord != nil {
		rec = *in.PendingRecord
		e.logger.InfoContext(ctx, "storing previously minted credential",
			"intent_id", in.ID, "asset_id", rec.AssetID, "serial", rec.SerialNumber)
	} else {
		mctx, span := observability.StartSpan(ctx, "issuance.mint", attribute.String("asset_id", in.Request.AssetID))
		minted, err := e.minter.Mint(mctx, in)
		observability.EndSpan(span, err)
		if err != nil {
			return ExecuteResult{}, e.fail(ctx, in, newError(KindMintFailure, op, in.ID,
				"payment settled but the credential was not minted", err))
		}
		rec = minted
	}

	if err := e.persist(ctx, "save_record", in.ID, func(ctx context.Context) error {
		return e.saveRecord(ctx, rec)
	}); err != nil {
		in.PendingRecord = &rec
		return ExecuteResult{}, e.fail(ctx, in, newError(KindMintFailure, op, in.ID,
			"credential minted but its record was not stored", err))
	}

	e.metrics.IntentExecuted(ctx, string(in.Request.PaymentMethod), e.now().Sub(start))
	e.logger.InfoContext(ctx, "credential minted",
		"intent_id", in.ID, "asset_id", rec.AssetID, "serial", rec.SerialNumber,
		"tx_ref", rec.TransactionRef, "delivered", rec.Delivered)
	if e.anchorer != nil {
		e.anchorer.Anchor(context.WithoutCancel(ctx), rec)
	}
	if err := e.markExecuted(ctx, in, rec); err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{Record: rec}, nil
}

// saveRecord treats a duplicate serial already recorded for the same intent
// as stored.
func (e *Engine) saveRecord(ctx context.Context, rec MintRecord) error {
	err := e.store.SaveRecord(ctx, rec)
	if !errors.Is(err, ErrDuplicateSerial) {
		return err
	}
	if got, gerr := e.store.GetRecord(ctx, rec.AssetID, rec.SerialNumber); gerr == nil && got.IntentID == rec.IntentID {
		return nil
	}
	return &retry.Permanent{Err: err}
}

// markExecuted stores the EXECUTED phase. Failing here leaves the record
// stored, so a later execute replays it.
func (e *Engine) markExecuted(ctx context.Context, in *Intent, rec MintRecord) error {
	in.Phase = PhaseExecuted
	in.Record = &rec
	in.PendingRecord = nil
	in.Failure = nil
	in.UpdatedAt = e.now().UTC()
	err := e.persist(ctx, "update_intent", in.ID, func(ctx context.Context) error {
		return e.updateIntent(ctx, in)
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to persist executed intent",
			"intent_id", in.ID, "asset_id", rec.AssetID, "serial", rec.SerialNumber, "error", err)
		return fmt.Errorf("persist executed intent %s: %w", in.ID, err)
	}
	return nil
}

// updateIntent stores in. A version conflict is final unless the stored
// intent already carries the same phase.
func (e *Engine) updateIntent(ctx context.Context, in *Intent) error {
	err := e.store.UpdateIntent(ctx, in)
	if !errors.Is(err, ErrVersionConflict) {
		return err
	}
	if cur, gerr := e.store.GetIntent(ctx, in.ID); gerr == nil && cur.Phase == in.Phase {
		in.Version = cur.Version
		return nil
	}
	return &retry.Permanent{Err: err}
}

func (e *Engine) persist(ctx context.Context, op, intentID string, fn func(context.Context) error) error {
	return retry.Do(ctx, retry.Key{Network: "store", Operation: op, Subject: intentID}, e.persistRetry, fn)
}
