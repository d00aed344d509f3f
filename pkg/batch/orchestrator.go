package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/anchor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/observability"
)

// KindInternal tags item failures that carry no issuance error kind.
const KindInternal issuance.Kind = "InternalError"

// Issuer is the part of the issuance engine the orchestrator drives.
type Issuer interface {
	Prepare(ctx context.Context, req issuance.Request, opts ...issuance.PrepareOption) (*issuance.Intent, error)
	Execute(ctx context.Context, intentID string, proof issuance.Proof) (issuance.ExecuteResult, error)
	GetIntent(ctx context.Context, intentID string) (*issuance.Intent, error)
	Expire(ctx context.Context, intentID, reason string) (*issuance.Intent, error)
}

// Gate checks an institution before its job starts.
type Gate interface {
	Check(ctx context.Context, institutionID, assetID string) issuance.Decision
}

// ProofLookup reports anchoring outcomes for job summaries.
type ProofLookup interface {
	Proofs(ctx context.Context, contentHash string) ([]anchor.Proof, error)
}

// Config wires an Orchestrator.
type Config struct {
	Issuer  Issuer
	Gate    Gate
	Store   Store
	Proofs  ProofLookup
	Metrics *observability.Instruments
	Logger  *slog.Logger
	Now     func() time.Time

	Workers          int
	ItemConcurrency  int
	MaxItems         int
	ExternalProofTTL time.Duration
	Retention        time.Duration
}

// Orchestrator owns every job mutation. Each job is changed only under its
// own lock, and the whole job is stored before any event about it is sent.
type Orchestrator struct {
	issuer  Issuer
	gate    Gate
	store   Store
	proofs  ProofLookup
	metrics *observability.Instruments
	logger  *slog.Logger
	now     func() time.Time

	workers         int
	itemConcurrency int
	maxItems        int
	externalTTL     time.Duration
	retention       time.Duration

	hub     *hub
	locksMu sync.Mutex
	locks   map[string]*jobLock

	queue     chan string
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	workerWG  sync.WaitGroup
	tasks     sync.WaitGroup
	stopped   atomic.Bool
}

func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		issuer:          cfg.Issuer,
		gate:            cfg.Gate,
		store:           cfg.Store,
		proofs:          cfg.Proofs,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		now:             cfg.Now,
		workers:         cfg.Workers,
		itemConcurrency: cfg.ItemConcurrency,
		maxItems:        cfg.MaxItems,
		externalTTL:     cfg.ExternalProofTTL,
		retention:       cfg.Retention,
		hub:             newHub(),
		locks:           make(map[string]*jobLock),
		queue:           make(chan string, 1024),
		stop:            make(chan struct{}),
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "batch")
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.workers <= 0 {
		o.workers = 4
	}
	if o.itemConcurrency <= 0 {
		o.itemConcurrency = 4
	}
	if o.maxItems <= 0 {
		o.maxItems = 1000
	}
	if o.externalTTL <= 0 {
		o.externalTTL = 72 * time.Hour
	}
	if o.retention <= 0 {
		o.retention = 24 * time.Hour
	}
	return o
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		for i := 0; i < o.workers; i++ {
			o.workerWG.Add(1)
			go o.worker()
		}
		o.logger.Info("batch workers started", "workers", o.workers, "item_concurrency", o.itemConcurrency)
	})
}

// Stop refuses new jobs and waits for running jobs and proof executions.
// Queued jobs stay QUEUED for Recover.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopped.Store(true)
	o.stopOnce.Do(func() { close(o.stop) })
	done := make(chan struct{})
	go func() {
		o.workerWG.Wait()
		o.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch drain: %w", ctx.Err())
	}
}

// Submit creates a job and queues it. A job whose institution fails the
// association check is stored FAILED without running any item.
func (o *Orchestrator) Submit(ctx context.Context, institutionID string, items []issuance.Request) (*Job, error) {
	if o.stopped.Load() {
		return nil, ErrClosed
	}
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(items) > o.maxItems {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(items), o.maxItems)
	}

	now := o.now().UTC()
	job := &Job{
		ID:            uuid.NewString(),
		InstitutionID: institutionID,
		Status:        StatusQueued,
		Items:         make([]Item, len(items)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, req := range items {
		req.InstitutionID = institutionID
		job.Items[i] = Item{Index: i, Request: req, State: ItemPending}
	}

	if d := o.gate.Check(ctx, institutionID, ""); !d.Allowed {
		job.Status = StatusFailed
		job.Error = string(d.Reason) + ": " + d.Detail
		job.CompletedAt = &now
		if err := o.store.Create(ctx, job); err != nil {
			return nil, fmt.Errorf("store job: %w", err)
		}
		o.logger.WarnContext(ctx, "batch rejected before start",
			"job_id", job.ID, "institution_id", institutionID, "reason", d.Reason)
		return job, nil
	}

	if err := o.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}
	o.enqueue(job.ID)
	o.logger.InfoContext(ctx, "batch queued", "job_id", job.ID, "institution_id", institutionID, "items", len(items))
	return job, nil
}

// Recover queues every QUEUED or PROCESSING job found in the store. Items
// whose intents already executed resolve from the cached mint record.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.store.ListByStatus(ctx, StatusQueued, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	for _, j := range jobs {
		o.enqueue(j.ID)
	}
	if len(jobs) > 0 {
		o.logger.InfoContext(ctx, "recovered unfinished batch jobs", "count", len(jobs))
	}
	return len(jobs), nil
}

func (o *Orchestrator) enqueue(id string) {
	select {
	case o.queue <- id:
		return
	default:
	}
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		select {
		case o.queue <- id:
		case <-o.stop:
		}
	}()
}

func (o *Orchestrator) worker() {
	defer o.workerWG.Done()
	for {
		select {
		case <-o.stop:
			return
		case id := <-o.queue:
			o.process(context.Background(), id)
		}
	}
}

// jobLock serializes writers of one job. Entries live only while refs > 0.
type jobLock struct {
	mu   sync.Mutex
	refs int
}

// lockJob locks id and returns the unlock func.
func (o *Orchestrator) lockJob(id string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &jobLock{}
		o.locks[id] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(o.locks, id)
		}
		o.locksMu.Unlock()
	}
}

type eventSpec struct {
	typ   EventType
	index int
}

// mutate is the only writer of jobs. fn edits the loaded job and reports
// whether it changed; the job is stored before events are published.
func (o *Orchestrator) mutate(ctx context.Context, id string, fn func(*Job) (bool, []eventSpec)) (*Job, error) {
	defer o.lockJob(id)()

	j, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	changed, events := fn(j)
	if !changed {
		return j, nil
	}
	if p := j.percent(); p > j.Progress {
		j.Progress = p
	}
	j.UpdatedAt = o.now().UTC()
	if err := o.store.Update(ctx, j); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	for _, ev := range events {
		o.hub.publish(eventFor(j, ev.typ, ev.index))
	}
	return j, nil
}

func (o *Orchestrator) process(ctx context.Context, id string) {
	ctx, span := observability.StartSpan(ctx, "batch.process", attribute.String("job_id", id))
	defer observability.EndSpan(span, nil)

	job, err := o.mutate(ctx, id, func(j *Job) (bool, []eventSpec) {
		if j.Status != StatusQueued {
			return false, nil
		}
		j.Status = StatusProcessing
		return true, []eventSpec{{EventStatus, -1}}
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "batch job could not start", "job_id", id, "error", err)
		return
	}
	if job.Status != StatusProcessing {
		return
	}

	sem := make(chan struct{}, o.itemConcurrency)
	var wg sync.WaitGroup
	for _, it := range job.Items {
		if it.State == ItemSucceeded || it.State == ItemFailed {
			continue
		}
		wg.Add(1)
		go func(it Item) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			o.runItem(ctx, job.ID, it)
		}(it)
	}
	wg.Wait()
	o.settle(ctx, id)
}

// ItemRequestID is the request id of a job item, stable across recoveries.
func ItemRequestID(jobID string, index int) string {
	return fmt.Sprintf("%s:%d", jobID, index)
}

func (o *Orchestrator) runItem(ctx context.Context, jobID string, it Item) {
	ctx, span := observability.StartSpan(ctx, "batch.item",
		attribute.String("job_id", jobID), attribute.Int("item_index", it.Index))
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	var (
		in  *issuance.Intent
		err error
	)
	if it.IntentID != "" {
		in, err = o.issuer.GetIntent(ctx, it.IntentID)
	} else {
		req := it.Request
		req.RequestID = ItemRequestID(jobID, it.Index)
		in, err = o.issuer.Prepare(ctx, req, issuance.WithDelegatedCharge())
		if err == nil {
			o.recordIntent(ctx, jobID, it.Index, in.ID)
		}
	}
	if err != nil {
		spanErr = err
		o.failItem(ctx, jobID, it.Index, it.IntentID, err)
		return
	}

	switch in.Phase {
	case issuance.PhaseExecuted:
		o.succeedItem(ctx, jobID, it.Index, *in.Record)
		return
	case issuance.PhaseFailed:
		spanErr = failureError(in)
		o.failItem(ctx, jobID, it.Index, in.ID, spanErr)
		return
	case issuance.PhaseAwaitingExternalProof:
		if it.State != ItemAwaiting {
			o.parkItem(ctx, jobID, it.Index, in)
		}
		return
	}

	res, err := o.issuer.Execute(ctx, in.ID, issuance.DelegatedCharge{})
	if err != nil {
		spanErr = err
		o.failItem(ctx, jobID, it.Index, in.ID, err)
		return
	}
	o.succeedItem(ctx, jobID, it.Index, res.Record)
}

func failureError(in *issuance.Intent) error {
	if in.Failure == nil {
		return &issuance.Error{Kind: KindInternal, Op: "batch", IntentID: in.ID, Reason: "intent failed"}
	}
	return &issuance.Error{Kind: in.Failure.Kind, Op: "batch", IntentID: in.ID, Reason: in.Failure.Message}
}

func (o *Orchestrator) recordIntent(ctx context.Context, jobID string, index int, intentID string) {
	_, err := o.mutate(ctx, jobID, func(j *Job) (bool, []eventSpec) {
		j.Items[index].IntentID = intentID
		return true, nil
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to record item intent", "job_id", jobID, "item_index", index, "error", err)
	}
}

// resolve applies a final outcome to an unresolved item.
func (o *Orchestrator) resolve(ctx context.Context, jobID string, index int, outcome string, apply func(*Job, *Item)) {
	_, err := o.mutate(ctx, jobID, func(j *Job) (bool, []eventSpec) {
		it := &j.Items[index]
		if it.State == ItemSucceeded || it.State == ItemFailed {
			return false, nil
		}
		apply(j, it)
		return true, []eventSpec{{EventProgress, index}}
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to record item outcome",
			"job_id", jobID, "item_index", index, "outcome", outcome, "error", err)
		return
	}
	o.metrics.BatchItem(ctx, outcome)
}

func (o *Orchestrator) succeedItem(ctx context.Context, jobID string, index int, rec issuance.MintRecord) {
	o.resolve(ctx, jobID, index, "succeeded", func(j *Job, it *Item) {
		it.State = ItemSucceeded
		it.IntentID = rec.IntentID
		it.LastProofError = ""
		j.Successful = append(j.Successful, rec)
	})
}

func (o *Orchestrator) failItem(ctx context.Context, jobID string, index int, intentID string, cause error) {
	kind := issuance.KindOf(cause)
	if kind == "" {
		kind = KindInternal
	}
	o.resolve(ctx, jobID, index, "failed", func(j *Job, it *Item) {
		it.State = ItemFailed
		j.Failed = append(j.Failed, FailedItem{
			Index:     index,
			Request:   it.Request,
			IntentID:  intentID,
			ErrorKind: kind,
			Error:     cause.Error(),
		})
	})
	o.logger.WarnContext(ctx, "batch item failed", "job_id", jobID, "item_index", index, "kind", kind, "error", cause)
}

func (o *Orchestrator) parkItem(ctx context.Context, jobID string, index int, in *issuance.Intent) {
	s, ok := in.Settlement.(issuance.ExternalSettlement)
	if !ok {
		o.failItem(ctx, jobID, index, in.ID, &issuance.Error{Kind: KindInternal, Op: "batch", IntentID: in.ID, Reason: "awaiting intent without external settlement"})
		return
	}
	_, err := o.mutate(ctx, jobID, func(j *Job) (bool, []eventSpec) {
		it := &j.Items[index]
		if it.State != ItemPending {
			return false, nil
		}
		it.State = ItemAwaiting
		it.IntentID = in.ID
		d := s.Descriptor
		it.Descriptor = &d
		return true, []eventSpec{{EventProgress, index}}
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to park item", "job_id", jobID, "item_index", index, "error", err)
		return
	}
	o.metrics.BatchItem(ctx, "parked")
}

// settle moves a job whose items have all run to AWAITING_EXTERNAL_PROOF or
// COMPLETED.
func (o *Orchestrator) settle(ctx context.Context, id string) {
	job, err := o.mutate(ctx, id, func(j *Job) (bool, []eventSpec) {
		if j.Status.Terminal() {
			return false, nil
		}
		awaiting := 0
		for _, it := range j.Items {
			switch it.State {
			case ItemPending:
				return false, nil
			case ItemAwaiting:
				awaiting++
			}
		}
		now := o.now().UTC()
		if awaiting > 0 {
			if j.Status == StatusAwaitingExternalProof {
				return false, nil
			}
			j.Status = StatusAwaitingExternalProof
			if j.AwaitingSince == nil {
				j.AwaitingSince = &now
			}
			return true, []eventSpec{{EventStatus, -1}}
		}
		j.Status = StatusCompleted
		j.CompletedAt = &now
		return true, []eventSpec{{EventTerminal, -1}}
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to settle batch job", "job_id", id, "error", err)
		return
	}
	o.logger.InfoContext(ctx, "batch job settled",
		"job_id", id, "status", job.Status, "succeeded", len(job.Successful), "failed", len(job.Failed))
}

// FinalizeResult reports which proofs were accepted for execution.
type FinalizeResult struct {
	Accepted []string          `json:"accepted"`
	Rejected map[string]string `json:"rejected"`
	Status   Status            `json:"status"`
}

// Finalize supplies external payment proofs keyed by intent id. Proofs that
// name no pending item or are malformed are rejected; the rest execute in
// the background.
func (o *Orchestrator) Finalize(ctx context.Context, jobID string, proofs map[string]string) (FinalizeResult, error) {
	res := FinalizeResult{Rejected: make(map[string]string)}
	if o.stopped.Load() {
		return res, ErrClosed
	}
	accepted := make(map[string]string)
	awaiting := false
	job, err := o.mutate(ctx, jobID, func(j *Job) (bool, []eventSpec) {
		if j.Status != StatusAwaitingExternalProof {
			return false, nil
		}
		awaiting = true
		pending := make(map[string]bool)
		for _, it := range j.Items {
			if it.State == ItemAwaiting {
				pending[it.IntentID] = true
			}
		}
		for intentID, ref := range proofs {
			switch {
			case !pending[intentID]:
				res.Rejected[intentID] = "no pending item for intent"
			case !issuance.ValidExternalRef(ref):
				res.Rejected[intentID] = "transaction reference must be 64 hex characters"
			default:
				accepted[intentID] = ref
			}
		}
		if len(accepted) == 0 {
			return false, nil
		}
		j.Status = StatusProcessing
		return true, []eventSpec{{EventStatus, -1}}
	})
	if err != nil {
		return res, err
	}
	res.Status = job.Status
	if !awaiting {
		return res, ErrNotAwaiting
	}
	for id := range accepted {
		res.Accepted = append(res.Accepted, id)
	}
	sort.Strings(res.Accepted)
	if len(accepted) == 0 {
		return res, nil
	}

	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		o.executeProofs(context.WithoutCancel(ctx), jobID, accepted)
	}()
	return res, nil
}

func (o *Orchestrator) executeProofs(ctx context.Context, jobID string, proofs map[string]string) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		o.logger.ErrorContext(ctx, "finalize lost its job", "job_id", jobID, "error", err)
		return
	}
	index := make(map[string]int, len(job.Items))
	for _, it := range job.Items {
		index[it.IntentID] = it.Index
	}

	sem := make(chan struct{}, o.itemConcurrency)
	var wg sync.WaitGroup
	for intentID, ref := range proofs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			idx := index[intentID]
			res, err := o.issuer.Execute(ctx, intentID, issuance.ExternalReference{TxRef: ref})
			switch {
			case err == nil:
				o.succeedItem(ctx, jobID, idx, res.Record)
			case errors.Is(err, issuance.KindValidation), errors.Is(err, issuance.KindLedgerUnavailable):
				o.rejectProof(ctx, jobID, idx, err)
			default:
				o.failItem(ctx, jobID, idx, intentID, err)
			}
		}()
	}
	wg.Wait()
	o.settle(ctx, jobID)
}

func (o *Orchestrator) rejectProof(ctx context.Context, jobID string, index int, cause error) {
	reason := issuance.ReasonOf(cause)
	if reason == "" {
		reason = cause.Error()
	}
	_, err := o.mutate(ctx, jobID, func(j *Job) (bool, []eventSpec) {
		j.Items[index].LastProofError = reason
		return true, nil
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to record proof rejection", "job_id", jobID, "item_index", index, "error", err)
	}
	o.logger.WarnContext(ctx, "external proof rejected", "job_id", jobID, "item_index", index, "reason", reason)
}

// Subscribe returns a subscription to a job's events. A finished job yields
// its terminal event at once.
func (o *Orchestrator) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	defer o.lockJob(jobID)()
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	sub := o.hub.subscribe(jobID, len(j.Items)+8)
	if j.Status.Terminal() {
		o.hub.publish(eventFor(j, EventTerminal, -1))
	}
	return sub, nil
}

// Unsubscribe stops delivery and closes the subscription's channel.
func (o *Orchestrator) Unsubscribe(sub *Subscription) {
	o.hub.unsubscribe(sub)
}

// Subscribers reports how many subscriptions a job has.
func (o *Orchestrator) Subscribers(jobID string) int {
	return o.hub.count(jobID)
}
