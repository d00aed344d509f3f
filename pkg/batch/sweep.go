package batch

import (
	"context"
	"fmt"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
)

// SweepResult counts what one Sweep pass did.
type SweepResult struct {
	Expired int `json:"expired"`
	Evicted int `json:"evicted"`
}

const proofDeadlineReason = "external payment proof not supplied before the deadline"

// Sweep completes jobs that waited too long for external proofs and evicts
// finished jobs past retention. Parked intents are expired in the engine
// first, so a late proof cannot mint a credential the job reports failed.
// An item whose intent settled meanwhile keeps its job open.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := o.now().UTC()

	jobs, err := o.store.ListByStatus(ctx, StatusAwaitingExternalProof)
	if err != nil {
		return res, fmt.Errorf("list awaiting jobs: %w", err)
	}
	for _, j := range jobs {
		if j.AwaitingSince == nil || now.Sub(*j.AwaitingSince) < o.externalTTL {
			continue
		}
		final := o.expireParked(ctx, j)
		expired, done := 0, false
		_, err := o.mutate(ctx, j.ID, func(j *Job) (bool, []eventSpec) {
			if j.Status != StatusAwaitingExternalProof {
				return false, nil
			}
			var events []eventSpec
			open := false
			for i := range j.Items {
				it := &j.Items[i]
				if it.State != ItemAwaiting {
					continue
				}
				in := final[it.Index]
				switch {
				case in != nil && in.Phase == issuance.PhaseExecuted:
					it.State = ItemSucceeded
					it.LastProofError = ""
					j.Successful = append(j.Successful, *in.Record)
				case in != nil && in.Phase == issuance.PhaseFailed:
					it.State = ItemFailed
					fi := FailedItem{
						Index:     it.Index,
						Request:   it.Request,
						IntentID:  it.IntentID,
						ErrorKind: issuance.KindPaymentFailure,
						Error:     proofDeadlineReason,
					}
					if in.Failure != nil {
						fi.ErrorKind = in.Failure.Kind
					}
					j.Failed = append(j.Failed, fi)
					expired++
				default:
					open = true
					continue
				}
				events = append(events, eventSpec{EventProgress, it.Index})
			}
			if open {
				return len(events) > 0, events
			}
			done = true
			j.Status = StatusCompleted
			j.CompletedAt = &now
			return true, append(events, eventSpec{EventTerminal, -1})
		})
		if err != nil {
			o.logger.ErrorContext(ctx, "failed to expire batch job", "job_id", j.ID, "error", err)
			continue
		}
		for i := 0; i < expired; i++ {
			o.metrics.BatchItem(ctx, "failed")
		}
		if !done {
			o.logger.WarnContext(ctx, "batch job has settling items past the proof deadline", "job_id", j.ID)
			continue
		}
		res.Expired++
		o.logger.InfoContext(ctx, "batch job expired awaiting proofs", "job_id", j.ID, "items", expired)
	}

	ids, err := o.store.Evict(ctx, now.Add(-o.retention))
	if err != nil {
		return res, fmt.Errorf("evict jobs: %w", err)
	}
	res.Evicted = len(ids)
	return res, nil
}

// expireParked expires the engine intents of a job's parked items and
// returns their snapshots by item index. Items whose intent could not be
// expired are left out.
func (o *Orchestrator) expireParked(ctx context.Context, j *Job) map[int]*issuance.Intent {
	out := make(map[int]*issuance.Intent)
	for _, it := range j.Items {
		if it.State != ItemAwaiting || it.IntentID == "" {
			continue
		}
		in, err := o.issuer.Expire(ctx, it.IntentID, proofDeadlineReason)
		if err != nil {
			o.logger.WarnContext(ctx, "could not expire parked intent",
				"job_id", j.ID, "item_index", it.Index, "intent_id", it.IntentID, "error", err)
			continue
		}
		out[it.Index] = in
	}
	return out
}
