package batch

import (
	"context"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/anchor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
)

// PendingProof is an item parked for an external payment proof.
type PendingProof struct {
	ItemIndex      int                        `json:"item_index"`
	IntentID       string                     `json:"intent_id"`
	Descriptor     issuance.PaymentDescriptor `json:"payment_descriptor"`
	LastProofError string                     `json:"last_proof_error,omitempty"`
}

// Summary separates the ways a job's items fell short.
type Summary struct {
	FailedBeforeExecution     int `json:"failed_before_execution"`
	MintFailures              int `json:"mint_failures"`
	ExecutedPartiallyAnchored int `json:"executed_partially_anchored"`
	AnchoringPending          int `json:"anchoring_pending"`
}

// View is the externally visible state of a job.
type View struct {
	JobID                 string                `json:"job_id"`
	InstitutionID         string                `json:"institution_id"`
	Status                Status                `json:"status"`
	ProgressPercent       int                   `json:"progress_percent"`
	Total                 int                   `json:"total"`
	SuccessfulCount       int                   `json:"successful_count"`
	FailedCount           int                   `json:"failed_count"`
	Successful            []issuance.MintRecord `json:"successful_items"`
	Failed                []FailedItem          `json:"failed_items"`
	PendingExternalProofs []PendingProof        `json:"pending_external_proofs,omitempty"`
	Summary               Summary               `json:"summary"`
	Error                 string                `json:"error,omitempty"`
	CreatedAt             time.Time             `json:"created_at"`
	CompletedAt           *time.Time            `json:"completed_at,omitempty"`
}

// Status returns the view of a job.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*View, error) {
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	v := &View{
		JobID:           j.ID,
		InstitutionID:   j.InstitutionID,
		Status:          j.Status,
		ProgressPercent: j.Progress,
		Total:           len(j.Items),
		SuccessfulCount: len(j.Successful),
		FailedCount:     len(j.Failed),
		Successful:      j.Successful,
		Failed:          j.Failed,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		CompletedAt:     j.CompletedAt,
	}
	if v.Successful == nil {
		v.Successful = []issuance.MintRecord{}
	}
	if v.Failed == nil {
		v.Failed = []FailedItem{}
	}
	for _, it := range j.Items {
		if it.State != ItemAwaiting || it.Descriptor == nil {
			continue
		}
		v.PendingExternalProofs = append(v.PendingExternalProofs, PendingProof{
			ItemIndex:      it.Index,
			IntentID:       it.IntentID,
			Descriptor:     *it.Descriptor,
			LastProofError: it.LastProofError,
		})
	}
	for _, f := range j.Failed {
		if f.ErrorKind == issuance.KindMintFailure {
			v.Summary.MintFailures++
		} else {
			v.Summary.FailedBeforeExecution++
		}
	}
	if o.proofs != nil {
		for _, rec := range j.Successful {
			proofs, err := o.proofs.Proofs(ctx, rec.ContentHash)
			if err != nil {
				o.logger.WarnContext(ctx, "anchor lookup failed", "job_id", j.ID, "content_hash", rec.ContentHash, "error", err)
				continue
			}
			unavailable, pending := false, false
			for _, p := range proofs {
				switch p.Status {
				case anchor.StatusUnavailable:
					unavailable = true
				case anchor.StatusPending:
					pending = true
				}
			}
			if unavailable {
				v.Summary.ExecutedPartiallyAnchored++
			}
			if pending {
				v.Summary.AnchoringPending++
			}
		}
	}
	return v, nil
}
