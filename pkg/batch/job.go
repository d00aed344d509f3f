// Package batch runs bulk issuance jobs: each item goes through the same
// prepare/execute pipeline as a single issuance, results accumulate on the
// job, and progress is both pushed to subscribers and available to pollers.
package batch

import (
	"errors"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
)

var (
	ErrJobNotFound     = errors.New("batch: job not found")
	ErrEmptyBatch      = errors.New("batch: no items")
	ErrTooManyItems    = errors.New("batch: too many items")
	ErrNotAwaiting     = errors.New("batch: job is not awaiting external proofs")
	ErrClosed          = errors.New("batch: orchestrator stopped")
	ErrVersionConflict = errors.New("batch: concurrent job update")
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued                Status = "QUEUED"
	StatusProcessing            Status = "PROCESSING"
	StatusAwaitingExternalProof Status = "AWAITING_EXTERNAL_PROOF"
	StatusCompleted             Status = "COMPLETED"
	StatusFailed                Status = "FAILED"
)

// Terminal reports whether the job can no longer change.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// ItemState is where one item is in the pipeline.
type ItemState string

const (
	ItemPending   ItemState = "PENDING"
	ItemAwaiting  ItemState = "AWAITING_PROOF"
	ItemSucceeded ItemState = "SUCCEEDED"
	ItemFailed    ItemState = "FAILED"
)

// Item is one request of a job.
type Item struct {
	Index          int                         `json:"index"`
	Request        issuance.Request            `json:"request"`
	State          ItemState                   `json:"state"`
	IntentID       string                      `json:"intent_id,omitempty"`
	Descriptor     *issuance.PaymentDescriptor `json:"descriptor,omitempty"`
	LastProofError string                      `json:"last_proof_error,omitempty"`
}

// FailedItem is an item that resolved without a credential.
type FailedItem struct {
	Index     int              `json:"index"`
	Request   issuance.Request `json:"request"`
	IntentID  string           `json:"intent_id,omitempty"`
	ErrorKind issuance.Kind    `json:"error_kind"`
	Error     string           `json:"error"`
}

// Job is a bulk issuance unit of work. Successful and Failed only grow, and
// only the orchestrator writes them.
type Job struct {
	ID            string                `json:"job_id"`
	InstitutionID string                `json:"institution_id"`
	Status        Status                `json:"status"`
	Items         []Item                `json:"items"`
	Successful    []issuance.MintRecord `json:"successful_items"`
	Failed        []FailedItem          `json:"failed_items"`
	Progress      int                   `json:"progress_percent"`
	Error         string                `json:"error,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	AwaitingSince *time.Time            `json:"awaiting_since,omitempty"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
	Version       int64                 `json:"version"`
}

// Resolved counts items with a final outcome.
func (j *Job) Resolved() int { return len(j.Successful) + len(j.Failed) }

func (j *Job) percent() int {
	if len(j.Items) == 0 {
		return 100
	}
	return j.Resolved() * 100 / len(j.Items)
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.Items = make([]Item, len(j.Items))
	for i, it := range j.Items {
		c.Items[i] = it
		if it.Descriptor != nil {
			d := *it.Descriptor
			c.Items[i].Descriptor = &d
		}
	}
	c.Successful = append([]issuance.MintRecord(nil), j.Successful...)
	c.Failed = append([]FailedItem(nil), j.Failed...)
	if j.AwaitingSince != nil {
		t := *j.AwaitingSince
		c.AwaitingSince = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// EventType distinguishes progress events.
type EventType string

const (
	EventProgress EventType = "progress"
	EventStatus   EventType = "status"
	EventTerminal EventType = "terminal"
)

// Event is pushed to subscribers after every item outcome and status change.
// ItemIndex is -1 on status and terminal events.
type Event struct {
	JobID        string    `json:"job_id"`
	Type         EventType `json:"type"`
	ItemIndex    int       `json:"item_index"`
	Percent      int       `json:"percent"`
	SuccessCount int       `json:"success_count"`
	FailCount    int       `json:"fail_count"`
	Status       Status    `json:"status"`
}

func eventFor(j *Job, typ EventType, index int) Event {
	return Event{
		JobID:        j.ID,
		Type:         typ,
		ItemIndex:    index,
		Percent:      j.Progress,
		SuccessCount: len(j.Successful),
		FailCount:    len(j.Failed),
		Status:       j.Status,
	}
}
