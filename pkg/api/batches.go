package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/api/problem"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/auth"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/batch"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
)

type SubmitBatchRequest struct {
	Items []IssueRequest `json:"items"`
}

type SubmitBatchResponse struct {
	JobID  string       `json:"job_id"`
	Status batch.Status `json:"status"`
	Error  string       `json:"error,omitempty"`
}

type FinalizeRequest struct {
	Proofs map[string]string `json:"proofs"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		unavailable(w, r, "batch processing")
		return
	}
	var body SubmitBatchRequest
	if !s.decode(w, r, &body) {
		return
	}
	institutionID := auth.InstitutionID(r.Context())
	items := make([]issuance.Request, len(body.Items))
	for i, it := range body.Items {
		items[i] = it.toRequest(institutionID)
	}
	job, err := s.batches.Submit(r.Context(), institutionID, items)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitBatchResponse{JobID: job.ID, Status: job.Status, Error: job.Error})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		unavailable(w, r, "batch processing")
		return
	}
	v, ok := s.ownJob(w, r, r.PathValue("jobId"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		unavailable(w, r, "batch processing")
		return
	}
	jobID := r.PathValue("jobId")
	if _, ok := s.ownJob(w, r, jobID); !ok {
		return
	}
	var body FinalizeRequest
	if !s.decode(w, r, &body) {
		return
	}
	if len(body.Proofs) == 0 {
		problem.BadRequest(w, r, "proofs must name at least one intent")
		return
	}
	res, err := s.batches.Finalize(r.Context(), jobID, body.Proofs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// handleBatchEvents streams a job's events as Server-Sent Events until the
// terminal event or the client goes away.
func (s *Server) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		unavailable(w, r, "batch processing")
		return
	}
	jobID := r.PathValue("jobId")
	if _, ok := s.ownJob(w, r, jobID); !ok {
		return
	}
	sub, err := s.batches.Subscribe(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer s.batches.Unsubscribe(sub)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.WarnContext(r.Context(), "event stream cannot flush", "job_id", jobID, "error", err)
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	seq := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.ErrorContext(r.Context(), "encode batch event", "job_id", jobID, "error", err)
				return
			}
			seq++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// ownJob loads a job view of the caller's institution.
func (s *Server) ownJob(w http.ResponseWriter, r *http.Request, jobID string) (*batch.View, bool) {
	v, err := s.batches.Status(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if v.InstitutionID != auth.InstitutionID(r.Context()) {
		problem.NotFound(w, r, "job not found")
		return nil, false
	}
	return v, true
}
