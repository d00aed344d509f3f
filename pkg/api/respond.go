package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/anchor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/api/problem"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/batch"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/distributor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		problem.BadRequest(w, r, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func serialParam(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	assetID := r.PathValue("assetId")
	serial, err := strconv.ParseInt(r.PathValue("serial"), 10, 64)
	if err != nil || serial <= 0 {
		problem.BadRequest(w, r, "serial must be a positive integer")
		return "", 0, false
	}
	return assetID, serial, true
}

func unavailable(w http.ResponseWriter, r *http.Request, what string) {
	problem.WriteError(w, r, http.StatusServiceUnavailable, what+" is not configured")
}

// kindStatus maps the issuance error taxonomy to HTTP statuses.
var kindStatus = map[issuance.Kind]int{
	issuance.KindAuthorizationDenied: http.StatusForbidden,
	issuance.KindValidation:          http.StatusBadRequest,
	issuance.KindPaymentFailure:      http.StatusPaymentRequired,
	issuance.KindMintFailure:         http.StatusBadGateway,
	issuance.KindAnchorUnavailable:   http.StatusServiceUnavailable,
	issuance.KindLedgerUnavailable:   http.StatusServiceUnavailable,
	issuance.KindIdempotencyConflict: http.StatusConflict,
}

// writeError renders err as a problem document.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, issuance.ErrIntentNotFound), errors.Is(err, issuance.ErrRecordNotFound),
		errors.Is(err, batch.ErrJobNotFound), errors.Is(err, anchor.ErrNotFound):
		problem.NotFound(w, r, err.Error())
		return
	case errors.Is(err, batch.ErrEmptyBatch), errors.Is(err, batch.ErrTooManyItems),
		errors.Is(err, distributor.ErrInvalidAmount), errors.Is(err, distributor.ErrInvalidAllocations):
		problem.BadRequest(w, r, err.Error())
		return
	case errors.Is(err, batch.ErrNotAwaiting), errors.Is(err, batch.ErrVersionConflict):
		problem.Conflict(w, r, err.Error())
		return
	case errors.Is(err, batch.ErrClosed):
		problem.WriteError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}

	var ie *issuance.Error
	if !errors.As(err, &ie) {
		problem.Internal(w, r, err)
		return
	}
	status, ok := kindStatus[ie.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	p := problem.Detail{
		Status:   status,
		Kind:     string(ie.Kind),
		Reason:   ie.Reason,
		IntentID: ie.IntentID,
		Detail:   ie.Error(),
	}
	switch ie.Kind {
	case issuance.KindMintFailure:
		p.Recoverable = "mint"
		p.Detail = "Payment settled but the credential was not minted; retry the mint only."
	case issuance.KindLedgerUnavailable:
		w.Header().Set("Retry-After", "5")
		p.Recoverable = "retry"
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "unmapped issuance error", "error", err)
	}
	problem.Write(w, r, p)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the flusher underneath.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-ID"))
	})
}
