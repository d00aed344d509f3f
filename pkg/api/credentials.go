package api

import (
	"net/http"
	"strings"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/anchor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/api/problem"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/auth"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
)

type RevokeRequest struct {
	Reason string `json:"reason"`
}

type ReanchorResponse struct {
	ContentHash string         `json:"content_hash"`
	Proofs      []anchor.Proof `json:"proofs"`
}

type DistributeRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		unavailable(w, r, "verification")
		return
	}
	assetID, serial, ok := serialParam(w, r)
	if !ok {
		return
	}
	rep, err := s.reports.Build(r.Context(), assetID, serial)
	if err != nil {
		s.writeError(w, r, &issuance.Error{Kind: issuance.KindLedgerUnavailable, Op: "report", Reason: "primary ledger", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReanchor(w http.ResponseWriter, r *http.Request) {
	if s.anchors == nil || s.issuance == nil {
		unavailable(w, r, "anchoring")
		return
	}
	rec, ok := s.ownRecord(w, r)
	if !ok {
		return
	}
	proofs, err := s.anchors.Reanchor(r.Context(), rec.ContentHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReanchorResponse{ContentHash: rec.ContentHash, Proofs: proofs})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if s.issuance == nil {
		unavailable(w, r, "issuance")
		return
	}
	assetID, serial, ok := serialParam(w, r)
	if !ok {
		return
	}
	var body RevokeRequest
	if !s.decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Reason) == "" {
		problem.BadRequest(w, r, "reason is required")
		return
	}
	rev, err := s.issuance.Revoke(r.Context(), auth.InstitutionID(r.Context()), assetID, serial, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	if s.distributor == nil {
		unavailable(w, r, "distribution")
		return
	}
	if p, _ := auth.PrincipalFrom(r.Context()); !p.HasRole("admin") {
		problem.Forbidden(w, r, "distribution requires the admin role")
		return
	}
	var body DistributeRequest
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.distributor.Distribute(r.Context(), body.Amount, body.Reference)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ownRecord loads a mint record of the caller's institution.
func (s *Server) ownRecord(w http.ResponseWriter, r *http.Request) (issuance.MintRecord, bool) {
	assetID, serial, ok := serialParam(w, r)
	if !ok {
		return issuance.MintRecord{}, false
	}
	rec, err := s.issuance.GetRecord(r.Context(), assetID, serial)
	if err != nil {
		s.writeError(w, r, err)
		return issuance.MintRecord{}, false
	}
	if rec.InstitutionID != auth.InstitutionID(r.Context()) {
		problem.NotFound(w, r, "credential not found")
		return issuance.MintRecord{}, false
	}
	return rec, true
}
