package api

import (
	"net/http"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/api/problem"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/auth"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
)

// IssueRequest is one credential as submitted over HTTP. The institution
// comes from the bearer token.
type IssueRequest struct {
	RequestID      string                 `json:"request_id,omitempty"`
	AssetID        string                 `json:"asset_id"`
	ContentHash    string                 `json:"content_hash"`
	SubjectName    string                 `json:"subject_name"`
	SubjectAccount string                 `json:"subject_account,omitempty"`
	Title          string                 `json:"title,omitempty"`
	Attributes     map[string]string      `json:"attributes,omitempty"`
	PaymentMethod  issuance.PaymentMethod `json:"payment_method,omitempty"`
}

func (in IssueRequest) toRequest(institutionID string) issuance.Request {
	return issuance.Request{
		RequestID:      in.RequestID,
		InstitutionID:  institutionID,
		AssetID:        in.AssetID,
		ContentHash:    in.ContentHash,
		SubjectName:    in.SubjectName,
		SubjectAccount: in.SubjectAccount,
		Title:          in.Title,
		Attributes:     in.Attributes,
		PaymentMethod:  in.PaymentMethod,
	}
}

// IntentResponse is the client's view of an intent.
type IntentResponse struct {
	IntentID          string                      `json:"intent_id"`
	RequestID         string                      `json:"request_id"`
	Phase             issuance.Phase              `json:"phase"`
	PaymentMethod     issuance.PaymentMethod      `json:"payment_method"`
	UnsignedPayload   []byte                      `json:"unsigned_payload,omitempty"`
	Fee               int64                       `json:"fee,omitempty"`
	PaymentDescriptor *issuance.PaymentDescriptor `json:"payment_descriptor,omitempty"`
	Record            *issuance.MintRecord        `json:"mint_record,omitempty"`
	Failure           *issuance.Failure           `json:"failure,omitempty"`
	LastProofError    string                      `json:"last_proof_error,omitempty"`
	ExpiresAt         time.Time                   `json:"expires_at"`
}

func intentResponse(in *issuance.Intent) IntentResponse {
	out := IntentResponse{
		IntentID:       in.ID,
		RequestID:      in.Request.RequestID,
		Phase:          in.Phase,
		PaymentMethod:  in.Request.PaymentMethod,
		Record:         in.Record,
		Failure:        in.Failure,
		LastProofError: in.LastProofError,
		ExpiresAt:      in.ExpiresAt,
	}
	switch s := in.Settlement.(type) {
	case issuance.NativeSettlement:
		if in.Phase == issuance.PhasePrepared {
			out.UnsignedPayload = s.UnsignedPayload
		}
		out.Fee = s.Fee
	case issuance.ExternalSettlement:
		d := s.Descriptor
		out.PaymentDescriptor = &d
	}
	return out
}

// ExecuteRequest carries exactly one proof; neither is needed for a fee-free
// intent.
type ExecuteRequest struct {
	IntentID         string `json:"intent_id"`
	SignedPayload    []byte `json:"signed_payload,omitempty"`
	ExternalProofRef string `json:"external_proof_ref,omitempty"`
}

// ExecuteResponse is the receipt of an executed intent.
type ExecuteResponse struct {
	IntentID       string `json:"intent_id"`
	AssetID        string `json:"asset_id"`
	SerialNumber   int64  `json:"serial_number"`
	TransactionRef string `json:"transaction_ref"`
	StorageURI     string `json:"storage_uri"`
	Delivered      bool   `json:"delivered"`
	Replayed       bool   `json:"replayed"`
}

func executeResponse(res issuance.ExecuteResult) ExecuteResponse {
	return ExecuteResponse{
		IntentID:       res.Record.IntentID,
		AssetID:        res.Record.AssetID,
		SerialNumber:   res.Record.SerialNumber,
		TransactionRef: res.Record.TransactionRef,
		StorageURI:     res.Record.StorageURI,
		Delivered:      res.Record.Delivered,
		Replayed:       res.Replayed,
	}
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if s.issuance == nil {
		unavailable(w, r, "issuance")
		return
	}
	var body IssueRequest
	if !s.decode(w, r, &body) {
		return
	}
	in, err := s.issuance.Prepare(r.Context(), body.toRequest(auth.InstitutionID(r.Context())))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, intentResponse(in))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.issuance == nil {
		unavailable(w, r, "issuance")
		return
	}
	var body ExecuteRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.IntentID == "" {
		problem.BadRequest(w, r, "intent_id is required")
		return
	}
	var proof issuance.Proof
	switch {
	case len(body.SignedPayload) > 0 && body.ExternalProofRef != "":
		problem.BadRequest(w, r, "supply either signed_payload or external_proof_ref, not both")
		return
	case len(body.SignedPayload) > 0:
		proof = issuance.SignedPayload{Payload: body.SignedPayload}
	case body.ExternalProofRef != "":
		proof = issuance.ExternalReference{TxRef: body.ExternalProofRef}
	}
	if _, ok := s.ownIntent(w, r, body.IntentID); !ok {
		return
	}
	res, err := s.issuance.Execute(r.Context(), body.IntentID, proof)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse(res))
}

func (s *Server) handleRetryMint(w http.ResponseWriter, r *http.Request) {
	if s.issuance == nil {
		unavailable(w, r, "issuance")
		return
	}
	id := r.PathValue("intentId")
	if _, ok := s.ownIntent(w, r, id); !ok {
		return
	}
	res, err := s.issuance.RetryMint(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse(res))
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	if s.issuance == nil {
		unavailable(w, r, "issuance")
		return
	}
	in, ok := s.ownIntent(w, r, r.PathValue("intentId"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, intentResponse(in))
}

// ownIntent loads an intent of the caller's institution. Other
// institutions' intents are reported as missing.
func (s *Server) ownIntent(w http.ResponseWriter, r *http.Request, id string) (*issuance.Intent, bool) {
	in, err := s.issuance.GetIntent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if in.Request.InstitutionID != auth.InstitutionID(r.Context()) {
		problem.NotFound(w, r, "intent not found")
		return nil, false
	}
	return in, true
}
