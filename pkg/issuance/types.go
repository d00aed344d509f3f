package issuance

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// PaymentMethod is how an issuance is paid for.
type PaymentMethod string

const (
	MethodAuto     PaymentMethod = "AUTO"
	MethodExternal PaymentMethod = "EXTERNAL"
)

// Request is one credential to be minted. It is immutable once an intent exists.
type Request struct {
	RequestID      string            `json:"request_id"`
	InstitutionID  string            `json:"institution_id"`
	AssetID        string            `json:"asset_id"`
	ContentHash    string            `json:"content_hash"`
	SubjectName    string            `json:"subject_name"`
	SubjectAccount string            `json:"subject_account,omitempty"`
	Title          string            `json:"title,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	PaymentMethod  PaymentMethod     `json:"payment_method,omitempty"`
}

// Validate checks required fields and defaults the payment method.
func (r *Request) Validate() error {
	switch {
	case r.InstitutionID == "":
		return errors.New("institution_id is required")
	case r.AssetID == "":
		return errors.New("asset_id is required")
	case r.ContentHash == "":
		return errors.New("content_hash is required")
	case r.SubjectName == "":
		return errors.New("subject_name is required")
	}
	switch r.PaymentMethod {
	case "":
		r.PaymentMethod = MethodAuto
	case MethodAuto, MethodExternal:
	default:
		return fmt.Errorf("unknown payment_method %q", r.PaymentMethod)
	}
	return nil
}

// Phase is the state of a TransactionIntent.
type Phase string

const (
	PhasePrepared              Phase = "PREPARED"
	PhaseAwaitingExternalProof Phase = "AWAITING_EXTERNAL_PROOF"
	PhaseExecuted              Phase = "EXECUTED"
	PhaseFailed                Phase = "FAILED"
)

// Terminal reports whether no further execute can change the phase.
// FAILED intents with a MintFailure can still be recovered by RetryMint.
func (p Phase) Terminal() bool {
	return p == PhaseExecuted || p == PhaseFailed
}

// Settlement is how an intent's payment happens: NativeSettlement or
// ExternalSettlement.
type Settlement interface {
	Method() PaymentMethod
	settlement()
}

// NativeSettlement is an atomic fee transfer on the primary ledger. With no
// payload the fee is either zero or collected by a delegated charge.
type NativeSettlement struct {
	UnsignedPayload []byte `json:"unsigned_payload,omitempty"`
	Payer           string `json:"payer"`
	Payee           string `json:"payee"`
	AssetID         string `json:"asset_id,omitempty"`
	Fee             int64  `json:"fee"`
	Delegated       bool   `json:"delegated,omitempty"`
}

func (NativeSettlement) Method() PaymentMethod { return MethodAuto }
func (NativeSettlement) settlement()           {}

// PaymentDescriptor tells the payer how to pay on the external ledger.
type PaymentDescriptor struct {
	Network     string `json:"network"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Unit        string `json:"unit"`
	Memo        string `json:"memo"`
}

// ExternalSettlement is an out-of-band payment proven by a transaction reference.
type ExternalSettlement struct {
	Descriptor PaymentDescriptor `json:"descriptor"`
}

func (ExternalSettlement) Method() PaymentMethod { return MethodExternal }
func (ExternalSettlement) settlement()           {}

// Proof is what a caller supplies to execute an intent: SignedPayload,
// ExternalReference or DelegatedCharge.
type Proof interface {
	proof()
}

// SignedPayload is the payer-countersigned native fee transfer.
type SignedPayload struct{ Payload []byte }

// ExternalReference is an external-ledger transaction hash.
type ExternalReference struct{ TxRef string }

// DelegatedCharge collects the fee through the payer's standing allowance.
// Only the batch orchestrator uses it; it has no client to countersign.
type DelegatedCharge struct{}

func (SignedPayload) proof()     {}
func (ExternalReference) proof() {}
func (DelegatedCharge) proof()   {}

var externalRefPattern = regexp.MustCompile(`^[A-Fa-f0-9]{64}$`)

// ValidExternalRef reports whether ref has the fixed-length hex form of an
// external transaction hash.
func ValidExternalRef(ref string) bool {
	return externalRefPattern.MatchString(ref)
}

// Failure records why an intent failed.
type Failure struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// MintRecord is the immutable receipt of a successful mint.
type MintRecord struct {
	IntentID       string    `json:"intent_id"`
	InstitutionID  string    `json:"institution_id"`
	AssetID        string    `json:"asset_id"`
	SerialNumber   int64     `json:"serial_number"`
	TransactionRef string    `json:"transaction_ref"`
	StorageURI     string    `json:"storage_uri"`
	ContentHash    string    `json:"content_hash"`
	SubjectName    string    `json:"subject_name"`
	SubjectAccount string    `json:"subject_account,omitempty"`
	Owner          string    `json:"owner"`
	Delivered      bool      `json:"delivered"`
	PaymentRef     string    `json:"payment_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Revocation withdraws a credential without touching its MintRecord.
type Revocation struct {
	AssetID      string    `json:"asset_id"`
	SerialNumber int64     `json:"serial_number"`
	Reason       string    `json:"reason"`
	RevokedAt    time.Time `json:"revoked_at"`
}

// Intent is the unit of work of the two-phase protocol.
type Intent struct {
	ID         string
	Request    Request
	IssuerName string
	IssuerDID  string
	Phase      Phase
	Settlement Settlement
	Paid       bool
	PaymentRef string
	Record     *MintRecord
	// PendingRecord holds a credential the ledger minted whose record was
	// not stored. RetryMint stores it instead of minting again.
	PendingRecord  *MintRecord
	Failure        *Failure
	LastProofError string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
	// Version increments on every stored update.
	Version int64
}

// Clone returns a deep copy.
func (i *Intent) Clone() *Intent {
	c := *i
	if i.Request.Attributes != nil {
		c.Request.Attributes = make(map[string]string, len(i.Request.Attributes))
		for k, v := range i.Request.Attributes {
			c.Request.Attributes[k] = v
		}
	}
	if i.Record != nil {
		r := *i.Record
		c.Record = &r
	}
	if i.PendingRecord != nil {
		r := *i.PendingRecord
		c.PendingRecord = &r
	}
	if i.Failure != nil {
		f := *i.Failure
		c.Failure = &f
	}
	if ns, ok := i.Settlement.(NativeSettlement); ok {
		ns.UnsignedPayload = append([]byte(nil), ns.UnsignedPayload...)
		c.Settlement = ns
	}
	return &c
}

type intentJSON struct {
	ID             string              `json:"intent_id"`
	Request        Request             `json:"request"`
	IssuerName     string              `json:"issuer_name,omitempty"`
	IssuerDID      string              `json:"issuer_did,omitempty"`
	Phase          Phase               `json:"phase"`
	Method         PaymentMethod       `json:"payment_method"`
	Native         *NativeSettlement   `json:"native,omitempty"`
	External       *ExternalSettlement `json:"external,omitempty"`
	Paid           bool                `json:"paid"`
	PaymentRef     string              `json:"payment_ref,omitempty"`
	Record         *MintRecord         `json:"mint_record,omitempty"`
	PendingRecord  *MintRecord         `json:"pending_record,omitempty"`
	Failure        *Failure            `json:"failure,omitempty"`
	LastProofError string              `json:"last_proof_error,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
	Version        int64               `json:"version"`
}

func (i Intent) MarshalJSON() ([]byte, error) {
	doc := intentJSON{
		ID: i.ID, Request: i.Request, IssuerName: i.IssuerName, IssuerDID: i.IssuerDID,
		Phase: i.Phase, Paid: i.Paid, PaymentRef: i.PaymentRef, Record: i.Record, PendingRecord: i.PendingRecord,
		Failure: i.Failure, LastProofError: i.LastProofError,
		CreatedAt: i.CreatedAt, UpdatedAt: i.UpdatedAt, ExpiresAt: i.ExpiresAt, Version: i.Version,
	}
	switch s := i.Settlement.(type) {
	case NativeSettlement:
		doc.Method, doc.Native = MethodAuto, &s
	case ExternalSettlement:
		doc.Method, doc.External = MethodExternal, &s
	case nil:
	default:
		return nil, fmt.Errorf("unknown settlement %T", s)
	}
	return json.Marshal(doc)
}

func (i *Intent) UnmarshalJSON(data []byte) error {
	var doc intentJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*i = Intent{
		ID: doc.ID, Request: doc.Request, IssuerName: doc.IssuerName, IssuerDID: doc.IssuerDID,
		Phase: doc.Phase, Paid: doc.Paid, PaymentRef: doc.PaymentRef, Record: doc.Record, PendingRecord: doc.PendingRecord,
		Failure: doc.Failure, LastProofError: doc.LastProofError,
		CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt, ExpiresAt: doc.ExpiresAt, Version: doc.Version,
	}
	switch {
	case doc.Native != nil:
		i.Settlement = *doc.Native
	case doc.External != nil:
		i.Settlement = *doc.External
	}
	return nil
}
