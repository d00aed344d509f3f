package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire form of an unsigned or countersigned fee transfer.
// Body is fixed at build time; signing only appends to Signatures.
type Envelope struct {
	Network    string          `json:"network"`
	Body       json.RawMessage `json:"body"`
	Nonce      string          `json:"nonce"`
	ValidUntil time.Time       `json:"valid_until"`
	Signatures []Signature     `json:"signatures,omitempty"`
}

// Signature binds an account to an envelope body.
type Signature struct {
	Account string `json:"account"`
	Value   string `json:"value"`
}

// OpenEnvelope decodes payload.
func OpenEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Body) == 0 {
		return Envelope{}, fmt.Errorf("decode envelope: empty body")
	}
	return env, nil
}

// Transfer decodes the body as a fee transfer.
func (e Envelope) Transfer() (Transfer, error) {
	var t Transfer
	if err := json.Unmarshal(e.Body, &t); err != nil {
		return Transfer{}, fmt.Errorf("decode transfer: %w", err)
	}
	return t, nil
}

// SameBody reports whether two envelopes carry the same transaction.
func SameBody(a, b Envelope) bool {
	return a.Network == b.Network && a.Nonce == b.Nonce && bytes.Equal(a.Body, b.Body)
}

// SignedBy reports whether account has a valid signature on the envelope.
func (e Envelope) SignedBy(account string) bool {
	want := signatureValue(e, account)
	for _, s := range e.Signatures {
		if s.Account == account && s.Value == want {
			return true
		}
	}
	return false
}

// Sign countersigns payload as account. It is the wallet side of the
// in-process ledger's signing scheme; relayed networks verify real
// signatures themselves.
func Sign(payload []byte, account string) ([]byte, error) {
	env, err := OpenEnvelope(payload)
	if err != nil {
		return nil, err
	}
	env.Signatures = append(env.Signatures, Signature{Account: account, Value: signatureValue(env, account)})
	return json.Marshal(env)
}

func signatureValue(e Envelope, account string) string {
	h := sha256.New()
	h.Write([]byte(e.Network))
	h.Write([]byte{0})
	h.Write([]byte(e.Nonce))
	h.Write([]byte{0})
	h.Write(e.Body)
	h.Write([]byte{0})
	h.Write([]byte(account))
	return hex.EncodeToString(h.Sum(nil))
}
