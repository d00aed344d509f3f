// Package ledger is the uniform capability surface over the primary ledger
// (where credential NFTs live) and the secondary ledgers used for anchoring
// and external payments.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("ledger: not found")
	ErrRejected     = errors.New("ledger: transaction rejected")
	ErrUnavailable  = errors.New("ledger: unavailable")
	ErrTimeout      = errors.New("ledger: timeout")
	ErrDisabled     = errors.New("ledger: network disabled")
	ErrNotSupported = errors.New("ledger: operation not supported")
	ErrBadSignature = errors.New("ledger: missing or invalid signature")
)

// IsTransient reports whether err is worth retrying by the caller.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// AssetKind distinguishes fungible tokens from NFT collections.
type AssetKind string

const (
	Fungible    AssetKind = "FUNGIBLE_COMMON"
	NonFungible AssetKind = "NON_FUNGIBLE_UNIQUE"
)

// AssetSpec describes an asset to create.
type AssetSpec struct {
	Name          string    `json:"name"`
	Symbol        string    `json:"symbol"`
	Kind          AssetKind `json:"kind"`
	Treasury      string    `json:"treasury"`
	Decimals      int       `json:"decimals,omitempty"`
	InitialSupply int64     `json:"initial_supply,omitempty"`
}

// AssetInfo is the ledger's view of an asset.
type AssetInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Symbol      string    `json:"symbol"`
	Kind        AssetKind `json:"kind"`
	Treasury    string    `json:"treasury"`
	TotalSupply int64     `json:"total_supply"`
}

// NFT is one serial of a non-fungible asset.
type NFT struct {
	AssetID   string    `json:"asset_id"`
	Serial    int64     `json:"serial"`
	Owner     string    `json:"owner"`
	Metadata  []byte    `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Receipt acknowledges a settled transaction.
type Receipt struct {
	TxRef       string    `json:"tx_ref"`
	Status      string    `json:"status"`
	ConsensusAt time.Time `json:"consensus_at"`
}

// MintResult is the receipt of a mint.
type MintResult struct {
	Serial int64  `json:"serial"`
	TxRef  string `json:"tx_ref"`
}

// Transfer moves Amount of AssetID ("" is the native coin) between accounts.
type Transfer struct {
	From    string `json:"from"`
	To      string `json:"to"`
	AssetID string `json:"asset_id,omitempty"`
	Amount  int64  `json:"amount"`
	Memo    string `json:"memo,omitempty"`
}

// Payment is a settled transfer as seen by a lookup.
type Payment struct {
	TxRef       string    `json:"tx_ref"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	AssetID     string    `json:"asset_id,omitempty"`
	Amount      int64     `json:"amount"`
	Memo        string    `json:"memo,omitempty"`
	Success     bool      `json:"success"`
	ConsensusAt time.Time `json:"consensus_at"`
}

// Gateway is one network's adapter. Implementations are safe for concurrent use.
type Gateway interface {
	Network() string
	Enabled() bool

	CreateAsset(ctx context.Context, spec AssetSpec) (string, error)
	Mint(ctx context.Context, assetID string, metadata []byte) (MintResult, error)
	TransferNFT(ctx context.Context, assetID string, serial int64, from, to string) (Receipt, error)
	Burn(ctx context.Context, assetID string, serial int64) (Receipt, error)
	Associate(ctx context.Context, account, assetID string) error

	IsAssociated(ctx context.Context, account, assetID string) (bool, error)
	Balance(ctx context.Context, account, assetID string) (int64, error)
	AssetInfo(ctx context.Context, assetID string) (AssetInfo, error)
	NFTInfo(ctx context.Context, assetID string, serial int64) (NFT, error)
	LookupPayment(ctx context.Context, txRef string) (Payment, error)

	// BuildFeeTransfer returns an unsigned envelope for the payer to sign.
	BuildFeeTransfer(ctx context.Context, t Transfer) ([]byte, error)
	// SubmitSigned submits a countersigned envelope and waits for consensus.
	SubmitSigned(ctx context.Context, payload []byte) (Receipt, error)
	// Pay moves funds the operator is authorised to move (its own or an allowance).
	Pay(ctx context.Context, t Transfer) (Receipt, error)
	// SubmitAnchor records memo on the ledger.
	SubmitAnchor(ctx context.Context, memo []byte) (Receipt, error)
}
