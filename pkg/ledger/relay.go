package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Reader serves read queries, e.g. from a mirror node or public RPC, so the
// signing relay only sees writes.
type Reader interface {
	IsAssociated(ctx context.Context, account, assetID string) (bool, error)
	Balance(ctx context.Context, account, assetID string) (int64, error)
	AssetInfo(ctx context.Context, assetID string) (AssetInfo, error)
	NFTInfo(ctx context.Context, assetID string, serial int64) (NFT, error)
	LookupPayment(ctx context.Context, txRef string) (Payment, error)
}

// RelayGateway talks JSON over HTTP to a per-network signing relay that
// holds the operator keys. Reads go to reads when set, otherwise to the relay.
type RelayGateway struct {
	network string
	baseURL string
	client  *http.Client
	reads   Reader
	enabled bool
}

// NewRelayGateway creates a relay adapter. reads may be nil.
func NewRelayGateway(network, baseURL string, reads Reader, client *http.Client) *RelayGateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RelayGateway{network: network, baseURL: baseURL, client: client, reads: reads, enabled: true}
}

func (r *RelayGateway) Network() string { return r.network }
func (r *RelayGateway) Enabled() bool   { return r.enabled }

// SetEnabled toggles the network. It must be called before the gateway is shared.
func (r *RelayGateway) SetEnabled(enabled bool) { r.enabled = enabled }

func (r *RelayGateway) post(ctx context.Context, op Operation, in, out any) error {
	return doJSON(ctx, r.client, http.MethodPost, r.baseURL+"/v1/"+string(op), in, out)
}

func (r *RelayGateway) CreateAsset(ctx context.Context, spec AssetSpec) (string, error) {
	var out struct {
		AssetID string `json:"asset_id"`
	}
	if err := r.post(ctx, OpCreateAsset, spec, &out); err != nil {
		return "", err
	}
	return out.AssetID, nil
}

func (r *RelayGateway) Mint(ctx context.Context, assetID string, metadata []byte) (MintResult, error) {
	var out MintResult
	in := map[string]any{"asset_id": assetID, "metadata": metadata}
	err := r.post(ctx, OpMint, in, &out)
	return out, err
}

func (r *RelayGateway) TransferNFT(ctx context.Context, assetID string, serial int64, from, to string) (Receipt, error) {
	var out Receipt
	in := map[string]any{"asset_id": assetID, "serial": serial, "from": from, "to": to}
	err := r.post(ctx, OpTransferNFT, in, &out)
	return out, err
}

func (r *RelayGateway) Burn(ctx context.Context, assetID string, serial int64) (Receipt, error) {
	var out Receipt
	err := r.post(ctx, OpBurn, map[string]any{"asset_id": assetID, "serial": serial}, &out)
	return out, err
}

func (r *RelayGateway) Associate(ctx context.Context, account, assetID string) error {
	return r.post(ctx, OpAssociate, map[string]any{"account": account, "asset_id": assetID}, nil)
}

func (r *RelayGateway) IsAssociated(ctx context.Context, account, assetID string) (bool, error) {
	if r.reads != nil {
		return r.reads.IsAssociated(ctx, account, assetID)
	}
	var out struct {
		Associated bool `json:"associated"`
	}
	err := r.post(ctx, OpIsAssociated, map[string]any{"account": account, "asset_id": assetID}, &out)
	return out.Associated, err
}

func (r *RelayGateway) Balance(ctx context.Context, account, assetID string) (int64, error) {
	if r.reads != nil {
		return r.reads.Balance(ctx, account, assetID)
	}
	var out struct {
		Balance int64 `json:"balance"`
	}
	err := r.post(ctx, OpBalance, map[string]any{"account": account, "asset_id": assetID}, &out)
	return out.Balance, err
}

func (r *RelayGateway) AssetInfo(ctx context.Context, assetID string) (AssetInfo, error) {
	if r.reads != nil {
		return r.reads.AssetInfo(ctx, assetID)
	}
	var out AssetInfo
	err := r.post(ctx, OpAssetInfo, map[string]any{"asset_id": assetID}, &out)
	return out, err
}

func (r *RelayGateway) NFTInfo(ctx context.Context, assetID string, serial int64) (NFT, error) {
	if r.reads != nil {
		return r.reads.NFTInfo(ctx, assetID, serial)
	}
	var out NFT
	err := r.post(ctx, OpNFTInfo, map[string]any{"asset_id": assetID, "serial": serial}, &out)
	return out, err
}

func (r *RelayGateway) LookupPayment(ctx context.Context, txRef string) (Payment, error) {
	if r.reads != nil {
		return r.reads.LookupPayment(ctx, txRef)
	}
	var out Payment
	err := r.post(ctx, OpLookupPayment, map[string]any{"tx_ref": txRef}, &out)
	return out, err
}

func (r *RelayGateway) BuildFeeTransfer(ctx context.Context, t Transfer) ([]byte, error) {
	var out struct {
		Payload []byte `json:"payload"`
	}
	if err := r.post(ctx, OpBuildFeeTransfer, t, &out); err != nil {
		return nil, err
	}
	return out.Payload, nil
}

func (r *RelayGateway) SubmitSigned(ctx context.Context, payload []byte) (Receipt, error) {
	var out Receipt
	err := r.post(ctx, OpSubmitSigned, map[string]any{"payload": payload}, &out)
	return out, err
}

func (r *RelayGateway) Pay(ctx context.Context, t Transfer) (Receipt, error) {
	var out Receipt
	err := r.post(ctx, OpPay, t, &out)
	return out, err
}

func (r *RelayGateway) SubmitAnchor(ctx context.Context, memo []byte) (Receipt, error) {
	var out Receipt
	err := r.post(ctx, OpSubmitAnchor, map[string]any{"memo": memo}, &out)
	return out, err
}

// relayError is the error body relays and mirrors return.
type relayError struct {
	Message string `json:"message"`
	Status  struct {
		Messages []struct {
			Message string `json:"message"`
		} `json:"messages"`
	} `json:"_status"`
}

func (e relayError) text() string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Status.Messages) > 0 {
		return e.Status.Messages[0].Message
	}
	return ""
}

// doJSON performs one HTTP exchange, classifying failures onto the ledger
// sentinels: 404 is ErrNotFound, other 4xx ErrRejected, 5xx and transport
// failures ErrUnavailable.
func doJSON(ctx context.Context, client *http.Client, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		var re relayError
		_ = json.Unmarshal(data, &re)
		msg := re.text()
		if msg == "" {
			msg = strconv.Itoa(resp.StatusCode)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrUnavailable, msg)
		default:
			return fmt.Errorf("%w: %s", ErrRejected, msg)
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return nil
}
