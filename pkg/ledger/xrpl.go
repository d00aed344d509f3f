package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// rippleEpoch is 2000-01-01T00:00:00Z in Unix seconds.
const rippleEpoch = 946684800

// XRPLClient reads payments and balances from an XRPL JSON-RPC server.
// Amounts are in drops.
type XRPLClient struct {
	rpcURL string
	client *http.Client
}

func NewXRPLClient(rpcURL string, client *http.Client) *XRPLClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &XRPLClient{rpcURL: rpcURL, client: client}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

func (x *XRPLClient) rpc(ctx context.Context, method string, params map[string]any, out any) error {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := doJSON(ctx, x.client, http.MethodPost, x.rpcURL, rpcRequest{Method: method, Params: []any{params}}, &envelope); err != nil {
		return err
	}
	var status struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return fmt.Errorf("%w: decode %s result: %w", ErrUnavailable, method, err)
	}
	switch status.Error {
	case "":
	case "txnNotFound", "actNotFound", "entryNotFound":
		return fmt.Errorf("%w: %s", ErrNotFound, status.Error)
	case "tooBusy", "noNetwork", "noCurrent", "noClosed":
		return fmt.Errorf("%w: %s", ErrUnavailable, status.Error)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, status.Error)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %w", ErrUnavailable, method, err)
	}
	return nil
}

func (x *XRPLClient) LookupPayment(ctx context.Context, txRef string) (Payment, error) {
	var tx struct {
		Hash            string          `json:"hash"`
		TransactionType string          `json:"TransactionType"`
		Account         string          `json:"Account"`
		Destination     string          `json:"Destination"`
		Amount          json.RawMessage `json:"Amount"`
		Date            int64           `json:"date"`
		Validated       bool            `json:"validated"`
		Memos           []struct {
			Memo struct {
				MemoData string `json:"MemoData"`
			} `json:"Memo"`
		} `json:"Memos"`
		Meta struct {
			TransactionResult string          `json:"TransactionResult"`
			DeliveredAmount   json.RawMessage `json:"delivered_amount"`
		} `json:"meta"`
	}
	if err := x.rpc(ctx, "tx", map[string]any{"transaction": txRef, "binary": false}, &tx); err != nil {
		return Payment{}, err
	}

	amount := tx.Meta.DeliveredAmount
	if len(amount) == 0 {
		amount = tx.Amount
	}
	drops, asset := parseXRPLAmount(amount)

	var memo strings.Builder
	for _, m := range tx.Memos {
		if b, err := hex.DecodeString(m.Memo.MemoData); err == nil {
			memo.Write(b)
		}
	}

	hash := tx.Hash
	if hash == "" {
		hash = txRef
	}
	return Payment{
		TxRef:   hash,
		From:    tx.Account,
		To:      tx.Destination,
		AssetID: asset,
		Amount:  drops,
		Memo:    memo.String(),
		Success: tx.Validated && tx.TransactionType == "Payment" &&
			tx.Meta.TransactionResult == "tesSUCCESS",
		ConsensusAt: time.Unix(rippleEpoch+tx.Date, 0).UTC(),
	}, nil
}

// parseXRPLAmount returns drops for native XRP. Issued currencies are
// reported by currency code with zero drops.
func parseXRPLAmount(raw json.RawMessage) (int64, string) {
	var drops string
	if err := json.Unmarshal(raw, &drops); err == nil {
		n, _ := strconv.ParseInt(drops, 10, 64)
		return n, ""
	}
	var iou struct {
		Currency string `json:"currency"`
	}
	_ = json.Unmarshal(raw, &iou)
	return 0, iou.Currency
}

func (x *XRPLClient) Balance(ctx context.Context, account, assetID string) (int64, error) {
	if assetID != "" {
		return 0, fmt.Errorf("%w: issued currency balances", ErrNotSupported)
	}
	var out struct {
		AccountData struct {
			Balance string `json:"Balance"`
		} `json:"account_data"`
	}
	if err := x.rpc(ctx, "account_info", map[string]any{"account": account, "ledger_index": "validated"}, &out); err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(out.AccountData.Balance, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: balance %q", ErrUnavailable, out.AccountData.Balance)
	}
	return n, nil
}

func (x *XRPLClient) IsAssociated(context.Context, string, string) (bool, error) {
	return false, fmt.Errorf("%w: trust lines", ErrNotSupported)
}

func (x *XRPLClient) AssetInfo(context.Context, string) (AssetInfo, error) {
	return AssetInfo{}, fmt.Errorf("%w: asset info", ErrNotSupported)
}

func (x *XRPLClient) NFTInfo(context.Context, string, int64) (NFT, error) {
	return NFT{}, fmt.Errorf("%w: nft info", ErrNotSupported)
}
