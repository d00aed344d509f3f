package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MirrorClient reads Hedera state from a mirror node REST API.
type MirrorClient struct {
	baseURL string
	client  *http.Client
}

func NewMirrorClient(baseURL string, client *http.Client) *MirrorClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &MirrorClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (m *MirrorClient) get(ctx context.Context, path string, out any) error {
	return doJSON(ctx, m.client, http.MethodGet, m.baseURL+path, nil, out)
}

type mirrorTokenRelationships struct {
	Tokens []struct {
		TokenID string `json:"token_id"`
		Balance int64  `json:"balance"`
	} `json:"tokens"`
}

func (m *MirrorClient) IsAssociated(ctx context.Context, account, assetID string) (bool, error) {
	var out mirrorTokenRelationships
	path := fmt.Sprintf("/api/v1/accounts/%s/tokens?token.id=%s", url.PathEscape(account), url.QueryEscape(assetID))
	if err := m.get(ctx, path, &out); err != nil {
		return false, err
	}
	for _, t := range out.Tokens {
		if t.TokenID == assetID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MirrorClient) Balance(ctx context.Context, account, assetID string) (int64, error) {
	if assetID != "" {
		var out mirrorTokenRelationships
		path := fmt.Sprintf("/api/v1/accounts/%s/tokens?token.id=%s", url.PathEscape(account), url.QueryEscape(assetID))
		if err := m.get(ctx, path, &out); err != nil {
			return 0, err
		}
		for _, t := range out.Tokens {
			if t.TokenID == assetID {
				return t.Balance, nil
			}
		}
		return 0, nil
	}

	var out struct {
		Balances []struct {
			Account string `json:"account"`
			Balance int64  `json:"balance"`
		} `json:"balances"`
	}
	if err := m.get(ctx, "/api/v1/balances?account.id="+url.QueryEscape(account), &out); err != nil {
		return 0, err
	}
	if len(out.Balances) == 0 {
		return 0, fmt.Errorf("%w: account %s", ErrNotFound, account)
	}
	return out.Balances[0].Balance, nil
}

func (m *MirrorClient) AssetInfo(ctx context.Context, assetID string) (AssetInfo, error) {
	var out struct {
		TokenID     string `json:"token_id"`
		Name        string `json:"name"`
		Symbol      string `json:"symbol"`
		Type        string `json:"type"`
		Treasury    string `json:"treasury_account_id"`
		TotalSupply string `json:"total_supply"`
	}
	if err := m.get(ctx, "/api/v1/tokens/"+url.PathEscape(assetID), &out); err != nil {
		return AssetInfo{}, err
	}
	supply, _ := strconv.ParseInt(out.TotalSupply, 10, 64)
	return AssetInfo{
		ID: out.TokenID, Name: out.Name, Symbol: out.Symbol,
		Kind: AssetKind(out.Type), Treasury: out.Treasury, TotalSupply: supply,
	}, nil
}

func (m *MirrorClient) NFTInfo(ctx context.Context, assetID string, serial int64) (NFT, error) {
	var out struct {
		AccountID        string `json:"account_id"`
		SerialNumber     int64  `json:"serial_number"`
		Metadata         string `json:"metadata"`
		CreatedTimestamp string `json:"created_timestamp"`
		Deleted          bool   `json:"deleted"`
	}
	path := fmt.Sprintf("/api/v1/tokens/%s/nfts/%d", url.PathEscape(assetID), serial)
	if err := m.get(ctx, path, &out); err != nil {
		return NFT{}, err
	}
	if out.Deleted {
		return NFT{}, fmt.Errorf("%w: %s serial %d burned", ErrNotFound, assetID, serial)
	}
	meta, err := base64.StdEncoding.DecodeString(out.Metadata)
	if err != nil {
		return NFT{}, fmt.Errorf("decode nft metadata: %w", err)
	}
	return NFT{
		AssetID: assetID, Serial: out.SerialNumber, Owner: out.AccountID,
		Metadata: meta, CreatedAt: parseHederaTimestamp(out.CreatedTimestamp),
	}, nil
}

func (m *MirrorClient) LookupPayment(ctx context.Context, txRef string) (Payment, error) {
	type transfer struct {
		TokenID string `json:"token_id"`
		Account string `json:"account"`
		Amount  int64  `json:"amount"`
	}
	var out struct {
		Transactions []struct {
			TransactionID      string     `json:"transaction_id"`
			Result             string     `json:"result"`
			MemoBase64         string     `json:"memo_base64"`
			ConsensusTimestamp string     `json:"consensus_timestamp"`
			Transfers          []transfer `json:"transfers"`
			TokenTransfers     []transfer `json:"token_transfers"`
		} `json:"transactions"`
	}
	if err := m.get(ctx, "/api/v1/transactions/"+url.PathEscape(txRef), &out); err != nil {
		return Payment{}, err
	}
	if len(out.Transactions) == 0 {
		return Payment{}, fmt.Errorf("%w: transaction %s", ErrNotFound, txRef)
	}
	tx := out.Transactions[0]
	memo, _ := base64.StdEncoding.DecodeString(tx.MemoBase64)

	p := Payment{
		TxRef:       txRef,
		Memo:        string(memo),
		Success:     tx.Result == "SUCCESS",
		ConsensusAt: parseHederaTimestamp(tx.ConsensusTimestamp),
	}
	legs := tx.Transfers
	if len(tx.TokenTransfers) > 0 {
		legs = tx.TokenTransfers
	}
	// Largest debit is the payer and largest credit the payee; the rest are fees.
	var debit, credit int64
	for _, l := range legs {
		if l.Amount < debit {
			debit, p.From = l.Amount, l.Account
		}
		if l.Amount > credit {
			credit, p.To, p.AssetID = l.Amount, l.Account, l.TokenID
		}
	}
	p.Amount = credit
	return p, nil
}

// parseHederaTimestamp parses "seconds.nanoseconds".
func parseHederaTimestamp(ts string) time.Time {
	secs, nanos, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	n, _ := strconv.ParseInt(nanos, 10, 64)
	return time.Unix(s, n).UTC()
}
