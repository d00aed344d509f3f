package ledger

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorClient_NFTInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/tokens/0.0.5001/nfts/7":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"account_id":        "0.0.3003",
				"serial_number":     7,
				"metadata":          base64.StdEncoding.EncodeToString([]byte("ipfs://bafy")),
				"created_timestamp": "1700000000.000000123",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"_status":{"messages":[{"message":"Not found"}]}}`)
		}
	}))
	defer srv.Close()

	c := NewMirrorClient(srv.URL, srv.Client())
	nft, err := c.NFTInfo(context.Background(), "0.0.5001", 7)
	require.NoError(t, err)
	assert.Equal(t, "0.0.3003", nft.Owner)
	assert.Equal(t, []byte("ipfs://bafy"), nft.Metadata)
	assert.Equal(t, int64(1700000000), nft.CreatedAt.Unix())

	_, err = c.NFTInfo(context.Background(), "0.0.5001", 8)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "Not found")
}

func TestMirrorClient_IsAssociated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0.0.7560139", r.URL.Query().Get("token.id"))
		if r.URL.Path == "/api/v1/accounts/0.0.2001/tokens" {
			_, _ = io.WriteString(w, `{"tokens":[{"token_id":"0.0.7560139","balance":1}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"tokens":[]}`)
	}))
	defer srv.Close()

	c := NewMirrorClient(srv.URL, srv.Client())
	ok, err := c.IsAssociated(context.Background(), "0.0.2001", "0.0.7560139")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IsAssociated(context.Background(), "0.0.2002", "0.0.7560139")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMirrorClient_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewMirrorClient(srv.URL, srv.Client()).AssetInfo(context.Background(), "0.0.1")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestXRPLClient_LookupPayment(t *testing.T) {
	memo := hex.EncodeToString([]byte("ACAD-PAY:req-1"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "tx", req.Method)
		_, _ = io.WriteString(w, `{"result":{
			"hash":"ABC","TransactionType":"Payment","Account":"rPayer","Destination":"rPlatform",
			"Amount":"1000000","date":800000000,"validated":true,
			"Memos":[{"Memo":{"MemoData":"`+memo+`"}}],
			"meta":{"TransactionResult":"tesSUCCESS","delivered_amount":"1000000"},
			"status":"success"}}`)
	}))
	defer srv.Close()

	p, err := NewXRPLClient(srv.URL, srv.Client()).LookupPayment(context.Background(), "ABC")
	require.NoError(t, err)
	assert.True(t, p.Success)
	assert.Equal(t, "rPlatform", p.To)
	assert.Equal(t, int64(1000000), p.Amount)
	assert.Equal(t, "ACAD-PAY:req-1", p.Memo)
	assert.Equal(t, int64(rippleEpoch+800000000), p.ConsensusAt.Unix())
}

func TestXRPLClient_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"result":{"error":"txnNotFound","status":"error"}}`)
	}))
	defer srv.Close()

	_, err := NewXRPLClient(srv.URL, srv.Client()).LookupPayment(context.Background(), "DEAD")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRelayGateway_MintAndRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/mint":
			var in struct {
				AssetID  string `json:"asset_id"`
				Metadata []byte `json:"metadata"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Equal(t, "ipfs://x", string(in.Metadata))
			_, _ = io.WriteString(w, `{"serial":12,"tx_ref":"0.0.1@1.2"}`)
		case "/v1/pay":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"message":"INSUFFICIENT_TOKEN_BALANCE"}`)
		}
	}))
	defer srv.Close()

	g := NewRelayGateway("hedera", srv.URL, nil, srv.Client())
	res, err := g.Mint(context.Background(), "0.0.5001", []byte("ipfs://x"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.Serial)

	_, err = g.Pay(context.Background(), Transfer{From: "a", To: "b", Amount: 1})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "INSUFFICIENT_TOKEN_BALANCE")
}
