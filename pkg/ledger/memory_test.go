package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCollection(t *testing.T, m *MemoryLedger, treasury string) string {
	t.Helper()
	id, err := m.CreateAsset(context.Background(), AssetSpec{Name: "Diplomas", Symbol: "DIP", Kind: NonFungible, Treasury: treasury})
	require.NoError(t, err)
	return id
}

func TestMemoryLedger_MintSerialsAreUnique(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger("hedera")
	asset := newCollection(t, m, "0.0.1001")

	seen := map[int64]bool{}
	for i := 0; i < 5; i++ {
		res, err := m.Mint(ctx, asset, []byte("ipfs://cid"))
		require.NoError(t, err)
		assert.False(t, seen[res.Serial])
		seen[res.Serial] = true
		assert.Len(t, res.TxRef, 64)
	}

	nft, err := m.NFTInfo(ctx, asset, 3)
	require.NoError(t, err)
	assert.Equal(t, "0.0.1001", nft.Owner)
	assert.Equal(t, []byte("ipfs://cid"), nft.Metadata)
}

func TestMemoryLedger_TransferNFTRequiresAssociation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger("hedera")
	asset := newCollection(t, m, "0.0.1001")
	res, err := m.Mint(ctx, asset, nil)
	require.NoError(t, err)

	_, err = m.TransferNFT(ctx, asset, res.Serial, "0.0.1001", "0.0.3003")
	require.ErrorIs(t, err, ErrRejected)

	require.NoError(t, m.Associate(ctx, "0.0.3003", asset))
	_, err = m.TransferNFT(ctx, asset, res.Serial, "0.0.1001", "0.0.3003")
	require.NoError(t, err)

	n, err := m.Balance(ctx, "0.0.3003", asset)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryLedger_SignedFeeTransfer(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger("hedera")
	credit, err := m.CreateAsset(ctx, AssetSpec{Name: "Credit", Kind: Fungible, Treasury: "0.0.1001"})
	require.NoError(t, err)
	m.Fund("0.0.2001", credit, 500)

	payload, err := m.BuildFeeTransfer(ctx, Transfer{From: "0.0.2001", To: "0.0.1001", AssetID: credit, Amount: 200})
	require.NoError(t, err)

	_, err = m.SubmitSigned(ctx, payload)
	require.ErrorIs(t, err, ErrBadSignature, "unsigned envelopes are rejected")

	signed, err := Sign(payload, "0.0.2001")
	require.NoError(t, err)
	r, err := m.SubmitSigned(ctx, signed)
	require.NoError(t, err)

	bal, _ := m.Balance(ctx, "0.0.2001", credit)
	assert.Equal(t, int64(300), bal)

	_, err = m.SubmitSigned(ctx, signed)
	require.ErrorIs(t, err, ErrRejected, "replayed envelope")

	p, err := m.LookupPayment(ctx, r.TxRef)
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.Amount)
	assert.True(t, p.Success)
}

func TestMemoryLedger_ExpiredEnvelope(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryLedger("hedera", WithClock(func() time.Time { return now }), WithEnvelopeTTL(time.Minute))
	m.Fund("0.0.2001", "", 1000)

	payload, err := m.BuildFeeTransfer(ctx, Transfer{From: "0.0.2001", To: "0.0.1001", Amount: 10})
	require.NoError(t, err)
	signed, err := Sign(payload, "0.0.2001")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.SubmitSigned(ctx, signed)
	require.ErrorIs(t, err, ErrRejected)
}

func TestMemoryLedger_PayNeedsAllowance(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger("hedera", WithOperator("0.0.1001"))
	m.Fund("0.0.2001", "", 1000)

	_, err := m.Pay(ctx, Transfer{From: "0.0.2001", To: "0.0.1001", Amount: 100})
	require.ErrorIs(t, err, ErrRejected)

	m.Approve("0.0.2001", "", 150)
	_, err = m.Pay(ctx, Transfer{From: "0.0.2001", To: "0.0.1001", Amount: 100})
	require.NoError(t, err)
	_, err = m.Pay(ctx, Transfer{From: "0.0.2001", To: "0.0.1001", Amount: 100})
	require.ErrorIs(t, err, ErrRejected, "allowance is consumed")
}

func TestMemoryLedger_FaultInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger("algorand")
	boom := errors.New("boom")
	m.InjectFault(OpSubmitAnchor, func(_ context.Context, c Call) error {
		if c.Seq == 2 {
			return boom
		}
		return nil
	})

	_, err := m.SubmitAnchor(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = m.SubmitAnchor(ctx, []byte("b"))
	require.ErrorIs(t, err, boom)
	assert.Len(t, m.Anchors(), 1)
	assert.Equal(t, 2, m.Calls(OpSubmitAnchor))

	m.SetEnabled(false)
	_, err = m.SubmitAnchor(ctx, []byte("c"))
	require.ErrorIs(t, err, ErrDisabled)
}
