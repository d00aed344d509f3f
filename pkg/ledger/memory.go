package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation names a Gateway method for fault injection.
type Operation string

const (
	OpCreateAsset      Operation = "create_asset"
	OpMint             Operation = "mint"
	OpTransferNFT      Operation = "transfer_nft"
	OpBurn             Operation = "burn"
	OpAssociate        Operation = "associate"
	OpIsAssociated     Operation = "is_associated"
	OpBalance          Operation = "balance"
	OpAssetInfo        Operation = "asset_info"
	OpNFTInfo          Operation = "nft_info"
	OpLookupPayment    Operation = "lookup_payment"
	OpBuildFeeTransfer Operation = "build_fee_transfer"
	OpSubmitSigned     Operation = "submit_signed"
	OpPay              Operation = "pay"
	OpSubmitAnchor     Operation = "submit_anchor"
)

// Call describes an intercepted operation. Seq counts calls of the same
// operation, starting at 1.
type Call struct {
	Op      Operation
	Seq     int
	AssetID string
	Serial  int64
	Account string
	Data    []byte
}

// Fault may fail a call before it touches ledger state. Returning nil lets
// the call proceed.
type Fault func(ctx context.Context, c Call) error

type memAsset struct {
	info       AssetInfo
	nextSerial int64
	nfts       map[int64]*NFT
}

// MemoryLedger is a complete in-process ledger. Lite mode runs every
// network without a relay on one of these.
type MemoryLedger struct {
	network  string
	operator string
	ttl      time.Duration
	now      func() time.Time

	mu           sync.Mutex
	enabled      bool
	nextID       int64
	txSeq        int64
	assets       map[string]*memAsset
	balances     map[string]map[string]int64 // account -> asset -> amount
	associations map[string]map[string]bool
	allowances   map[string]map[string]int64 // owner -> asset -> amount the operator may move
	payments     map[string]Payment
	anchors      map[string][]byte
	usedNonces   map[string]bool
	faults       map[Operation]Fault
	calls        map[Operation]int
}

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithOperator sets the account whose funds Pay may move without an allowance.
func WithOperator(account string) MemoryOption {
	return func(m *MemoryLedger) { m.operator = account }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLedger) { m.now = now }
}

// WithEnvelopeTTL bounds how long a built fee transfer stays submittable.
func WithEnvelopeTTL(d time.Duration) MemoryOption {
	return func(m *MemoryLedger) { m.ttl = d }
}

// NewMemoryLedger creates an empty, enabled ledger.
func NewMemoryLedger(network string, opts ...MemoryOption) *MemoryLedger {
	m := &MemoryLedger{
		network:      network,
		ttl:          2 * time.Minute,
		now:          time.Now,
		enabled:      true,
		nextID:       5000,
		assets:       make(map[string]*memAsset),
		balances:     make(map[string]map[string]int64),
		associations: make(map[string]map[string]bool),
		allowances:   make(map[string]map[string]int64),
		payments:     make(map[string]Payment),
		anchors:      make(map[string][]byte),
		usedNonces:   make(map[string]bool),
		faults:       make(map[Operation]Fault),
		calls:        make(map[Operation]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryLedger) Network() string { return m.network }

func (m *MemoryLedger) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetEnabled toggles the network; a disabled ledger fails every call with ErrDisabled.
func (m *MemoryLedger) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

// InjectFault installs f for op, replacing any earlier fault. A nil f clears it.
func (m *MemoryLedger) InjectFault(op Operation, f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = f
}

// Calls returns how many times op was invoked.
func (m *MemoryLedger) Calls(op Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// enter counts the call and runs any fault outside the lock.
func (m *MemoryLedger) enter(ctx context.Context, c Call) error {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return ErrDisabled
	}
	m.calls[c.Op]++
	c.Seq = m.calls[c.Op]
	f := m.faults[c.Op]
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if f != nil {
		return f(ctx, c)
	}
	return nil
}

func (m *MemoryLedger) newTxRef() string {
	m.txSeq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", m.network, m.txSeq, m.now().UnixNano())))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (m *MemoryLedger) receipt() Receipt {
	return Receipt{TxRef: m.newTxRef(), Status: "SUCCESS", ConsensusAt: m.now().UTC()}
}

// Fund credits amount of assetID to account, associating it if needed.
func (m *MemoryLedger) Fund(account, assetID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.associateLocked(account, assetID)
	m.credit(account, assetID, amount)
}

// Approve lets the operator move up to amount of owner's assetID.
func (m *MemoryLedger) Approve(owner, assetID string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[string]int64)
	}
	m.allowances[owner][assetID] = amount
}

// Deposit records an inbound payment from outside the operator's control,
// as a wallet paying an external payment descriptor would.
func (m *MemoryLedger) Deposit(t Transfer) Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(t.To, t.AssetID, t.Amount)
	p := Payment{
		TxRef: m.newTxRef(), From: t.From, To: t.To, AssetID: t.AssetID,
		Amount: t.Amount, Memo: t.Memo, Success: true, ConsensusAt: m.now().UTC(),
	}
	m.payments[p.TxRef] = p
	return p
}

// Anchors returns a copy of every memo recorded with SubmitAnchor.
func (m *MemoryLedger) Anchors() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.anchors))
	for k, v := range m.anchors {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func (m *MemoryLedger) associateLocked(account, assetID string) {
	if assetID == "" {
		return
	}
	if m.associations[account] == nil {
		m.associations[account] = make(map[string]bool)
	}
	m.associations[account][assetID] = true
}

func (m *MemoryLedger) associatedLocked(account, assetID string) bool {
	if assetID == "" {
		return true
	}
	if a, ok := m.assets[assetID]; ok && a.info.Treasury == account {
		return true
	}
	return m.associations[account][assetID]
}

func (m *MemoryLedger) credit(account, assetID string, amount int64) {
	if m.balances[account] == nil {
		m.balances[account] = make(map[string]int64)
	}
	m.balances[account][assetID] += amount
}

func (m *MemoryLedger) transferLocked(t Transfer) error {
	if t.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	if !m.associatedLocked(t.To, t.AssetID) {
		return fmt.Errorf("%w: receiver %s not associated with %s", ErrRejected, t.To, t.AssetID)
	}
	if m.balances[t.From][t.AssetID] < t.Amount {
		return fmt.Errorf("%w: insufficient balance", ErrRejected)
	}
	m.balances[t.From][t.AssetID] -= t.Amount
	m.credit(t.To, t.AssetID, t.Amount)
	return nil
}

func (m *MemoryLedger) recordPayment(t Transfer, r Receipt) {
	m.payments[r.TxRef] = Payment{
		TxRef: r.TxRef, From: t.From, To: t.To, AssetID: t.AssetID,
		Amount: t.Amount, Memo: t.Memo, Success: true, ConsensusAt: r.ConsensusAt,
	}
}

func (m *MemoryLedger) CreateAsset(ctx context.Context, spec AssetSpec) (string, error) {
	if err := m.enter(ctx, Call{Op: OpCreateAsset, Account: spec.Treasury}); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("0.0.%d", m.nextID)
	kind := spec.Kind
	if kind == "" {
		kind = NonFungible
	}
	m.assets[id] = &memAsset{
		info: AssetInfo{ID: id, Name: spec.Name, Symbol: spec.Symbol, Kind: kind, Treasury: spec.Treasury},
		nfts: make(map[int64]*NFT),
	}
	if kind == Fungible && spec.InitialSupply > 0 {
		m.credit(spec.Treasury, id, spec.InitialSupply)
		m.assets[id].info.TotalSupply = spec.InitialSupply
	}
	return id, nil
}

func (m *MemoryLedger) Mint(ctx context.Context, assetID string, metadata []byte) (MintResult, error) {
	if err := m.enter(ctx, Call{Op: OpMint, AssetID: assetID, Data: metadata}); err != nil {
		return MintResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[assetID]
	if !ok {
		return MintResult{}, fmt.Errorf("%w: asset %s", ErrNotFound, assetID)
	}
	if a.info.Kind != NonFungible {
		return MintResult{}, fmt.Errorf("%w: asset %s is not an NFT collection", ErrRejected, assetID)
	}
	a.nextSerial++
	r := m.receipt()
	a.nfts[a.nextSerial] = &NFT{
		AssetID: assetID, Serial: a.nextSerial, Owner: a.info.Treasury,
		Metadata: append([]byte(nil), metadata...), CreatedAt: r.ConsensusAt,
	}
	a.info.TotalSupply++
	return MintResult{Serial: a.nextSerial, TxRef: r.TxRef}, nil
}

func (m *MemoryLedger) TransferNFT(ctx context.Context, assetID string, serial int64, from, to string) (Receipt, error) {
	if err := m.enter(ctx, Call{Op: OpTransferNFT, AssetID: assetID, Serial: serial, Account: to}); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	nft, err := m.nftLocked(assetID, serial)
	if err != nil {
		return Receipt{}, err
	}
	if nft.Owner != from {
		return Receipt{}, fmt.Errorf("%w: %s does not own serial %d", ErrRejected, from, serial)
	}
	if !m.associatedLocked(to, assetID) {
		return Receipt{}, fmt.Errorf("%w: receiver %s not associated with %s", ErrRejected, to, assetID)
	}
	nft.Owner = to
	return m.receipt(), nil
}

func (m *MemoryLedger) Burn(ctx context.Context, assetID string, serial int64) (Receipt, error) {
	if err := m.enter(ctx, Call{Op: OpBurn, AssetID: assetID, Serial: serial}); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	nft, err := m.nftLocked(assetID, serial)
	if err != nil {
		return Receipt{}, err
	}
	if nft.Owner != m.assets[assetID].info.Treasury {
		return Receipt{}, fmt.Errorf("%w: only treasury-held serials can be burned", ErrRejected)
	}
	nft.Deleted = true
	m.assets[assetID].info.TotalSupply--
	return m.receipt(), nil
}

func (m *MemoryLedger) nftLocked(assetID string, serial int64) (*NFT, error) {
	a, ok := m.assets[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", ErrNotFound, assetID)
	}
	nft, ok := a.nfts[serial]
	if !ok || nft.Deleted {
		return nil, fmt.Errorf("%w: %s serial %d", ErrNotFound, assetID, serial)
	}
	return nft, nil
}

func (m *MemoryLedger) Associate(ctx context.Context, account, assetID string) error {
	if err := m.enter(ctx, Call{Op: OpAssociate, AssetID: assetID, Account: account}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[assetID]; !ok {
		return fmt.Errorf("%w: asset %s", ErrNotFound, assetID)
	}
	m.associateLocked(account, assetID)
	return nil
}

func (m *MemoryLedger) IsAssociated(ctx context.Context, account, assetID string) (bool, error) {
	if err := m.enter(ctx, Call{Op: OpIsAssociated, AssetID: assetID, Account: account}); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.associatedLocked(account, assetID), nil
}

func (m *MemoryLedger) Balance(ctx context.Context, account, assetID string) (int64, error) {
	if err := m.enter(ctx, Call{Op: OpBalance, AssetID: assetID, Account: account}); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.assets[assetID]; ok && a.info.Kind == NonFungible {
		var n int64
		for _, nft := range a.nfts {
			if nft.Owner == account && !nft.Deleted {
				n++
			}
		}
		return n, nil
	}
	return m.balances[account][assetID], nil
}

func (m *MemoryLedger) AssetInfo(ctx context.Context, assetID string) (AssetInfo, error) {
	if err := m.enter(ctx, Call{Op: OpAssetInfo, AssetID: assetID}); err != nil {
		return AssetInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[assetID]
	if !ok {
		return AssetInfo{}, fmt.Errorf("%w: asset %s", ErrNotFound, assetID)
	}
	return a.info, nil
}

func (m *MemoryLedger) NFTInfo(ctx context.Context, assetID string, serial int64) (NFT, error) {
	if err := m.enter(ctx, Call{Op: OpNFTInfo, AssetID: assetID, Serial: serial}); err != nil {
		return NFT{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	nft, err := m.nftLocked(assetID, serial)
	if err != nil {
		return NFT{}, err
	}
	out := *nft
	out.Metadata = append([]byte(nil), nft.Metadata...)
	return out, nil
}

func (m *MemoryLedger) LookupPayment(ctx context.Context, txRef string) (Payment, error) {
	if err := m.enter(ctx, Call{Op: OpLookupPayment, Data: []byte(txRef)}); err != nil {
		return Payment{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[strings.ToUpper(txRef)]
	if !ok {
		return Payment{}, fmt.Errorf("%w: transaction %s", ErrNotFound, txRef)
	}
	return p, nil
}

func (m *MemoryLedger) BuildFeeTransfer(ctx context.Context, t Transfer) ([]byte, error) {
	if err := m.enter(ctx, Call{Op: OpBuildFeeTransfer, AssetID: t.AssetID, Account: t.From}); err != nil {
		return nil, err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode transfer: %w", err)
	}
	env := Envelope{
		Network:    m.network,
		Body:       body,
		Nonce:      uuid.NewString(),
		ValidUntil: m.now().Add(m.ttl).UTC(),
	}
	return json.Marshal(env)
}

func (m *MemoryLedger) SubmitSigned(ctx context.Context, payload []byte) (Receipt, error) {
	env, err := OpenEnvelope(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	t, err := env.Transfer()
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if err := m.enter(ctx, Call{Op: OpSubmitSigned, AssetID: t.AssetID, Account: t.From, Data: payload}); err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case env.Network != m.network:
		return Receipt{}, fmt.Errorf("%w: envelope for network %q", ErrRejected, env.Network)
	case m.now().After(env.ValidUntil):
		return Receipt{}, fmt.Errorf("%w: transaction expired", ErrRejected)
	case m.usedNonces[env.Nonce]:
		return Receipt{}, fmt.Errorf("%w: duplicate transaction", ErrRejected)
	case !env.SignedBy(t.From):
		return Receipt{}, fmt.Errorf("%w: %w", ErrRejected, ErrBadSignature)
	}
	if err := m.transferLocked(t); err != nil {
		return Receipt{}, err
	}
	m.usedNonces[env.Nonce] = true
	r := m.receipt()
	m.recordPayment(t, r)
	return r, nil
}

func (m *MemoryLedger) Pay(ctx context.Context, t Transfer) (Receipt, error) {
	if err := m.enter(ctx, Call{Op: OpPay, AssetID: t.AssetID, Account: t.From, Data: []byte(t.Memo)}); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.From != m.operator {
		if m.allowances[t.From][t.AssetID] < t.Amount {
			return Receipt{}, fmt.Errorf("%w: no allowance from %s", ErrRejected, t.From)
		}
	}
	if err := m.transferLocked(t); err != nil {
		return Receipt{}, err
	}
	if t.From != m.operator {
		m.allowances[t.From][t.AssetID] -= t.Amount
	}
	r := m.receipt()
	m.recordPayment(t, r)
	return r, nil
}

func (m *MemoryLedger) SubmitAnchor(ctx context.Context, memo []byte) (Receipt, error) {
	if err := m.enter(ctx, Call{Op: OpSubmitAnchor, Data: memo}); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.receipt()
	m.anchors[r.TxRef] = append([]byte(nil), memo...)
	return r, nil
}
