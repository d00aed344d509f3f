// Package distributor splits a settled amount into fixed basis-point
// allocations and pays each one out independently.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/observability"
)

// TotalBasisPoints is the sum every allocation set must reach.
const TotalBasisPoints = 10000

var (
	ErrInvalidAmount      = errors.New("distribution amount must not be negative")
	ErrInvalidAllocations = errors.New("invalid allocations")
)

// Allocation is one destination of a distribution.
type Allocation struct {
	Name        string `json:"name"`
	Network     string `json:"network"`
	Account     string `json:"account"`
	AssetID     string `json:"asset_id,omitempty"`
	BasisPoints int64  `json:"basis_points"`
}

// DefaultAllocations is the 80/15/5 reserve, gas-refill and audit split.
func DefaultAllocations(network, reserve, gasRefill, audit string) []Allocation {
	return []Allocation{
		{Name: "reserve", Network: network, Account: reserve, BasisPoints: 8000},
		{Name: "gas_refill", Network: network, Account: gasRefill, BasisPoints: 1500},
		{Name: "audit", Network: network, Account: audit, BasisPoints: 500},
	}
}

// Share is the amount computed for an allocation.
type Share struct {
	Allocation
	Amount int64 `json:"amount"`
}

// Split divides amount by basis points, flooring each share and giving the
// remainder to the last allocation. The shares always sum to amount.
func Split(amount int64, allocations []Allocation) ([]Share, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if err := validate(allocations); err != nil {
		return nil, err
	}
	shares := make([]Share, len(allocations))
	var assigned int64
	for i, a := range allocations {
		part := mulDiv(amount, a.BasisPoints, TotalBasisPoints)
		shares[i] = Share{Allocation: a, Amount: part}
		assigned += part
	}
	shares[len(shares)-1].Amount += amount - assigned
	return shares, nil
}

// mulDiv computes floor(a*b/c) without overflowing for a near MaxInt64.
func mulDiv(a, b, c int64) int64 {
	q, r := a/c, a%c
	return q*b + r*b/c
}

func validate(allocations []Allocation) error {
	if len(allocations) == 0 {
		return fmt.Errorf("%w: none configured", ErrInvalidAllocations)
	}
	var total int64
	for _, a := range allocations {
		if a.BasisPoints < 0 {
			return fmt.Errorf("%w: %s has negative basis points", ErrInvalidAllocations, a.Name)
		}
		total += a.BasisPoints
	}
	if total != TotalBasisPoints {
		return fmt.Errorf("%w: basis points sum to %d, want %d", ErrInvalidAllocations, total, TotalBasisPoints)
	}
	return nil
}

// DispatchStatus is the outcome of paying one allocation.
type DispatchStatus string

const (
	DispatchSent    DispatchStatus = "SENT"
	DispatchFailed  DispatchStatus = "FAILED"
	DispatchSkipped DispatchStatus = "SKIPPED"
)

// Dispatch reports one allocation's payment.
type Dispatch struct {
	Share
	Status DispatchStatus `json:"status"`
	TxRef  string         `json:"tx_ref,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Result is the audit record of a distribution.
type Result struct {
	ID         string     `json:"distribution_id"`
	Amount     int64      `json:"amount"`
	Source     string     `json:"source"`
	Reference  string     `json:"reference,omitempty"`
	Dispatches []Dispatch `json:"dispatches"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Failed counts allocations that could not be paid.
func (r *Result) Failed() int {
	n := 0
	for _, d := range r.Dispatches {
		if d.Status == DispatchFailed {
			n++
		}
	}
	return n
}

// Ledgers resolves a network's gateway.
type Ledgers interface {
	Get(name string) (ledger.Gateway, error)
}

// Config wires a Distributor.
type Config struct {
	Ledgers     Ledgers
	Allocations []Allocation
	// Source is the account every allocation is paid from.
	Source  string
	Timeout time.Duration
	Metrics *observability.Instruments
	Logger  *slog.Logger
	Now     func() time.Time
}

type Distributor struct {
	ledgers     Ledgers
	allocations []Allocation
	source      string
	timeout     time.Duration
	metrics     *observability.Instruments
	logger      *slog.Logger
	now         func() time.Time
}

func New(cfg Config) (*Distributor, error) {
	if err := validate(cfg.Allocations); err != nil {
		return nil, err
	}
	d := &Distributor{
		ledgers:     cfg.Ledgers,
		allocations: append([]Allocation(nil), cfg.Allocations...),
		source:      cfg.Source,
		timeout:     cfg.Timeout,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if d.timeout <= 0 {
		d.timeout = 15 * time.Second
	}
	if d.logger == nil {
		d.logger = slog.Default().With("component", "distributor")
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Allocations returns the configured split.
func (d *Distributor) Allocations() []Allocation {
	return append([]Allocation(nil), d.allocations...)
}

// Distribute splits amount and pays every share concurrently. A failed
// dispatch is reported in the result and never stops the others; the only
// errors returned are for an invalid amount.
func (d *Distributor) Distribute(ctx context.Context, amount int64, reference string) (*Result, error) {
	shares, err := Split(amount, d.allocations)
	if err != nil {
		return nil, err
	}
	res := &Result{
		ID:         uuid.NewString(),
		Amount:     amount,
		Source:     d.source,
		Reference:  reference,
		Dispatches: make([]Dispatch, len(shares)),
		CreatedAt:  d.now().UTC(),
	}

	var wg sync.WaitGroup
	for i, s := range shares {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.Dispatches[i] = d.dispatch(ctx, res.ID, s)
		}()
	}
	wg.Wait()

	attrs := make([]any, 0, len(res.Dispatches)+4)
	attrs = append(attrs, "distribution_id", res.ID, "amount", amount, "reference", reference)
	for _, disp := range res.Dispatches {
		attrs = append(attrs, slog.Group(disp.Name,
			"network", disp.Network, "account", disp.Account, "amount", disp.Amount,
			"status", disp.Status, "tx_ref", disp.TxRef))
	}
	d.logger.InfoContext(ctx, "distribution", attrs...)
	return res, nil
}

func (d *Distributor) dispatch(ctx context.Context, distributionID string, s Share) Dispatch {
	out := Dispatch{Share: s}
	if s.Amount == 0 {
		out.Status = DispatchSkipped
		d.metrics.Dispatch(ctx, s.Name, string(out.Status))
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	receipt, err := d.pay(ctx, distributionID, s)
	if err != nil {
		out.Status = DispatchFailed
		out.Error = err.Error()
		d.logger.WarnContext(ctx, "allocation dispatch failed",
			"distribution_id", distributionID, "allocation", s.Name, "network", s.Network, "error", err)
	} else {
		out.Status = DispatchSent
		out.TxRef = receipt.TxRef
	}
	d.metrics.Dispatch(ctx, s.Name, string(out.Status))
	return out
}

func (d *Distributor) pay(ctx context.Context, distributionID string, s Share) (ledger.Receipt, error) {
	gw, err := d.ledgers.Get(s.Network)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("network %s: %w", s.Network, err)
	}
	if !gw.Enabled() {
		return ledger.Receipt{}, fmt.Errorf("network %s: %w", s.Network, ledger.ErrDisabled)
	}
	receipt, err := gw.Pay(ctx, ledger.Transfer{
		From:    d.source,
		To:      s.Account,
		AssetID: s.AssetID,
		Amount:  s.Amount,
		Memo:    "ACAD-DIST:" + distributionID + ":" + s.Name,
	})
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("pay %s: %w", s.Name, err)
	}
	if receipt.Status != "" && receipt.Status != "SUCCESS" {
		return receipt, fmt.Errorf("pay %s: %w: status %s", s.Name, ledger.ErrRejected, receipt.Status)
	}
	return receipt, nil
}
