package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/retry"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// GuardOptions tune a Guarded gateway.
type GuardOptions struct {
	Timeout          time.Duration
	RateLimit        rate.Limit
	Burst            int
	BreakerThreshold int
	BreakerReset     time.Duration
	ReadRetry        retry.Policy
	AssetInfoTTL     time.Duration
}

func (o GuardOptions) withDefaults() GuardOptions {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = rate.Inf
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerReset <= 0 {
		o.BreakerReset = 10 * time.Second
	}
	if o.ReadRetry.MaxAttempts == 0 {
		o.ReadRetry = retry.DefaultPolicy
	}
	if o.AssetInfoTTL <= 0 {
		o.AssetInfoTTL = 5 * time.Minute
	}
	return o
}

// Guarded wraps a Gateway with a rate limit, a per-call timeout and a
// circuit breaker. Read queries are retried on transient errors;
// submissions never are.
type Guarded struct {
	inner   Gateway
	opts    GuardOptions
	limiter *rate.Limiter
	breaker *CircuitBreaker
	assets  *cache.Cache
}

// NewGuarded wraps inner.
func NewGuarded(inner Gateway, opts GuardOptions) *Guarded {
	opts = opts.withDefaults()
	return &Guarded{
		inner:   inner,
		opts:    opts,
		limiter: rate.NewLimiter(opts.RateLimit, opts.Burst),
		breaker: NewCircuitBreaker(inner.Network(), opts.BreakerThreshold, opts.BreakerReset),
		assets:  cache.New(opts.AssetInfoTTL, 2*opts.AssetInfoTTL),
	}
}

// Unwrap returns the wrapped gateway.
func (g *Guarded) Unwrap() Gateway { return g.inner }

// Breaker exposes the breaker state for health reporting.
func (g *Guarded) Breaker() *CircuitBreaker { return g.breaker }

func (g *Guarded) Network() string { return g.inner.Network() }
func (g *Guarded) Enabled() bool   { return g.inner.Enabled() }

// call runs one attempt of fn under the limiter, breaker and timeout.
func (g *Guarded) call(ctx context.Context, op Operation, fn func(ctx context.Context) error) error {
	if !g.inner.Enabled() {
		return ErrDisabled
	}
	if !g.breaker.Allow() {
		return fmt.Errorf("%w: circuit open for %s", ErrUnavailable, g.inner.Network())
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.breaker.abandon()
		return fmt.Errorf("%w: rate limit wait: %w", ErrUnavailable, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	err := fn(callCtx)

	switch {
	case err == nil:
		g.breaker.Success()
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		g.breaker.Failure()
		return fmt.Errorf("%w: %s on %s after %s", ErrTimeout, op, g.inner.Network(), g.opts.Timeout)
	case errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout):
		g.breaker.Failure()
		return err
	default:
		// The ledger answered; the breaker only tracks reachability.
		g.breaker.Success()
		return err
	}
}

// read retries transient failures of an idempotent query.
func (g *Guarded) read(ctx context.Context, op Operation, subject string, fn func(ctx context.Context) error) error {
	key := retry.Key{Network: g.inner.Network(), Operation: string(op), Subject: subject}
	return retry.Do(ctx, key, g.opts.ReadRetry, func(ctx context.Context) error {
		err := g.call(ctx, op, fn)
		if err != nil && !IsTransient(err) {
			return &retry.Permanent{Err: err}
		}
		return err
	})
}

func (g *Guarded) CreateAsset(ctx context.Context, spec AssetSpec) (id string, err error) {
	err = g.call(ctx, OpCreateAsset, func(ctx context.Context) error {
		id, err = g.inner.CreateAsset(ctx, spec)
		return err
	})
	return id, err
}

func (g *Guarded) Mint(ctx context.Context, assetID string, metadata []byte) (res MintResult, err error) {
	err = g.call(ctx, OpMint, func(ctx context.Context) error {
		res, err = g.inner.Mint(ctx, assetID, metadata)
		return err
	})
	if err == nil {
		g.assets.Delete(assetID)
	}
	return res, err
}

func (g *Guarded) TransferNFT(ctx context.Context, assetID string, serial int64, from, to string) (r Receipt, err error) {
	err = g.call(ctx, OpTransferNFT, func(ctx context.Context) error {
		r, err = g.inner.TransferNFT(ctx, assetID, serial, from, to)
		return err
	})
	return r, err
}

func (g *Guarded) Burn(ctx context.Context, assetID string, serial int64) (r Receipt, err error) {
	err = g.call(ctx, OpBurn, func(ctx context.Context) error {
		r, err = g.inner.Burn(ctx, assetID, serial)
		return err
	})
	return r, err
}

func (g *Guarded) Associate(ctx context.Context, account, assetID string) error {
	return g.call(ctx, OpAssociate, func(ctx context.Context) error {
		return g.inner.Associate(ctx, account, assetID)
	})
}

func (g *Guarded) IsAssociated(ctx context.Context, account, assetID string) (ok bool, err error) {
	err = g.read(ctx, OpIsAssociated, account+"/"+assetID, func(ctx context.Context) error {
		ok, err = g.inner.IsAssociated(ctx, account, assetID)
		return err
	})
	return ok, err
}

func (g *Guarded) Balance(ctx context.Context, account, assetID string) (n int64, err error) {
	err = g.read(ctx, OpBalance, account+"/"+assetID, func(ctx context.Context) error {
		n, err = g.inner.Balance(ctx, account, assetID)
		return err
	})
	return n, err
}

func (g *Guarded) AssetInfo(ctx context.Context, assetID string) (info AssetInfo, err error) {
	if v, ok := g.assets.Get(assetID); ok {
		return v.(AssetInfo), nil
	}
	err = g.read(ctx, OpAssetInfo, assetID, func(ctx context.Context) error {
		info, err = g.inner.AssetInfo(ctx, assetID)
		return err
	})
	if err == nil {
		g.assets.Set(assetID, info, cache.DefaultExpiration)
	}
	return info, err
}

func (g *Guarded) NFTInfo(ctx context.Context, assetID string, serial int64) (nft NFT, err error) {
	err = g.read(ctx, OpNFTInfo, assetID+"/"+strconv.FormatInt(serial, 10), func(ctx context.Context) error {
		nft, err = g.inner.NFTInfo(ctx, assetID, serial)
		return err
	})
	return nft, err
}

func (g *Guarded) LookupPayment(ctx context.Context, txRef string) (p Payment, err error) {
	err = g.read(ctx, OpLookupPayment, txRef, func(ctx context.Context) error {
		p, err = g.inner.LookupPayment(ctx, txRef)
		return err
	})
	return p, err
}

func (g *Guarded) BuildFeeTransfer(ctx context.Context, t Transfer) (payload []byte, err error) {
	err = g.call(ctx, OpBuildFeeTransfer, func(ctx context.Context) error {
		payload, err = g.inner.BuildFeeTransfer(ctx, t)
		return err
	})
	return payload, err
}

func (g *Guarded) SubmitSigned(ctx context.Context, payload []byte) (r Receipt, err error) {
	err = g.call(ctx, OpSubmitSigned, func(ctx context.Context) error {
		r, err = g.inner.SubmitSigned(ctx, payload)
		return err
	})
	return r, err
}

func (g *Guarded) Pay(ctx context.Context, t Transfer) (r Receipt, err error) {
	err = g.call(ctx, OpPay, func(ctx context.Context) error {
		r, err = g.inner.Pay(ctx, t)
		return err
	})
	return r, err
}

func (g *Guarded) SubmitAnchor(ctx context.Context, memo []byte) (r Receipt, err error) {
	err = g.call(ctx, OpSubmitAnchor, func(ctx context.Context) error {
		r, err = g.inner.SubmitAnchor(ctx, memo)
		return err
	})
	return r, err
}
