package issuance

import (
	"context"
	"errors"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
)

// ResolverConfig prices an issuance.
type ResolverConfig struct {
	Treasury string
	// SettlementAssetID is the credit asset fees are paid in; "" is the
	// primary ledger's native coin.
	SettlementAssetID string
	Fee               int64

	ExternalNetwork     string
	ExternalDestination string
	ExternalAmount      int64
	ExternalUnit        string
}

// Resolver decides how a request is settled. It moves no funds.
type Resolver struct {
	ledgers *ledger.Registry
	cfg     ResolverConfig
}

func NewResolver(ledgers *ledger.Registry, cfg ResolverConfig) *Resolver {
	if cfg.ExternalUnit == "" {
		cfg.ExternalUnit = "drops"
	}
	return &Resolver{ledgers: ledgers, cfg: cfg}
}

// FeeMemo binds a native fee transfer to its request.
func FeeMemo(requestID string) string { return "ACAD-FEE:" + requestID }

// PaymentMemo binds an external payment to its request.
func PaymentMemo(requestID string) string { return "ACAD-PAY:" + requestID }

// Resolve builds the settlement for req paid from payer. With delegated set,
// an AUTO request is settled later by DelegatedCharge and gets no payload.
func (r *Resolver) Resolve(ctx context.Context, req Request, payer string, delegated bool) (Settlement, error) {
	const op = "resolve_payment"
	switch req.PaymentMethod {
	case MethodExternal:
		if r.cfg.ExternalDestination == "" || r.cfg.ExternalNetwork == "" {
			return nil, newError(KindValidation, op, "", "external payments are not configured", nil)
		}
		return ExternalSettlement{Descriptor: PaymentDescriptor{
			Network:     r.cfg.ExternalNetwork,
			Destination: r.cfg.ExternalDestination,
			Amount:      r.cfg.ExternalAmount,
			Unit:        r.cfg.ExternalUnit,
			Memo:        PaymentMemo(req.RequestID),
		}}, nil
	case MethodAuto, "":
	default:
		return nil, newError(KindValidation, op, "", "unknown payment method "+string(req.PaymentMethod), nil)
	}

	ns := NativeSettlement{
		Payer:     payer,
		Payee:     r.cfg.Treasury,
		AssetID:   r.cfg.SettlementAssetID,
		Fee:       r.cfg.Fee,
		Delegated: delegated,
	}
	if r.cfg.Fee <= 0 || delegated || payer == r.cfg.Treasury {
		if payer == r.cfg.Treasury {
			ns.Fee = 0
		}
		return ns, nil
	}
	gw, err := r.ledgers.Primary()
	if err != nil {
		return nil, newError(KindLedgerUnavailable, op, "", "primary ledger", err)
	}
	payload, err := gw.BuildFeeTransfer(ctx, ledger.Transfer{
		From:    payer,
		To:      r.cfg.Treasury,
		AssetID: r.cfg.SettlementAssetID,
		Amount:  r.cfg.Fee,
		Memo:    FeeMemo(req.RequestID),
	})
	if err != nil {
		if ledger.IsTransient(err) || errors.Is(err, ledger.ErrDisabled) {
			return nil, newError(KindLedgerUnavailable, op, "", "build fee transfer", err)
		}
		return nil, newError(KindPaymentFailure, op, "", "build fee transfer", err)
	}
	ns.UnsignedPayload = payload
	return ns, nil
}

// classifyLedger maps a payment submission error. Unreachable ledgers are
// LedgerUnavailable and leave the intent retryable; rejections and timeouts
// are PaymentFailure.
func classifyLedger(op, intentID, reason string, err error) *Error {
	if errors.Is(err, ledger.ErrUnavailable) || errors.Is(err, ledger.ErrDisabled) {
		return newError(KindLedgerUnavailable, op, intentID, reason, err)
	}
	return newError(KindPaymentFailure, op, intentID, reason, err)
}
