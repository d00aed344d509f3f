package issuance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/institution"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
)

// DenyReason says why the guard refused an institution.
type DenyReason string

const (
	DenyInstitutionNotFound DenyReason = "institution_not_found"
	DenyInstitutionInactive DenyReason = "institution_inactive"
	DenySettlementMissing   DenyReason = "settlement_account_missing"
	DenyAssetNotRegistered  DenyReason = "asset_not_registered"
	DenyNotAssociated       DenyReason = "not_associated"
	DenyLedgerQueryFailed   DenyReason = "ledger_query_failed"
)

// Decision is the guard's verdict.
type Decision struct {
	Allowed     bool
	Reason      DenyReason
	Detail      string
	Institution institution.Institution
}

func deny(reason DenyReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Err converts a denial into an AuthorizationDenied error.
func (d Decision) Err(op string) error {
	if d.Allowed {
		return nil
	}
	return newError(KindAuthorizationDenied, op, "", string(d.Reason), errors.New(d.Detail))
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	Directory institution.Directory
	Ledgers   *ledger.Registry
	// ACLAssetID is the access-control asset a settlement account must hold.
	ACLAssetID string
	// Treasury is always implicitly associated.
	Treasury string
	// CacheTTL bounds how long an allowed association is trusted. Zero means 60s.
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Guard is the association gate in front of every issuance. It fails closed.
type Guard struct {
	dir      institution.Directory
	ledgers  *ledger.Registry
	aclAsset string
	treasury string
	allowed  *cache.Cache
	logger   *slog.Logger
}

func NewGuard(cfg GuardConfig) *Guard {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "association_guard")
	}
	return &Guard{
		dir:      cfg.Directory,
		ledgers:  cfg.Ledgers,
		aclAsset: cfg.ACLAssetID,
		treasury: cfg.Treasury,
		allowed:  cache.New(ttl, 2*ttl),
		logger:   logger,
	}
}

// Check resolves the institution and checks its settlement account's
// association. A non-empty assetID must also be registered to the institution.
func (g *Guard) Check(ctx context.Context, institutionID, assetID string) Decision {
	inst, err := g.dir.Get(ctx, institutionID)
	if err != nil {
		if !errors.Is(err, institution.ErrNotFound) {
			g.logger.WarnContext(ctx, "institution lookup failed", "institution_id", institutionID, "error", err)
		}
		return deny(DenyInstitutionNotFound, "institution "+institutionID+" could not be resolved")
	}
	if !inst.Active {
		return deny(DenyInstitutionInactive, "institution "+inst.ID+" is inactive")
	}
	if inst.SettlementAccount == "" {
		return deny(DenySettlementMissing, "institution "+inst.ID+" has no settlement account")
	}
	if assetID != "" && !inst.OwnsAsset(assetID) {
		return deny(DenyAssetNotRegistered, "asset "+assetID+" is not registered to institution "+inst.ID)
	}
	d := g.CheckAssociation(ctx, inst.SettlementAccount, g.aclAsset)
	d.Institution = inst
	return d
}

// CheckAssociation reports whether account holds requiredAssetID on the
// primary ledger. Ledger errors deny.
func (g *Guard) CheckAssociation(ctx context.Context, account, requiredAssetID string) Decision {
	if account == "" {
		return deny(DenySettlementMissing, "no settlement account")
	}
	if g.treasury != "" && account == g.treasury {
		return Decision{Allowed: true}
	}
	key := account + "|" + requiredAssetID
	if _, ok := g.allowed.Get(key); ok {
		return Decision{Allowed: true}
	}

	gw, err := g.ledgers.Primary()
	if err != nil {
		g.logger.WarnContext(ctx, "primary ledger unavailable for association check", "account", account, "error", err)
		return deny(DenyLedgerQueryFailed, err.Error())
	}
	ok, err := gw.IsAssociated(ctx, account, requiredAssetID)
	if err != nil {
		g.logger.WarnContext(ctx, "association query failed", "account", account, "asset_id", requiredAssetID, "error", err)
		return deny(DenyLedgerQueryFailed, err.Error())
	}
	if !ok {
		return deny(DenyNotAssociated, "account "+account+" is not associated with "+requiredAssetID)
	}
	g.allowed.Set(key, true, cache.DefaultExpiration)
	return Decision{Allowed: true}
}

// Forget drops any cached decision for account.
func (g *Guard) Forget(account string) {
	g.allowed.Delete(account + "|" + g.aclAsset)
}
