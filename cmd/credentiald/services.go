package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/anchor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/api"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/artifacts"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/auth"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/batch"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/config"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/database"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/distributor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/institution"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/lock"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/observability"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/report"
)

// Services is the wired server.
type Services struct {
	DB        *database.DB
	Ledgers   *ledger.Registry
	Memory    map[string]*ledger.MemoryLedger
	Directory institution.Directory
	Locker    lock.Locker
	Telemetry *observability.Provider
	Engine    *issuance.Engine
	Anchors   *anchor.Service
	Batches   *batch.Orchestrator
	Reports   *report.Builder
	Distrib   *distributor.Distributor
	API       *api.Server

	closers []func(context.Context) error
}

// NewServices wires every component from cfg and profile. In lite mode the
// in-process ledgers are bootstrapped with demo assets and balances.
func NewServices(ctx context.Context, cfg *config.Config, profile *config.ChainProfile, logger *slog.Logger) (svc *Services, err error) {
	s := &Services{Memory: make(map[string]*ledger.MemoryLedger)}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	s.Telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "credentiald",
		ServiceVersion: version,
		Environment:    envName(cfg),
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	s.closers = append(s.closers, s.Telemetry.Shutdown)
	metrics, err := observability.NewInstruments(s.Telemetry.Meter())
	if err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}

	s.DB, err = database.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func(context.Context) error { return s.DB.Close() })
	logger.Info("database ready", "dialect", s.DB.Dialect, "lite_mode", cfg.LiteMode())

	s.Ledgers = ledger.NewRegistry(profile.Primary.Name)
	s.registerNetwork(cfg, profile.Primary, true, logger)
	for _, nc := range profile.Secondaries {
		s.registerNetwork(cfg, nc, false, logger)
	}
	if len(s.Memory) > 0 {
		if err := bootstrapMemoryLedgers(ctx, cfg, profile, s.Memory, logger); err != nil {
			return nil, fmt.Errorf("bootstrap in-process ledgers: %w", err)
		}
	}

	dir, err := institution.NewSQLDirectory(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	if err := institution.Seed(ctx, dir, profile.Institutions); err != nil {
		return nil, fmt.Errorf("seed institutions: %w", err)
	}
	s.Directory = dir

	if cfg.RedisAddr != "" {
		rl := lock.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, 0)
		if err := rl.Ping(ctx); err != nil {
			_ = rl.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		s.closers = append(s.closers, func(context.Context) error { return rl.Close() })
		s.Locker = rl
		logger.Info("intent locks in redis", "addr", cfg.RedisAddr)
	} else {
		s.Locker = lock.NewMemoryLocker()
	}

	store, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	codec, err := issuance.NewMetadataCodec()
	if err != nil {
		return nil, err
	}
	intents, err := issuance.NewSQLStore(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	proofs, err := anchor.NewSQLStore(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	jobs, err := batch.NewSQLStore(ctx, s.DB)
	if err != nil {
		return nil, err
	}

	s.Anchors = anchor.NewService(anchor.Config{
		Ledgers: s.Ledgers,
		Store:   proofs,
		Metrics: metrics,
		Logger:  logger.With("component", "anchor"),
		Timeout: cfg.LedgerTimeout,
	})
	s.closers = append(s.closers, s.Anchors.Close)

	guard := issuance.NewGuard(issuance.GuardConfig{
		Directory:  dir,
		Ledgers:    s.Ledgers,
		ACLAssetID: cfg.ACLTokenID,
		Treasury:   cfg.TreasuryAccountID,
		Logger:     logger.With("component", "guard"),
	})
	s.Engine = issuance.NewEngine(issuance.EngineConfig{
		Store: intents,
		Guard: guard,
		Resolver: issuance.NewResolver(s.Ledgers, issuance.ResolverConfig{
			Treasury:            cfg.TreasuryAccountID,
			SettlementAssetID:   cfg.SettlementAssetID,
			Fee:                 cfg.MintFee,
			ExternalNetwork:     cfg.ExternalPaymentNetwork,
			ExternalDestination: cfg.ExternalPaymentDestination,
			ExternalAmount:      cfg.ExternalPaymentAmount,
		}),
		Minter: issuance.NewMinter(issuance.MinterConfig{
			Ledgers:        s.Ledgers,
			Artifacts:      store,
			Codec:          codec,
			StorageTimeout: cfg.StorageTimeout,
			Logger:         logger.With("component", "minter"),
		}),
		Ledgers:          s.Ledgers,
		Locker:           s.Locker,
		Anchorer:         s.Anchors,
		Metrics:          metrics,
		Logger:           logger.With("component", "issuance"),
		IntentTTL:        cfg.IntentTTL,
		ExternalProofTTL: cfg.ExternalProofTTL,
	})

	s.Batches = batch.New(batch.Config{
		Issuer:           s.Engine,
		Gate:             guard,
		Store:            jobs,
		Proofs:           s.Anchors,
		Metrics:          metrics,
		Logger:           logger.With("component", "batch"),
		Workers:          cfg.BatchWorkers,
		ItemConcurrency:  cfg.BatchItemConcurrency,
		ExternalProofTTL: cfg.ExternalProofTTL,
		Retention:        cfg.JobRetention,
	})

	s.Reports, err = report.NewBuilder(report.Config{
		Ledgers:   s.Ledgers,
		Records:   s.Engine,
		Proofs:    s.Anchors,
		Artifacts: store,
		Timeout:   cfg.LedgerTimeout,
		Logger:    logger.With("component", "report"),
	})
	if err != nil {
		return nil, err
	}

	if len(profile.Distribution) > 0 {
		allocs := make([]distributor.Allocation, len(profile.Distribution))
		for i, a := range profile.Distribution {
			allocs[i] = distributor.Allocation{Name: a.Name, Network: a.Network, Account: a.Account, BasisPoints: a.BasisPoints}
		}
		s.Distrib, err = distributor.New(distributor.Config{
			Ledgers:     s.Ledgers,
			Allocations: allocs,
			Source:      cfg.TreasuryAccountID,
			Timeout:     cfg.LedgerTimeout,
			Metrics:     metrics,
			Logger:      logger.With("component", "distributor"),
		})
		if err != nil {
			return nil, fmt.Errorf("distributor: %w", err)
		}
	}

	validator := auth.NewValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if validator == nil {
		logger.Warn("JWT_SECRET not set; authenticated routes reject every request")
	}
	apiCfg := api.Config{
		Issuance:  s.Engine,
		Batches:   s.Batches,
		Reports:   s.Reports,
		Anchors:   s.Anchors,
		Validator: validator,
		Limiter:   auth.NewClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Logger:    logger.With("component", "api"),
	}
	if s.Distrib != nil {
		apiCfg.Distributor = s.Distrib
	}
	s.API = api.NewServer(apiCfg)
	return s, nil
}

// registerNetwork adds one network to the registry behind the guarded
// decorator. Networks without a relay run in process.
func (s *Services) registerNetwork(cfg *config.Config, nc config.NetworkConfig, primary bool, logger *slog.Logger) {
	opts := ledger.GuardOptions{
		Timeout:   nc.Timeout,
		RateLimit: rate.Limit(nc.RateLimit),
		Burst:     nc.Burst,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = cfg.LedgerTimeout
	}

	if nc.RelayURL == "" {
		var memOpts []ledger.MemoryOption
		if primary {
			memOpts = append(memOpts, ledger.WithOperator(cfg.TreasuryAccountID))
		}
		mem := ledger.NewMemoryLedger(nc.Name, memOpts...)
		mem.SetEnabled(nc.IsEnabled())
		s.Memory[nc.Name] = mem
		s.Ledgers.RegisterGateway(ledger.NewGuarded(mem, opts))
		logger.Info("network registered", "network", nc.Name, "adapter", "memory", "enabled", nc.IsEnabled())
		return
	}

	client := &http.Client{Timeout: opts.Timeout * 2}
	var reads ledger.Reader
	switch {
	case nc.Kind == config.KindXRPL && nc.RPCURL != "":
		reads = ledger.NewXRPLClient(nc.RPCURL, client)
	case nc.MirrorURL != "":
		reads = ledger.NewMirrorClient(nc.MirrorURL, client)
	}
	s.Ledgers.Register(nc.Name, func() (ledger.Gateway, error) {
		relay := ledger.NewRelayGateway(nc.Name, nc.RelayURL, reads, client)
		relay.SetEnabled(nc.IsEnabled())
		return ledger.NewGuarded(relay, opts), nil
	})
	logger.Info("network registered", "network", nc.Name, "adapter", "relay", "relay_url", nc.RelayURL, "enabled", nc.IsEnabled())
}

// Close releases resources in reverse order of acquisition.
func (s *Services) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func envName(cfg *config.Config) string {
	if cfg.LiteMode() {
		return "lite"
	}
	return "production"
}
