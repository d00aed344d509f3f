// Package api exposes issuance, batches, reports and distributions over
// HTTP. Errors are RFC 7807 problem documents.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/anchor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/auth"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/batch"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/distributor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/report"
)

// Issuance is the single-credential surface of the engine.
type Issuance interface {
	Prepare(ctx context.Context, req issuance.Request, opts ...issuance.PrepareOption) (*issuance.Intent, error)
	Execute(ctx context.Context, intentID string, proof issuance.Proof) (issuance.ExecuteResult, error)
	RetryMint(ctx context.Context, intentID string) (issuance.ExecuteResult, error)
	GetIntent(ctx context.Context, intentID string) (*issuance.Intent, error)
	GetRecord(ctx context.Context, assetID string, serial int64) (issuance.MintRecord, error)
	Revoke(ctx context.Context, institutionID, assetID string, serial int64, reason string) (issuance.Revocation, error)
}

type Batches interface {
	Submit(ctx context.Context, institutionID string, items []issuance.Request) (*batch.Job, error)
	Status(ctx context.Context, jobID string) (*batch.View, error)
	Finalize(ctx context.Context, jobID string, proofs map[string]string) (batch.FinalizeResult, error)
	Subscribe(ctx context.Context, jobID string) (*batch.Subscription, error)
	Unsubscribe(sub *batch.Subscription)
}

type Reports interface {
	Build(ctx context.Context, assetID string, serial int64) (*report.Report, error)
}

type Anchors interface {
	Reanchor(ctx context.Context, contentHash string) ([]anchor.Proof, error)
}

type Distributions interface {
	Distribute(ctx context.Context, amount int64, reference string) (*distributor.Result, error)
}

// Config wires a Server. Nil collaborators leave their routes answering 503.
type Config struct {
	Issuance    Issuance
	Batches     Batches
	Reports     Reports
	Anchors     Anchors
	Distributor Distributions
	Validator   *auth.Validator
	Limiter     *auth.ClientLimiter
	Logger      *slog.Logger

	MaxBodyBytes      int64
	HeartbeatInterval time.Duration
}

type Server struct {
	issuance    Issuance
	batches     Batches
	reports     Reports
	anchors     Anchors
	distributor Distributions
	validator   *auth.Validator
	limiter     *auth.ClientLimiter
	logger      *slog.Logger
	maxBody     int64
	heartbeat   time.Duration
}

func NewServer(cfg Config) *Server {
	s := &Server{
		issuance:    cfg.Issuance,
		batches:     cfg.Batches,
		reports:     cfg.Reports,
		anchors:     cfg.Anchors,
		distributor: cfg.Distributor,
		validator:   cfg.Validator,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger,
		maxBody:     cfg.MaxBodyBytes,
		heartbeat:   cfg.HeartbeatInterval,
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "api")
	}
	if s.maxBody <= 0 {
		s.maxBody = 4 << 20
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 15 * time.Second
	}
	return s
}

// Handler returns the routed handler with request ids, access logging and
// rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authed := func(h http.HandlerFunc) http.Handler {
		return auth.NewMiddleware(s.validator)(auth.RateLimitMiddleware(s.limiter)(h))
	}
	public := func(h http.HandlerFunc) http.Handler {
		return auth.RateLimitMiddleware(s.limiter)(h)
	}

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /v1/issuance/prepare", authed(s.handlePrepare))
	mux.Handle("POST /v1/issuance/execute", authed(s.handleExecute))
	mux.Handle("POST /v1/issuance/{intentId}/retry-mint", authed(s.handleRetryMint))
	mux.Handle("GET /v1/issuance/{intentId}", authed(s.handleGetIntent))

	mux.Handle("POST /v1/batches", authed(s.handleSubmitBatch))
	mux.Handle("GET /v1/batches/{jobId}", authed(s.handleBatchStatus))
	mux.Handle("POST /v1/batches/{jobId}/finalize", authed(s.handleFinalize))
	mux.Handle("GET /v1/batches/{jobId}/events", authed(s.handleBatchEvents))

	mux.Handle("GET /v1/credentials/{assetId}/{serial}/report", public(s.handleReport))
	mux.Handle("POST /v1/credentials/{assetId}/{serial}/reanchor", authed(s.handleReanchor))
	mux.Handle("POST /v1/credentials/{assetId}/{serial}/revoke", authed(s.handleRevoke))

	mux.Handle("POST /v1/distributions", authed(s.handleDistribute))

	return auth.RequestIDMiddleware(s.accessLog(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
