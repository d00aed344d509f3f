package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/anchor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/api"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/api/problem"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/auth"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/batch"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/distributor"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/issuance/issuancetest"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/ledger"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/report"
)

type env struct {
	f       *issuancetest.Fixture
	anchors *anchor.Service
	batches *batch.Orchestrator
	v       *auth.Validator
	srv     *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{v: auth.NewValidator([]byte("test-secret-0123456789"), "academicchain")}
	e.f = issuancetest.New(t, issuancetest.WithAnchorer(func(f *issuancetest.Fixture) issuance.Anchorer {
		e.anchors = anchor.NewService(anchor.Config{Ledgers: f.Registry, Logger: f.Logger})
		return e.anchors
	}))
	t.Cleanup(func() { _ = e.anchors.Close(context.Background()) })

	e.batches = batch.New(batch.Config{
		Issuer: e.f.Engine,
		Gate:   e.f.Guard,
		Store:  batch.NewMemoryStore(),
		Proofs: e.anchors,
		Logger: e.f.Logger,
	})
	e.batches.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.batches.Stop(ctx)
	})

	reports, err := report.NewBuilder(report.Config{
		Ledgers:   e.f.Registry,
		Records:   e.f.Engine,
		Proofs:    e.anchors,
		Artifacts: e.f.Artifacts,
		Logger:    e.f.Logger,
	})
	require.NoError(t, err)

	e.f.Primary.Fund(issuancetest.Treasury, "", 1_000_000)
	dist, err := distributor.New(distributor.Config{
		Ledgers:     e.f.Registry,
		Allocations: distributor.DefaultAllocations("hedera", "0.0.9001", "0.0.9002", "0.0.9003"),
		Source:      issuancetest.Treasury,
		Logger:      e.f.Logger,
	})
	require.NoError(t, err)

	s := api.NewServer(api.Config{
		Issuance:          e.f.Engine,
		Batches:           e.batches,
		Reports:           reports,
		Anchors:           e.anchors,
		Distributor:       dist,
		Validator:         e.v,
		Logger:            e.f.Logger,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	e.srv = httptest.NewServer(s.Handler())
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) token(t *testing.T, institutionID string, roles ...string) string {
	t.Helper()
	tok, err := e.v.Issue("registrar", institutionID, time.Hour, roles...)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any, out any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (e *env) issueRequest(id string) api.IssueRequest {
	r := e.f.Request(id)
	return api.IssueRequest{
		RequestID:      r.RequestID,
		AssetID:        r.AssetID,
		ContentHash:    r.ContentHash,
		SubjectName:    r.SubjectName,
		SubjectAccount: r.SubjectAccount,
		Title:          r.Title,
		PaymentMethod:  issuance.MethodAuto,
	}
}

func TestServer_Health(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_RequiresBearerToken(t *testing.T) {
	e := newEnv(t)
	var p problem.Detail
	resp := e.do(t, http.MethodPost, "/v1/issuance/prepare", "", e.issueRequest("req-1"), &p)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, http.StatusUnauthorized, p.Status)
}

func TestServer_PrepareAndExecute(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, issuancetest.InstitutionID)

	var intent api.IntentResponse
	resp := e.do(t, http.MethodPost, "/v1/issuance/prepare", tok, e.issueRequest("req-http"), &intent)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, issuance.PhasePrepared, intent.Phase)
	assert.NotEmpty(t, intent.UnsignedPayload)
	assert.Equal(t, int64(issuancetest.Fee), intent.Fee)

	in, err := e.f.Engine.GetIntent(context.Background(), intent.IntentID)
	require.NoError(t, err)
	signed := issuancetest.SignedProof(t, in)

	var res api.ExecuteResponse
	resp = e.do(t, http.MethodPost, "/v1/issuance/execute", tok,
		api.ExecuteRequest{IntentID: intent.IntentID, SignedPayload: signed.Payload}, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, e.f.Collection, res.AssetID)
	assert.Positive(t, res.SerialNumber)
	assert.False(t, res.Replayed)

	resp = e.do(t, http.MethodPost, "/v1/issuance/execute", tok,
		api.ExecuteRequest{IntentID: intent.IntentID, SignedPayload: signed.Payload}, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.Replayed)

	var got api.IntentResponse
	resp = e.do(t, http.MethodGet, "/v1/issuance/"+intent.IntentID, tok, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, issuance.PhaseExecuted, got.Phase)
	assert.Empty(t, got.UnsignedPayload)
	require.NotNil(t, got.Record)

	e.anchors.Wait()
	var rep report.Report
	resp = e.do(t, http.MethodGet, fmt.Sprintf("/v1/credentials/%s/%d/report", res.AssetID, res.SerialNumber), "", nil, &rep)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, report.StatusValid, rep.Status)
}

func TestServer_OtherInstitutionSeesNotFound(t *testing.T) {
	e := newEnv(t)
	var intent api.IntentResponse
	resp := e.do(t, http.MethodPost, "/v1/issuance/prepare", e.token(t, issuancetest.InstitutionID), e.issueRequest("req-own"), &intent)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/issuance/"+intent.IntentID, e.token(t, "other-college"), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_UnknownInstitutionIsForbidden(t *testing.T) {
	e := newEnv(t)
	var p problem.Detail
	resp := e.do(t, http.MethodPost, "/v1/issuance/prepare", e.token(t, "other-college"), e.issueRequest("req-x"), &p)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(issuance.KindAuthorizationDenied), p.Kind)
}

func TestServer_MintFailureIsRecoverable(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, issuancetest.InstitutionID)
	e.f.Primary.InjectFault(ledger.OpMint, func(context.Context, ledger.Call) error { return ledger.ErrTimeout })

	var intent api.IntentResponse
	e.do(t, http.MethodPost, "/v1/issuance/prepare", tok, e.issueRequest("req-mf"), &intent)
	in, err := e.f.Engine.GetIntent(context.Background(), intent.IntentID)
	require.NoError(t, err)

	var p problem.Detail
	resp := e.do(t, http.MethodPost, "/v1/issuance/execute", tok,
		api.ExecuteRequest{IntentID: in.ID, SignedPayload: issuancetest.SignedProof(t, in).Payload}, &p)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, string(issuance.KindMintFailure), p.Kind)
	assert.Equal(t, "mint", p.Recoverable)
	assert.Equal(t, in.ID, p.IntentID)

	e.f.Primary.InjectFault(ledger.OpMint, nil)
	var res api.ExecuteResponse
	resp = e.do(t, http.MethodPost, "/v1/issuance/"+in.ID+"/retry-mint", tok, nil, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Positive(t, res.SerialNumber)
}

func TestServer_ExecuteRejectsBothProofs(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/v1/issuance/execute", e.token(t, issuancetest.InstitutionID),
		api.ExecuteRequest{IntentID: "x", SignedPayload: []byte("a"), ExternalProofRef: "b"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_BatchLifecycleAndEvents(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, issuancetest.InstitutionID)

	items := []api.IssueRequest{e.issueRequest("b-1"), e.issueRequest("b-2")}
	for i := range items {
		items[i].RequestID = ""
	}
	var sub api.SubmitBatchResponse
	resp := e.do(t, http.MethodPost, "/v1/batches", tok, api.SubmitBatchRequest{Items: items}, &sub)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, sub.JobID)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/batches/"+sub.JobID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	stream, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	var terminal batch.Event
	sc := bufio.NewScanner(stream.Body)
	event := ""
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok && event == string(batch.EventTerminal) {
			require.NoError(t, json.Unmarshal([]byte(v), &terminal))
			break
		}
	}
	assert.Equal(t, batch.StatusCompleted, terminal.Status)
	assert.Equal(t, 100, terminal.Percent)

	var v batch.View
	resp = e.do(t, http.MethodGet, "/v1/batches/"+sub.JobID, tok, nil, &v)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, v.SuccessfulCount)

	resp = e.do(t, http.MethodGet, "/v1/batches/"+sub.JobID, e.token(t, "other-college"), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/batches/"+sub.JobID+"/finalize", tok,
		api.FinalizeRequest{Proofs: map[string]string{"x": "y"}}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_EmptyBatchIsBadRequest(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/v1/batches", e.token(t, issuancetest.InstitutionID), api.SubmitBatchRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_RevokeAndReanchor(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, issuancetest.InstitutionID)
	ctx := context.Background()
	in, err := e.f.Engine.Prepare(ctx, e.f.Request("req-rev"))
	require.NoError(t, err)
	res, err := e.f.Engine.Execute(ctx, in.ID, issuancetest.SignedProof(t, in))
	require.NoError(t, err)
	e.anchors.Wait()
	base := fmt.Sprintf("/v1/credentials/%s/%d", res.Record.AssetID, res.Record.SerialNumber)

	var re api.ReanchorResponse
	resp := e.do(t, http.MethodPost, base+"/reanchor", tok, nil, &re)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, res.Record.ContentHash, re.ContentHash)

	resp = e.do(t, http.MethodPost, base+"/reanchor", e.token(t, "other-college"), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, base+"/revoke", tok, api.RevokeRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var rev issuance.Revocation
	resp = e.do(t, http.MethodPost, base+"/revoke", tok, api.RevokeRequest{Reason: "issued in error"}, &rev)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "issued in error", rev.Reason)

	var rep report.Report
	e.do(t, http.MethodGet, base+"/report", "", nil, &rep)
	assert.Equal(t, report.StatusRevoked, rep.Status)
}

func TestServer_ReportRejectsBadSerial(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/v1/credentials/0.0.5/abc/report", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_DistributionRequiresAdmin(t *testing.T) {
	e := newEnv(t)
	body := api.DistributeRequest{Amount: 1000, Reference: "fees-2026-10"}

	resp := e.do(t, http.MethodPost, "/v1/distributions", e.token(t, issuancetest.InstitutionID), body, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var res distributor.Result
	resp = e.do(t, http.MethodPost, "/v1/distributions", e.token(t, issuancetest.InstitutionID, "admin"), body, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, res.Dispatches, 3)
	for _, d := range res.Dispatches {
		assert.Equal(t, distributor.DispatchSent, d.Status)
	}

	resp = e.do(t, http.MethodPost, "/v1/distributions", e.token(t, issuancetest.InstitutionID, "admin"),
		api.DistributeRequest{Amount: -5}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
