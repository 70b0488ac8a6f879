package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/vectorpipe/internal/budget"
	"github.com/mohammad-safakhou/vectorpipe/internal/embedder"
	"github.com/mohammad-safakhou/vectorpipe/internal/index"
	"github.com/mohammad-safakhou/vectorpipe/internal/pipeline"
	"github.com/mohammad-safakhou/vectorpipe/internal/provider"
	"github.com/mohammad-safakhou/vectorpipe/internal/retriever"
)

type testEnv struct {
	handler http.Handler
	ledger  *budget.Ledger
	secret  []byte
}

func newTestEnv(t *testing.T, limit float64, secret string) *testEnv {
	t.Helper()
	prov := provider.NewLocal(16)
	ledger, err := budget.NewLedger(context.Background(), limit, "", nil, nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	emb := embedder.New(prov, ledger, nil, embedder.Config{}, nil, nil)
	ix := index.New(index.Config{Dimensions: 16})
	kw, err := retriever.NewKeyword()
	if err != nil {
		t.Fatalf("new keyword: %v", err)
	}
	pipe := pipeline.New(emb, ix, pipeline.Config{}, pipeline.WithKeyword(kw))
	retr := retriever.New(emb, ix, retriever.Config{}, retriever.WithKeyword(kw))

	e := newEcho()
	sec := []byte(secret)
	api := e.Group("/api/v1")
	(&ChunksHandler{Pipe: pipe}).Register(api.Group("/chunks"), sec)
	(&SearchHandler{Retr: retr}).Register(api.Group("/search"), sec)
	(&BudgetHandler{Ledger: ledger}).Register(api.Group("/budget"), sec)
	(&OpsHandler{Pipe: pipe, Index: ix}).Register(api.Group("/index"), sec)
	return &testEnv{handler: e, ledger: ledger, secret: sec}
}

func (env *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func TestIngestAndSearch(t *testing.T) {
	env := newTestEnv(t, 100, "")

	rec := env.do(t, http.MethodPost, "/api/v1/chunks", `{"chunks": [
		{"chunk_id": "c1", "document_id": "d1", "text": "postgres vacuum tuning"},
		{"chunk_id": "c2", "document_id": "d1", "text": "redis eviction policies"}
	]}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/search", `{"query": "postgres vacuum tuning", "k": 2}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 2 || resp.Results[0].ChunkID != "c1" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
}

func TestSearchEmptyIndexConflict(t *testing.T) {
	env := newTestEnv(t, 100, "")
	rec := env.do(t, http.MethodPost, "/api/v1/search", `{"query": "anything"}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409; body %s", rec.Code, rec.Body.String())
	}
}

func TestIngestRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t, 100, "")
	rec := env.do(t, http.MethodPost, "/api/v1/chunks", `{"chunks": [{"chunk_id": "", "text": "x"}]}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestBudgetSnapshotAndExhaustion(t *testing.T) {
	env := newTestEnv(t, 100, "")

	rec := env.do(t, http.MethodGet, "/api/v1/budget", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("budget status = %d", rec.Code)
	}
	var snap struct {
		Cap      float64 `json:"cap"`
		Headroom float64 `json:"headroom"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Cap != 100 || snap.Headroom != 100 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Spend against the ledger and confirm the snapshot tracks it.
	res, err := env.ledger.Reserve(40)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := env.ledger.Commit(context.Background(), res, 40); err != nil {
		t.Fatalf("commit: %v", err)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/budget", "", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Headroom != 60 {
		t.Fatalf("headroom = %v, want 60", snap.Headroom)
	}

	// An ingest the budget cannot cover comes back 402.
	paid := newTestEnvWithCost(t)
	rec = paid.do(t, http.MethodPost, "/api/v1/chunks", `{"chunks": [{"chunk_id": "c1", "text": "costly"}]}`, "")
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402; body %s", rec.Code, rec.Body.String())
	}
}

// costlyProvider estimates more than any test budget allows.
type costlyProvider struct{ *provider.Local }

func (p costlyProvider) EstimateCost(inputs []string) float64 { return 1e6 }

func newTestEnvWithCost(t *testing.T) *testEnv {
	t.Helper()
	prov := costlyProvider{provider.NewLocal(16)}
	ledger, err := budget.NewLedger(context.Background(), 1, "", nil, nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	emb := embedder.New(prov, ledger, nil, embedder.Config{}, nil, nil)
	ix := index.New(index.Config{Dimensions: 16})
	pipe := pipeline.New(emb, ix, pipeline.Config{})
	retr := retriever.New(emb, ix, retriever.Config{})

	e := newEcho()
	api := e.Group("/api/v1")
	(&ChunksHandler{Pipe: pipe}).Register(api.Group("/chunks"), nil)
	(&SearchHandler{Retr: retr}).Register(api.Group("/search"), nil)
	return &testEnv{handler: e, ledger: ledger}
}

func TestCompactEndpoint(t *testing.T) {
	env := newTestEnv(t, 100, "")

	rec := env.do(t, http.MethodPost, "/api/v1/chunks", `{"chunks": [{"chunk_id": "c1", "text": "keep me"}]}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/index/compact", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("compact status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Live int `json:"live"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode compact response: %v", err)
	}
	if out.Live != 1 {
		t.Fatalf("live = %d, want 1", out.Live)
	}
}

func TestDeleteChunk(t *testing.T) {
	env := newTestEnv(t, 100, "")

	rec := env.do(t, http.MethodPost, "/api/v1/chunks", `{"chunks": [{"chunk_id": "c1", "text": "short lived"}]}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/v1/chunks/c1", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	env := newTestEnv(t, 100, "test-secret")

	rec := env.do(t, http.MethodGet, "/api/v1/budget", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	token, err := SignJWT("tester", env.secret, time.Hour)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/budget", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with token = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/budget", "", "not-a-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d, want 401", rec.Code)
	}
}
