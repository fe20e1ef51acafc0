package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricebook-sync-service/internal/cache"
	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/database"
	"pricebook-sync-service/internal/external"
	"pricebook-sync-service/internal/health"
	"pricebook-sync-service/internal/paginate"
	"pricebook-sync-service/internal/pending"
	"pricebook-sync-service/internal/ratelimit"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/sync"
	"pricebook-sync-service/internal/syncerr"
)

const tenant = "acme"

// stubProvider lists a fixed set of services and accepts every upsert
// while the guard allows it.
type stubProvider struct {
	mu        stdsync.Mutex
	guard     *ratelimit.Guard
	services  []map[string]any
	upsertErr error
	upserts   int
}

func (p *stubProvider) Name() string                       { return "stub" }
func (p *stubProvider) Supports(external.Capability) bool { return true }

func (p *stubProvider) List(_ context.Context, req external.ListRequest) (paginate.Page[external.Snapshot], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.EntityType != store.EntityService || req.Page > 1 {
		return paginate.Page[external.Snapshot]{}, nil
	}
	var items []external.Snapshot
	for _, pl := range p.services {
		items = append(items, external.Snapshot{ExternalID: external.IDString(pl["id"]), EntityType: req.EntityType, Payload: pl})
	}
	return paginate.Page[external.Snapshot]{Items: items}, nil
}

func (p *stubProvider) Get(_ context.Context, t store.EntityType, externalID string) (*external.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pl := range p.services {
		if t == store.EntityService && external.IDString(pl["id"]) == externalID {
			return &external.Snapshot{ExternalID: externalID, EntityType: t, Payload: pl}, nil
		}
	}
	return nil, syncerr.NotFound("get", fmt.Errorf("%s %s", t, externalID))
}

func (p *stubProvider) Upsert(_ context.Context, _ store.EntityType, externalID string, _ map[string]any) (string, error) {
	if err := p.guard.Check("upsert"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upsertErr != nil {
		return "", p.upsertErr
	}
	p.upserts++
	if externalID != "" {
		return externalID, nil
	}
	return fmt.Sprintf("ext-%d", p.upserts), nil
}

type apiEnv struct {
	server   *httptest.Server
	provider *stubProvider
	manager  *sync.Manager
	engine   *sync.Engine
	store    *store.SQLStore
	token    string
}

func newAPIEnv(t *testing.T, mutate ...func(*config.Config)) *apiEnv {
	t.Helper()
	cfg := &config.Config{
		Tenant: config.TenantConfig{ID: tenant},
		Sync: config.SyncConfig{
			Workers:     1,
			QueueSize:   4,
			PageSize:    50,
			MaxPages:    5,
			PushTimeout: time.Second,
		},
		Retry:  config.RetryConfig{BatchSize: 10, MaxAttempts: 3},
		Server: config.ServerConfig{AuthToken: "s3cret"},
	}
	for _, m := range mutate {
		m(cfg)
	}

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	st := store.NewSQLStore(db)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	guard := ratelimit.NewGuard(ratelimit.WithTenant(tenant))
	provider := &stubProvider{guard: guard}
	queue := pending.NewQueue(st, tenant, cfg.Retry)
	engine := sync.NewEngine(cfg, st, provider, queue, guard)
	manager := sync.NewManager(cfg, engine)
	retry := sync.NewRetryWorker(cfg.Retry, engine)
	analyzer := health.NewAnalyzer(st, tenant, cfg.Health, cache.NewMemory("test", time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = manager.Pool().Serve(ctx)
	}()

	srv := httptest.NewServer(NewHandler(cfg.Server, manager, retry, analyzer).Routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		engine.Wait()
	})
	return &apiEnv{server: srv, provider: provider, manager: manager, engine: engine, store: st, token: cfg.Server.AuthToken}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (e *apiEnv) create(t *testing.T, fields map[string]any) map[string]any {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/v1/entities/service", map[string]any{"fields": fields})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	return body
}

func TestLivenessIsPublic(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := http.Get(env.server.URL + "/api/v1/sync/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	env.token = "wrong"
	resp2, _ := env.do(t, http.MethodGet, "/api/v1/sync/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestTriggerSyncAndJobs(t *testing.T) {
	env := newAPIEnv(t)
	env.provider.services = []map[string]any{{"id": 11, "name": "AC Tune-Up"}, {"id": 12, "name": "Drain Clean"}}

	resp, body := env.do(t, http.MethodPost, "/api/v1/sync/service", map[string]any{"scope": "full"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		_, job := env.do(t, http.MethodGet, "/api/v1/sync/jobs/"+jobID, nil)
		return job["status"] == string(store.JobSucceeded)
	}, 5*time.Second, 20*time.Millisecond)

	_, job := env.do(t, http.MethodGet, "/api/v1/sync/jobs/"+jobID, nil)
	assert.EqualValues(t, 2, job["processed"])

	_, list := env.do(t, http.MethodGet, "/api/v1/entities?type=service", nil)
	assert.Len(t, list["entities"], 2)

	_, jobs := env.do(t, http.MethodGet, "/api/v1/sync/jobs", nil)
	assert.Len(t, jobs["jobs"], 1)
}

func TestTriggerSyncValidation(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/sync/service", map[string]any{"scope": "single"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "validation", body["kind"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/sync/widget", map[string]any{"scope": "full"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/sync/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEntityLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	created := env.create(t, map[string]any{"name": "Coil Clean", "price": 120.0})
	id := created["id"].(string)
	assert.Equal(t, true, created["pushPending"])

	resp, updated := env.do(t, http.MethodPatch, "/api/v1/entities/"+id, map[string]any{
		"fields": map[string]any{"price": 135.0}, "version": created["version"],
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, updated)
	assert.EqualValues(t, 135, updated["fields"].(map[string]any)["price"])

	resp, _ = env.do(t, http.MethodPatch, "/api/v1/entities/"+id, map[string]any{
		"fields": map[string]any{"price": 1.0}, "version": 999,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/entities/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/entities/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRejectsEmptyFields(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/v1/entities/service", map[string]any{"fields": map[string]any{}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["details"], "Fields")

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/entities/service", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token)
	raw, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestOverrides(t *testing.T) {
	env := newAPIEnv(t)
	id := env.create(t, map[string]any{"name": "Coil Clean", "price": 120.0})["id"].(string)

	resp, rec := env.do(t, http.MethodPut, "/api/v1/entities/"+id+"/overrides/price", map[string]any{"value": 99.0, "setBy": "dana"})
	require.Equal(t, http.StatusOK, resp.StatusCode, rec)
	assert.Contains(t, rec["overriddenFields"], "price")

	resp, _ = env.do(t, http.MethodPut, "/api/v1/entities/"+id+"/overrides/price", map[string]any{"setBy": "dana"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "value is required")

	_, list := env.do(t, http.MethodGet, "/api/v1/entities/"+id+"/overrides", nil)
	require.Len(t, list["overrides"], 1)
	assert.Equal(t, "dana", list["overrides"].([]any)[0].(map[string]any)["setBy"])

	resp, rec = env.do(t, http.MethodDelete, "/api/v1/entities/"+id+"/overrides/price", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, rec["overriddenFields"])
}

func TestVisibility(t *testing.T) {
	env := newAPIEnv(t)
	id := env.create(t, map[string]any{"name": "Coil Clean"})["id"].(string)

	resp, _ := env.do(t, http.MethodPut, "/api/v1/entities/"+id+"/visibility", map[string]any{"cascade": true})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body := env.do(t, http.MethodPut, "/api/v1/entities/"+id+"/visibility", map[string]any{"visible": false})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, false, body["visible"])
	assert.Equal(t, []any{id}, body["affected"])
}

func TestPushOne(t *testing.T) {
	env := newAPIEnv(t)
	id := env.create(t, map[string]any{"name": "Coil Clean"})["id"].(string)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/entities/material/"+id+"/push", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "type must match the record")

	resp, rec := env.do(t, http.MethodPost, "/api/v1/entities/service/"+id+"/push", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, rec)
	assert.Equal(t, "ext-1", rec["externalId"])
	assert.Equal(t, false, rec["pushPending"])
}

func TestPushFailureQueuedAndRetried(t *testing.T) {
	env := newAPIEnv(t)
	id := env.create(t, map[string]any{"name": "Coil Clean"})["id"].(string)
	env.provider.mu.Lock()
	env.provider.upsertErr = syncerr.Transient("upsert", fmt.Errorf("upstream 503"))
	env.provider.mu.Unlock()

	resp, body := env.do(t, http.MethodPost, "/api/v1/entities/service/"+id+"/push", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "transient", body["kind"])

	_, list := env.do(t, http.MethodGet, "/api/v1/pending?action=push", nil)
	entries := list["entries"].([]any)
	require.Len(t, entries, 1)
	entryID := entries[0].(map[string]any)["id"].(string)

	_, counts := env.do(t, http.MethodGet, "/api/v1/pending/counts", nil)
	assert.EqualValues(t, 1, counts["pending"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/pending/"+entryID+"/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.provider.mu.Lock()
	env.provider.upsertErr = nil
	env.provider.mu.Unlock()

	resp, res := env.do(t, http.MethodPost, "/api/v1/pending/retry", map[string]any{"ids": []string{entryID}})
	require.Equal(t, http.StatusOK, resp.StatusCode, res)
	assert.EqualValues(t, 1, res["retried"])

	_, counts = env.do(t, http.MethodGet, "/api/v1/pending/counts", nil)
	assert.EqualValues(t, 0, counts["pending"])
	assert.EqualValues(t, 1, counts["resolvedToday"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/pending/retry", map[string]any{"ids": []string{}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestPullOne(t *testing.T) {
	env := newAPIEnv(t)
	env.provider.services = []map[string]any{{"id": "svc-7", "name": "Water Heater Flush"}}

	resp, rec := env.do(t, http.MethodPost, "/api/v1/entities/service/svc-7/pull", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, rec)
	assert.Equal(t, "svc-7", rec["externalId"])

	resp, _ = env.do(t, http.MethodPost, "/api/v1/entities/service/missing/pull", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	id := env.create(t, map[string]any{"name": "Coil Clean"})["id"].(string)

	_, st := env.do(t, http.MethodGet, "/api/v1/ratelimit", nil)
	assert.Equal(t, false, st["limited"])

	env.engine.Guard().Trip(90 * time.Second)
	_, st = env.do(t, http.MethodGet, "/api/v1/ratelimit", nil)
	assert.Equal(t, true, st["limited"])
	assert.InDelta(t, 90, st["remainingSeconds"], 1)

	resp, body := env.do(t, http.MethodPost, "/api/v1/entities/service/"+id+"/push", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, body)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/ratelimit", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, env.engine.Guard().IsLimited())
}

func TestHealthReport(t *testing.T) {
	env := newAPIEnv(t)
	env.create(t, map[string]any{"name": "AC Tune-Up"})
	env.create(t, map[string]any{"name": "ac tune up"})

	resp, report := env.do(t, http.MethodGet, "/api/v1/health?entityType=service", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, report)
	assert.Len(t, report["duplicates"], 1)
	assert.NotEmpty(t, report["completeness"])

	env.create(t, map[string]any{"name": "AC TUNE-UP"})
	_, cached := env.do(t, http.MethodGet, "/api/v1/health?entityType=service", nil)
	assert.Len(t, cached["duplicates"], 1)
	_, fresh := env.do(t, http.MethodGet, "/api/v1/health?entityType=service&refresh=true", nil)
	assert.Len(t, fresh["duplicates"], 3, "every pair within the window")

	resp, _ = env.do(t, http.MethodGet, "/api/v1/health?entityType=widget", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestWriteLimitAppliesToMutations(t *testing.T) {
	env := newAPIEnv(t, func(c *config.Config) { c.Server.WriteRateLimit = 1 })

	env.create(t, map[string]any{"name": "first"})
	resp, _ := env.do(t, http.MethodPost, "/api/v1/entities/service", map[string]any{"fields": map[string]any{"name": "second"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/entities", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{syncerr.ErrJobRunning, http.StatusConflict},
		{store.ErrNotFound, http.StatusNotFound},
		{syncerr.Validation("x", fmt.Errorf("bad")), http.StatusUnprocessableEntity},
		{syncerr.RateLimited("x", time.Second), http.StatusTooManyRequests},
		{syncerr.Configuration("x", fmt.Errorf("no tenant")), http.StatusServiceUnavailable},
		{syncerr.NotSupported("x", fmt.Errorf("native")), http.StatusNotImplemented},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
