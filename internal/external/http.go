package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/metrics"
	"pricebook-sync-service/internal/paginate"
	"pricebook-sync-service/internal/ratelimit"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/syncerr"
)

const maxErrorBody = 512

// HTTPProvider calls the pricing platform REST API. Every request passes the
// shared rate-limit guard, a local token bucket and a circuit breaker that
// only counts transient failures.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	tenant  string
	client  *http.Client
	guard   *ratelimit.Guard
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[[]byte]
	log     *zap.Logger
}

func NewHTTPProvider(cfg config.ExternalConfig, tenantID string, guard *ratelimit.Guard) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if guard == nil {
		guard = ratelimit.NewGuard(ratelimit.WithTenant(tenantID), ratelimit.WithDefaultRetryAfter(cfg.DefaultRetryAfter))
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if burst <= 0 {
		burst = 1
	}

	name := "external-api"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	log := logger.Named("external")

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// rate limits, validation and auth failures say nothing about availability
		IsSuccessful: func(err error) bool {
			return err == nil || !syncerr.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		tenant:  tenantID,
		client:  &http.Client{Timeout: timeout},
		guard:   guard,
		limiter: rate.NewLimiter(limit, burst),
		cb:      cb,
		log:     log,
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (p *HTTPProvider) Name() string { return "http" }

func (p *HTTPProvider) Supports(c Capability) bool {
	switch c {
	case CapList, CapGet, CapUpsert:
		return true
	}
	return false
}

// Guard exposes the rate-limit guard shared by this provider.
func (p *HTTPProvider) Guard() *ratelimit.Guard { return p.guard }

type listResponse struct {
	Data    json.RawMessage `json:"data"`
	HasMore bool            `json:"hasMore"`
}

func (p *HTTPProvider) List(ctx context.Context, req ListRequest) (paginate.Page[Snapshot], error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(req.Page))
	q.Set("pageSize", strconv.Itoa(req.PageSize))
	if req.ModifiedSince != nil {
		q.Set("modifiedOnOrAfter", req.ModifiedSince.UTC().Format(time.RFC3339))
	}

	body, err := p.do(ctx, "list", http.MethodGet, "/pricebook/"+Plural(req.EntityType), q, nil)
	if err != nil {
		return paginate.Page[Snapshot]{}, err
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return paginate.Page[Snapshot]{}, fmt.Errorf("%w: %v", syncerr.ErrMalformedPage, err)
	}
	raw := bytes.TrimSpace(resp.Data)
	if len(raw) == 0 || raw[0] != '[' {
		return paginate.Page[Snapshot]{}, fmt.Errorf("%w: data is not a list", syncerr.ErrMalformedPage)
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return paginate.Page[Snapshot]{}, fmt.Errorf("%w: %v", syncerr.ErrMalformedPage, err)
	}

	now := time.Now().UTC()
	page := paginate.Page[Snapshot]{HasMore: resp.HasMore, Items: make([]Snapshot, 0, len(items))}
	for _, item := range items {
		page.Items = append(page.Items, snapshotOf(req.EntityType, item, now))
	}
	return page, nil
}

func (p *HTTPProvider) Get(ctx context.Context, entityType store.EntityType, externalID string) (*Snapshot, error) {
	body, err := p.do(ctx, "get", http.MethodGet, "/pricebook/"+Plural(entityType)+"/"+url.PathEscape(externalID), nil, nil)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, syncerr.Validation("get", fmt.Errorf("decode %s %s: %w", entityType, externalID, err))
	}
	snap := snapshotOf(entityType, payload, time.Now().UTC())
	if snap.ExternalID == "" {
		snap.ExternalID = externalID
	}
	return &snap, nil
}

func (p *HTTPProvider) Upsert(ctx context.Context, entityType store.EntityType, externalID string, payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", syncerr.Validation("upsert", err)
	}

	method, path := http.MethodPost, "/pricebook/"+Plural(entityType)
	if externalID != "" {
		method, path = http.MethodPatch, path+"/"+url.PathEscape(externalID)
	}
	body, err := p.do(ctx, "upsert", method, path, nil, data)
	if err != nil {
		return "", err
	}

	var created map[string]any
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &created); err != nil {
			return "", syncerr.Transient("upsert", fmt.Errorf("decode response: %w", err))
		}
	}
	if id := IDString(created["id"]); id != "" {
		return id, nil
	}
	if externalID == "" {
		return "", syncerr.Transient("upsert", errors.New("create response carried no id"))
	}
	return externalID, nil
}

func (p *HTTPProvider) do(ctx context.Context, op, method, path string, query url.Values, body []byte) ([]byte, error) {
	if p.baseURL == "" || p.apiKey == "" {
		return nil, syncerr.Configuration(op, errors.New("external base_url and api_key are required"))
	}
	if err := p.guard.Check(op); err != nil {
		metrics.ExternalRequests.WithLabelValues(op, "cooldown").Inc()
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, syncerr.Transient(op, err)
	}

	out, err := p.cb.Execute(func() ([]byte, error) {
		return p.roundTrip(ctx, op, method, path, query, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = syncerr.Transient(op, err)
	}

	metrics.ExternalRequests.WithLabelValues(op, outcome(err)).Inc()
	if err != nil {
		p.log.Debug("External request failed",
			zap.String("op", op),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
	}
	return out, err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := syncerr.KindOf(err); kind != syncerr.KindUnknown {
		return string(kind)
	}
	return "error"
}

func (p *HTTPProvider) roundTrip(ctx context.Context, op, method, path string, query url.Values, body []byte) ([]byte, error) {
	u := p.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, syncerr.Configuration(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
	if p.tenant != "" {
		req.Header.Set("X-Tenant-ID", p.tenant)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, syncerr.Transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.Transient(op, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, p.classify(op, resp, data)
}

func (p *HTTPProvider) classify(op string, resp *http.Response, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	cause := fmt.Errorf("%s %s: status %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, bytes.TrimSpace(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		now := time.Now()
		hint, _ := ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), now)
		until := p.guard.Trip(hint)
		return &syncerr.Error{Kind: syncerr.KindRateLimited, Op: op, Err: cause, RetryAfter: until.Sub(now)}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return syncerr.Validation(op, cause)
	case resp.StatusCode == http.StatusNotFound:
		return syncerr.NotFound(op, cause)
	case resp.StatusCode == http.StatusConflict:
		return syncerr.Conflict(op, cause)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncerr.Configuration(op, cause)
	default:
		return syncerr.Transient(op, cause)
	}
}

var _ Provider = (*HTTPProvider)(nil)
