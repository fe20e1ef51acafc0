package external

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/ratelimit"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/syncerr"
)

func newProvider(t *testing.T, h http.HandlerFunc) (*HTTPProvider, *ratelimit.Guard) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	guard := ratelimit.NewGuard()
	p := NewHTTPProvider(config.ExternalConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: 5 * time.Second}, "acme", guard)
	return p, guard
}

func TestHTTPProvider_List(t *testing.T) {
	p, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pricebook/services", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "acme", r.Header.Get("X-Tenant-ID"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "2026-03-01T00:00:00Z", r.URL.Query().Get("modifiedOnOrAfter"))
		_, _ = io.WriteString(w, `{"data":[{"id":101,"name":"AC Tune-Up"},{"id":"s-2","name":"Drain Clean"}],"hasMore":true}`)
	})

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	page, err := p.List(context.Background(), ListRequest{EntityType: store.EntityService, Page: 2, PageSize: 50, ModifiedSince: &since})
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "101", page.Items[0].ExternalID)
	assert.Equal(t, "s-2", page.Items[1].ExternalID)
	assert.Equal(t, "AC Tune-Up", page.Items[0].Payload["name"])
	assert.Equal(t, store.EntityService, page.Items[0].EntityType)
}

func TestHTTPProvider_MalformedPage(t *testing.T) {
	for name, body := range map[string]string{
		"missing data": `{"hasMore":false}`,
		"not a list":   `{"data":{"id":1}}`,
		"not json":     `<html>`,
	} {
		t.Run(name, func(t *testing.T) {
			p, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			_, err := p.List(context.Background(), ListRequest{EntityType: store.EntityCategory, Page: 1, PageSize: 10})
			assert.ErrorIs(t, err, syncerr.ErrMalformedPage)
		})
	}
}

func TestHTTPProvider_RateLimitTripsGuard(t *testing.T) {
	var calls atomic.Int32
	p, guard := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := p.Get(context.Background(), store.EntityService, "101")
	require.Error(t, err)
	assert.True(t, syncerr.IsRateLimited(err))
	assert.True(t, guard.IsLimited())
	assert.InDelta(t, 30, guard.RemainingSeconds(), 1)

	// further calls fail fast without reaching the server
	_, err = p.Get(context.Background(), store.EntityService, "101")
	assert.True(t, syncerr.IsRateLimited(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProvider_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   syncerr.Kind
	}{
		{http.StatusBadRequest, syncerr.KindValidation},
		{http.StatusUnprocessableEntity, syncerr.KindValidation},
		{http.StatusNotFound, syncerr.KindNotFound},
		{http.StatusConflict, syncerr.KindConflict},
		{http.StatusUnauthorized, syncerr.KindConfiguration},
		{http.StatusForbidden, syncerr.KindConfiguration},
		{http.StatusBadGateway, syncerr.KindTransient},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			p, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, `{"error":"nope"}`)
			})
			_, err := p.Get(context.Background(), store.EntityMaterial, "m-1")
			require.Error(t, err)
			assert.Equal(t, tc.kind, syncerr.KindOf(err))
		})
	}
}

func TestHTTPProvider_MissingCredentials(t *testing.T) {
	p := NewHTTPProvider(config.ExternalConfig{}, "acme", nil)
	_, err := p.List(context.Background(), ListRequest{EntityType: store.EntityService, Page: 1, PageSize: 10})
	assert.True(t, syncerr.IsConfiguration(err))
}

func TestHTTPProvider_UpsertCreatesThenPatches(t *testing.T) {
	var methods []string
	p, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Drain Clean", body["name"])
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"id":555,"name":"Drain Clean"}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	id, err := p.Upsert(context.Background(), store.EntityService, "", map[string]any{"name": "Drain Clean"})
	require.NoError(t, err)
	assert.Equal(t, "555", id)

	id, err = p.Upsert(context.Background(), store.EntityService, "555", map[string]any{"name": "Drain Clean"})
	require.NoError(t, err)
	assert.Equal(t, "555", id)

	assert.Equal(t, []string{"POST /pricebook/services", "PATCH /pricebook/services/555"}, methods)
}

func TestNativeProvider(t *testing.T) {
	var p Provider = NativeProvider{}
	assert.False(t, p.Supports(CapList))
	_, err := p.List(context.Background(), ListRequest{})
	assert.True(t, syncerr.IsNotSupported(err))
	_, err = p.Upsert(context.Background(), store.EntityService, "", nil)
	assert.True(t, syncerr.IsNotSupported(err))
}

func TestNew(t *testing.T) {
	p, err := New(config.ExternalConfig{Provider: "native"}, "acme", nil)
	require.NoError(t, err)
	assert.Equal(t, "native", p.Name())

	p, err = New(config.ExternalConfig{Provider: "http"}, "acme", nil)
	require.NoError(t, err)
	assert.True(t, p.Supports(CapUpsert))

	_, err = New(config.ExternalConfig{Provider: "soap"}, "acme", nil)
	assert.Error(t, err)
}

func TestPlural(t *testing.T) {
	assert.Equal(t, "categories", Plural(store.EntityCategory))
	assert.Equal(t, "services", Plural(store.EntityService))
	assert.Equal(t, "materials", Plural(store.EntityMaterial))
	assert.Equal(t, "equipment", Plural(store.EntityEquipment))
}
