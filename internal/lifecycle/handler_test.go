package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

func TestInstallPrecachesEveryAsset(t *testing.T) {
	origin := newOrigin(t)
	storage := newStorage(t)
	h := newTestHandler(t, origin, storage, http.DefaultClient, Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/", "/manifest.json"},
	})

	ctx := context.Background()
	require.NoError(t, h.Install(ctx))

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"compteurs-1.2.0"}, keys)

	for _, asset := range []string{"/", "/manifest.json"} {
		resp, err := storage.Match(ctx, "compteurs-1.2.0", asset)
		require.NoError(t, err, asset)
		require.Equal(t, http.StatusOK, resp.Status)
		require.Equal(t, origin.bodies[asset], string(resp.Body))
	}

	installed, err := h.Installed(ctx)
	require.NoError(t, err)
	require.True(t, installed)
}

func TestInstallFailureLeavesNoStore(t *testing.T) {
	for _, driver := range []string{cache.DriverFS, cache.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			origin := newOrigin(t)
			storage := newDriverStorage(t, driver)
			h := newTestHandler(t, origin, storage, http.DefaultClient, Options{
				CacheName:    "compteurs-1.2.0",
				StaticAssets: []string{"/", "/missing.js"},
			})

			ctx := context.Background()
			err := h.Install(ctx)
			require.Error(t, err)

			var assetErr *AssetFetchError
			require.ErrorAs(t, err, &assetErr)
			require.Equal(t, "/missing.js", assetErr.Path)
			require.Equal(t, http.StatusNotFound, assetErr.Status)

			exists, err := storage.Has(ctx, "compteurs-1.2.0")
			require.NoError(t, err)
			require.False(t, exists)

			names, err := storage.Keys(ctx)
			require.NoError(t, err)
			require.Empty(t, names)
		})
	}
}

func TestInstallFailureKeepsPreviouslyInstalledStore(t *testing.T) {
	origin := newOrigin(t)
	storage := newStorage(t)
	ctx := context.Background()

	store, err := storage.Open(ctx, "compteurs-1.2.0")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "/", &cache.Response{Status: http.StatusOK, Body: []byte("old")}))

	h := newTestHandler(t, origin, storage, failingNetwork{}, Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/"},
	})
	require.Error(t, h.Install(ctx))

	resp, err := storage.Match(ctx, "compteurs-1.2.0", "/")
	require.NoError(t, err)
	require.Equal(t, "old", string(resp.Body))
}

func TestActivatePurgesStaleStores(t *testing.T) {
	origin := newOrigin(t)
	storage := newStorage(t)
	ctx := context.Background()

	_, err := storage.Open(ctx, "compteurs-1.0.0")
	require.NoError(t, err)

	clients := &countingClients{}
	h := newTestHandlerWithClients(t, origin, storage, http.DefaultClient, clients, Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/", "/manifest.json"},
	})
	require.NoError(t, h.Install(ctx))

	report, err := h.Activate(ctx)
	require.NoError(t, err)
	require.Equal(t, "compteurs-1.2.0", report.Retained)
	require.Equal(t, []string{"compteurs-1.0.0"}, report.Deleted)
	require.Empty(t, report.Failures)
	require.EqualValues(t, 1, clients.claims.Load())

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"compteurs-1.2.0"}, keys)
}

func TestActivateIsIdempotent(t *testing.T) {
	origin := newOrigin(t)
	storage := newStorage(t)
	ctx := context.Background()

	_, err := storage.Open(ctx, "compteurs-0.9.0")
	require.NoError(t, err)

	h := newTestHandler(t, origin, storage, http.DefaultClient, Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/"},
	})
	require.NoError(t, h.Install(ctx))

	first, err := h.Activate(ctx)
	require.NoError(t, err)
	require.Len(t, first.Deleted, 1)

	second, err := h.Activate(ctx)
	require.NoError(t, err)
	require.Empty(t, second.Deleted)

	keys, err := storage.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"compteurs-1.2.0"}, keys)
}

func TestActivateClaimsDespiteDeletionFailure(t *testing.T) {
	origin := newOrigin(t)
	base := newStorage(t)
	ctx := context.Background()

	for _, name := range []string{"compteurs-1.0.0", "compteurs-1.1.0"} {
		_, err := base.Open(ctx, name)
		require.NoError(t, err)
	}
	storage := &flakyDeleteStorage{Storage: base, fail: "compteurs-1.0.0"}

	clients := &countingClients{}
	h := newTestHandlerWithClients(t, origin, storage, http.DefaultClient, clients, Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/"},
	})
	require.NoError(t, h.Install(ctx))

	report, err := h.Activate(ctx)
	require.Error(t, err)

	var delErr *StoreDeletionError
	require.ErrorAs(t, err, &delErr)
	require.Equal(t, "compteurs-1.0.0", delErr.Name)

	require.Equal(t, []string{"compteurs-1.1.0"}, report.Deleted)
	require.Len(t, report.Failures, 1)
	require.EqualValues(t, 1, clients.claims.Load())
}

func TestFetchAPIBypassesCache(t *testing.T) {
	origin := newOrigin(t)
	storage := newStorage(t)
	ctx := context.Background()

	h := newTestHandler(t, origin, storage, http.DefaultClient, Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/"},
		APIPrefix:    "/api",
	})
	require.NoError(t, h.Install(ctx))

	store, err := storage.Open(ctx, "compteurs-1.2.0")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "/api/counters", &cache.Response{Status: http.StatusOK, Body: []byte("stale")}))
	before, err := store.Keys(ctx)
	require.NoError(t, err)

	resp, err := h.Fetch(ctx, newRequest(t, origin, http.MethodGet, "/api/counters", ""))
	require.NoError(t, err)
	require.Equal(t, SourceBypass, resp.Source)
	require.Equal(t, http.StatusCreated, resp.Status)
	require.Equal(t, origin.bodies["/api/counters"], readBody(t, resp))
	require.EqualValues(t, 1, origin.apiHits.Load())

	after, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestFetchServesCacheFirst(t *testing.T) {
	origin := newOrigin(t)
	storage := newStorage(t)
	ctx := context.Background()

	installer := newTestHandler(t, origin, storage, http.DefaultClient, Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/", "/manifest.json"},
	})
	require.NoError(t, installer.Install(ctx))

	offline := newTestHandler(t, origin, storage, failingNetwork{}, Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/", "/manifest.json"},
		APIPrefix:    "/api",
	})
	resp, err := offline.Fetch(ctx, newRequest(t, origin, http.MethodGet, "/manifest.json", ""))
	require.NoError(t, err)
	require.Equal(t, SourceCache, resp.Source)
	require.Equal(t, "compteurs-1.2.0", resp.CacheName)
	require.Equal(t, origin.bodies["/manifest.json"], readBody(t, resp))
}

func TestFetchMissGoesToNetworkWithoutStoring(t *testing.T) {
	origin := newOrigin(t)
	storage := newStorage(t)
	ctx := context.Background()

	h := newTestHandler(t, origin, storage, http.DefaultClient, Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/"},
		APIPrefix:    "/api",
	})
	require.NoError(t, h.Install(ctx))

	resp, err := h.Fetch(ctx, newRequest(t, origin, http.MethodGet, "/index.html", "document"))
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, resp.Source)
	require.Equal(t, origin.bodies["/index.html"], readBody(t, resp))

	_, err = storage.Match(ctx, "compteurs-1.2.0", "/index.html")
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestFetchNonGetSkipsCache(t *testing.T) {
	origin := newOrigin(t)
	storage := newStorage(t)
	ctx := context.Background()

	h := newTestHandler(t, origin, storage, http.DefaultClient, Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/"},
		APIPrefix:    "/api",
	})
	require.NoError(t, h.Install(ctx))

	resp, err := h.Fetch(ctx, newRequest(t, origin, http.MethodPost, "/", ""))
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, resp.Source)
	_ = readBody(t, resp)
}

func TestFetchOfflineFallback(t *testing.T) {
	origin := newOrigin(t)
	storage := newStorage(t)
	ctx := context.Background()

	opts := Options{
		CacheName:         "compteurs-1.2.0",
		StaticAssets:      []string{"/", "/index.html"},
		APIPrefix:         "/api",
		OfflineFallback:   "/index.html",
		FallbackOnFailure: true,
	}
	require.NoError(t, newTestHandler(t, origin, storage, http.DefaultClient, opts).Install(ctx))

	offline := newTestHandler(t, origin, storage, failingNetwork{}, opts)

	resp, err := offline.Fetch(ctx, newRequest(t, origin, http.MethodGet, "/counters/42", "document"))
	require.NoError(t, err)
	require.Equal(t, SourceFallback, resp.Source)
	require.Equal(t, origin.bodies["/index.html"], readBody(t, resp))

	_, err = offline.Fetch(ctx, newRequest(t, origin, http.MethodGet, "/app.js", "script"))
	var netErr *NetworkFetchError
	require.ErrorAs(t, err, &netErr)

	_, err = offline.Fetch(ctx, newRequest(t, origin, http.MethodGet, "/api/counters", "document"))
	require.ErrorAs(t, err, &netErr)
}

func TestFetchCacheFirstSurfacesNetworkError(t *testing.T) {
	origin := newOrigin(t)
	storage := newStorage(t)
	ctx := context.Background()

	opts := Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/", "/index.html"},
		APIPrefix:    "/api",
	}
	require.NoError(t, newTestHandler(t, origin, storage, http.DefaultClient, opts).Install(ctx))

	offline := newTestHandler(t, origin, storage, failingNetwork{}, opts)
	_, err := offline.Fetch(ctx, newRequest(t, origin, http.MethodGet, "/counters/42", "document"))

	var netErr *NetworkFetchError
	require.ErrorAs(t, err, &netErr)
	require.ErrorIs(t, err, errOffline)
}

func TestEventHandlersRegisterDeferredWork(t *testing.T) {
	origin := newOrigin(t)
	storage := newStorage(t)
	ctx := context.Background()

	clients := &countingClients{}
	h := newTestHandlerWithClients(t, origin, storage, http.DefaultClient, clients, Options{
		CacheName:    "compteurs-1.2.0",
		StaticAssets: []string{"/"},
		APIPrefix:    "/api",
	})

	install := &recordingEvent{}
	require.NoError(t, h.OnInstall(install))
	require.True(t, install.skipWaiting)
	require.Len(t, install.fns, 1)
	require.NoError(t, install.run(ctx))

	activate := &recordingEvent{}
	require.NoError(t, h.OnActivate(activate))
	require.Len(t, activate.fns, 2)
	require.NoError(t, activate.run(ctx))
	require.NotNil(t, activate.report)
	require.EqualValues(t, 1, clients.claims.Load())

	fetch := &recordingEvent{request: newRequest(t, origin, http.MethodGet, "/", "document")}
	require.NoError(t, h.OnFetch(fetch))
	require.NotNil(t, fetch.responder)
	resp, err := fetch.responder(ctx)
	require.NoError(t, err)
	require.Equal(t, SourceCache, resp.Source)
}

func TestNewHandlerCopiesOptions(t *testing.T) {
	assets := []string{"/", "/manifest.json"}
	h := NewHandler(Options{CacheName: "compteurs-1.2.0", StaticAssets: assets}, nil, nil, nil, logging.NewDiscardLogger())
	assets[0] = "/mutated"
	require.Equal(t, []string{"/", "/manifest.json"}, h.Options().StaticAssets)
}

// --- helpers ---

var errOffline = errors.New("network unreachable")

type testOrigin struct {
	*httptest.Server
	url     *url.URL
	bodies  map[string]string
	apiHits atomic.Int64
}

func newOrigin(t *testing.T) *testOrigin {
	t.Helper()
	origin := &testOrigin{bodies: map[string]string{
		"/":              "<html>home</html>",
		"/index.html":    "<html>index</html>",
		"/manifest.json": `{"name":"compteurs"}`,
		"/api/counters":  `{"count":42}`,
	}}
	origin.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/counters" {
			origin.apiHits.Add(1)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(origin.bodies[r.URL.Path]))
			return
		}
		body, ok := origin.bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Connection", "keep-alive")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(origin.Close)

	parsed, err := url.Parse(origin.URL)
	require.NoError(t, err)
	origin.url = parsed
	return origin
}

func newStorage(t *testing.T) cache.Storage {
	t.Helper()
	return newDriverStorage(t, cache.DriverFS)
}

func newDriverStorage(t *testing.T, driver string) cache.Storage {
	t.Helper()
	provider, err := cache.NewProvider(driver, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	storage, err := provider.Storage("compteurs")
	require.NoError(t, err)
	return storage
}

func newTestHandler(t *testing.T, origin *testOrigin, storage cache.Storage, network Network, opts Options) *Handler {
	return newTestHandlerWithClients(t, origin, storage, network, &countingClients{}, opts)
}

func newTestHandlerWithClients(t *testing.T, origin *testOrigin, storage cache.Storage, network Network, clients Clients, opts Options) *Handler {
	t.Helper()
	opts.Origin = origin.url
	return NewHandler(opts, storage, network, clients, logging.NewDiscardLogger())
}

func newRequest(t *testing.T, origin *testOrigin, method, key, destination string) *Request {
	t.Helper()
	forward, err := http.NewRequest(method, origin.URL+key, http.NoBody)
	require.NoError(t, err)
	return &Request{
		Method:      method,
		Path:        forward.URL.Path,
		Key:         key,
		Destination: destination,
		Forward:     forward,
	}
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

type failingNetwork struct{}

func (failingNetwork) Do(*http.Request) (*http.Response, error) {
	return nil, errOffline
}

type countingClients struct {
	claims atomic.Int64
}

func (c *countingClients) Claim(context.Context) error {
	c.claims.Add(1)
	return nil
}

type flakyDeleteStorage struct {
	cache.Storage
	fail string
}

func (s *flakyDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.fail {
		return false, errors.New("permission denied")
	}
	return s.Storage.Delete(ctx, name)
}

// recordingEvent 同时满足三种事件接口，按登记顺序串行执行延迟操作。
type recordingEvent struct {
	mu          sync.Mutex
	fns         []func(ctx context.Context) error
	skipWaiting bool
	report      *ActivateReport
	request     *Request
	responder   func(ctx context.Context) (*Response, error)
}

func (e *recordingEvent) WaitUntil(fn func(ctx context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fns = append(e.fns, fn)
	return nil
}

func (e *recordingEvent) SkipWaiting() { e.skipWaiting = true }

func (e *recordingEvent) SetReport(report *ActivateReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.report = report
}

func (e *recordingEvent) Request() *Request { return e.request }

func (e *recordingEvent) RespondWith(fn func(ctx context.Context) (*Response, error)) error {
	e.responder = fn
	return nil
}

func (e *recordingEvent) run(ctx context.Context) error {
	for _, fn := range e.fns {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}
