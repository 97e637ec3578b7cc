package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kasha/gateway/internal/apierr"
	"github.com/kasha/gateway/internal/bus"
	"github.com/kasha/gateway/internal/config"
	"github.com/kasha/gateway/internal/render"
	"github.com/kasha/gateway/internal/siteconfig"
	"github.com/kasha/gateway/internal/sitemap"
	"github.com/kasha/gateway/internal/snapshot"
)

const apiHost = "kasha.test"

type fakeBus struct {
	mu        sync.Mutex
	jobs      []*bus.RenderJob
	onPublish func(*bus.RenderJob)
}

func (f *fakeBus) Publish(_ context.Context, job *bus.RenderJob) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(job)
	}
	return nil
}

func (f *fakeBus) ReplyTopic() string { return "render_reply.test" }

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type staticSource struct {
	configs map[string]*siteconfig.SiteConfig
}

func (s *staticSource) Fetch(_ context.Context, host string) (*siteconfig.SiteConfig, error) {
	if cfg, ok := s.configs[host]; ok {
		return cfg, nil
	}
	return nil, siteconfig.ErrNotFound
}

type testFront struct {
	handler *Handler
	store   *snapshot.MemoryStore
	bus     *fakeBus
	coord   *render.Coordinator
}

func newTestFront(t *testing.T, mutate func(*config.Config), sites map[string]*siteconfig.SiteConfig) *testFront {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.APIHost = []string{apiHost}
	cfg.EnableHomepage = true
	cfg.WorkerTimeout = 5
	if mutate != nil {
		mutate(cfg)
	}

	f := &testFront{
		store: snapshot.NewMemoryStore(),
		bus:   &fakeBus{},
	}
	resolver := siteconfig.NewResolver(&staticSource{configs: sites}, time.Minute)
	notifier := render.NewNotifier()
	t.Cleanup(notifier.Close)
	f.coord = render.NewCoordinator(f.store, f.bus, render.NewRegistry(), resolver, notifier, cfg)
	agg := sitemap.NewAggregator(f.store, resolver, cfg.Cache)
	f.handler = NewHandler(cfg, f.coord, agg, resolver, f.store)
	return f
}

// autoReply makes the bus behave like a worker that renders the given
// body for every job.
func (f *testFront) autoReply(body string) {
	f.bus.onPublish = func(job *bus.RenderJob) {
		key, _ := keyForJob(job)
		go f.coord.HandleReply(&bus.RenderReply{
			CorrelationID: job.CorrelationID,
			OK:            true,
			Snapshot: &snapshot.Snapshot{
				Key:     key,
				Status:  200,
				Content: []byte(body),
			},
		})
	}
}

func keyForJob(job *bus.RenderJob) (snapshot.Key, bool) {
	i := strings.Index(job.URL, "://")
	if i < 0 {
		return snapshot.Key{}, false
	}
	rest := job.URL[i+3:]
	slash := strings.IndexByte(rest, '/')
	site := job.URL
	path := "/"
	if slash >= 0 {
		site = job.URL[:i+3+slash]
		path = rest[slash:]
	}
	device := job.DeviceType
	if device == "" {
		device = snapshot.DeviceDesktop
	}
	return snapshot.Key{Site: site, Path: path, DeviceType: device, Type: job.Type}, true
}

func (f *testFront) putFresh(t *testing.T, key snapshot.Key, body string) {
	t.Helper()
	s := &snapshot.Snapshot{Key: key, Status: 200, Content: []byte(body)}
	s.Times.RenderedAt = time.Now()
	s.SetExpiry(3*time.Minute, 24*time.Hour)
	if err := f.store.Put(context.Background(), s); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func (f *testFront) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func apiGet(path string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "http://"+apiHost+path, nil)
}

func TestHeadIsHealthProbe(t *testing.T) {
	f := newTestFront(t, nil, nil)
	w := f.do(httptest.NewRequest(http.MethodHead, "http://"+apiHost+"/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestNonGetRejected(t *testing.T) {
	f := newTestFront(t, nil, nil)
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		w := f.do(httptest.NewRequest(method, "http://"+apiHost+"/render", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", method, w.Code)
		}
		if got := w.Header().Get(apierr.HeaderCode); got != apierr.CodeMethodNotAllowed {
			t.Errorf("%s: expected %s, got %s", method, apierr.CodeMethodNotAllowed, got)
		}
	}
}

func TestRenderParamValidation(t *testing.T) {
	f := newTestFront(t, nil, nil)
	tests := []struct {
		path     string
		status   int
		wantCode string
	}{
		{"/render", http.StatusBadRequest, apierr.CodeInvalidParam},
		{"/render?url=%25zz", http.StatusBadRequest, apierr.CodeInvalidParam},
		{"/render?url=ftp://ex.com/", http.StatusBadRequest, apierr.CodeInvalidProtocol},
		{"/render?url=https://ex.com/&deviceType=tablet", http.StatusBadRequest, apierr.CodeInvalidParam},
		{"/render?url=https://ex.com/&type=pdf", http.StatusBadRequest, apierr.CodeInvalidParam},
		{"/render?url=https://ex.com/&callbackUrl=not-a-url", http.StatusBadRequest, apierr.CodeInvalidParam},
	}
	for _, tt := range tests {
		w := f.do(apiGet(tt.path))
		if w.Code != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.status, w.Code)
		}
		if got := w.Header().Get(apierr.HeaderCode); got != tt.wantCode {
			t.Errorf("%s: expected code %s, got %s", tt.path, tt.wantCode, got)
		}
	}
	if f.bus.count() != 0 {
		t.Errorf("invalid requests must not publish jobs, got %d", f.bus.count())
	}
}

func TestRenderHappyPath(t *testing.T) {
	f := newTestFront(t, nil, nil)
	f.autoReply("<h1>rendered</h1>")

	w := f.do(apiGet("/render?url=https://ex.com/page"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if got := w.Header().Get(headerCache); got != string(render.CacheUpdated) {
		t.Errorf("expected %s tier, got %q", render.CacheUpdated, got)
	}

	var resp renderResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != 200 || resp.Content != "<h1>rendered</h1>" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestRenderFreshFromCache(t *testing.T) {
	f := newTestFront(t, nil, nil)
	f.putFresh(t, snapshot.Key{Site: "https://ex.com", Path: "/page", DeviceType: snapshot.DeviceDesktop, Type: snapshot.TypeHTML}, "cached")

	w := f.do(apiGet("/render?url=https://ex.com/page"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get(headerCache); got != string(render.CacheFresh) {
		t.Errorf("expected fresh tier, got %q", got)
	}
	cc := w.Header().Get("Cache-Control")
	if !strings.HasPrefix(cc, "public, max-age=") || !strings.Contains(cc, "s-maxage=") {
		t.Errorf("unexpected Cache-Control %q", cc)
	}
	if f.bus.count() != 0 {
		t.Error("fresh hit must not publish")
	}
}

func TestCacheEndpointNeverBlocks(t *testing.T) {
	f := newTestFront(t, nil, nil) // bus never replies

	w := f.do(apiGet("/cache?url=https://ex.com/page"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if got := w.Header().Get(headerCache); got != string(render.CacheUpdating) {
		t.Errorf("expected updating tier, got %q", got)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["cache"] != string(render.CacheUpdating) {
		t.Errorf("unexpected body %v", body)
	}
	if f.bus.count() != 1 {
		t.Errorf("expected 1 job, got %d", f.bus.count())
	}
}

func TestInvalidate(t *testing.T) {
	f := newTestFront(t, nil, nil)
	key := snapshot.Key{Site: "https://ex.com", Path: "/page", DeviceType: snapshot.DeviceDesktop, Type: snapshot.TypeHTML}
	f.putFresh(t, key, "cached")

	w := f.do(apiGet("/invalidate?url=https://ex.com/page"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["invalidated"] != 4 {
		t.Errorf("expected all 4 representations invalidated, got %d", body["invalidated"])
	}
	if _, err := f.store.Get(context.Background(), key); err != snapshot.ErrNotFound {
		t.Errorf("snapshot survived invalidation: %v", err)
	}
}

func TestUnknownAPIPath(t *testing.T) {
	f := newTestFront(t, nil, nil)
	w := f.do(apiGet("/does-not-exist"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if got := w.Header().Get(apierr.HeaderCode); got != apierr.CodeNoSuchAPI {
		t.Errorf("expected %s, got %s", apierr.CodeNoSuchAPI, got)
	}
}

func TestHomepage(t *testing.T) {
	f := newTestFront(t, nil, nil)
	w := f.do(apiGet("/"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "prerender gateway") {
		t.Error("homepage body missing")
	}

	f = newTestFront(t, func(c *config.Config) { c.EnableHomepage = false }, nil)
	if w := f.do(apiGet("/")); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 with homepage disabled, got %d", w.Code)
	}
}

func TestDisallowUnknownSite(t *testing.T) {
	f := newTestFront(t, func(c *config.Config) { c.DisallowUnknownSite = true }, map[string]*siteconfig.SiteConfig{
		"known.com": {Host: "known.com"},
	})
	f.autoReply("ok")

	w := f.do(apiGet("/render?url=https://unknown.com/"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if got := w.Header().Get(apierr.HeaderCode); got != apierr.CodeHostConfigNotExist {
		t.Errorf("expected %s, got %s", apierr.CodeHostConfigNotExist, got)
	}

	if w := f.do(apiGet("/render?url=https://known.com/")); w.Code != http.StatusOK {
		t.Errorf("known site must render, got %d: %s", w.Code, w.Body)
	}
}

func TestStaticFetch(t *testing.T) {
	f := newTestFront(t, nil, nil)
	key := snapshot.Key{Site: "https://ex.com", Path: "/app.js", DeviceType: snapshot.DeviceDesktop, Type: snapshot.TypeStatic}
	s := &snapshot.Snapshot{Key: key, Status: 200, Content: []byte("console.log(1)")}
	s.Meta.Extra = map[string]string{"contentType": "application/javascript"}
	s.Times.RenderedAt = time.Now()
	s.SetExpiry(3*time.Minute, 24*time.Hour)
	if err := f.store.Put(context.Background(), s); err != nil {
		t.Fatalf("put: %v", err)
	}

	w := f.do(apiGet("/https://ex.com/app.js"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if got := w.Header().Get("Content-Type"); got != "application/javascript" {
		t.Errorf("unexpected content type %q", got)
	}
	if w.Body.String() != "console.log(1)" {
		t.Errorf("unexpected body %q", w.Body)
	}
}

func TestProxyServesSite(t *testing.T) {
	f := newTestFront(t, nil, nil)
	f.putFresh(t, snapshot.Key{Site: "https://site.com", Path: "/about", DeviceType: snapshot.DeviceDesktop, Type: snapshot.TypeHTML}, "<h1>about</h1>")

	w := f.do(httptest.NewRequest(http.MethodGet, "http://site.com/about", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if got := w.Header().Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Errorf("unexpected content type %q", got)
	}
	if w.Body.String() != "<h1>about</h1>" {
		t.Errorf("unexpected body %q", w.Body)
	}
	if got := w.Header().Get(headerCache); got != string(render.CacheFresh) {
		t.Errorf("expected fresh tier, got %q", got)
	}
}

func TestProxyHonorsForwardedHost(t *testing.T) {
	f := newTestFront(t, nil, nil)
	f.putFresh(t, snapshot.Key{Site: "https://site.com", Path: "/", DeviceType: snapshot.DeviceDesktop, Type: snapshot.TypeHTML}, "front")

	r := httptest.NewRequest(http.MethodGet, "http://edge.internal/", nil)
	r.Header.Set("Forwarded", "host=site.com;proto=https")
	w := f.do(r)
	if w.Code != http.StatusOK || w.Body.String() != "front" {
		t.Errorf("expected forwarded site served, got %d %q", w.Code, w.Body)
	}
}

func TestProxyRejectsBadForwarded(t *testing.T) {
	f := newTestFront(t, nil, nil)

	r := httptest.NewRequest(http.MethodGet, "http://edge.internal/", nil)
	r.Header.Set("Forwarded", "host")
	w := f.do(r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if got := w.Header().Get(apierr.HeaderCode); got != apierr.CodeInvalidHeader {
		t.Errorf("expected %s, got %s", apierr.CodeInvalidHeader, got)
	}

	r = httptest.NewRequest(http.MethodGet, "http://edge.internal/", nil)
	r.Header.Set("X-Forwarded-Host", "site.com")
	r.Header.Set("X-Forwarded-Proto", "gopher")
	w = f.do(r)
	if got := w.Header().Get(apierr.HeaderCode); got != apierr.CodeInvalidProtocol {
		t.Errorf("expected %s, got %s", apierr.CodeInvalidProtocol, got)
	}
}

func TestProxyRedirectSnapshot(t *testing.T) {
	f := newTestFront(t, nil, nil)
	s := &snapshot.Snapshot{
		Key:      snapshot.Key{Site: "https://site.com", Path: "/old", DeviceType: snapshot.DeviceDesktop, Type: snapshot.TypeHTML},
		Status:   301,
		Redirect: "https://site.com/new",
	}
	s.Times.RenderedAt = time.Now()
	s.SetExpiry(3*time.Minute, 24*time.Hour)
	if err := f.store.Put(context.Background(), s); err != nil {
		t.Fatalf("put: %v", err)
	}

	w := f.do(httptest.NewRequest(http.MethodGet, "http://site.com/old", nil))
	if w.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", w.Code)
	}
	if got := w.Header().Get("Location"); got != "https://site.com/new" {
		t.Errorf("unexpected Location %q", got)
	}
}

func TestProxyServesRobotsAndSitemap(t *testing.T) {
	f := newTestFront(t, nil, nil)
	f.putFresh(t, snapshot.Key{Site: "https://site.com", Path: "/page", DeviceType: snapshot.DeviceDesktop, Type: snapshot.TypeHTML}, "x")

	w := f.do(httptest.NewRequest(http.MethodGet, "http://site.com/robots.txt", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("robots: expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Errorf("robots: unexpected content type %q", got)
	}
	if !strings.Contains(w.Body.String(), "Sitemap: https://site.com/sitemap.index.1.xml") {
		t.Errorf("robots body missing sitemap reference:\n%s", w.Body)
	}

	w = f.do(httptest.NewRequest(http.MethodGet, "http://site.com/sitemap.1.xml", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("sitemap: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<loc>https://site.com/page</loc>") {
		t.Errorf("sitemap missing page entry:\n%s", w.Body)
	}
}

func TestAPISitemap(t *testing.T) {
	f := newTestFront(t, nil, nil)
	f.putFresh(t, snapshot.Key{Site: "https://site.com", Path: "/page", DeviceType: snapshot.DeviceDesktop, Type: snapshot.TypeHTML}, "x")

	w := f.do(apiGet("/sitemap/site.com/sitemap.1.xml"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), "<loc>https://site.com/page</loc>") {
		t.Errorf("sitemap missing entry:\n%s", w.Body)
	}
	if got := w.Header().Get("Cache-Control"); got != "max-age=3600" {
		t.Errorf("unexpected Cache-Control %q", got)
	}

	w = f.do(apiGet("/sitemap/site.com/sitemap.9.xml"))
	if w.Code != http.StatusNotFound {
		t.Errorf("out-of-range page: expected 404, got %d", w.Code)
	}
	if got := w.Header().Get(apierr.HeaderCode); got != apierr.CodeNoSuchAPI {
		t.Errorf("expected %s, got %s", apierr.CodeNoSuchAPI, got)
	}

	w = f.do(apiGet("/sitemap/site.com/weird.name"))
	if w.Code != http.StatusNotFound {
		t.Errorf("bad artifact name: expected 404, got %d", w.Code)
	}
}

func TestRenderWorkerTimeoutSurfaced(t *testing.T) {
	f := newTestFront(t, nil, nil) // bus never replies

	r := apiGet("/render?url=https://ex.com/slow")
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Millisecond)
	defer cancel()
	w := f.do(r.WithContext(ctx))

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
	if got := w.Header().Get(apierr.HeaderCode); got != apierr.CodeWorkerTimeout {
		t.Errorf("expected %s, got %s", apierr.CodeWorkerTimeout, got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newTestFront(t, nil, nil)
	w := f.do(apiGet("/metrics"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "kasha_") {
		t.Error("expected gateway metrics in exposition")
	}
}
