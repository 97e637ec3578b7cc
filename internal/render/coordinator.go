package render

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/apierr"
	"github.com/kasha/gateway/internal/bus"
	"github.com/kasha/gateway/internal/config"
	"github.com/kasha/gateway/internal/logging"
	"github.com/kasha/gateway/internal/metrics"
	"github.com/kasha/gateway/internal/siteconfig"
	"github.com/kasha/gateway/internal/snapshot"
)

// Bus is the coordinator's view of the worker bus.
type Bus interface {
	Publish(ctx context.Context, job *bus.RenderJob) error
	ReplyTopic() string
}

// Request is one render request after HTTP-level normalization.
type Request struct {
	Site        string // origin, e.g. "https://example.com"
	Path        string // site-relative path including query
	DeviceType  snapshot.DeviceType
	Type        snapshot.RenderType
	CallbackURL string
	NoWait      bool
	Refresh     bool
	MetaOnly    bool
}

// Key returns the snapshot key for the request.
func (r Request) Key() snapshot.Key {
	return snapshot.Key{
		Site:       r.Site,
		Path:       r.Path,
		DeviceType: r.DeviceType,
		Type:       r.Type,
	}
}

// CacheState names the freshness tier a response was served from.
type CacheState string

const (
	CacheFresh    CacheState = "fresh"
	CacheStale    CacheState = "stale-revalidating"
	CacheUpdated  CacheState = "updated"
	CacheUpdating CacheState = "updating"
)

// Result is a completed render request.
type Result struct {
	Snapshot *snapshot.Snapshot // nil when Cache is "updating"
	Cache    CacheState
}

// Coordinator orchestrates site policy, the snapshot cache, the
// pending-render registry and the worker bus.
type Coordinator struct {
	store    snapshot.Store
	bus      Bus
	registry *Registry
	sites    *siteconfig.Resolver
	notifier *Notifier

	cache         config.CacheConfig
	workerTimeout time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewCoordinator wires the coordinator. Call Start to run the
// timeout sweeper and register HandleReply as the bus reply handler.
func NewCoordinator(store snapshot.Store, b Bus, registry *Registry, sites *siteconfig.Resolver, notifier *Notifier, cfg *config.Config) *Coordinator {
	return &Coordinator{
		store:         store,
		bus:           b,
		registry:      registry,
		sites:         sites,
		notifier:      notifier,
		cache:         cfg.Cache,
		workerTimeout: cfg.WorkerTimeoutDuration(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the pending-render timeout sweeper.
func (c *Coordinator) Start() {
	interval := c.workerTimeout / 4
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case now := <-ticker.C:
				for _, d := range c.registry.SweepExpired(now, c.workerTimeout) {
					metrics.RendersTotal.WithLabelValues("timeout").Inc()
					if d.Fingerprint.CallbackURL != "" {
						c.notifier.Notify(d.Fingerprint.CallbackURL, false, d.Fingerprint.Key, apierr.CodeWorkerTimeout)
					}
				}
			}
		}
	}()
}

// Close stops the sweeper.
func (c *Coordinator) Close() {
	close(c.stop)
	<-c.done
}

// Render runs the freshness state machine for one request.
func (c *Coordinator) Render(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	defer func() { metrics.RenderDuration.Observe(time.Since(start).Seconds()) }()

	if err := c.applyPolicy(ctx, &req); err != nil {
		return nil, err
	}

	if !req.Refresh {
		snap, err := c.store.Get(ctx, req.Key())
		if err != nil && !errors.Is(err, snapshot.ErrNotFound) {
			return nil, err
		}
		if snap != nil {
			now := time.Now()
			if snap.Fresh(now) {
				metrics.RendersTotal.WithLabelValues("fresh").Inc()
				return &Result{Snapshot: snap, Cache: CacheFresh}, nil
			}
			if snap.ServableStale(now) {
				c.refreshInBackground(req)
				metrics.RendersTotal.WithLabelValues("stale").Inc()
				return &Result{Snapshot: snap, Cache: CacheStale}, nil
			}
			// Beyond sharedExpires the cache is not trustworthy; wait
			// for a fresh render.
		}
	}

	return c.renderAndWait(ctx, req)
}

// applyPolicy resolves the site's config and applies rewrite and
// allow/deny rules. A missing config means default policy; a resolver
// failure is logged and treated the same so the store being down does
// not take rendering down with it.
func (c *Coordinator) applyPolicy(ctx context.Context, req *Request) error {
	host := hostOf(req.Site)
	sc, err := c.sites.Resolve(ctx, host)
	if err != nil {
		if !errors.Is(err, siteconfig.ErrNotFound) {
			logging.Warn("site config lookup failed", zap.String("host", host), zap.Error(err))
		}
		if req.DeviceType == "" {
			req.DeviceType = snapshot.DeviceDesktop
		}
		return nil
	}

	req.Path = sc.RewritePath(req.Path)
	if !sc.PathAllowed(req.Path) {
		return apierr.New(apierr.CodeRobotsDisallow, "path disallowed by site policy")
	}
	if req.DeviceType == "" {
		req.DeviceType = sc.Device()
	}
	return nil
}

// renderAndWait registers (or joins) the in-flight render and, unless
// noWait is set, blocks on the shared result up to the worker timeout.
func (c *Coordinator) renderAndWait(ctx context.Context, req Request) (*Result, error) {
	fp := Fingerprint{Key: req.Key(), CallbackURL: req.CallbackURL}
	leader, fut := c.registry.BeginOrJoin(fp, req.NoWait)
	if leader {
		if err := c.publish(req, fut.CorrelationID()); err != nil {
			ev := logEventID("job publish failed", zap.Error(err), zap.String("path", req.Path))
			c.registry.Fail(fut.CorrelationID(), apierr.Internal(ev))
		}
	}

	if req.NoWait {
		metrics.RendersTotal.WithLabelValues("updating").Inc()
		return &Result{Cache: CacheUpdating}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.workerTimeout)
	defer cancel()

	reply, err := fut.Wait(waitCtx)
	if err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) && ae.Code == apierr.CodeWorkerTimeout {
			metrics.RendersTotal.WithLabelValues("timeout").Inc()
		} else {
			metrics.RendersTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	if !reply.OK {
		metrics.RendersTotal.WithLabelValues("error").Inc()
		return nil, apierr.FromWorkerKind(reply.ErrorKind, reply.ErrorMessage)
	}

	snap := reply.Snapshot
	if snap == nil {
		// Oversized replies are stored by the worker and referenced
		// by key only.
		var err error
		snap, err = c.store.Get(ctx, req.Key())
		if err != nil {
			return nil, err
		}
	}
	metrics.RendersTotal.WithLabelValues("updated").Inc()
	return &Result{Snapshot: snap, Cache: CacheUpdated}, nil
}

// refreshInBackground kicks off step 4 detached from the caller; its
// outcome is logged only.
func (c *Coordinator) refreshInBackground(req Request) {
	fp := Fingerprint{Key: req.Key(), CallbackURL: req.CallbackURL}
	leader, fut := c.registry.BeginOrJoin(fp, true)
	if !leader {
		return
	}
	if err := c.publish(req, fut.CorrelationID()); err != nil {
		logging.Warn("background refresh publish failed",
			zap.String("site", req.Site), zap.String("path", req.Path), zap.Error(err))
		c.registry.Fail(fut.CorrelationID(), err)
	}
}

func (c *Coordinator) publish(req Request, correlationID string) error {
	job := &bus.RenderJob{
		CorrelationID: correlationID,
		ReplyTopic:    c.bus.ReplyTopic(),
		URL:           req.Site + req.Path,
		DeviceType:    req.DeviceType,
		Type:          req.Type,
		CallbackURL:   req.CallbackURL,
		MetaOnly:      req.MetaOnly,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.bus.Publish(ctx, job); err != nil {
		return err
	}
	metrics.JobsPublished.Inc()
	return nil
}

// HandleReply is the bus reply handler: it persists the snapshot and
// wakes all waiters. Duplicate replies for a completed correlation id
// are discarded, leaving the store untouched.
func (c *Coordinator) HandleReply(reply *bus.RenderReply) {
	// Stamp before Complete: waiters read the same *Snapshot the
	// moment they wake, so all writes to it must happen first.
	snap := reply.Snapshot
	if reply.OK && snap != nil {
		if snap.Times.RenderedAt.IsZero() {
			snap.Times.RenderedAt = time.Now()
		}
		snap.SetExpiry(c.cache.MaxAgeDuration(), c.cache.SMaxAgeDuration())
	}

	done, ok := c.registry.Complete(reply.CorrelationID, reply)
	if !ok {
		logging.Debug("duplicate reply discarded", zap.String("correlationId", reply.CorrelationID))
		return
	}

	if reply.OK && snap != nil && persistable(snap) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.store.Put(ctx, snap); err != nil {
			logging.Error("snapshot persist failed",
				zap.String("site", snap.Key.Site), zap.String("path", snap.Key.Path), zap.Error(err))
		}
	}

	if done.Fingerprint.CallbackURL != "" {
		errorKind := ""
		if !reply.OK {
			errorKind = reply.ErrorKind
			if errorKind == "" {
				errorKind = apierr.CodeRenderError
			}
		}
		c.notifier.Notify(done.Fingerprint.CallbackURL, reply.OK, done.Fingerprint.Key, errorKind)
	}
}

// persistable rejects meta-only render shapes: a snapshot is stored
// only when it carries content, a redirect, or an error.
func persistable(s *snapshot.Snapshot) bool {
	return len(s.Content) > 0 || s.Redirect != "" || s.Error != ""
}

func hostOf(site string) string {
	u, err := url.Parse(site)
	if err != nil {
		return ""
	}
	return u.Host
}

// logEventID logs an unexpected error and returns the event id that
// keys the log entry.
func logEventID(msg string, fields ...zap.Field) string {
	ev := uuid.NewString()
	logging.Error(msg, append(fields, zap.String("eventId", ev))...)
	return ev
}
