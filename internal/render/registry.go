// Package render contains the pending-render registry and the
// coordinator that drives the cache freshness state machine.
package render

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kasha/gateway/internal/apierr"
	"github.com/kasha/gateway/internal/bus"
	"github.com/kasha/gateway/internal/metrics"
	"github.com/kasha/gateway/internal/snapshot"
)

// Fingerprint identifies a render request for dedup purposes.
type Fingerprint struct {
	Key         snapshot.Key
	CallbackURL string
}

func (f Fingerprint) String() string {
	return f.Key.String() + "\x1f" + f.CallbackURL
}

// pending is one in-flight render. done is closed exactly once, after
// reply and err are set.
type pending struct {
	fingerprint   Fingerprint
	correlationID string
	publishedAt   time.Time
	noWait        bool

	done  chan struct{}
	reply *bus.RenderReply
	err   error
}

// Future is a waiter's handle on a shared in-flight render.
type Future struct {
	p *pending
}

// CorrelationID returns the id the leader publishes under.
func (f *Future) CorrelationID() string {
	return f.p.correlationID
}

// Wait blocks until the render completes or ctx expires. A context
// deadline maps to SERVER_WORKER_TIMEOUT; cancellation detaches only
// this waiter, the render itself continues.
func (f *Future) Wait(ctx context.Context) (*bus.RenderReply, error) {
	select {
	case <-f.p.done:
		return f.p.reply, f.p.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apierr.New(apierr.CodeWorkerTimeout, "render worker did not reply in time")
		}
		return nil, ctx.Err()
	}
}

// Done describes a completed pending render, for callback fan-out.
type Done struct {
	Fingerprint Fingerprint
	NoWait      bool
}

// Registry deduplicates in-flight renders per process: at most one
// outbound job per fingerprint, all waiters sharing the result.
type Registry struct {
	mu     sync.Mutex
	byFP   map[string]*pending
	byCorr map[string]*pending
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byFP:   make(map[string]*pending),
		byCorr: make(map[string]*pending),
	}
}

// BeginOrJoin registers an in-flight render for fp, or joins an
// existing one. The first caller is the leader and must publish the
// job (or Fail the correlation id if publishing fails).
func (r *Registry) BeginOrJoin(fp Fingerprint, noWait bool) (leader bool, fut *Future) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.byFP[fp.String()]; ok {
		return false, &Future{p: p}
	}

	p := &pending{
		fingerprint:   fp,
		correlationID: uuid.NewString(),
		publishedAt:   time.Now(),
		noWait:        noWait,
		done:          make(chan struct{}),
	}
	r.byFP[fp.String()] = p
	r.byCorr[p.correlationID] = p
	metrics.PendingRenders.Inc()
	return true, &Future{p: p}
}

// Complete resolves all waiters for correlationID with the reply and
// purges the entry. Replays for an already-completed id are discarded
// idempotently (returns nil, false).
func (r *Registry) Complete(correlationID string, reply *bus.RenderReply) (*Done, bool) {
	return r.finish(correlationID, reply, nil)
}

// Fail rejects all waiters for correlationID.
func (r *Registry) Fail(correlationID string, err error) (*Done, bool) {
	return r.finish(correlationID, nil, err)
}

func (r *Registry) finish(correlationID string, reply *bus.RenderReply, err error) (*Done, bool) {
	r.mu.Lock()
	p, ok := r.byCorr[correlationID]
	if ok {
		delete(r.byCorr, correlationID)
		delete(r.byFP, p.fingerprint.String())
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}

	p.reply = reply
	p.err = err
	close(p.done)
	metrics.PendingRenders.Dec()
	return &Done{Fingerprint: p.fingerprint, NoWait: p.noWait}, true
}

// SweepExpired fails every in-flight render older than timeout with
// SERVER_WORKER_TIMEOUT and returns what was swept.
func (r *Registry) SweepExpired(now time.Time, timeout time.Duration) []Done {
	r.mu.Lock()
	var expired []string
	for id, p := range r.byCorr {
		if now.Sub(p.publishedAt) > timeout {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	var swept []Done
	for _, id := range expired {
		if d, ok := r.Fail(id, apierr.New(apierr.CodeWorkerTimeout, "render worker did not reply in time")); ok {
			swept = append(swept, *d)
		}
	}
	return swept
}

// Len returns the number of in-flight renders.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byFP)
}
