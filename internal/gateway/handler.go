// Package gateway is the HTTP front: it translates inbound requests
// to coordinator and aggregator inputs and formats the responses.
//
// Two modes are selected by the Host header: API mode (host is in the
// configured api_host list) exposes explicit endpoints; proxy mode
// interprets the request as a page of the forwarded site.
package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/apierr"
	"github.com/kasha/gateway/internal/config"
	"github.com/kasha/gateway/internal/logging"
	"github.com/kasha/gateway/internal/metrics"
	"github.com/kasha/gateway/internal/render"
	"github.com/kasha/gateway/internal/siteconfig"
	"github.com/kasha/gateway/internal/sitemap"
	"github.com/kasha/gateway/internal/snapshot"
)

// Handler is the gateway's HTTP entry point.
type Handler struct {
	cfg         *config.Config
	coordinator *render.Coordinator
	aggregator  *sitemap.Aggregator
	sites       *siteconfig.Resolver
	store       snapshot.Store
	api         *httprouter.Router
}

// NewHandler wires the front to the core components.
func NewHandler(cfg *config.Config, coordinator *render.Coordinator, aggregator *sitemap.Aggregator, sites *siteconfig.Resolver, store snapshot.Store) *Handler {
	h := &Handler{
		cfg:         cfg,
		coordinator: coordinator,
		aggregator:  aggregator,
		sites:       sites,
		store:       store,
	}
	h.api = h.newAPIRouter()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		// health probe
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		h.writeError(w, apierr.New(apierr.CodeMethodNotAllowed, "only GET and HEAD are accepted"))
		return
	}

	if r.Host == "" {
		h.writeError(w, apierr.New(apierr.CodeEmptyHostHeader, "missing Host header"))
		return
	}

	if h.cfg.IsAPIHost(siteconfig.NormalizeHost(r.Host)) {
		// Static fetches embed a full URL in the path; httprouter
		// cannot match those, so dispatch them first.
		if strings.HasPrefix(r.URL.Path, "/http://") || strings.HasPrefix(r.URL.Path, "/https://") {
			h.handleStatic(w, r)
			return
		}
		h.api.ServeHTTP(w, r)
		return
	}

	h.proxy(w, r)
}

func (h *Handler) newAPIRouter() *httprouter.Router {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false

	router.GET("/render", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h.handleRender(w, r, false)
	})
	router.GET("/cache", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h.handleRender(w, r, true)
	})
	router.GET("/invalidate", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h.handleInvalidate(w, r)
	})
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())
	router.GET("/sitemap/:site/:artifact", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		h.handleAPISitemap(w, r, ps)
	})
	router.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if h.cfg.EnableHomepage {
			h.serveHomepage(w)
			return
		}
		h.writeError(w, apierr.New(apierr.CodeNoSuchAPI, "no such api"))
	})
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, apierr.New(apierr.CodeNoSuchAPI, "no such api"))
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, apierr.New(apierr.CodeMethodNotAllowed, "only GET and HEAD are accepted"))
	})
	return router
}

// checkSiteKnown enforces disallow_unknown_site. It returns the
// site's config when one exists, nil otherwise.
func (h *Handler) checkSiteKnown(r *http.Request, host string) (*siteconfig.SiteConfig, error) {
	sc, err := h.sites.Resolve(r.Context(), host)
	if errors.Is(err, siteconfig.ErrNotFound) {
		if h.cfg.DisallowUnknownSite {
			return nil, apierr.New(apierr.CodeHostConfigNotExist, "no site config for "+host)
		}
		return nil, nil
	}
	if err != nil {
		// Policy lookup failures degrade to default policy; rendering
		// availability wins over policy strictness.
		logging.Warn("site config lookup failed", zap.String("host", host), zap.Error(err))
		return nil, nil
	}
	return sc, nil
}

// writeError emits a structured error response; anything unstructured
// is logged under a fresh event id and mapped to the internal kind.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		ev := uuid.NewString()
		logging.Error("unexpected error", zap.String("eventId", ev), zap.Error(err))
		ae = apierr.Internal(ev)
	}
	apierr.Write(w, ae)
}
