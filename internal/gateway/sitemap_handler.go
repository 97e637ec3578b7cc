package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/kasha/gateway/internal/apierr"
	"github.com/kasha/gateway/internal/sitemap"
)

// handleAPISitemap serves /sitemap/:site/:artifact in API mode. The
// site segment is the target host; its protocol comes from the site's
// config (default https).
func (h *Handler) handleAPISitemap(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	host := ps.ByName("site")
	art, ok := sitemap.ParseName(ps.ByName("artifact"))
	if !ok {
		h.writeError(w, apierr.New(apierr.CodeNoSuchAPI, "no such api"))
		return
	}

	sc, err := h.checkSiteKnown(r, host)
	if err != nil {
		h.writeError(w, err)
		return
	}

	proto := "https"
	if sc != nil {
		proto = sc.Protocol()
	}
	site := proto + "://" + host

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	baseURL := fmt.Sprintf("%s://%s/sitemap/%s", scheme, r.Host, host)

	h.serveSitemap(w, r, site, baseURL, art)
}

// serveSitemap generates and writes one sitemap/robots artifact.
func (h *Handler) serveSitemap(w http.ResponseWriter, r *http.Request, site, baseURL string, art sitemap.Artifact) {
	rendered, err := h.aggregator.Generate(r.Context(), site, baseURL, art)
	if err != nil {
		if errors.Is(err, sitemap.ErrPageNotFound) {
			h.writeError(w, apierr.New(apierr.CodeNoSuchAPI, "no such sitemap page"))
			return
		}
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", rendered.ContentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", rendered.MaxAge))
	w.Write(rendered.Body)
}
