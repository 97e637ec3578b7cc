package gateway

import (
	"net/http"
	"strings"

	"github.com/kasha/gateway/internal/apierr"
	"github.com/kasha/gateway/internal/render"
	"github.com/kasha/gateway/internal/sitemap"
	"github.com/kasha/gateway/internal/snapshot"
)

// proxy handles proxy-mode requests: the Host (or forwarded) header
// names the site and the path is the site-relative path.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request) {
	o, err := requestOrigin(r)
	if err != nil {
		h.writeError(w, apierr.New(apierr.CodeInvalidHeader, err.Error()))
		return
	}
	if o.Host == "" {
		h.writeError(w, apierr.New(apierr.CodeEmptyHostHeader, "missing Host header"))
		return
	}
	if o.Proto != "" && o.Proto != "http" && o.Proto != "https" {
		h.writeError(w, apierr.New(apierr.CodeInvalidProtocol, "protocol must be http or https"))
		return
	}

	sc, err := h.checkSiteKnown(r, o.Host)
	if err != nil {
		h.writeError(w, err)
		return
	}

	proto := o.Proto
	if proto == "" {
		if sc != nil {
			proto = sc.Protocol()
		} else {
			proto = "https"
		}
	}
	site := proto + "://" + o.Host

	// Sitemap artifacts live at the site root in proxy mode.
	if name := strings.TrimPrefix(r.URL.Path, "/"); !strings.Contains(name, "/") {
		if art, ok := sitemap.ParseName(name); ok {
			h.serveSitemap(w, r, site, site, art)
			return
		}
	}

	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	req := render.Request{
		Site: site,
		Path: path,
		Type: snapshot.TypeHTML,
	}
	if sc != nil {
		req.DeviceType = sc.Device()
	}

	res, err := h.coordinator.Render(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.serveRaw(w, res)
}
