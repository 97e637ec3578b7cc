package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kasha/gateway/internal/apierr"
	"github.com/kasha/gateway/internal/render"
	"github.com/kasha/gateway/internal/snapshot"
)

// headerCache names the freshness tier a response was served from.
const headerCache = "Kasha-Cache"

// renderResponse is the JSON body of /render and /cache responses.
type renderResponse struct {
	Status    int               `json:"status"`
	Redirect  string            `json:"redirect,omitempty"`
	Meta      snapshot.Meta     `json:"meta"`
	OpenGraph map[string]string `json:"openGraph,omitempty"`
	Content   string            `json:"content,omitempty"`
}

// handleRender serves GET /render and GET /cache (which forces
// noWait).
func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request, forceNoWait bool) {
	req, err := h.renderRequestFromQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if forceNoWait {
		req.NoWait = true
	}

	if _, err := h.checkSiteKnown(r, hostOf(req.Site)); err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.coordinator.Render(r.Context(), *req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if res.Cache == render.CacheUpdating {
		w.Header().Set(headerCache, string(res.Cache))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"cache": string(res.Cache)})
		return
	}

	snap := res.Snapshot
	setFreshnessHeaders(w, snap, res.Cache)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(renderResponse{
		Status:    snap.Status,
		Redirect:  snap.Redirect,
		Meta:      snap.Meta,
		OpenGraph: snap.OpenGraph,
		Content:   string(snap.Content),
	})
}

// handleStatic serves GET /<http(s)-url>: a type=static fetch of the
// embedded URL, returned as the raw body.
func (h *Handler) handleStatic(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/")
	if r.URL.RawQuery != "" {
		raw += "?" + r.URL.RawQuery
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		h.writeError(w, apierr.New(apierr.CodeInvalidParam, "malformed target url"))
		return
	}

	req := render.Request{
		Site: u.Scheme + "://" + u.Host,
		Path: pathWithQuery(u),
		Type: snapshot.TypeStatic,
	}

	if _, err := h.checkSiteKnown(r, u.Host); err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.coordinator.Render(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.serveRaw(w, res)
}

// handleInvalidate removes every cached representation of the given
// URL.
func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	u, err := parseTargetURL(r.URL.Query().Get("url"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	site := u.Scheme + "://" + u.Host
	path := pathWithQuery(u)

	invalidated := 0
	for _, d := range []snapshot.DeviceType{snapshot.DeviceDesktop, snapshot.DeviceMobile} {
		for _, t := range []snapshot.RenderType{snapshot.TypeHTML, snapshot.TypeStatic} {
			key := snapshot.Key{Site: site, Path: path, DeviceType: d, Type: t}
			if err := h.store.Invalidate(r.Context(), key); err != nil {
				h.writeError(w, err)
				return
			}
			invalidated++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"invalidated": invalidated})
}

// renderRequestFromQuery validates /render query parameters.
func (h *Handler) renderRequestFromQuery(r *http.Request) (*render.Request, error) {
	q := r.URL.Query()

	u, err := parseTargetURL(q.Get("url"))
	if err != nil {
		return nil, err
	}

	deviceType := snapshot.DeviceType(q.Get("deviceType"))
	if deviceType != "" && !snapshot.ValidDeviceType(deviceType) {
		return nil, apierr.New(apierr.CodeInvalidParam, "unknown deviceType "+string(deviceType))
	}

	renderType := snapshot.RenderType(q.Get("type"))
	if renderType == "" {
		renderType = snapshot.TypeHTML
	}
	if !snapshot.ValidRenderType(renderType) {
		return nil, apierr.New(apierr.CodeInvalidParam, "unknown type "+string(renderType))
	}

	callbackURL := q.Get("callbackUrl")
	if callbackURL != "" {
		cu, err := url.Parse(callbackURL)
		if err != nil || cu.Host == "" || (cu.Scheme != "http" && cu.Scheme != "https") {
			return nil, apierr.New(apierr.CodeInvalidParam, "malformed callbackUrl")
		}
	}

	return &render.Request{
		Site:        u.Scheme + "://" + u.Host,
		Path:        pathWithQuery(u),
		DeviceType:  deviceType,
		Type:        renderType,
		CallbackURL: callbackURL,
		NoWait:      q.Has("noWait"),
		Refresh:     q.Has("refresh"),
		MetaOnly:    q.Has("metaOnly"),
	}, nil
}

// parseTargetURL validates a url query parameter.
func parseTargetURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, apierr.New(apierr.CodeInvalidParam, "missing url parameter")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, apierr.New(apierr.CodeInvalidParam, "malformed url parameter")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apierr.New(apierr.CodeInvalidProtocol, "protocol must be http or https")
	}
	return u, nil
}

// pathWithQuery returns the site-relative path including the query
// string.
func pathWithQuery(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

func hostOf(site string) string {
	u, err := url.Parse(site)
	if err != nil {
		return site
	}
	return u.Host
}

// setFreshnessHeaders writes the tier header and a Cache-Control
// derived from the snapshot's remaining freshness.
func setFreshnessHeaders(w http.ResponseWriter, snap *snapshot.Snapshot, tier render.CacheState) {
	w.Header().Set(headerCache, string(tier))
	now := time.Now()
	maxAge := int(snap.PrivateExpires.Sub(now).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	sMaxAge := int(snap.SharedExpires.Sub(now).Seconds())
	if sMaxAge < 0 {
		sMaxAge = 0
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, s-maxage=%d", maxAge, sMaxAge))
}

// serveRaw writes a snapshot as the response body, for proxy mode and
// static fetches.
func (h *Handler) serveRaw(w http.ResponseWriter, res *render.Result) {
	if res.Cache == render.CacheUpdating {
		w.Header().Set(headerCache, string(res.Cache))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	snap := res.Snapshot
	setFreshnessHeaders(w, snap, res.Cache)

	if snap.Redirect != "" {
		status := snap.Status
		if status < 300 || status >= 400 {
			status = http.StatusFound
		}
		w.Header().Set("Location", snap.Redirect)
		w.WriteHeader(status)
		return
	}

	contentType := snap.Meta.Extra["contentType"]
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)

	status := snap.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(snap.Content)
}
