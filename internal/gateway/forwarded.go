package gateway

import (
	"fmt"
	"net/http"
	"strings"
)

// origin is the site an inbound proxy-mode request targets.
type origin struct {
	Host  string
	Proto string // empty when no hop declared one
}

// parseForwarded parses an RFC 7239 Forwarded header. Only the first
// element is trusted; later hops are outside the deployment's trust
// boundary.
func parseForwarded(value string) (origin, error) {
	first := value
	if i := strings.IndexByte(value, ','); i >= 0 {
		first = value[:i]
	}

	var o origin
	for _, pair := range strings.Split(first, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return origin{}, fmt.Errorf("malformed forwarded pair %q", pair)
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
			v = v[1 : len(v)-1]
		}
		if v == "" {
			return origin{}, fmt.Errorf("empty forwarded value for %q", k)
		}
		switch k {
		case "host":
			o.Host = v
		case "proto":
			o.Proto = strings.ToLower(v)
		case "for", "by":
			// identifies hops, not the target site
		default:
			// unknown parameters are permitted by the RFC
		}
	}
	return o, nil
}

// firstHop returns the first element of a comma-separated hop list.
// X-Forwarded-* headers accumulate one value per proxy; only the
// first is inside the trust boundary, like Forwarded's first element.
func firstHop(value string) string {
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = value[:i]
	}
	return strings.TrimSpace(value)
}

// requestOrigin determines the site a proxy-mode request addresses:
// Forwarded first, then X-Forwarded-*, then the Host header.
func requestOrigin(r *http.Request) (origin, error) {
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		o, err := parseForwarded(fwd)
		if err != nil {
			return origin{}, err
		}
		if o.Host != "" {
			return o, nil
		}
	}
	if host := firstHop(r.Header.Get("X-Forwarded-Host")); host != "" {
		return origin{
			Host:  host,
			Proto: strings.ToLower(firstHop(r.Header.Get("X-Forwarded-Proto"))),
		}, nil
	}
	return origin{Host: r.Host}, nil
}
