package gateway

import "net/http"

// homepageHTML is the static debug page served at / in API mode when
// enable_homepage is set.
const homepageHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>kasha</title></head>
<body>
<h1>kasha prerender gateway</h1>
<ul>
<li><code>GET /render?url=&lt;url&gt;&amp;deviceType=&lt;desktop|mobile&gt;&amp;type=&lt;html|static&gt;[&amp;noWait][&amp;refresh][&amp;callbackUrl=&lt;url&gt;][&amp;metaOnly]</code></li>
<li><code>GET /cache?&hellip;</code> &mdash; as /render, never blocks</li>
<li><code>GET /invalidate?url=&lt;url&gt;</code></li>
<li><code>GET /&lt;http(s)-url&gt;</code> &mdash; static fetch</li>
<li><code>GET /sitemap/&lt;site&gt;/sitemap.&lt;n&gt;.xml</code> (and google/news/image/video/index variants, robots.txt)</li>
<li><code>GET /metrics</code></li>
</ul>
</body>
</html>
`

func (h *Handler) serveHomepage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(homepageHTML))
}
