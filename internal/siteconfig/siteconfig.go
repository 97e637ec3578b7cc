// Package siteconfig resolves per-origin rendering policy.
package siteconfig

import (
	"strings"

	"github.com/kasha/gateway/internal/snapshot"
)

// RobotsGroup is one user-agent group of robots directives.
type RobotsGroup struct {
	UserAgent string   `json:"userAgent"`
	Allow     []string `json:"allow,omitempty"`
	Disallow  []string `json:"disallow,omitempty"`
}

// RewriteRule rewrites a request path prefix before rendering.
type RewriteRule struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SiteConfig is the rendering policy for one origin.
type SiteConfig struct {
	Host            string              `json:"host"`
	DefaultProtocol string              `json:"defaultProtocol,omitempty"`
	DeviceType      snapshot.DeviceType `json:"deviceType,omitempty"`
	Robots          []RobotsGroup       `json:"robots,omitempty"`
	Allow           []string            `json:"allow,omitempty"`
	Deny            []string            `json:"deny,omitempty"`
	Rewrites        []RewriteRule       `json:"rewrites,omitempty"`
}

// Protocol returns the origin protocol, defaulting to https.
func (c *SiteConfig) Protocol() string {
	if c.DefaultProtocol != "" {
		return c.DefaultProtocol
	}
	return "https"
}

// Device returns the configured device type, defaulting to desktop.
func (c *SiteConfig) Device() snapshot.DeviceType {
	if c.DeviceType != "" {
		return c.DeviceType
	}
	return snapshot.DeviceDesktop
}

// RewritePath applies the first matching rewrite rule.
func (c *SiteConfig) RewritePath(path string) string {
	for _, r := range c.Rewrites {
		if strings.HasPrefix(path, r.From) {
			return r.To + strings.TrimPrefix(path, r.From)
		}
	}
	return path
}

// PathAllowed reports whether the allow/deny rules permit rendering
// the path. Deny rules win over allow rules; an empty allow list
// permits everything not denied.
func (c *SiteConfig) PathAllowed(path string) bool {
	for _, d := range c.Deny {
		if strings.HasPrefix(path, d) {
			return false
		}
	}
	if len(c.Allow) == 0 {
		return true
	}
	for _, a := range c.Allow {
		if strings.HasPrefix(path, a) {
			return true
		}
	}
	return false
}

// PathIndexable reports whether the robots policy lets crawlers index
// the path. Longest matching directive wins, with allow breaking
// ties, per the robots.txt convention. Only the wildcard group and an
// absent policy (index everything) matter for sitemaps.
func (c *SiteConfig) PathIndexable(path string) bool {
	var group *RobotsGroup
	for i := range c.Robots {
		if c.Robots[i].UserAgent == "*" || c.Robots[i].UserAgent == "" {
			group = &c.Robots[i]
			break
		}
	}
	if group == nil {
		return true
	}

	bestAllow, bestDisallow := -1, -1
	for _, a := range group.Allow {
		if strings.HasPrefix(path, a) && len(a) > bestAllow {
			bestAllow = len(a)
		}
	}
	for _, d := range group.Disallow {
		if d == "" {
			continue
		}
		if strings.HasPrefix(path, d) && len(d) > bestDisallow {
			bestDisallow = len(d)
		}
	}
	return bestAllow >= bestDisallow
}
