// Package snapshot holds the rendered-artifact model and its
// persistent store. A snapshot is one rendered representation of one
// URL for one device and render type, plus the freshness timestamps
// the coordinator's state machine runs on.
package snapshot

import (
	"strings"
	"time"
)

// DeviceType selects the viewport the worker renders with.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
)

// ValidDeviceType reports whether d is a known device type.
func ValidDeviceType(d DeviceType) bool {
	return d == DeviceDesktop || d == DeviceMobile
}

// RenderType selects between a hydrated HTML render and a plain
// static fetch.
type RenderType string

const (
	TypeHTML   RenderType = "html"
	TypeStatic RenderType = "static"
)

// ValidRenderType reports whether t is a known render type.
func ValidRenderType(t RenderType) bool {
	return t == TypeHTML || t == TypeStatic
}

// Key identifies one snapshot. Site is the origin
// ("https://example.com"), Path the site-relative path including any
// query string.
type Key struct {
	Site       string     `json:"site"`
	Path       string     `json:"path"`
	DeviceType DeviceType `json:"deviceType"`
	Type       RenderType `json:"type"`
}

// sep joins key segments in storage keys and index members. Paths
// are percent-encoded on ingress so the separator cannot collide.
const sep = "\x1f"

// String returns the canonical storage form of the key. Path sorts
// first so per-site indexes order by path.
func (k Key) String() string {
	return k.Site + sep + string(k.DeviceType) + sep + string(k.Type) + sep + k.Path
}

// Member returns the per-site index member for the key, ordered by
// path.
func (k Key) Member() string {
	return k.Path + sep + string(k.DeviceType) + sep + string(k.Type)
}

// KeyFromMember reconstructs a Key from a per-site index member.
func KeyFromMember(site, member string) (Key, bool) {
	i := strings.LastIndex(member, sep)
	if i < 0 {
		return Key{}, false
	}
	j := strings.LastIndex(member[:i], sep)
	if j < 0 {
		return Key{}, false
	}
	return Key{
		Site:       site,
		Path:       member[:j],
		DeviceType: DeviceType(member[j+1 : i]),
		Type:       RenderType(member[i+1:]),
	}, true
}

// Times carries the snapshot lifecycle timestamps.
type Times struct {
	RenderedAt     time.Time `json:"renderedAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// VideoMeta describes one embedded video for the video sitemap.
type VideoMeta struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	ContentURL   string `json:"contentUrl,omitempty"`
}

// Meta is the page metadata the worker extracts from the rendered
// document.
type Meta struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Image       string            `json:"image,omitempty"`
	Canonical   string            `json:"canonical,omitempty"`
	Locale      string            `json:"locale,omitempty"`
	Author      string            `json:"author,omitempty"`
	PublishedAt time.Time         `json:"publishedAt,omitzero"`
	Images      []string          `json:"images,omitempty"`
	Videos      []VideoMeta       `json:"videos,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Snapshot is one rendered artifact.
type Snapshot struct {
	Key            Key               `json:"key"`
	Status         int               `json:"status"`
	Redirect       string            `json:"redirect,omitempty"`
	Meta           Meta              `json:"meta"`
	OpenGraph      map[string]string `json:"openGraph,omitempty"`
	Links          []string          `json:"links,omitempty"`
	Content        []byte            `json:"content,omitempty"`
	Error          string            `json:"error,omitempty"`
	Times          Times             `json:"times"`
	PrivateExpires time.Time         `json:"privateExpires"`
	SharedExpires  time.Time         `json:"sharedExpires"`
}

// SetExpiry derives the freshness tiers from RenderedAt.
func (s *Snapshot) SetExpiry(maxage, sMaxage time.Duration) {
	s.PrivateExpires = s.Times.RenderedAt.Add(maxage)
	s.SharedExpires = s.Times.RenderedAt.Add(sMaxage)
}

// Fresh reports whether the snapshot is within its client-visible
// freshness window.
func (s *Snapshot) Fresh(now time.Time) bool {
	return !now.After(s.PrivateExpires)
}

// ServableStale reports whether the snapshot is past privateExpires
// but still acceptable to serve while revalidating in background.
func (s *Snapshot) ServableStale(now time.Time) bool {
	return !now.After(s.SharedExpires)
}
