// Package sitemap paginates cached snapshots into standards-compliant
// sitemap and robots artifacts. Sitemaps reflect known snapshots
// only; a pass never triggers renders.
package sitemap

import (
	"regexp"
	"strconv"
	"time"
)

// Variant selects the sitemap schema.
type Variant string

const (
	VariantPlain  Variant = "sitemap"
	VariantGoogle Variant = "google"
	VariantNews   Variant = "google-news"
	VariantImage  Variant = "google-image"
	VariantVideo  Variant = "google-video"
)

// Variants lists every sitemap variant, in robots.txt emission order.
var Variants = []Variant{VariantPlain, VariantGoogle, VariantNews, VariantImage, VariantVideo}

const (
	pageSize     = 50000
	newsPageSize = 25000
	newsWindow   = 48 * time.Hour
)

// PageSize returns the per-page URL budget for the variant.
func (v Variant) PageSize() int {
	if v == VariantNews {
		return newsPageSize
	}
	return pageSize
}

// fileStem returns the artifact name prefix for the variant.
func (v Variant) fileStem() string {
	switch v {
	case VariantGoogle:
		return "sitemap.google"
	case VariantNews:
		return "sitemap.google.news"
	case VariantImage:
		return "sitemap.google.image"
	case VariantVideo:
		return "sitemap.google.video"
	default:
		return "sitemap"
	}
}

// Artifact identifies one requested sitemap document.
type Artifact struct {
	Variant Variant
	Index   bool
	Page    int // 1-based
	Robots  bool
}

var nameRe = regexp.MustCompile(`^sitemap(\.google(\.news|\.image|\.video)?)?(\.index)?\.([0-9]+)\.xml$`)

// ParseName parses an artifact file name such as "sitemap.3.xml",
// "sitemap.google.news.index.1.xml" or "robots.txt".
func ParseName(name string) (Artifact, bool) {
	if name == "robots.txt" {
		return Artifact{Robots: true}, true
	}

	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return Artifact{}, false
	}

	variant := VariantPlain
	if m[1] != "" {
		switch m[2] {
		case ".news":
			variant = VariantNews
		case ".image":
			variant = VariantImage
		case ".video":
			variant = VariantVideo
		default:
			variant = VariantGoogle
		}
	}

	page, err := strconv.Atoi(m[4])
	if err != nil || page < 1 {
		return Artifact{}, false
	}

	return Artifact{Variant: variant, Index: m[3] != "", Page: page}, true
}

// Name returns the artifact's file name.
func (a Artifact) Name() string {
	if a.Robots {
		return "robots.txt"
	}
	stem := a.Variant.fileStem()
	if a.Index {
		stem += ".index"
	}
	return stem + "." + strconv.Itoa(a.Page) + ".xml"
}
