package sitemap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/kasha/gateway/internal/snapshot"
)

const (
	xmlnsSitemap = "http://www.sitemaps.org/schemas/sitemap/0.9"
	xmlnsNews    = "http://www.google.com/schemas/sitemap-news/0.9"
	xmlnsImage   = "http://www.google.com/schemas/sitemap-image/1.1"
	xmlnsVideo   = "http://www.google.com/schemas/sitemap-video/1.1"
)

type newsPublication struct {
	Name     string `xml:"news:name"`
	Language string `xml:"news:language"`
}

type newsEntry struct {
	Publication     newsPublication `xml:"news:publication"`
	PublicationDate string          `xml:"news:publication_date"`
	Title           string          `xml:"news:title"`
}

type imageEntry struct {
	Loc string `xml:"image:loc"`
}

type videoEntry struct {
	Title        string `xml:"video:title"`
	Description  string `xml:"video:description,omitempty"`
	ThumbnailLoc string `xml:"video:thumbnail_loc,omitempty"`
	ContentLoc   string `xml:"video:content_loc,omitempty"`
}

type urlEntry struct {
	Loc     string       `xml:"loc"`
	LastMod string       `xml:"lastmod,omitempty"`
	News    *newsEntry   `xml:"news:news,omitempty"`
	Images  []imageEntry `xml:"image:image,omitempty"`
	Videos  []videoEntry `xml:"video:video,omitempty"`
}

type urlset struct {
	XMLName    xml.Name   `xml:"urlset"`
	Xmlns      string     `xml:"xmlns,attr"`
	XmlnsNews  string     `xml:"xmlns:news,attr,omitempty"`
	XmlnsImage string     `xml:"xmlns:image,attr,omitempty"`
	XmlnsVideo string     `xml:"xmlns:video,attr,omitempty"`
	URLs       []urlEntry `xml:"url"`
}

type indexEntry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Xmlns    string       `xml:"xmlns,attr"`
	Sitemaps []indexEntry `xml:"sitemap"`
}

func w3cTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z07:00")
}

// urlEntryFor builds the variant-specific entry for one snapshot.
func urlEntryFor(v Variant, site string, s *snapshot.Snapshot) urlEntry {
	e := urlEntry{Loc: site + s.Key.Path}
	if v != VariantPlain {
		e.LastMod = w3cTime(s.Times.UpdatedAt)
	}

	switch v {
	case VariantNews:
		lang := s.Meta.Locale
		if lang == "" {
			lang = "en"
		}
		e.News = &newsEntry{
			Publication:     newsPublication{Name: hostOnly(site), Language: lang},
			PublicationDate: w3cTime(s.Meta.PublishedAt),
			Title:           s.Meta.Title,
		}
	case VariantImage:
		for _, img := range s.Meta.Images {
			e.Images = append(e.Images, imageEntry{Loc: img})
		}
	case VariantVideo:
		for _, v := range s.Meta.Videos {
			e.Videos = append(e.Videos, videoEntry{
				Title:        v.Title,
				Description:  v.Description,
				ThumbnailLoc: v.ThumbnailURL,
				ContentLoc:   v.ContentURL,
			})
		}
	}
	return e
}

// renderURLSet serializes one sitemap page.
func renderURLSet(v Variant, entries []urlEntry) ([]byte, error) {
	set := urlset{Xmlns: xmlnsSitemap, URLs: entries}
	switch v {
	case VariantNews:
		set.XmlnsNews = xmlnsNews
	case VariantImage:
		set.XmlnsImage = xmlnsImage
	case VariantVideo:
		set.XmlnsVideo = xmlnsVideo
	}
	return marshalDoc(set)
}

// renderIndexRange serializes a sitemapindex referencing pages
// from..to of the variant under baseURL.
func renderIndexRange(v Variant, baseURL string, from, to int, lastMod time.Time) ([]byte, error) {
	idx := sitemapIndex{Xmlns: xmlnsSitemap}
	for p := from; p <= to; p++ {
		idx.Sitemaps = append(idx.Sitemaps, indexEntry{
			Loc:     fmt.Sprintf("%s/%s", baseURL, Artifact{Variant: v, Page: p}.Name()),
			LastMod: w3cTime(lastMod),
		})
	}
	return marshalDoc(idx)
}

func marshalDoc(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
