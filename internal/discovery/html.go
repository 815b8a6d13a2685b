// Package discovery finds downloadable links on HTML pages.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
)

// Candidate is one link worth queueing as a direct download.
type Candidate struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Discoverer turns a fetched page into candidate downloads, in document
// order.
type Discoverer interface {
	Discover(ctx context.Context, pageURL string, body io.Reader) ([]Candidate, error)
}

// Query parameters that only track the visitor and never select content.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
	"ref":          true,
}

var adHosts = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googleadservices.com",
	"google-analytics.com",
	"googletagmanager.com",
}

// linkAttrs maps element names to the attribute holding their link.
var linkAttrs = map[string]string{
	"a":      "href",
	"source": "src",
	"video":  "src",
	"audio":  "src",
}

// HTMLDiscoverer extracts links from a, source, video and audio elements
// and keeps those whose path ends in one of Extensions. An empty Extensions
// keeps every link that does not look like another page.
type HTMLDiscoverer struct {
	Extensions []string
}

func NewHTMLDiscoverer(extensions []string) *HTMLDiscoverer {
	exts := make([]string, 0, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	return &HTMLDiscoverer{Extensions: exts}
}

func (d *HTMLDiscoverer) Discover(ctx context.Context, pageURL string, body io.Reader) ([]Candidate, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	var out []Candidate
	seen := make(map[string]bool)

	z := html.NewTokenizer(body)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return out, fmt.Errorf("parse %s: %w", pageURL, err)
			}
			return out, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			name := strings.ToLower(tok.Data)
			if name == "base" {
				if href := attr(tok, "href"); href != "" {
					if b, err := base.Parse(href); err == nil {
						base = b
					}
				}
				continue
			}
			want, ok := linkAttrs[name]
			if !ok {
				continue
			}
			u, ok := d.normalize(base, attr(tok, want))
			if !ok || seen[u.String()] {
				continue
			}
			seen[u.String()] = true
			out = append(out, Candidate{URL: u.String(), Filename: Filename(u)})
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if strings.EqualFold(a.Key, key) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// normalize resolves ref against base, drops the fragment and tracking
// parameters, and applies the link filters.
func (d *HTMLDiscoverer) normalize(base *url.URL, ref string) (*url.URL, bool) {
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil, false
	}
	u, err := base.Parse(ref)
	if err != nil {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	host := strings.ToLower(u.Hostname())
	for _, ad := range adHosts {
		if host == ad || strings.HasSuffix(host, "."+ad) {
			return nil, false
		}
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if trackingParams[strings.ToLower(k)] {
				q.Del(k)
			}
		}
		u.RawQuery = q.Encode()
	}

	if !d.wanted(u.Path) {
		return nil, false
	}
	return u, true
}

func (d *HTMLDiscoverer) wanted(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	if len(d.Extensions) == 0 {
		switch ext {
		case "", ".html", ".htm", ".php", ".asp", ".aspx", ".jsp", ".cgi":
			return false
		}
		return true
	}
	for _, e := range d.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Filename suggests a local name for u: the unescaped last path element,
// or "download" when the path has none.
func Filename(u *url.URL) string {
	name := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return SafeName(name)
}

// SafeName makes name usable as a single file name inside a download
// directory. Names that would point at the directory itself or its parent
// become "download".
func SafeName(name string) string {
	switch strings.TrimSpace(name) {
	case "", ".", "..", "/":
		return "download"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
}
