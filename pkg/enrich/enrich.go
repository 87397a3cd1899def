// Package enrich extracts best-effort brand hints from a public website:
// title, description, a logo candidate, a bounded color palette and font
// families. Extraction failures degrade to empty results, never errors that
// matter to callers.
package enrich

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	fetchTimeout = 10 * time.Second
	maxBodyBytes = 2 << 20
	maxColors    = 10
	maxFonts     = 8
)

// Enrichment is the extracted brand material. Every field may be empty.
type Enrichment struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	LogoURL     string   `json:"logo_url,omitempty"`
	Colors      []string `json:"colors,omitempty"`
	Fonts       []string `json:"fonts,omitempty"`
}

// Empty reports whether nothing was extracted.
func (e *Enrichment) Empty() bool {
	return e.Title == "" && e.Description == "" && e.LogoURL == "" &&
		len(e.Colors) == 0 && len(e.Fonts) == 0
}

// Scraper fetches and parses websites for onboarding enrichment.
type Scraper struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewScraper builds a scraper. httpClient may be nil for the default with a
// 10 s timeout.
func NewScraper(httpClient *http.Client, logger *slog.Logger) *Scraper {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{httpClient: httpClient, logger: logger.With("component", "enrich")}
}

// Scrape fetches siteURL and extracts brand hints. The returned Enrichment
// is never nil; on any failure it is simply emptier.
func (s *Scraper) Scrape(ctx context.Context, siteURL string) *Enrichment {
	out := &Enrichment{}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, siteURL, nil)
	if err != nil {
		s.logger.DebugContext(ctx, "Enrichment skipped", "url", siteURL, "error", err)
		return out
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.DebugContext(ctx, "Enrichment fetch failed", "url", siteURL, "error", err)
		return out
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.DebugContext(ctx, "Enrichment fetch non-2xx",
			"url", siteURL, "status_code", resp.StatusCode)
		return out
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		s.logger.DebugContext(ctx, "Enrichment parse failed", "url", siteURL, "error", err)
		return out
	}

	var styleText strings.Builder
	s.walk(doc, siteURL, out, &styleText)
	out.Colors = extractColors(styleText.String())
	out.Fonts = extractFonts(styleText.String())
	return out
}

func (s *Scraper) walk(n *html.Node, baseURL string, out *Enrichment, styles *strings.Builder) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "title":
			if out.Title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				out.Title = strings.TrimSpace(n.FirstChild.Data)
			}
		case "meta":
			name := strings.ToLower(attr(n, "name"))
			property := strings.ToLower(attr(n, "property"))
			if out.Description == "" && (name == "description" || property == "og:description") {
				out.Description = strings.TrimSpace(attr(n, "content"))
			}
		case "link":
			rel := strings.ToLower(attr(n, "rel"))
			if out.LogoURL == "" && strings.Contains(rel, "icon") {
				out.LogoURL = resolveURL(baseURL, attr(n, "href"))
			}
		case "img":
			if out.LogoURL == "" && looksLikeLogo(n) {
				out.LogoURL = resolveURL(baseURL, attr(n, "src"))
			}
		case "style":
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				styles.WriteString(n.FirstChild.Data)
				styles.WriteString("\n")
			}
		}
		if inline := attr(n, "style"); inline != "" {
			styles.WriteString(inline)
			styles.WriteString("\n")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		s.walk(c, baseURL, out, styles)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func looksLikeLogo(n *html.Node) bool {
	needle := "logo"
	return strings.Contains(strings.ToLower(attr(n, "class")), needle) ||
		strings.Contains(strings.ToLower(attr(n, "id")), needle) ||
		strings.Contains(strings.ToLower(attr(n, "alt")), needle) ||
		strings.Contains(strings.ToLower(attr(n, "src")), needle)
}

func resolveURL(baseURL, ref string) string {
	if ref == "" {
		return ""
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	resolved, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return resolved.String()
}

var (
	hexColorRe = regexp.MustCompile(`#(?:[0-9a-fA-F]{3}){1,2}\b`)
	rgbColorRe = regexp.MustCompile(`rgba?\([^)]*\)`)
	fontRe     = regexp.MustCompile(`font-family\s*:\s*([^;}]+)`)
)

// extractColors returns up to 10 distinct color tokens in first-seen order.
func extractColors(css string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(token string) {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" || seen[token] || len(out) >= maxColors {
			return
		}
		seen[token] = true
		out = append(out, token)
	}
	for _, m := range hexColorRe.FindAllString(css, -1) {
		add(m)
	}
	for _, m := range rgbColorRe.FindAllString(css, -1) {
		add(m)
	}
	return out
}

// extractFonts returns deduped font-family names, generic families dropped.
func extractFonts(css string) []string {
	generic := map[string]bool{
		"serif": true, "sans-serif": true, "monospace": true,
		"cursive": true, "fantasy": true, "system-ui": true, "inherit": true,
	}
	var out []string
	seen := map[string]bool{}
	for _, m := range fontRe.FindAllStringSubmatch(css, -1) {
		for _, raw := range strings.Split(m[1], ",") {
			name := strings.Trim(strings.TrimSpace(raw), `'"`)
			key := strings.ToLower(name)
			if name == "" || generic[key] || seen[key] || len(out) >= maxFonts {
				continue
			}
			seen[key] = true
			out = append(out, name)
		}
	}
	return out
}

// GuidelinesPatch converts an enrichment into guideline fields, used as the
// base layer under caller-provided guidelines.
func (e *Enrichment) GuidelinesPatch() map[string]any {
	patch := map[string]any{}
	if e.Title != "" {
		patch["site_title"] = e.Title
	}
	if e.Description != "" {
		patch["description"] = e.Description
	}
	if e.LogoURL != "" {
		patch["logo_candidate"] = e.LogoURL
	}
	if len(e.Colors) > 0 {
		patch["colors"] = e.Colors
	}
	if len(e.Fonts) > 0 {
		patch["fonts"] = e.Fonts
	}
	if len(patch) == 0 {
		return nil
	}
	return patch
}
