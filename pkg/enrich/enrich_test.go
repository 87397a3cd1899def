package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
<title>Acme Rockets</title>
<meta name="description" content="Rockets for discerning coyotes">
<link rel="icon" href="/favicon.ico">
<style>
body { color: #102030; background: #ffffff; font-family: "Inter", Helvetica, sans-serif; }
h1 { color: rgb(16, 32, 48); }
.accent { color: #102030; }
</style>
</head>
<body>
<img src="/assets/acme-logo.png" alt="Acme logo">
<div style="color: #aabbcc; font-family: Georgia, serif">hi</div>
</body>
</html>`

func serve(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestScrape(t *testing.T) {
	ctx := context.Background()

	t.Run("extracts title, description, logo, colors and fonts", func(t *testing.T) {
		server := serve(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(samplePage))
		})

		e := NewScraper(server.Client(), nil).Scrape(ctx, server.URL)
		assert.Equal(t, "Acme Rockets", e.Title)
		assert.Equal(t, "Rockets for discerning coyotes", e.Description)
		assert.Equal(t, server.URL+"/favicon.ico", e.LogoURL)

		assert.Contains(t, e.Colors, "#102030")
		assert.Contains(t, e.Colors, "#aabbcc")
		assert.Contains(t, e.Colors, "rgb(16, 32, 48)")
		assert.Len(t, e.Colors, 4, "duplicates collapse")

		assert.Equal(t, []string{"Inter", "Helvetica", "Georgia"}, e.Fonts,
			"generic families dropped, order preserved")
	})

	t.Run("img logo is the fallback when no icon link exists", func(t *testing.T) {
		server := serve(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html><body><img src="/brand-logo.svg" class="logo"></body></html>`))
		})

		e := NewScraper(server.Client(), nil).Scrape(ctx, server.URL)
		assert.Equal(t, server.URL+"/brand-logo.svg", e.LogoURL)
	})

	t.Run("fetch failure degrades to empty enrichment", func(t *testing.T) {
		server := serve(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		e := NewScraper(server.Client(), nil).Scrape(ctx, server.URL)
		assert.True(t, e.Empty())
		assert.Nil(t, e.GuidelinesPatch())
	})

	t.Run("unreachable host degrades to empty enrichment", func(t *testing.T) {
		e := NewScraper(nil, nil).Scrape(ctx, "http://127.0.0.1:1")
		assert.True(t, e.Empty())
	})

	t.Run("color palette is capped", func(t *testing.T) {
		css := "<style>"
		for _, c := range []string{"#111111", "#222222", "#333333", "#444444", "#555555",
			"#666666", "#777777", "#888888", "#999999", "#aaaaaa", "#bbbbbb", "#cccccc"} {
			css += ".x{color:" + c + "}"
		}
		css += "</style>"
		server := serve(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html><head>" + css + "</head></html>"))
		})

		e := NewScraper(server.Client(), nil).Scrape(ctx, server.URL)
		assert.Len(t, e.Colors, 10)
	})
}

func TestGuidelinesPatch(t *testing.T) {
	e := &Enrichment{Title: "Acme", Colors: []string{"#111111"}}
	patch := e.GuidelinesPatch()
	assert.Equal(t, "Acme", patch["site_title"])
	assert.Equal(t, []string{"#111111"}, patch["colors"])
	assert.NotContains(t, patch, "description")
}
