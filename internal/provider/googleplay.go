// ABOUTME: Google Play store listing adapter
// ABOUTME: Fetches the details page and extracts title, developer, icon and rating

package provider

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

const googlePlayBaseURL = "https://play.google.com"

var ratingPattern = regexp.MustCompile(`Rated ([0-9]+(?:\.[0-9]+)?) stars`)

// GooglePlayConfig configures the Google Play adapter.
type GooglePlayConfig struct {
	HTTP HTTPConfig

	// FetchIcons downloads the listing icon and stores it base64 encoded.
	FetchIcons bool
}

// GooglePlay fetches store listings.
type GooglePlay struct {
	http       *httpClient
	baseURL    string
	fetchIcons bool
}

// NewGooglePlay creates a Google Play adapter.
func NewGooglePlay(cfg GooglePlayConfig) *GooglePlay {
	base := cfg.HTTP.BaseURL
	if base == "" {
		base = googlePlayBaseURL
	}
	return &GooglePlay{
		http:       newHTTPClient(types.ProviderGooglePlay, cfg.HTTP),
		baseURL:    strings.TrimRight(base, "/"),
		fetchIcons: cfg.FetchIcons,
	}
}

// Name returns the provider name.
func (g *GooglePlay) Name() string { return types.ProviderGooglePlay }

// FetchAppDetails fetches the listing for packageID. A 404 is KindNotFound.
func (g *GooglePlay) FetchAppDetails(ctx context.Context, packageID string) (Result[types.GooglePlayApp], error) {
	u := g.baseURL + "/store/apps/details?hl=en&id=" + url.QueryEscape(packageID)
	resp, err := g.http.get(ctx, "details", u, map[string]string{
		"Accept-Language": "en-US,en;q=0.9",
	})
	if err != nil {
		return Result[types.GooglePlayApp]{}, err
	}

	rec, err := ParseGooglePlay(resp.Body)
	if err != nil {
		return Result[types.GooglePlayApp]{}, Transient(types.ProviderGooglePlay, "parse", err)
	}

	if g.fetchIcons && rec.IconURL != nil {
		if icon, err := g.http.fetchIconBase64(ctx, *rec.IconURL); err == nil {
			rec.IconBase64 = &icon
		}
	}

	return Result[types.GooglePlayApp]{Record: rec, Raw: string(resp.Body)}, nil
}

// ParseGooglePlay extracts listing fields from a details page.
func ParseGooglePlay(body []byte) (types.GooglePlayApp, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return types.GooglePlayApp{}, err
	}

	var rec types.GooglePlayApp
	rec.Title = strings.TrimSuffix(metaContent(doc, "og:title"), " - Apps on Google Play")
	if rec.Title == "" {
		rec.Title = text(find(doc, func(n *html.Node) bool { return n.DataAtom == atom.H1 }))
	}
	if rec.Title == "" {
		rec.Title = "Unknown"
	}

	dev := find(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.A && strings.Contains(attr(n, "href"), "/store/apps/dev")
	})
	rec.Developer = text(dev)
	if rec.Developer == "" {
		rec.Developer = "Unknown"
	}

	rec.IconURL = optional(metaContent(doc, "og:image"))

	rating := find(doc, func(n *html.Node) bool {
		return ratingPattern.MatchString(attr(n, "aria-label"))
	})
	if m := ratingPattern.FindStringSubmatch(attr(rating, "aria-label")); m != nil {
		if score, err := strconv.ParseFloat(m[1], 64); err == nil {
			rec.Score = &score
		}
	}

	return rec, nil
}
