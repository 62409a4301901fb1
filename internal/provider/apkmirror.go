// ABOUTME: APKMirror search adapter
// ABOUTME: Takes the first search hit; an empty result page is a confirmed not-found

package provider

import (
	"context"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

const (
	apkMirrorBaseURL  = "https://www.apkmirror.com"
	apkMirrorNoResult = "No results found matching your query"
)

// APKMirrorConfig configures the APKMirror adapter.
type APKMirrorConfig struct {
	HTTP HTTPConfig

	// Email identifies the account to the site. Treated as a credential.
	Email string

	// Name is the contributor name sent with uploads. Empty uploads anonymously.
	Name string

	FetchIcons bool
}

// APKMirror fetches search results.
type APKMirror struct {
	http       *httpClient
	baseURL    string
	email      string
	name       string
	fetchIcons bool
}

// NewAPKMirror creates an APKMirror adapter.
func NewAPKMirror(cfg APKMirrorConfig) *APKMirror {
	base := cfg.HTTP.BaseURL
	if base == "" {
		base = apkMirrorBaseURL
	}
	return &APKMirror{
		http:       newHTTPClient(types.ProviderAPKMirror, cfg.HTTP),
		baseURL:    strings.TrimRight(base, "/"),
		email:      cfg.Email,
		name:       cfg.Name,
		fetchIcons: cfg.FetchIcons,
	}
}

// Name returns the provider name.
func (a *APKMirror) Name() string { return types.ProviderAPKMirror }

// FetchAppDetails searches for packageID and parses the first hit.
func (a *APKMirror) FetchAppDetails(ctx context.Context, packageID string) (Result[types.APKMirrorApp], error) {
	u := a.baseURL + "/?post_type=app_release&searchtype=app&sortby=date&sort=desc&s=" + url.QueryEscape(packageID)
	headers := map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
		"Cookie":          "usprivacy=1---",
	}
	if a.email != "" {
		headers["Cookie"] += "; apkmirror_email=" + url.QueryEscape(a.email)
	}

	resp, err := a.http.get(ctx, "search", u, headers)
	if err != nil {
		return Result[types.APKMirrorApp]{}, err
	}

	if strings.Contains(string(resp.Body), apkMirrorNoResult) {
		return Result[types.APKMirrorApp]{}, NotFound(types.ProviderAPKMirror, "search")
	}

	rec, err := ParseAPKMirror(resp.Body, a.baseURL)
	if err != nil {
		return Result[types.APKMirrorApp]{}, Transient(types.ProviderAPKMirror, "parse", err)
	}

	if a.fetchIcons && rec.IconURL != nil {
		if icon, err := a.http.fetchIconBase64(ctx, *rec.IconURL); err == nil {
			rec.IconBase64 = &icon
		}
	}

	return Result[types.APKMirrorApp]{Record: rec, Raw: string(resp.Body)}, nil
}

// ParseAPKMirror extracts the first search hit. baseURL resolves relative icon paths.
func ParseAPKMirror(body []byte, baseURL string) (types.APKMirrorApp, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return types.APKMirrorApp{}, err
	}

	var rec types.APKMirrorApp
	titleRow := find(doc, tagClass(atom.H5, "appRowTitle"))
	rec.Title = text(find(titleRow, func(n *html.Node) bool { return n.DataAtom == atom.A }))
	if rec.Title == "" {
		rec.Title = "Unknown"
	}

	rec.Developer = strings.TrimPrefix(text(find(doc, tagClass(atom.A, "byDeveloper"))), "by ")
	if rec.Developer == "" {
		rec.Developer = "Unknown"
	}

	if src := attr(find(doc, tagClass(atom.Img, "ellipsisText")), "src"); src != "" {
		rec.IconURL = optional(resolveIconURL(src, baseURL))
	}

	for _, name := range findAll(doc, tagClass(atom.Span, "infoSlide-name")) {
		if text(name) != "Version:" {
			continue
		}
		for sib := name.NextSibling; sib != nil; sib = sib.NextSibling {
			if sib.Type == html.ElementNode && hasClass(sib, "infoSlide-value") {
				rec.Version = optional(text(sib))
				break
			}
		}
		break
	}

	return rec, nil
}

// resolveIconURL unwraps the resize proxy and makes the URL absolute.
func resolveIconURL(src, baseURL string) string {
	if strings.Contains(src, "ap_resize.php") {
		if u, err := url.Parse(src); err == nil {
			if inner := u.Query().Get("src"); inner != "" {
				src = inner
			}
		}
	}
	switch {
	case strings.HasPrefix(src, "//"):
		return "https:" + src
	case strings.HasPrefix(src, "/"):
		return baseURL + src
	default:
		return src
	}
}
