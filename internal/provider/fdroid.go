// ABOUTME: F-Droid catalog adapter
// ABOUTME: Parses the package page for name, author, version, license and description

package provider

import (
	"context"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

const fdroidBaseURL = "https://f-droid.org"

var (
	fdroidISODate   = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)
	fdroidAddedDate = regexp.MustCompile(`Added on ([A-Z][a-z]{2} \d{1,2}, \d{4})`)
)

// FDroidConfig configures the F-Droid adapter.
type FDroidConfig struct {
	HTTP       HTTPConfig
	FetchIcons bool
}

// FDroid fetches catalog entries.
type FDroid struct {
	http       *httpClient
	baseURL    string
	fetchIcons bool
}

// NewFDroid creates an F-Droid adapter.
func NewFDroid(cfg FDroidConfig) *FDroid {
	base := cfg.HTTP.BaseURL
	if base == "" {
		base = fdroidBaseURL
	}
	return &FDroid{
		http:       newHTTPClient(types.ProviderFDroid, cfg.HTTP),
		baseURL:    strings.TrimRight(base, "/"),
		fetchIcons: cfg.FetchIcons,
	}
}

// Name returns the provider name.
func (f *FDroid) Name() string { return types.ProviderFDroid }

// FetchAppDetails fetches the catalog page for packageID.
func (f *FDroid) FetchAppDetails(ctx context.Context, packageID string) (Result[types.FDroidApp], error) {
	resp, err := f.http.get(ctx, "details", f.baseURL+"/en/packages/"+packageID+"/", nil)
	if err != nil {
		return Result[types.FDroidApp]{}, err
	}

	rec, iconURL, err := ParseFDroid(resp.Body)
	if err != nil {
		return Result[types.FDroidApp]{}, Transient(types.ProviderFDroid, "parse", err)
	}

	if f.fetchIcons && iconURL != "" {
		if icon, err := f.http.fetchIconBase64(ctx, iconURL); err == nil {
			rec.IconBase64 = &icon
		}
	}

	return Result[types.FDroidApp]{Record: rec, Raw: string(resp.Body)}, nil
}

// ParseFDroid extracts catalog fields and the icon URL from a package page.
func ParseFDroid(body []byte) (types.FDroidApp, string, error) {
	doc, err := parseHTML(body)
	if err != nil {
		return types.FDroidApp{}, "", err
	}

	var rec types.FDroidApp
	rec.Title = text(find(doc, tagClass(atom.H3, "package-name")))
	if rec.Title == "" {
		rec.Title = "Unknown"
	}

	rec.Developer = text(find(find(doc, tagID(atom.Li, "author")), func(n *html.Node) bool { return n.DataAtom == atom.A }))
	if rec.Developer == "" {
		rec.Developer = "Unknown"
	}

	version := find(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.B && strings.HasPrefix(text(n), "Version ")
	})
	rec.Version = optional(strings.TrimPrefix(text(version), "Version "))

	rec.Description = optional(text(find(doc, tagClass(atom.Div, "package-description"))))
	rec.License = optional(text(find(find(doc, tagID(atom.Li, "license")), func(n *html.Node) bool { return n.DataAtom == atom.A })))

	page := string(body)
	if m := fdroidISODate.FindStringSubmatch(page); m != nil {
		if t, err := time.Parse("2006-01-02", m[1]); err == nil {
			ts := t.Unix()
			rec.Updated = &ts
		}
	} else if m := fdroidAddedDate.FindStringSubmatch(page); m != nil {
		if t, err := time.Parse("Jan 2, 2006", m[1]); err == nil {
			ts := t.Unix()
			rec.Updated = &ts
		}
	}

	iconURL := attr(find(doc, tagClass(atom.Img, "package-icon")), "src")
	return rec, iconURL, nil
}
