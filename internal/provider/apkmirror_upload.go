// ABOUTME: APKMirror contribution endpoints: the uploadable check and the APK upload
// ABOUTME: Reply text is mapped to accepted, duplicate or a 24 hour rate limit

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/types"
)

// APKMirrorUploadCooldown is how long the site refuses uploads after its daily quota trips.
const APKMirrorUploadCooldown = 24 * time.Hour

const (
	apkMirrorAnonymous      = "Anonymous"
	apkMirrorQuotaMarker    = "Too many APKs"
	apkMirrorQuotaPeriod    = "24 hours"
	apkMirrorDuplicateReply = "we already have a similar APK"
)

// UploadOutcome is the result of an accepted upload request.
type UploadOutcome int

const (
	// UploadAccepted means the site took the file.
	UploadAccepted UploadOutcome = iota
	// UploadDuplicate means the site already has the same or a similar APK.
	UploadDuplicate
	// UploadRejected means the site answered but refused the file.
	UploadRejected
)

func (o UploadOutcome) String() string {
	switch o {
	case UploadAccepted:
		return "accepted"
	case UploadDuplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// UploadReply is the interpreted upload response.
type UploadReply struct {
	Outcome UploadOutcome
	Message string
}

// CanContribute reports whether an account email is configured.
func (a *APKMirror) CanContribute() bool { return a.email != "" }

func (a *APKMirror) contributeHeaders(withName bool) map[string]string {
	cookie := "usprivacy=1---"
	if withName {
		name := a.name
		if name == "" {
			name = apkMirrorAnonymous
		}
		cookie += "; apkmirror_name=" + url.QueryEscape(name)
	}
	cookie += "; apkmirror_email=" + url.QueryEscape(a.email)
	return map[string]string{
		"Accept":          "*/*",
		"Accept-Language": "en-US,en;q=0.9",
		"Referer":         a.baseURL + "/",
		"Cookie":          cookie,
	}
}

// Uploadable asks whether the site lacks the APK with the given MD5.
// A plain 200 means the file is wanted; any other success status means it is known.
func (a *APKMirror) Uploadable(ctx context.Context, md5 string) (bool, error) {
	resp, err := a.http.get(ctx, "uploadable", a.baseURL+"/wp-json/apkm/v1/apk_uploadable/"+url.PathEscape(md5), a.contributeHeaders(false))
	if err != nil {
		return false, err
	}
	return resp.Status == http.StatusOK, nil
}

// Upload sends the APK at path as a contribution.
// A quota reply comes back as a KindRateLimited error carrying the daily cooldown.
func (a *APKMirror) Upload(ctx context.Context, path string) (UploadReply, error) {
	name := a.name
	if name == "" {
		name = apkMirrorAnonymous
	}
	headers := a.contributeHeaders(true)
	headers["X-Requested-With"] = "XMLHttpRequest"
	headers["Origin"] = a.baseURL

	resp, err := a.http.postFile(ctx, "upload", a.baseURL+"/wp-json/apkm/v1/upload/", headers,
		map[string]string{"fullname": name, "email": a.email}, "file", path, 0)
	if err != nil {
		return UploadReply{}, err
	}
	return interpretUpload(resp)
}

type uploadBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// interpretUpload maps an upload response to a reply or a provider error.
func interpretUpload(resp *response) (UploadReply, error) {
	message := observability.RedactSensitive(strings.TrimSpace(string(resp.Body)))

	switch resp.Status {
	case http.StatusOK:
	case http.StatusConflict:
		return UploadReply{Outcome: UploadDuplicate, Message: message}, nil
	case http.StatusTooManyRequests:
		return UploadReply{}, RateLimited(types.ProviderAPKMirror, "upload", APKMirrorUploadCooldown)
	default:
		return UploadReply{Outcome: UploadRejected, Message: fmt.Sprintf("HTTP %d: %s", resp.Status, message)}, nil
	}

	var body uploadBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		// Non-JSON 200 replies are treated as accepted.
		return UploadReply{Outcome: UploadAccepted, Message: message}, nil
	}

	data := string(body.Data)
	var s string
	if json.Unmarshal(body.Data, &s) == nil {
		data = s
	}
	switch {
	case strings.Contains(data, apkMirrorQuotaMarker) && strings.Contains(data, apkMirrorQuotaPeriod):
		return UploadReply{}, RateLimited(types.ProviderAPKMirror, "upload", APKMirrorUploadCooldown)
	case strings.Contains(data, apkMirrorDuplicateReply):
		return UploadReply{Outcome: UploadDuplicate, Message: data}, nil
	case body.Success:
		return UploadReply{Outcome: UploadAccepted, Message: data}, nil
	default:
		return UploadReply{Outcome: UploadRejected, Message: data}, nil
	}
}
