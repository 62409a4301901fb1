// ABOUTME: Shared HTTP plumbing for provider adapters
// ABOUTME: Status classification, Retry-After parsing, redaction and tracing spans

package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
)

// Default HTTP settings.
const (
	DefaultUserAgent     = "Mozilla/5.0 (Linux; Android 14) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Mobile Safari/537.36"
	DefaultLookupTimeout = 60 * time.Second
	DefaultRetryAfter    = 60 * time.Second

	// Upload timeouts scale with file size.
	uploadBaseTimeout = 120 * time.Second
	uploadPerMiB      = 30 * time.Second
	uploadMaxTimeout  = 600 * time.Second
	maxResponseBytes  = 16 << 20
	maxIconBytes      = 1 << 20
)

// HTTPConfig configures the HTTP client shared by an adapter.
type HTTPConfig struct {
	// Client overrides the underlying HTTP client (tests inject httptest clients).
	Client *http.Client

	// UserAgent sent with every request. Empty uses DefaultUserAgent.
	UserAgent string

	// Timeout for metadata lookups. Zero uses DefaultLookupTimeout.
	Timeout time.Duration

	// BaseURL overrides the provider endpoint root.
	BaseURL string

	Logger *slog.Logger
}

type httpClient struct {
	provider  string
	client    *http.Client
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger

	// retryAfter is used when a 429 carries no usable Retry-After header.
	retryAfter time.Duration
}

func newHTTPClient(provider string, cfg HTTPConfig) *httpClient {
	c := &httpClient{
		provider:  provider,
		client:    cfg.Client,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,

		retryAfter: DefaultRetryAfter,
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.timeout == 0 {
		c.timeout = DefaultLookupTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("provider", provider))
	return c
}

// response is a fully read HTTP response.
type response struct {
	Status int
	Header http.Header
	Body   []byte
}

// do sends req with a per-request timeout and reads the body.
// Transport failures come back as KindTransient errors with credentials redacted.
func (c *httpClient) do(ctx context.Context, op string, req *http.Request, timeout time.Duration) (*response, error) {
	ctx, span := observability.StartSpan(ctx, "provider."+c.provider+"."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", c.provider),
		attribute.String("http.method", req.Method),
	)

	if timeout == 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req = req.WithContext(ctx)

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "request failed")
		return nil, Transient(c.provider, op, errors.New(observability.RedactSensitive(err.Error())))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		span.SetStatus(codes.Error, "read failed")
		return nil, Transient(c.provider, op, fmt.Errorf("reading response: %w", err))
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("provider request",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		slog.Duration("duration", time.Since(start)),
	)

	return &response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// get issues a GET and classifies non-2xx statuses.
func (c *httpClient) get(ctx context.Context, op, url string, headers map[string]string) (*response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, Transient(c.provider, op, fmt.Errorf("building request: %w", err))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.do(ctx, op, req, 0)
	if err != nil {
		return nil, err
	}
	if err := c.classify(op, resp, c.retryAfter); err != nil {
		return nil, err
	}
	return resp, nil
}

// classify maps an HTTP status to a provider error. 2xx returns nil.
func (c *httpClient) classify(op string, resp *response, defaultRetry time.Duration) error {
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return nil
	case resp.Status == http.StatusNotFound:
		return NotFound(c.provider, op)
	case resp.Status == http.StatusTooManyRequests:
		return RateLimited(c.provider, op, ParseRetryAfter(resp.Header.Get("Retry-After"), defaultRetry))
	default:
		snippet := string(resp.Body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return Transient(c.provider, op, fmt.Errorf("unexpected status %d: %s",
			resp.Status, observability.RedactSensitive(strings.TrimSpace(snippet))))
	}
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an HTTP date.
// Missing or malformed values yield def.
func ParseRetryAfter(value string, def time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return def
}

// UploadTimeout scales the upload deadline with file size.
func UploadTimeout(size int64) time.Duration {
	mib := size / (1 << 20)
	d := uploadBaseTimeout + time.Duration(mib)*uploadPerMiB
	if d > uploadMaxTimeout {
		return uploadMaxTimeout
	}
	return d
}

// fetchIconBase64 downloads a small image and returns it base64 encoded.
func (c *httpClient) fetchIconBase64(ctx context.Context, url string) (string, error) {
	resp, err := c.get(ctx, "icon", url, nil)
	if err != nil {
		return "", err
	}
	if len(resp.Body) == 0 || len(resp.Body) > maxIconBytes {
		return "", Transient(c.provider, "icon", fmt.Errorf("icon size %d out of range", len(resp.Body)))
	}
	return base64.StdEncoding.EncodeToString(resp.Body), nil
}

// upload streams path as a multipart form to url with extra form fields and
// classifies the reply. The deadline scales with the file size.
func (c *httpClient) upload(ctx context.Context, op, url string, headers, fields map[string]string, fileField, path string, maxSize int64) (*response, error) {
	resp, err := c.postFile(ctx, op, url, headers, fields, fileField, path, maxSize)
	if err != nil {
		return nil, err
	}
	if err := c.classify(op, resp, c.retryAfter); err != nil {
		return nil, err
	}
	return resp, nil
}

// postFile is upload without status classification.
func (c *httpClient) postFile(ctx context.Context, op, url string, headers, fields map[string]string, fileField, path string, maxSize int64) (*response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Transient(c.provider, op, fmt.Errorf("opening upload: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, Transient(c.provider, op, fmt.Errorf("stat upload: %w", err))
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, Transient(c.provider, op, fmt.Errorf("file too large: %d bytes exceeds %d", info.Size(), maxSize))
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile(fileField, filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequest(http.MethodPost, url, pr)
	if err != nil {
		pr.Close()
		return nil, Transient(c.provider, op, fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.do(ctx, op, req, UploadTimeout(info.Size()))
	pr.Close()
	return resp, err
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	return info.Size(), nil
}
