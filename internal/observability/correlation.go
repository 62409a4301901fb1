// ABOUTME: Request ids carried through contexts, HTTP headers and NATS replies
// ABOUTME: Every enqueue and status request is tagged so logs can be joined

package observability

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries request ids over HTTP and NATS headers.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// NewRequestID returns a random request id.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID attaches id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id in ctx, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// EnsureRequestID returns id when it is a valid UUID, otherwise a new one.
func EnsureRequestID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return NewRequestID()
}

// RequestIDMiddleware tags each request with an id from the header or a new one,
// and echoes it back in the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := EnsureRequestID(r.Header.Get(RequestIDHeader))
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}
