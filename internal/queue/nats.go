// ABOUTME: NATS client wrapper for the control surface subscriptions
// ABOUTME: Handles connection, a queue-group wildcard subscription, replies and drain

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/hikmaai-io/hikmaai-pkgmeta/internal/observability"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// NATS server URL.
	URL string

	// Subject prefix; the client subscribes to <prefix>.>.
	Prefix string

	// Queue group name for load balancing.
	QueueGroup string

	// Connection name for identification.
	Name string

	// Reconnect settings.
	MaxReconnects int
	ReconnectWait time.Duration

	// Request timeout for outgoing calls.
	Timeout time.Duration
}

// DefaultNATSConfig returns a configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Prefix:        "pkgmeta",
		QueueGroup:    "pkgmeta-workers",
		Name:          "pkgmeta",
		MaxReconnects: -1, // Unlimited.
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Subject joins the prefix and parts into a subject.
func (c NATSConfig) Subject(parts ...string) string {
	s := c.Prefix
	for _, p := range parts {
		s += "." + p
	}
	return s
}

// Client wraps the NATS connection and subscription.
type Client struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	handler *Handler
	config  NATSConfig
	logger  *slog.Logger
}

// NewClient creates a new NATS client. handler may be nil for a client
// that only sends requests.
func NewClient(cfg NATSConfig, handler *Handler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNATSConfig().Timeout
	}

	return &Client{
		handler: handler,
		config:  cfg,
		logger:  logger.With(slog.String("component", "nats")),
	}
}

// Connect establishes the NATS connection.
func (c *Client) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(c.config.Name),
		nats.MaxReconnects(c.config.MaxReconnects),
		nats.ReconnectWait(c.config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS error",
				slog.Any("error", err),
				slog.String("subject", subject),
			)
		}),
	}

	conn, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	c.conn = conn
	c.logger.InfoContext(ctx, "connected to NATS",
		slog.String("url", conn.ConnectedUrl()),
		slog.String("server_id", conn.ConnectedServerId()),
	)

	return nil
}

// Subscribe starts answering control requests under the prefix.
func (c *Client) Subscribe(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("not connected to NATS")
	}
	if c.handler == nil {
		return fmt.Errorf("no handler configured")
	}

	subject := c.config.Subject(">")
	sub, err := c.conn.QueueSubscribe(subject, c.config.QueueGroup, func(msg *nats.Msg) {
		c.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.sub = sub
	c.logger.InfoContext(ctx, "subscribed to NATS",
		slog.String("subject", subject),
		slog.String("queue", c.config.QueueGroup),
	)

	return nil
}

// Serve connects, subscribes and blocks until ctx is done, then drains.
func (c *Client) Serve(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.Subscribe(ctx); err != nil {
		_ = c.Close()
		return err
	}
	<-ctx.Done()
	return c.Close()
}

// handleMessage processes an incoming NATS message.
func (c *Client) handleMessage(ctx context.Context, msg *nats.Msg) {
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
	}
	ctx, span := observability.StartSpan(ctx, "nats.handle_message",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("messaging.destination", msg.Subject)),
	)
	defer span.End()

	start := time.Now()
	resp := c.handler.Handle(ctx, msg.Subject, msg.Data)
	span.SetAttributes(attribute.String("pkgmeta.status", resp.Status))

	// Send reply if requested.
	if msg.Reply != "" {
		respData, err := json.Marshal(resp)
		if err != nil {
			c.logger.Error("failed to marshal response",
				slog.Any("error", err),
				slog.String("request_id", resp.RequestID),
			)
			return
		}

		reply := nats.NewMsg(msg.Reply)
		reply.Data = respData
		reply.Header.Set(observability.RequestIDHeader, resp.RequestID)
		if err := msg.RespondMsg(reply); err != nil {
			c.logger.Error("failed to send reply",
				slog.Any("error", err),
				slog.String("request_id", resp.RequestID),
			)
			return
		}
	}

	logger := observability.WithTrace(observability.WithRequestID(ctx, resp.RequestID), c.logger)
	attrs := []any{
		slog.String("subject", msg.Subject),
		slog.String("status", resp.Status),
		slog.Duration("duration", time.Since(start)),
	}
	if resp.Error != "" {
		logger.Warn("control request failed", append(attrs, slog.String("error", resp.Error))...)
		return
	}
	logger.Debug("processed control request", attrs...)
}

// Request sends req to subject and decodes the reply.
func (c *Client) Request(ctx context.Context, subject string, req Request) (Response, error) {
	if c.conn == nil {
		return Response{}, fmt.Errorf("not connected to NATS")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return Response{}, fmt.Errorf("request %s: %w", subject, err)
	}

	var resp Response
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return Response{}, fmt.Errorf("decoding reply from %s: %w", subject, err)
	}
	return resp, nil
}

// Close drains the subscription and closes the connection.
func (c *Client) Close() error {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn("failed to drain subscription", slog.Any("error", err))
		}
		c.sub = nil
	}

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	return nil
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
