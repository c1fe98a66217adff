package firehose

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/psky-social/relay/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 60 * time.Second
	maxFrameBytes           = 4 << 20
)

var errMissingEndpoint = errors.New("firehose: endpoint is required")

// Handler processes one event. The client does not read the next frame until it returns.
type Handler func(ctx context.Context, event Event)

// ClientConfig describes a Jetstream subscription.
type ClientConfig struct {
	Endpoint          string
	WantedCollections []string
	Dialer            *websocket.Dialer
	ReadTimeout       time.Duration
	// NewBackOff builds the reconnect policy. Defaults to an unbounded exponential backoff.
	NewBackOff func() backoff.BackOff
	Logger     *zap.Logger
}

// Client subscribes to the feed, delivering events in order and reconnecting
// from the last observed cursor when the connection drops.
type Client struct {
	endpoint    *url.URL
	collections []string
	dialer      *websocket.Dialer
	readTimeout time.Duration
	newBackOff  func() backoff.BackOff
	logger      *zap.Logger
	cursor      atomic.Int64
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errMissingEndpoint
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse jetstream endpoint: %w", err)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	newBackOff := cfg.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:    endpoint,
		collections: append([]string(nil), cfg.WantedCollections...),
		dialer:      dialer,
		readTimeout: readTimeout,
		newBackOff:  newBackOff,
		logger:      logger,
	}, nil
}

func defaultBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0
	policy.RandomizationFactor = 0.5
	return policy
}

// Cursor returns the time_us of the last event handed to the handler.
func (c *Client) Cursor() int64 {
	return c.cursor.Load()
}

// Run consumes the feed starting at cursor (0 means live tip) until ctx is
// canceled. Transport errors trigger a reconnect; only cancellation ends Run.
func (c *Client) Run(ctx context.Context, cursor int64, handler Handler) error {
	c.cursor.Store(cursor)
	policy := backoff.WithContext(c.newBackOff(), ctx)

	for {
		conn, err := c.connect(ctx, policy)
		if err != nil {
			return err
		}
		policy.Reset()
		err = c.consume(ctx, conn, handler)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.StreamReconnects.Inc()
		c.logger.Warn("jetstream connection lost", zap.Error(err), zap.Int64("cursor", c.Cursor()))
	}
}

func (c *Client) connect(ctx context.Context, policy backoff.BackOffContext) (*websocket.Conn, error) {
	var conn *websocket.Conn
	operation := func() error {
		streamURL := c.StreamURL(c.Cursor())
		dialed, response, err := c.dialer.DialContext(ctx, streamURL, nil)
		if response != nil && response.Body != nil {
			response.Body.Close()
		}
		if err != nil {
			if response != nil {
				return fmt.Errorf("jetstream dial failed (HTTP %d): %w", response.StatusCode, err)
			}
			return fmt.Errorf("jetstream dial: %w", err)
		}
		conn = dialed
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("jetstream connect failed, retrying", zap.Error(err), zap.Duration("next_retry_in", next))
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	c.logger.Info("jetstream connected", zap.String("endpoint", c.endpoint.Redacted()), zap.Int64("cursor", c.Cursor()))
	return conn, nil
}

func (c *Client) consume(ctx context.Context, conn *websocket.Conn, handler Handler) error {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	conn.SetReadLimit(maxFrameBytes)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		event, err := Decode(data)
		if err != nil {
			metrics.EventsProcessed.WithLabelValues("malformed", "", metrics.OutcomeRejected).Inc()
			c.logger.Warn("malformed jetstream event dropped", zap.Error(err), zap.ByteString("payload", data))
			continue
		}
		handler(ctx, event)
		if event.TimeUS > c.cursor.Load() {
			c.cursor.Store(event.TimeUS)
		}
	}
}

// StreamURL builds the subscription URL for the wanted collections, resuming at cursor when positive.
func (c *Client) StreamURL(cursor int64) string {
	streamURL := *c.endpoint
	query := streamURL.Query()
	query.Del("wantedCollections")
	for _, collection := range c.collections {
		query.Add("wantedCollections", collection)
	}
	query.Del("cursor")
	if cursor > 0 {
		query.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	streamURL.RawQuery = query.Encode()
	return streamURL.String()
}
