// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/metrics"
)

// Config configures the websocket transport.
type Config struct {
	// URL is the backend streaming endpoint (ws:// or wss://).
	URL string `koanf:"url" validate:"required,wsurl"`

	// AuthToken is appended to the dial URL as the "auth" query parameter.
	AuthToken string `koanf:"auth_token"`

	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`

	// PongWait is the read deadline; any inbound frame extends it.
	PongWait time.Duration `koanf:"pong_wait"`

	// PingPeriod is the keep-alive interval. Must be below PongWait.
	PingPeriod time.Duration `koanf:"ping_period"`

	MaxMessageSize int64 `koanf:"max_message_size"`

	// EventBuffer is the capacity of each connection's event channel.
	EventBuffer int `koanf:"event_buffer"`

	// SendRate limits outbound operations per second. Zero disables pacing.
	SendRate  float64 `koanf:"send_rate"`
	SendBurst int     `koanf:"send_burst"`

	Breaker BreakerConfig `koanf:"breaker"`
}

// DefaultConfig returns transport defaults. URL must still be set.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		PingPeriod:       30 * time.Second,
		MaxMessageSize:   16 * 1024 * 1024,
		EventBuffer:      256,
		SendRate:         100,
		SendBurst:        50,
		Breaker:          DefaultBreakerConfig(),
	}
}

// outFrame is an outbound frame.
type outFrame struct {
	Type  string            `json:"t"`
	ID    string            `json:"id,omitempty"`
	Path  string            `json:"path,omitempty"`
	Rev   string            `json:"rev,omitempty"`
	Query map[string]string `json:"query,omitempty"`
	Data  json.RawMessage   `json:"data,omitempty"`
}

// inFrame is an inbound frame envelope.
type inFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Rev   string          `json:"rev,omitempty"`
	ID    string          `json:"id,omitempty"`
	Error string          `json:"error,omitempty"`
}

// WebSocketDialer opens connections to the backend over gorilla/websocket.
// Every Open dials a fresh socket and sends one listen frame for the
// requested path.
type WebSocketDialer struct {
	cfg     Config
	dialer  websocket.Dialer
	breaker *dialBreaker
	logger  zerolog.Logger
}

// NewWebSocketDialer validates the endpoint and returns a dialer.
func NewWebSocketDialer(cfg Config) (*WebSocketDialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid backend URL scheme %q: want ws or wss", u.Scheme)
	}

	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Breaker.MaxRequests == 0 {
		cfg.Breaker = def.Breaker
	}

	return &WebSocketDialer{
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout:  cfg.HandshakeTimeout,
			EnableCompression: true,
		},
		breaker: newDialBreaker("backend-dial", cfg.Breaker),
		logger:  logging.WithComponent("wire"),
	}, nil
}

// BreakerState returns the dial circuit breaker state: closed, half-open or open.
func (d *WebSocketDialer) BreakerState() string {
	return d.breaker.State()
}

// dialURL returns the endpoint with the auth token attached.
func (d *WebSocketDialer) dialURL() string {
	if d.cfg.AuthToken == "" {
		return d.cfg.URL
	}
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return d.cfg.URL
	}
	q := u.Query()
	q.Set("auth", d.cfg.AuthToken)
	u.RawQuery = q.Encode()
	return u.String()
}

// Open implements Dialer.
func (d *WebSocketDialer) Open(ctx context.Context, req OpenRequest) (Conn, error) {
	target := d.dialURL()
	d.logger.Debug().Str("url", logging.SanitizeURL(target)).Str("path", req.Path.String()).Msg("Dialing backend")

	ws, err := d.breaker.execute(func() (*websocket.Conn, error) {
		ws, resp, err := d.dialer.DialContext(ctx, target, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return ws, err
	})
	if err != nil {
		metrics.WSErrors.WithLabelValues("dial").Inc()
		return nil, fmt.Errorf("dial %s: %w", logging.SanitizeURL(target), err)
	}

	var limiter *rate.Limiter
	if d.cfg.SendRate > 0 {
		burst := d.cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(d.cfg.SendRate), burst)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	c := &wsConn{
		ws:      ws,
		cfg:     d.cfg,
		limiter: limiter,
		events:  make(chan RawEvent, d.cfg.EventBuffer),
		acks:    newAckTable(),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		logger:  d.logger.With().Str("path", req.Path.String()).Logger(),
	}

	listen := outFrame{Type: "listen", Path: req.Path.String(), Rev: req.Token, Query: req.Query}
	if err := c.writeFrame(&listen); err != nil {
		_ = ws.Close()
		metrics.WSErrors.WithLabelValues("listen").Inc()
		return nil, fmt.Errorf("send listen frame: %w", err)
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	c.logger.Info().Bool("delta", req.Token != "").Msg("Connected to backend")
	return c, nil
}

// wsConn is one websocket-backed Conn.
type wsConn struct {
	ws      *websocket.Conn
	cfg     Config
	limiter *rate.Limiter
	events  chan RawEvent
	acks    *ackTable
	writeMu sync.Mutex

	// closed is closed by Close; done is closed when the reader exits.
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	logger zerolog.Logger
}

func (c *wsConn) Events() <-chan RawEvent { return c.events }

func (c *wsConn) Send(ctx context.Context, op Operation) (*Ack, error) {
	select {
	case <-c.done:
		return nil, ErrDisconnected
	default:
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	ack := NewAck(op.ID)
	if !c.acks.add(ack) {
		return nil, ErrDisconnected
	}

	frame := outFrame{Type: string(op.Kind), ID: op.ID, Path: op.Path.String(), Data: op.Data}
	if err := c.writeFrame(&frame); err != nil {
		c.acks.remove(op.ID)
		// The reader notices the dead socket and emits the marker.
		_ = c.ws.Close()
		return nil, fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return ack, nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
		c.wg.Wait()
	})
	return nil
}

func (c *wsConn) writeFrame(f *outFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		metrics.WSErrors.WithLabelValues("write").Inc()
		return err
	}
	metrics.WSFramesSent.WithLabelValues(f.Type).Inc()
	return nil
}

func (c *wsConn) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	err := c.readFrames()
	_ = c.ws.Close()
	close(c.done)
	c.acks.failAll(ErrDisconnected)

	select {
	case <-c.closed:
		return
	default:
	}

	metrics.WSErrors.WithLabelValues(errorType(err)).Inc()
	c.logger.Warn().Err(err).Msg("Backend connection lost")

	marker := RawEvent{Name: EventDisconnected, Err: fmt.Errorf("%w: %w", ErrDisconnected, err)}
	select {
	case c.events <- marker:
	case <-c.closed:
	}
}

var errClosedLocally = errors.New("connection closed locally")

func (c *wsConn) readFrames() error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var f inFrame
		if err := json.Unmarshal(data, &f); err != nil {
			// Forwarded unnamed so the decoder can reject and count it.
			f = inFrame{Data: data}
		}
		metrics.WSFramesReceived.WithLabelValues(frameLabel(f.Event)).Inc()

		switch f.Event {
		case "ack":
			c.acks.resolve(f.ID, nil)
			continue
		case "nack":
			c.acks.resolve(f.ID, RejectedError(f.Error))
			continue
		}

		select {
		case c.events <- RawEvent{Name: f.Event, Data: f.Data, Revision: f.Rev}:
		case <-c.closed:
			return errClosedLocally
		}
	}
}

func (c *wsConn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeFrame(&outFrame{Type: "ping"}); err != nil {
				c.logger.Debug().Err(err).Msg("Keep-alive failed")
				_ = c.ws.Close()
				return
			}
		}
	}
}

// frameLabel bounds metric label cardinality to known event names.
func frameLabel(event string) string {
	switch event {
	case "put", "patch", "keep-alive", "cancel", "auth_revoked", "ack", "nack":
		return event
	default:
		return "unknown"
	}
}

func errorType(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "closed"
	case websocket.IsUnexpectedCloseError(err):
		return "unexpected_close"
	default:
		return "read"
	}
}
