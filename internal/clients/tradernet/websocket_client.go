package tradernet

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aristath/streamgate/internal/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// TickHandler is called once per parsed tick. It must not block: a
// connection's read loop is the broker-library worker thread and the
// implementation is expected to hand off through a non-blocking bounded
// channel, returning false to signal a drop.
type TickHandler func(domain.Tick) bool

// createHTTP1Client forces HTTP/1.1, since the upgrade handshake some
// brokers front with Cloudflare only completes over HTTP/1.1 ALPN.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// StreamConn is one physical streaming connection to the broker, scoped
// to a single account, carrying up to K subscribed tokens. It owns its
// own reconnect loop; reconnects do not go through C6's pool.
type StreamConn struct {
	id        string
	accountID string
	creds     Credentials
	url       string

	httpClient *http.Client
	onTick     TickHandler
	log        zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	connected  bool
	stopped    bool
	stopChan   chan struct{}
	tokens     map[uint64]struct{}
	lastTickAt time.Time
	openedAt   time.Time
}

// NewStreamConn creates a connection in the "closed" state; call Connect
// to dial and start streaming.
func NewStreamConn(id, accountID string, creds Credentials, url string, onTick TickHandler, log zerolog.Logger) *StreamConn {
	return &StreamConn{
		id:         id,
		accountID:  accountID,
		creds:      creds,
		url:        url,
		httpClient: createHTTP1Client(),
		onTick:     onTick,
		log:        log.With().Str("component", "stream_conn").Str("connection_id", id).Str("account_id", accountID).Logger(),
		stopChan:   make(chan struct{}),
		tokens:     make(map[uint64]struct{}),
	}
}

// Connect dials the broker's tick stream and starts the read loop.
func (s *StreamConn) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *StreamConn) connectLocked(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: http.Header{
			"X-Api-Key":    []string{s.creds.APIKey},
			"X-Api-Secret": []string{s.creds.APISecret},
		},
	})
	if err != nil {
		return fmt.Errorf("dial broker stream: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = connCancel
	s.connected = true
	s.openedAt = time.Now()

	go s.readLoop(connCtx)

	s.log.Info().Msg("stream connection open")
	return nil
}

// Close tears the connection down permanently; it will not reconnect.
func (s *StreamConn) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopChan)
	return s.disconnect()
}

func (s *StreamConn) disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	s.connected = false
	return err
}

// Subscribe adds tokens to this connection's subscribed set and sends the
// broker subscribe frame. Capacity is enforced by the caller (the pool).
func (s *StreamConn) Subscribe(ctx context.Context, tokens []uint64, mode domain.Mode) error {
	if err := s.sendFrame(ctx, "subscribe", tokens, mode); err != nil {
		return err
	}
	s.mu.Lock()
	for _, t := range tokens {
		s.tokens[t] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes tokens from this connection.
func (s *StreamConn) Unsubscribe(ctx context.Context, tokens []uint64) error {
	if err := s.sendFrame(ctx, "unsubscribe", tokens, ""); err != nil {
		return err
	}
	s.mu.Lock()
	for _, t := range tokens {
		delete(s.tokens, t)
	}
	s.mu.Unlock()
	return nil
}

func (s *StreamConn) sendFrame(ctx context.Context, action string, tokens []uint64, mode domain.Mode) error {
	frame := struct {
		Action string   `json:"a"`
		Tokens []uint64 `json:"v"`
		Mode   string   `json:"m,omitempty"`
	}{Action: action, Tokens: tokens, Mode: string(mode)}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", action, err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("connection %s is not open", s.id)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s frame: %w", action, err)
	}
	return nil
}

// TokenCount returns the number of tokens currently subscribed on this
// connection.
func (s *StreamConn) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// LastTickAt reports when the last tick was received, for watchdog checks.
func (s *StreamConn) LastTickAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTickAt
}

// IdleSince reports the time to measure idleness from: the last tick, or
// connection-open time if no tick has ever arrived (e.g. a newly opened,
// still-empty connection).
func (s *StreamConn) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastTickAt.IsZero() {
		return s.lastTickAt
	}
	return s.openedAt
}

// IsConnected reports whether the underlying socket is open.
func (s *StreamConn) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ConnState is the stream connection's lifecycle state.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosing    ConnState = "closing"
	StateClosed     ConnState = "closed"
)

// State reports the connection's current lifecycle state.
func (s *StreamConn) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped && s.conn == nil:
		return StateClosed
	case s.stopped:
		return StateClosing
	case s.connected:
		return StateOpen
	default:
		return StateConnecting
	}
}

// ID returns the connection's identifier.
func (s *StreamConn) ID() string { return s.id }

func (s *StreamConn) readLoop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			go s.reconnectLoop()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			switch {
			case closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway:
				s.log.Info().Msg("stream closed normally")
			case ctx.Err() != nil:
				s.log.Debug().Msg("read cancelled")
			default:
				s.log.Error().Err(err).Msg("stream read error")
			}
			return
		}

		if msgType != websocket.MessageText && msgType != websocket.MessageBinary {
			continue
		}

		if err := s.handleMessage(message); err != nil {
			s.log.Warn().Err(err).Msg("failed to parse tick message")
		}
	}
}

// wireTick is the broker's per-tick wire shape.
type wireTick struct {
	Token     uint64  `json:"token"`
	LastPrice float64 `json:"ltp"`
	Volume    *uint64 `json:"volume"`
	OI        *uint64 `json:"oi"`
	Timestamp int64   `json:"ts"`
	Depth     *struct {
		Bids []domain.DepthLevel `json:"bids"`
		Asks []domain.DepthLevel `json:"asks"`
	} `json:"depth"`
}

func (s *StreamConn) handleMessage(message []byte) error {
	var batch []wireTick
	if err := json.Unmarshal(message, &batch); err != nil {
		var single wireTick
		if err2 := json.Unmarshal(message, &single); err2 != nil {
			return fmt.Errorf("parse tick payload: %w", err)
		}
		batch = []wireTick{single}
	}

	now := time.Now()
	s.mu.Lock()
	s.lastTickAt = now
	s.mu.Unlock()

	for _, wt := range batch {
		tick := domain.Tick{
			Token:     wt.Token,
			LastPrice: wt.LastPrice,
			Volume:    wt.Volume,
			OI:        wt.OI,
			Timestamp: time.UnixMilli(wt.Timestamp),
		}
		if tick.Timestamp.IsZero() || wt.Timestamp == 0 {
			tick.Timestamp = now
		}
		if wt.Depth != nil {
			tick.Depth = &domain.Depth{Bids: wt.Depth.Bids, Asks: wt.Depth.Asks}
		}
		if s.onTick != nil {
			s.onTick(tick)
		}
	}
	return nil
}

func (s *StreamConn) reconnectLoop() {
	attempt := 0
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		attempt++
		delay := calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting to broker stream")
		} else {
			s.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("still reconnecting to broker stream")
		}

		select {
		case <-time.After(delay):
		case <-s.stopChan:
			return
		}

		if err := s.Connect(context.Background()); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}

		if err := s.resubscribeAll(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("resubscribe after reconnect failed")
		}
		return
	}
}

func (s *StreamConn) resubscribeAll(ctx context.Context) error {
	s.mu.Lock()
	tokens := make([]uint64, 0, len(s.tokens))
	for t := range s.tokens {
		tokens = append(tokens, t)
	}
	s.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}
	return s.sendFrame(ctx, "subscribe", tokens, domain.ModeFull)
}

func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
