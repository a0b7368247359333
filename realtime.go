package adminchat

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Change hints
// ============================================================================

// EventMessagesChanged is the only hint type the feed acts on.
const EventMessagesChanged = "messages.changed"

// ChangeHint tells the client that rows changed remotely. It carries no rows;
// the client refreshes to pick them up.
type ChangeHint struct {
	Type           string
	Table          string
	ConversationID string
}

// ============================================================================
// Configuration
// ============================================================================

// ChangeFeedConfig configures a ChangeFeed.
type ChangeFeedConfig struct {
	Path                 string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *ChangeFeedConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// FeedState represents the connection state.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChangeFeedConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with jitter. A connection that stayed up for
// a minute starts the sequence over.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// ChangeFeed
// ============================================================================

// ChangeFeed listens on the API's websocket for change hints and reports
// them to a callback. It reconnects on its own after a dropped connection.
type ChangeFeed struct {
	baseURL  func() string
	config   ChangeFeedConfig
	onChange func(ChangeHint)
	log      *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            FeedState
	intentionalClose bool
	root             context.Context
	cancelFn         context.CancelFunc
	recon            *reconnector
}

// NewChangeFeed creates a feed against the base URL returned by baseURL.
func NewChangeFeed(baseURL func() string, config ChangeFeedConfig, onChange func(ChangeHint), log *zap.Logger) *ChangeFeed {
	config.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &ChangeFeed{
		baseURL:  baseURL,
		config:   config,
		onChange: onChange,
		log:      log,
		state:    FeedDisconnected,
		recon:    newReconnector(&config),
	}
}

// State returns the connection state.
func (f *ChangeFeed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect dials the feed and starts reading hints. Reconnects after a drop
// run under ctx until it is done or Disconnect is called.
func (f *ChangeFeed) Connect(ctx context.Context) error {
	return f.connect(ctx, false)
}

func (f *ChangeFeed) connect(ctx context.Context, reconnecting bool) error {
	f.mu.Lock()
	if f.state == FeedConnected || f.state == FeedConnecting {
		f.mu.Unlock()
		return nil
	}
	if reconnecting && f.intentionalClose {
		f.state = FeedDisconnected
		f.mu.Unlock()
		return nil
	}
	f.state = FeedConnecting
	if !reconnecting {
		f.root = ctx
		f.intentionalClose = false
	}
	f.mu.Unlock()

	base := f.baseURL()
	if base == "" {
		f.setState(FeedDisconnected)
		return fmt.Errorf("%w: no API endpoint configured", ErrConnectionUnavailable)
	}
	wsURL := strings.Replace(base, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += f.config.Path

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		f.setState(FeedDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	if reconnecting && f.intentionalClose {
		f.state = FeedDisconnected
		f.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	f.conn = conn
	f.state = FeedConnected
	f.cancelFn = cancel
	f.mu.Unlock()
	f.recon.markConnected()
	f.log.Info("change feed connected", zap.String("url", wsURL))

	go f.readLoop(connCtx, conn)
	go f.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (f *ChangeFeed) Disconnect() error {
	f.mu.Lock()
	f.intentionalClose = true
	cancel := f.cancelFn
	f.cancelFn = nil
	conn := f.conn
	f.conn = nil
	f.state = FeedDisconnected
	f.mu.Unlock()

	// Close before cancelling so the read loop can finish the handshake.
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	return err
}

func (f *ChangeFeed) setState(s FeedState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *ChangeFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			var cancel context.CancelFunc
			if !intentional {
				f.state = FeedDisconnected
				f.conn = nil
				cancel = f.cancelFn
				f.cancelFn = nil
			}
			f.mu.Unlock()
			if intentional {
				return
			}
			// Stops the heartbeat of the dropped connection.
			if cancel != nil {
				cancel()
			}

			f.log.Warn("change feed dropped", zap.Error(err))
			if f.config.AutoReconnect && f.recon.shouldReconnect() {
				f.scheduleReconnect()
			}
			return
		}

		hint, ok := parseHint(data)
		if !ok || hint.Type != EventMessagesChanged {
			continue
		}
		if f.onChange != nil {
			f.onChange(hint)
		}
	}
}

func (f *ChangeFeed) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.State() != FeedConnected {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, f.config.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// scheduleReconnect waits out the backoff delay and dials again under the
// context given to Connect, never the one of the dropped connection.
func (f *ChangeFeed) scheduleReconnect() {
	f.mu.Lock()
	ctx := f.root
	f.mu.Unlock()

	delay := f.recon.nextDelay()
	f.setState(FeedReconnecting)
	f.log.Info("change feed reconnecting", zap.Int("attempt", f.recon.attempt), zap.Duration("delay", delay))

	select {
	case <-ctx.Done():
		f.setState(FeedDisconnected)
		return
	case <-time.After(delay):
	}

	if err := f.connect(ctx, true); err != nil {
		if f.config.AutoReconnect && f.recon.shouldReconnect() {
			f.scheduleReconnect()
		}
	}
}

// parseHint reads {"type": ..., "payload": {"table": ..., "user_identifier": ...}}.
func parseHint(data []byte) (ChangeHint, bool) {
	if !gjson.ValidBytes(data) {
		return ChangeHint{}, false
	}
	doc := gjson.ParseBytes(data)
	return ChangeHint{
		Type:           doc.Get("type").String(),
		Table:          doc.Get("payload.table").String(),
		ConversationID: doc.Get("payload.user_identifier").String(),
	}, true
}
