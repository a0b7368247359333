package adminchat

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ============================================================================
// Session
// ============================================================================

// Session is one operator console: it owns the configuration, the message
// store and every component that feeds it. Sessions share nothing, so tests
// can run many side by side.
type Session struct {
	settings  *Settings
	store     *Store
	syncer    *Syncer
	sender    *Sender
	scheduler *Scheduler
	health    *HealthMonitor
	feed      *ChangeFeed
	transport Transport
	events    *emitter
	log       *zap.Logger
	metrics   *Metrics
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	connected bool
	started   bool
	closed    bool
}

type sessionOptions struct {
	logger         *zap.Logger
	transport      Transport
	registerer     prometheus.Registerer
	now            func() time.Time
	sendGrace      time.Duration
	healthInterval time.Duration
	feed           *ChangeFeedConfig
	transportOpts  []TransportOption
}

// Option configures a Session.
type Option func(*sessionOptions)

// WithLogger sets the session logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *sessionOptions) { o.logger = l }
}

// WithTransport replaces the HTTP transport.
func WithTransport(t Transport) Option {
	return func(o *sessionOptions) { o.transport = t }
}

// WithTransportOptions configures the default HTTP transport.
func WithTransportOptions(opts ...TransportOption) Option {
	return func(o *sessionOptions) { o.transportOpts = append(o.transportOpts, opts...) }
}

// WithRegisterer registers the session metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *sessionOptions) { o.registerer = reg }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *sessionOptions) { o.now = now }
}

// WithSendGrace sets how long auto refresh stays suspended after a send.
func WithSendGrace(d time.Duration) Option {
	return func(o *sessionOptions) { o.sendGrace = d }
}

// WithHealthInterval overrides DefaultHealthInterval.
func WithHealthInterval(d time.Duration) Option {
	return func(o *sessionOptions) { o.healthInterval = d }
}

// WithChangeFeed enables the websocket change feed.
func WithChangeFeed(cfg ChangeFeedConfig) Option {
	return func(o *sessionOptions) { o.feed = &cfg }
}

// NewSession wires a session for cfg. Nothing runs until Start.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := sessionOptions{sendGrace: DefaultSendGrace}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}

	s := &Session{
		settings: NewSettings(cfg),
		events:   newEmitter(),
		log:      o.logger,
		metrics:  NewMetrics(o.registerer),
		now:      o.now,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.transport = o.transport
	if s.transport == nil {
		s.transport = NewHTTPTransportFunc(func() string { return s.settings.Get().BaseURL() }, o.transportOpts...)
	}

	s.store = NewStore(cfg.Identifier(), WithStoreMetrics(s.metrics), WithStoreClock(o.now))
	s.syncer = &Syncer{
		store:     s.store,
		transport: s.transport,
		settings:  s.settings,
		events:    s.events,
		log:       s.log.Named("sync"),
		metrics:   s.metrics,
	}
	s.scheduler = NewScheduler(s.syncer, s.log.Named("scheduler"))
	s.sender = &Sender{
		store:     s.store,
		transport: s.transport,
		settings:  s.settings,
		scheduler: s.scheduler,
		events:    s.events,
		log:       s.log.Named("send"),
		metrics:   s.metrics,
		now:       o.now,
		grace:     o.sendGrace,
	}
	s.health = newHealthMonitor(s.transport, s.events, s.log.Named("health"), o.healthInterval)
	if o.feed != nil {
		s.feed = NewChangeFeed(func() string { return s.settings.Get().BaseURL() }, *o.feed, s.onChangeHint, s.log.Named("feed"))
	}

	s.settings.OnChange(s.applySettings)
	return s, nil
}

// Start begins health polling, arms auto refresh and, when polling, performs
// the initial full refresh. A failed initial refresh is returned but leaves
// the session running.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	cfg := s.settings.Get()
	s.health.Start(s.ctx)
	s.scheduler.Configure(cfg.RefreshInterval(), cfg.Refresh.Mode, cfg.Polling())

	if s.feed != nil && cfg.Polling() {
		if err := s.feed.Connect(s.ctx); err != nil {
			s.log.Warn("change feed unavailable", zap.Error(err))
		}
	}

	if cfg.Polling() && !s.syncer.HasLoadedOnce() {
		if _, err := s.syncer.FullRefresh(ctx); err != nil {
			return err
		}
	}
	s.log.Info("session started",
		zap.String("mode", string(cfg.Source.Mode)),
		zap.String("endpoint", cfg.Source.Endpoint),
		zap.String("table", cfg.Table.Name),
	)
	return nil
}

// Close stops every timer and connection. The store stays readable.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.scheduler.Stop()
	s.health.Stop()
	var err error
	if s.feed != nil {
		err = s.feed.Disconnect()
	}
	s.cancel()
	s.events.removeAll()
	return err
}

// On registers handler for a session event (see the Event constants).
func (s *Session) On(event string, handler EventHandler) {
	s.events.On(event, handler)
}

// ── Accessors ───────────────────────────────────────────

func (s *Session) Store() *Store              { return s.store }
func (s *Session) Settings() *Settings        { return s.settings }
func (s *Session) Scheduler() *Scheduler      { return s.scheduler }
func (s *Session) Health() *HealthMonitor     { return s.health }
func (s *Session) Metrics() *Metrics          { return s.metrics }
func (s *Session) Config() Config             { return s.settings.Get() }
func (s *Session) Cursor() string             { return s.syncer.Cursor() }
func (s *Session) HasLoadedOnce() bool        { return s.syncer.HasLoadedOnce() }
func (s *Session) ActiveConversation() string { return s.store.Active() }

// Connected reports the outcome of the last TestConnection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ── Sync ────────────────────────────────────────────────

// Refresh rebuilds the store from the remote source.
func (s *Session) Refresh(ctx context.Context) (*SyncReport, error) {
	return s.syncer.FullRefresh(ctx)
}

// RefreshIncremental fetches rows newer than the cursor.
func (s *Session) RefreshIncremental(ctx context.Context) (*SyncReport, error) {
	return s.syncer.IncrementalRefresh(ctx)
}

// RefreshConversation re-syncs the active conversation.
func (s *Session) RefreshConversation(ctx context.Context, applyDateFilter bool) (*SyncReport, error) {
	return s.syncer.RefreshConversation(ctx, applyDateFilter)
}

func (s *Session) onChangeHint(h ChangeHint) {
	cfg := s.settings.Get()
	if h.Table != "" && h.Table != cfg.Table.Name {
		return
	}
	s.log.Debug("change hint", zap.String("table", h.Table), zap.String("conversation", h.ConversationID))
	s.scheduler.TriggerNow()
}

// ── Conversations ───────────────────────────────────────

// SelectConversation makes id active and clears its unread counter.
func (s *Session) SelectConversation(id string) {
	s.store.SelectConversation(id)
}

// Conversations returns every conversation, most recent first.
func (s *Session) Conversations() []ConversationSummary {
	out := s.store.GroupByConversation()
	SortByRecent(out)
	return out
}

// Messages returns the active conversation's messages.
func (s *Session) Messages() []Message {
	active := s.store.Active()
	if active == "" {
		return nil
	}
	return s.store.MessagesFor(active)
}

// Send posts an operator message to the active conversation.
func (s *Session) Send(ctx context.Context, body string, attachment *string) (*SendOutcome, error) {
	return s.sender.Send(ctx, body, attachment)
}

// ── Settings ────────────────────────────────────────────

// UpdateSettings edits the configuration. Timers and the store follow the
// new values immediately.
func (s *Session) UpdateSettings(fn func(*Config)) (Config, error) {
	return s.settings.Update(fn)
}

// SetAutoRefresh changes the refresh cadence and mode. A zero interval turns
// auto refresh off.
func (s *Session) SetAutoRefresh(interval time.Duration, mode RefreshMode) error {
	_, err := s.settings.Update(func(c *Config) {
		c.Refresh.IntervalSeconds = int(interval / time.Second)
		c.Refresh.Mode = mode
	})
	return err
}

// SetDataSource switches between polling and snapshot mode.
func (s *Session) SetDataSource(mode DataSource) error {
	_, err := s.settings.Update(func(c *Config) { c.Source.Mode = mode })
	return err
}

// SelectEndpoint switches to a registered API endpoint.
func (s *Session) SelectEndpoint(key string) error {
	cfg := s.settings.Get()
	if _, ok := cfg.Source.Endpoints[key]; !ok {
		return fmt.Errorf("unknown endpoint %q", key)
	}
	_, err := s.settings.Update(func(c *Config) { c.Source.Endpoint = key })
	return err
}

func (s *Session) applySettings(old, cur Config) {
	if old.Identifier() != cur.Identifier() {
		s.store.SetIdentifierAttribute(cur.Identifier())
	}
	s.scheduler.Configure(cur.RefreshInterval(), cur.Refresh.Mode, cur.Polling())

	if old.BaseURL() != cur.BaseURL() {
		s.health.Reset()
		go s.health.Check(s.ctx)
		if s.feed != nil && s.feed.State() != FeedDisconnected {
			_ = s.feed.Disconnect()
			go func() {
				if err := s.feed.Connect(s.ctx); err != nil {
					s.log.Warn("change feed reconnect failed", zap.Error(err))
				}
			}()
		}
	}
}

// TestConnection asks the API whether it can reach the configured table
// store and remembers the answer.
func (s *Session) TestConnection(ctx context.Context) (bool, error) {
	cfg := s.settings.Get()
	ok, err := s.transport.TestConnection(ctx, cfg.Credentials())

	s.mu.Lock()
	s.connected = ok && err == nil
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("connection test failed", zap.Error(err))
		s.events.emit(EventNoticeError, fmt.Sprintf("DB test failed. API unreachable at %s", cfg.BaseURL()))
		return false, err
	}
	return ok, nil
}

// ── Snapshots ───────────────────────────────────────────

// Import loads a snapshot: the session switches to snapshot mode, the store
// is replaced without counting unread, the selection is cleared and the
// attribute list becomes the snapshot's headers.
func (s *Session) Import(r io.Reader, name string) (*Snapshot, error) {
	snap, err := ImportSnapshot(r, s.now())
	if err != nil {
		s.log.Warn("snapshot import failed", zap.String("file", name), zap.Error(err))
		s.events.emit(EventNoticeWarning, fmt.Sprintf("Snapshot load failed: %v", err))
		return nil, err
	}

	if _, err := s.settings.Update(func(c *Config) {
		c.Source.Mode = SourceSnapshot
		c.Source.SnapshotFile = name
		c.Table.Columns = strings.Join(snap.Headers, ", ")
	}); err != nil {
		return nil, err
	}

	s.store.SelectConversation("")
	s.syncer.reset()
	stats := s.store.ReplaceAll(snap.Rows)

	s.log.Info("snapshot loaded",
		zap.String("file", name),
		zap.Int("rows", len(snap.Rows)),
		zap.Int("duplicates", stats.Duplicates),
	)
	s.events.emit(EventSnapshotLoaded, snap)
	s.events.emit(EventNoticeSuccess, fmt.Sprintf("Loaded %s rows from %s (%s)",
		humanize.Comma(int64(len(snap.Rows))), name, humanize.Bytes(uint64(snap.Size))))
	return snap, nil
}

// Export writes the store restricted to the configured attribute list and
// returns the suggested file name.
func (s *Session) Export(w io.Writer) (string, error) {
	msgs := s.store.Messages()
	if len(msgs) == 0 {
		s.events.emit(EventNoticeWarning, "No data to export")
		return "", ErrEmptyStore
	}
	cfg := s.settings.Get()
	name := cfg.SnapshotName()

	n, err := ExportSnapshot(w, cfg.ColumnList(), msgs)
	if err != nil {
		s.events.emit(EventNoticeError, fmt.Sprintf("Export failed: %v", err))
		return name, err
	}
	s.events.emit(EventSnapshotWritten, name)
	s.events.emit(EventNoticeSuccess, fmt.Sprintf("Exported %s rows (%s)",
		humanize.Comma(int64(len(msgs))), humanize.Bytes(uint64(n))))
	return name, nil
}
