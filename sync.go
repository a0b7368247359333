package adminchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Refresh kinds, used in reports, logs and metrics.
const (
	KindFull         = "full"
	KindIncremental  = "incremental"
	KindConversation = "conversation"
)

// SyncReport describes one completed refresh.
type SyncReport struct {
	Kind    string     `json:"kind"`
	Fetched int        `json:"fetched"`
	Pruned  int        `json:"pruned"`
	Stats   MergeStats `json:"stats"`
	Cursor  string     `json:"cursor,omitempty"`
}

// Syncer pulls rows from the remote source into the Store. A failed fetch
// never touches the store.
type Syncer struct {
	store     *Store
	transport Transport
	settings  *Settings
	events    *emitter
	log       *zap.Logger
	metrics   *Metrics

	mu            sync.Mutex
	cursor        string
	cursorAt      time.Time
	hasLoadedOnce bool
}

// Cursor returns the incremental watermark, or "" before the first batch.
func (s *Syncer) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// HasLoadedOnce reports whether any refresh has completed.
func (s *Syncer) HasLoadedOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLoadedOnce
}

// reset forgets the load state, e.g. after a snapshot import.
func (s *Syncer) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasLoadedOnce = false
}

// advanceCursor moves the watermark forward; it never moves back.
func (s *Syncer) advanceCursor(createdAt string) {
	t, ok := ParseTimestamp(createdAt)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor != "" && t.Before(s.cursorAt) {
		return
	}
	s.cursor = createdAt
	s.cursorAt = t
}

// ── Operations ──────────────────────────────────────────

// FullRefresh rebuilds the store from the remote source. Only the very first
// load is bounded by the date cutoff. Messages still awaiting a server
// identity are carried over so a pending send is never lost.
func (s *Syncer) FullRefresh(ctx context.Context) (*SyncReport, error) {
	cfg := s.settings.Get()
	if !cfg.Polling() {
		return nil, ErrSnapshotMode
	}

	s.mu.Lock()
	var since *string
	if !s.hasLoadedOnce && cfg.Table.After != "" {
		after := cfg.Table.After
		since = &after
	}
	s.mu.Unlock()

	rows, err := s.fetch(ctx, cfg, since, KindFull)
	if err != nil {
		return nil, err
	}

	stats := s.store.ReplaceAllKeepingProvisional(rows)

	s.mu.Lock()
	s.hasLoadedOnce = true
	s.mu.Unlock()
	if len(rows) > 0 {
		s.advanceCursor(rows[len(rows)-1].CreatedAt())
	}
	return s.complete(KindFull, len(rows), 0, stats), nil
}

// IncrementalRefresh fetches rows newer than the cursor (or the cutoff when
// no cursor exists yet) and merges them, counting unread once the store has
// loaded at least once.
func (s *Syncer) IncrementalRefresh(ctx context.Context) (*SyncReport, error) {
	cfg := s.settings.Get()
	if !cfg.Polling() {
		return nil, ErrSnapshotMode
	}

	s.mu.Lock()
	var since *string
	if s.cursor != "" {
		c := s.cursor
		since = &c
	} else if cfg.Table.After != "" {
		after := cfg.Table.After
		since = &after
	}
	countUnread := s.hasLoadedOnce
	s.mu.Unlock()

	rows, err := s.fetch(ctx, cfg, since, KindIncremental)
	if err != nil {
		return nil, err
	}

	stats := s.store.Merge(rows, countUnread)

	s.mu.Lock()
	s.hasLoadedOnce = true
	s.mu.Unlock()
	if len(rows) > 0 {
		s.advanceCursor(rows[len(rows)-1].CreatedAt())
	}
	return s.complete(KindIncremental, len(rows), 0, stats), nil
}

// RefreshConversation re-syncs the active conversation. With
// applyDateFilter the fetch is bounded by the cutoff and the conversation's
// older rows are pruned before merging.
func (s *Syncer) RefreshConversation(ctx context.Context, applyDateFilter bool) (*SyncReport, error) {
	cfg := s.settings.Get()
	if !cfg.Polling() {
		return nil, ErrSnapshotMode
	}
	active := s.store.Active()
	if active == "" {
		return nil, ErrNoActiveConversation
	}

	var since *string
	cutoff, hasCutoff := cfg.Cutoff()
	if applyDateFilter && cfg.Table.After != "" {
		after := cfg.Table.After
		since = &after
	}

	rows, err := s.fetch(ctx, cfg, since, KindConversation)
	if err != nil {
		return nil, err
	}

	attr := s.store.IdentifierAttribute()
	mine := rows[:0:0]
	for _, m := range rows {
		if ConversationKey(m.Row, attr) == active {
			mine = append(mine, m)
		}
	}

	var (
		pruned int
		stats  MergeStats
	)
	if applyDateFilter && hasCutoff {
		pruned, stats = s.store.PruneAndMerge(active, cutoff, mine)
	} else {
		stats = s.store.Merge(mine, false)
	}
	return s.complete(KindConversation, len(mine), pruned, stats), nil
}

// ── Internals ───────────────────────────────────────────

func (s *Syncer) fetch(ctx context.Context, cfg Config, since *string, kind string) ([]Message, error) {
	req := QueryRequest{
		Credentials: cfg.Credentials(),
		Table:       cfg.Table.Name,
		Columns:     cfg.ColumnList(),
		Since:       since,
		Limit:       cfg.QueryLimit(),
	}

	res, err := s.transport.QueryMessages(ctx, req)
	if err != nil {
		if !errors.Is(err, ErrConnectionUnavailable) && !errors.Is(err, ErrQueryFailed) {
			err = fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
		}
		return nil, s.fail(kind, err)
	}
	if !res.OK {
		reason := "remote rejected the query"
		if res.Error != nil {
			reason = res.Error.Error()
		}
		return nil, s.fail(kind, fmt.Errorf("%w: %s", ErrQueryFailed, reason))
	}

	out := make([]Message, 0, len(res.Rows))
	for _, r := range res.Rows {
		out = append(out, Message{Row: r})
	}
	return out, nil
}

func (s *Syncer) fail(kind string, err error) error {
	s.metrics.refreshed(kind, "error")
	s.log.Warn("refresh failed", zap.String("kind", kind), zap.Error(err))
	if kind == KindConversation {
		s.events.emit(EventNoticeError, fmt.Sprintf("Refresh conversation failed: %v", err))
	} else {
		s.events.emit(EventNoticeError, fmt.Sprintf("Fetch rows failed: %v", err))
	}
	return err
}

func (s *Syncer) complete(kind string, fetched, pruned int, stats MergeStats) *SyncReport {
	rep := &SyncReport{Kind: kind, Fetched: fetched, Pruned: pruned, Stats: stats, Cursor: s.Cursor()}
	s.metrics.refreshed(kind, "ok")
	s.log.Debug("refresh complete",
		zap.String("kind", kind),
		zap.Int("rows", fetched),
		zap.Int("inserted", stats.Inserted),
		zap.Int("reconciled", stats.Reconciled),
		zap.Int("pruned", pruned),
		zap.String("cursor", rep.Cursor),
	)
	s.events.emit(EventSyncComplete, *rep)
	return rep
}
