package adminchat

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Store
// ============================================================================

// Store is the authoritative in-memory message log: deduplicated, ascending
// by created_at, with per-conversation unread counters. It is goroutine-safe;
// every operation runs to completion under the lock so readers never observe
// a partial merge.
type Store struct {
	mu         sync.RWMutex
	identifier string
	entries    []entry
	byKey      map[string]struct{}
	unread     map[string]int
	active     string

	now     func() time.Time
	metrics *Metrics
}

type entry struct {
	msg Message
	at  time.Time
	key string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreMetrics records merge outcomes on m.
func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithStoreClock overrides the clock used for rows without a timestamp.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store keyed by identifierAttr.
func NewStore(identifierAttr string, opts ...StoreOption) *Store {
	if identifierAttr == "" {
		identifierAttr = DefaultIdentifierAttribute
	}
	s := &Store{
		identifier: identifierAttr,
		byKey:      make(map[string]struct{}),
		unread:     make(map[string]int),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MergeStats summarises one Merge call.
type MergeStats struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Reconciled int `json:"reconciled"`
	// Unread is the number of counter increments performed.
	Unread int `json:"unread"`
}

// Merge inserts candidates, skipping rows whose fingerprint is already
// present and reconciling confirmed rows with matching provisional ones.
// With countUnread, every accepted end-user row outside the active
// conversation bumps that conversation's unread counter.
func (s *Store) Merge(candidates []Message, countUnread bool) MergeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeLocked(candidates, countUnread)
}

// ReplaceAll clears messages, the membership index and unread counters, then
// merges rows without counting unread.
func (s *Store) ReplaceAll(rows []Message) MergeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.byKey = make(map[string]struct{})
	s.unread = make(map[string]int)
	return s.mergeLocked(rows, false)
}

// ReplaceAllKeepingProvisional is ReplaceAll with every provisional message
// carried over ahead of rows. Both steps run under one lock so a send merged
// concurrently is never dropped.
func (s *Store) ReplaceAllKeepingProvisional(rows []Message) MergeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []Message
	for _, e := range s.entries {
		if e.msg.Provisional() {
			kept = append(kept, e.msg)
		}
	}
	s.entries = nil
	s.byKey = make(map[string]struct{})
	s.unread = make(map[string]int)
	return s.mergeLocked(append(kept, rows...), false)
}

func (s *Store) mergeLocked(candidates []Message, countUnread bool) MergeStats {
	var st MergeStats
	for _, c := range candidates {
		m := c.Clone()
		m.Row = normalize(m.Row, s.now())
		e := entry{msg: m, key: Fingerprint(m, s.identifier)}
		e.at, _ = ParseTimestamp(m.CreatedAt())

		if _, dup := s.byKey[e.key]; dup {
			st.Duplicates++
			continue
		}

		if m.ID() != "" {
			if i := s.findProvisional(m); i >= 0 {
				s.reconcile(i, e)
				st.Reconciled++
				continue
			}
		}

		s.byKey[e.key] = struct{}{}
		s.entries = append(s.entries, e)
		st.Inserted++

		if countUnread && !m.IsAdmin() {
			conv := ConversationKey(m.Row, s.identifier)
			if conv != "" && conv != s.active {
				s.unread[conv]++
				st.Unread++
			}
		}
	}

	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].at.Before(s.entries[j].at)
	})

	s.metrics.merged(outcomeInserted, st.Inserted)
	s.metrics.merged(outcomeDuplicate, st.Duplicates)
	s.metrics.merged(outcomeReconciled, st.Reconciled)
	s.metrics.storeSize(len(s.entries))
	return st
}

// findProvisional returns the earliest provisional entry sharing m's
// conversation, sender and body, or -1.
func (s *Store) findProvisional(m Message) int {
	want := reconcileKey(m, s.identifier)
	for i, e := range s.entries {
		if e.msg.Provisional() && reconcileKey(e.msg, s.identifier) == want {
			return i
		}
	}
	return -1
}

// reconcile overwrites the provisional entry at i with the confirmed row,
// retiring the old fingerprint and registering the new one.
func (s *Store) reconcile(i int, confirmed entry) {
	old := s.entries[i]
	delete(s.byKey, old.key)
	confirmed.msg.Delivery = DeliveryConfirmed
	confirmed.msg.LocalID = old.msg.LocalID
	s.entries[i] = confirmed
	s.byKey[confirmed.key] = struct{}{}
}

// ── Selection & unread ──────────────────────────────────

// SelectConversation makes id the active conversation and zeroes its unread
// counter.
func (s *Store) SelectConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
	delete(s.unread, id)
}

// Active returns the active conversation, or "".
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Unread returns the unread counter of one conversation.
func (s *Store) Unread(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[id]
}

// UnreadCounts returns a copy of all non-zero unread counters.
func (s *Store) UnreadCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.unread))
	for k, v := range s.unread {
		out[k] = v
	}
	return out
}

// ── Identifier attribute ────────────────────────────────

// IdentifierAttribute returns the attribute naming a row's conversation.
func (s *Store) IdentifierAttribute() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identifier
}

// SetIdentifierAttribute switches the conversation attribute and rebuilds
// the membership index. Rows that collapse onto an existing fingerprint
// under the new attribute are dropped.
func (s *Store) SetIdentifierAttribute(attr string) {
	if attr == "" {
		attr = DefaultIdentifierAttribute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if attr == s.identifier {
		return
	}
	s.identifier = attr
	s.byKey = make(map[string]struct{}, len(s.entries))
	kept := s.entries[:0]
	for _, e := range s.entries {
		e.key = Fingerprint(e.msg, attr)
		if _, dup := s.byKey[e.key]; dup {
			continue
		}
		s.byKey[e.key] = struct{}{}
		kept = append(kept, e)
	}
	s.entries = kept
	s.metrics.storeSize(len(s.entries))
}

// ── Targeted mutations ──────────────────────────────────

// PruneBefore removes conversation conv's rows created before cutoff and
// returns how many were removed.
func (s *Store) PruneBefore(conv string, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.pruneLocked(conv, cutoff)
	s.metrics.storeSize(len(s.entries))
	return removed
}

// PruneAndMerge prunes conv before cutoff and merges rows without counting
// unread, as one mutation.
func (s *Store) PruneAndMerge(conv string, cutoff time.Time, rows []Message) (int, MergeStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.pruneLocked(conv, cutoff)
	return removed, s.mergeLocked(rows, false)
}

func (s *Store) pruneLocked(conv string, cutoff time.Time) int {
	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if ConversationKey(e.msg.Row, s.identifier) == conv && e.at.Before(cutoff) {
			delete(s.byKey, e.key)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = entry{}
	}
	s.entries = kept
	return removed
}

// SetDelivery marks the provisional message with localID as state. It
// reports false when no such message is left, either because it was already
// reconciled with its confirmed copy or because it was removed.
func (s *Store) SetDelivery(localID string, state DeliveryState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		m := &s.entries[i].msg
		if m.Provisional() && m.LocalID == localID {
			m.Delivery = state
			return true
		}
	}
	return false
}

// ── Reads ───────────────────────────────────────────────

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Messages returns a copy of every stored message in store order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.msg.Clone())
	}
	return out
}

// MessagesFor returns a fresh copy of conversation id's messages in store
// order.
func (s *Store) MessagesFor(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, e := range s.entries {
		if ConversationKey(e.msg.Row, s.identifier) == id {
			out = append(out, e.msg.Clone())
		}
	}
	return out
}

// Provisional returns copies of all messages still awaiting a server identity.
func (s *Store) Provisional() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, e := range s.entries {
		if e.msg.Provisional() {
			out = append(out, e.msg.Clone())
		}
	}
	return out
}

// ConversationSummary describes one conversation present in the store.
type ConversationSummary struct {
	ID     string    `json:"id"`
	Count  int       `json:"count"`
	LastAt time.Time `json:"last_at"`
	Unread int       `json:"unread"`
}

// GroupByConversation summarises every conversation in order of first
// appearance. Rows without a conversation key are skipped.
func (s *Store) GroupByConversation() []ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := make(map[string]int)
	var out []ConversationSummary
	for _, e := range s.entries {
		conv := ConversationKey(e.msg.Row, s.identifier)
		if conv == "" {
			continue
		}
		i, ok := idx[conv]
		if !ok {
			idx[conv] = len(out)
			out = append(out, ConversationSummary{ID: conv, Count: 1, LastAt: e.at, Unread: s.unread[conv]})
			continue
		}
		out[i].Count++
		if e.at.After(out[i].LastAt) {
			out[i].LastAt = e.at
		}
	}
	return out
}

// SortByRecent orders summaries most-recent-first.
func SortByRecent(summaries []ConversationSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastAt.After(summaries[j].LastAt)
	})
}
