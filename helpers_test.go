package adminchat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testIdentifier = "visitor_id"

var testNow = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// msg builds a remote-style message in conversation conv.
func msg(conv, sender, body, createdAt string, extra ...string) Message {
	pairs := []string{testIdentifier, conv, AttrSender, sender, AttrBody, body, AttrCreatedAt, createdAt}
	return Message{Row: NewRow(append(pairs, extra...)...)}
}

// pending builds a provisional operator message, the way Sender does.
func pending(conv, body, createdAt string) Message {
	m := msg(conv, SenderAdmin, body, createdAt, DefaultIdentifierAttribute, conv)
	m.Delivery = DeliveryPending
	m.LocalID = "local-" + body
	return m
}

type queryAnswer struct {
	res *QueryResult
	err error
}

// fakeTransport answers queries from a FIFO; the last answer repeats.
type fakeTransport struct {
	mu sync.Mutex

	healthy   bool
	connected bool
	connErr   error

	answers []queryAnswer
	queries []QueryRequest

	sendResult *SendResult
	sendErr    error
	sends      []SendRequest
	onSend     func(SendRequest)
	onQuery    func(QueryRequest)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{healthy: true, connected: true, sendResult: &SendResult{OK: true}}
}

func (f *fakeTransport) respond(rows ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &QueryResult{OK: true}
	for _, m := range rows {
		res.Rows = append(res.Rows, m.Row)
	}
	f.answers = append(f.answers, queryAnswer{res: res})
}

func (f *fakeTransport) fail(res *QueryResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, queryAnswer{res: res, err: err})
}

func (f *fakeTransport) CheckHealth(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeTransport) TestConnection(ctx context.Context, creds Credentials) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, f.connErr
}

func (f *fakeTransport) QueryMessages(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, req)
	var a queryAnswer
	switch len(f.answers) {
	case 0:
		a = queryAnswer{res: &QueryResult{OK: true}}
	case 1:
		a = f.answers[0]
	default:
		a = f.answers[0]
		f.answers = f.answers[1:]
	}
	hook := f.onQuery
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return a.res, a.err
}

func (f *fakeTransport) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	res, err, hook := f.sendResult, f.sendErr, f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return res, err
}

func (f *fakeTransport) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeTransport) lastQuery() QueryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

func testConfig() Config {
	cfg := DefaultConfig(testNow)
	cfg.Table.After = "2024-01-01"
	return cfg
}

// newTestSession builds a session on ft. mutate may adjust the config.
func newTestSession(t *testing.T, ft Transport, mutate func(*Config), opts ...Option) *Session {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithTransport(ft), WithSendGrace(0), WithClock(fixedClock)}, opts...)
	sess, err := NewSession(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (r *recorder) handle(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.data = append(r.data, payload)
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) payloads(event string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for i, e := range r.events {
		if e == event {
			out = append(out, r.data[i])
		}
	}
	return out
}

func watch(s *Session, events ...string) *recorder {
	r := &recorder{}
	for _, e := range events {
		s.On(e, r.handle)
	}
	return r
}
