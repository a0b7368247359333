package adminchat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test server
// ============================================================================

// apiServer serves canned replies keyed by path and records the last request.
type apiServer struct {
	*httptest.Server

	mu            sync.Mutex
	replies       map[string]string
	lastBody      map[string]any
	lastRequestID string
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	s := &apiServer{replies: map[string]string{
		"/api/health":         `{"ok": true}`,
		"/api/messages/query": `{"ok": true, "rows": []}`,
		"/api/messages/send":  `{"ok": true}`,
	}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *apiServer) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Method == http.MethodPost {
		s.lastBody = body
		s.lastRequestID = r.Header.Get("X-Request-ID")
	}
	if r.URL.Path == "/api/db-test" {
		json.NewEncoder(w).Encode(map[string]bool{"connected": body["db_url"] == "postgres://ok"})
		return
	}
	reply, ok := s.replies[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	io.WriteString(w, reply)
}

func (s *apiServer) reply(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[path] = body
}

func (s *apiServer) last() (map[string]any, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBody, s.lastRequestID
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ============================================================================
// Health & connection
// ============================================================================

func TestHTTPTransportHealth(t *testing.T) {
	srv := newAPIServer(t)
	tr := NewHTTPTransport(srv.URL + "/")

	assert.True(t, tr.CheckHealth(ctxT(t)))

	srv.reply("/api/health", `{"ok": false}`)
	assert.False(t, tr.CheckHealth(ctxT(t)))

	srv.reply("/api/health", `<html>bad gateway</html>`)
	assert.False(t, tr.CheckHealth(ctxT(t)))

	assert.False(t, NewHTTPTransport("").CheckHealth(ctxT(t)))
}

func TestHTTPTransportTestConnection(t *testing.T) {
	srv := newAPIServer(t)
	tr := NewHTTPTransport(srv.URL)

	ok, err := tr.TestConnection(ctxT(t), Credentials{DBURL: "postgres://ok"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.TestConnection(ctxT(t), Credentials{DBURL: "postgres://nope"})
	require.NoError(t, err)
	assert.False(t, ok)

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	_, err = NewHTTPTransport(closed.URL, WithTimeout(time.Second)).TestConnection(ctxT(t), Credentials{})
	assert.ErrorIs(t, err, ErrConnectionUnavailable)
}

// ============================================================================
// Query
// ============================================================================

func TestHTTPTransportQuery(t *testing.T) {
	srv := newAPIServer(t)
	tr := NewHTTPTransport(srv.URL)
	since := "2024-01-01"

	t.Run("rows keep attribute order", func(t *testing.T) {
		srv.reply("/api/messages/query", `{"ok": true, "rows": [
			{"id": 1, "visitor_id": "v1", "sender": "user", "message": "hi", "file": null, "created_at": "2024-01-01T00:00:00Z", "meta": {"a": 1}},
			{"created_at": "2024-01-01T00:00:01Z", "message": "yo", "id": "2"}
		]}`)
		res, err := tr.QueryMessages(ctxT(t), QueryRequest{
			Credentials: Credentials{DBURL: "postgres://x"},
			Table:       "messages",
			Columns:     []string{"id", "message"},
			Since:       &since,
			Limit:       10,
		})
		require.NoError(t, err)
		require.True(t, res.OK)
		require.Len(t, res.Rows, 2)

		assert.Equal(t, []string{"id", "visitor_id", "sender", "message", "created_at", "meta"}, res.Rows[0].Keys())
		assert.Equal(t, "1", res.Rows[0].Value("id"))
		assert.Equal(t, `{"a": 1}`, res.Rows[0].Value("meta"))
		assert.Equal(t, []string{"created_at", "message", "id"}, res.Rows[1].Keys())

		body, _ := srv.last()
		assert.Equal(t, "postgres://x", body["db_url"])
		assert.Equal(t, "messages", body["table"])
		assert.Equal(t, "2024-01-01", body["since"])
		assert.EqualValues(t, 10, body["limit"])
	})

	t.Run("nil cursor is sent as null", func(t *testing.T) {
		srv.reply("/api/messages/query", `{"ok": true, "rows": []}`)
		_, err := tr.QueryMessages(ctxT(t), QueryRequest{Table: "messages"})
		require.NoError(t, err)
		body, _ := srv.last()
		v, present := body["since"]
		assert.True(t, present)
		assert.Nil(t, v)
	})

	t.Run("remote error string", func(t *testing.T) {
		srv.reply("/api/messages/query", `{"ok": false, "error": "relation does not exist"}`)
		res, err := tr.QueryMessages(ctxT(t), QueryRequest{})
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, "relation does not exist", res.Error.Error())
	})

	t.Run("remote error object", func(t *testing.T) {
		srv.reply("/api/messages/query", `{"error": {"code": "BAD_TABLE", "message": "no such table"}}`)
		res, err := tr.QueryMessages(ctxT(t), QueryRequest{})
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, "BAD_TABLE: no such table", res.Error.Error())
	})

	t.Run("malformed responses", func(t *testing.T) {
		srv.reply("/api/messages/query", `{"ok": true, "rows": {"id": 1}}`)
		_, err := tr.QueryMessages(ctxT(t), QueryRequest{})
		assert.ErrorIs(t, err, ErrQueryFailed)

		srv.reply("/api/messages/query", `Internal Server Error`)
		_, err = tr.QueryMessages(ctxT(t), QueryRequest{})
		assert.ErrorIs(t, err, ErrQueryFailed)
	})

	t.Run("no endpoint", func(t *testing.T) {
		_, err := NewHTTPTransportFunc(func() string { return "" }).QueryMessages(ctxT(t), QueryRequest{})
		assert.ErrorIs(t, err, ErrConnectionUnavailable)
	})
}

// ============================================================================
// Send
// ============================================================================

func TestHTTPTransportSend(t *testing.T) {
	srv := newAPIServer(t)
	tr := NewHTTPTransport(srv.URL)
	file := "data:text/plain;base64,aGk="

	req := SendRequest{
		Credentials:      Credentials{DBURL: "postgres://x"},
		Table:            "messages",
		Columns:          []string{"id", "message"},
		IdentifierColumn: "visitor_id",
		ConversationID:   "v1",
		Sender:           SenderAdmin,
		AuthorLabel:      "Dana",
		Body:             "hello",
		Attachment:       &file,
		CreatedAt:        "2024-01-01T00:00:00Z",
		RequestID:        "req-1",
	}

	res, err := tr.SendMessage(ctxT(t), req)
	require.NoError(t, err)
	assert.True(t, res.OK)

	body, requestID := srv.last()
	assert.Equal(t, "req-1", requestID)
	assert.Equal(t, "visitor_id", body["user_identifier_col"])
	assert.Equal(t, "v1", body["user_identifier"])
	assert.Equal(t, "Dana", body["admin_name"])
	assert.Equal(t, "hello", body["message"])
	assert.Equal(t, file, body["file_base64"])
	assert.NotContains(t, body, "RequestID")

	srv.reply("/api/messages/send", `{"ok": false, "error": "insert failed"}`)
	res, err = tr.SendMessage(ctxT(t), req)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "insert failed", res.Error.Error())

	srv.reply("/api/messages/send", `{"ok": false}`)
	res, err = tr.SendMessage(ctxT(t), req)
	require.NoError(t, err)
	assert.Equal(t, "unknown", res.Error.Error())
}
