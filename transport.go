package adminchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Transport is the remote data source collaborator. Implementations report
// transport-level failures as errors and remote rejections through the
// result's OK flag.
type Transport interface {
	CheckHealth(ctx context.Context) bool
	TestConnection(ctx context.Context, creds Credentials) (bool, error)
	QueryMessages(ctx context.Context, req QueryRequest) (*QueryResult, error)
	SendMessage(ctx context.Context, req SendRequest) (*SendResult, error)
}

const DefaultTimeout = 30 * time.Second

// ============================================================================
// HTTPTransport
// ============================================================================

// HTTPTransport talks JSON to the chat API:
//
//	GET  /api/health          → {"ok": bool}
//	POST /api/db-test         → {"connected": bool}
//	POST /api/messages/query  → {"ok": bool, "rows": [...], "error": "..."}
//	POST /api/messages/send   → {"ok": bool, "error": "..."}
type HTTPTransport struct {
	baseURL    func() string
	httpClient *http.Client
}

type TransportOption func(*HTTPTransport)

func WithTimeout(timeout time.Duration) TransportOption {
	return func(t *HTTPTransport) { t.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) { t.httpClient = client }
}

// NewHTTPTransport creates a transport against a fixed base URL.
func NewHTTPTransport(baseURL string, opts ...TransportOption) *HTTPTransport {
	base := strings.TrimRight(baseURL, "/")
	return NewHTTPTransportFunc(func() string { return base }, opts...)
}

// NewHTTPTransportFunc creates a transport whose base URL is resolved on
// every request, so endpoint switches take effect immediately.
func NewHTTPTransportFunc(baseURL func() string, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ============================================================================
// Internal request helper
// ============================================================================

func (t *HTTPTransport) doRequest(ctx context.Context, method, path string, body any, requestID string) ([]byte, error) {
	base := t.baseURL()
	if base == "" {
		return nil, fmt.Errorf("%w: no API endpoint configured", ErrConnectionUnavailable)
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrConnectionUnavailable, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed response (HTTP %d)", ErrQueryFailed, resp.StatusCode)
	}
	return data, nil
}

// ============================================================================
// Transport methods
// ============================================================================

// CheckHealth reports whether the API answers its health probe.
func (t *HTTPTransport) CheckHealth(ctx context.Context) bool {
	data, err := t.doRequest(ctx, http.MethodGet, "/api/health", nil, "")
	if err != nil {
		return false
	}
	return gjson.GetBytes(data, "ok").Bool()
}

// TestConnection asks the API whether it can reach the table store.
func (t *HTTPTransport) TestConnection(ctx context.Context, creds Credentials) (bool, error) {
	data, err := t.doRequest(ctx, http.MethodPost, "/api/db-test", creds, "")
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(data, "connected").Bool(), nil
}

// QueryMessages fetches rows. Attribute order within each row follows the
// response document.
func (t *HTTPTransport) QueryMessages(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	data, err := t.doRequest(ctx, http.MethodPost, "/api/messages/query", req, "")
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(data)
	res := &QueryResult{OK: true}
	if ok := doc.Get("ok"); ok.Exists() {
		res.OK = ok.Bool()
	}
	if e := apiErrorFrom(doc); e != nil {
		res.OK = false
		res.Error = e
	}
	rows := doc.Get("rows")
	if rows.Exists() && !rows.IsArray() {
		return nil, fmt.Errorf("%w: rows is not an array", ErrQueryFailed)
	}
	rows.ForEach(func(_, v gjson.Result) bool {
		res.Rows = append(res.Rows, rowFromJSON(v))
		return true
	})
	return res, nil
}

// SendMessage dispatches one operator message.
func (t *HTTPTransport) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	data, err := t.doRequest(ctx, http.MethodPost, "/api/messages/send", req, req.RequestID)
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(data)
	res := &SendResult{OK: doc.Get("ok").Bool()}
	if e := apiErrorFrom(doc); e != nil {
		res.OK = false
		res.Error = e
	} else if !res.OK {
		res.Error = &APIError{Message: "unknown"}
	}
	return res, nil
}

// apiErrorFrom accepts both `"error": "text"` and `"error": {code, message}`.
func apiErrorFrom(doc gjson.Result) *APIError {
	e := doc.Get("error")
	switch {
	case !e.Exists() || e.Type == gjson.Null:
		return nil
	case e.IsObject():
		return &APIError{Code: e.Get("code").String(), Message: e.Get("message").String()}
	case e.String() == "":
		return nil
	default:
		return &APIError{Message: e.String()}
	}
}

// rowFromJSON converts a JSON object into a Row. Nulls are dropped, scalars
// keep their textual form, nested values keep their raw JSON.
func rowFromJSON(v gjson.Result) Row {
	var r Row
	v.ForEach(func(k, val gjson.Result) bool {
		switch val.Type {
		case gjson.Null:
		case gjson.JSON:
			r.Set(k.String(), val.Raw)
		default:
			r.Set(k.String(), val.String())
		}
		return true
	})
	return r
}
