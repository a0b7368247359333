package adminchat

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the remote data source.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Attributes
// ============================================================================

// Well-known attribute names of a message row.
const (
	AttrID          = "id"
	AttrSender      = "sender"
	AttrAuthorLabel = "admin_name"
	AttrBody        = "message"
	AttrAttachment  = "file"
	AttrCreatedAt   = "created_at"

	// DefaultIdentifierAttribute is consulted when the configured
	// conversation attribute is missing from a row.
	DefaultIdentifierAttribute = "user_identifier"
)

const (
	SenderAdmin = "admin"
	SenderUser  = "user"
)

// IsAdminSender reports whether sender marks an operator-authored message.
func IsAdminSender(sender string) bool {
	return strings.EqualFold(sender, SenderAdmin)
}

// ============================================================================
// Row
// ============================================================================

// Row is an ordered attribute→value mapping. Attribute names are dynamic:
// whatever columns the remote table or the imported snapshot carries.
type Row struct {
	keys   []string
	values map[string]string
}

// NewRow builds a row from alternating name/value pairs.
func NewRow(pairs ...string) Row {
	var r Row
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Set(pairs[i], pairs[i+1])
	}
	return r
}

// Get returns the value of attr and whether it is present.
func (r Row) Get(attr string) (string, bool) {
	v, ok := r.values[attr]
	return v, ok
}

// Value returns the value of attr or "" when absent.
func (r Row) Value(attr string) string {
	return r.values[attr]
}

// Set assigns attr, appending it to the attribute order if new.
func (r *Row) Set(attr, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	if _, ok := r.values[attr]; !ok {
		r.keys = append(r.keys, attr)
	}
	r.values[attr] = value
}

// Delete removes attr.
func (r *Row) Delete(attr string) {
	if _, ok := r.values[attr]; !ok {
		return
	}
	delete(r.values, attr)
	for i, k := range r.keys {
		if k == attr {
			r.keys = append(r.keys[:i:i], r.keys[i+1:]...)
			break
		}
	}
}

// Keys returns attribute names in insertion order.
func (r Row) Keys() []string {
	return append([]string(nil), r.keys...)
}

func (r Row) Len() int { return len(r.keys) }

// Clone returns a deep copy.
func (r Row) Clone() Row {
	out := Row{keys: append([]string(nil), r.keys...)}
	if r.values != nil {
		out.values = make(map[string]string, len(r.values))
		for k, v := range r.values {
			out.values[k] = v
		}
	}
	return out
}

// MarshalJSON writes the row as an object, preserving attribute order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ============================================================================
// Message
// ============================================================================

// DeliveryState tracks an operator message created by this client.
// Rows from the remote source or from a snapshot carry DeliveryNone.
type DeliveryState string

const (
	DeliveryNone      DeliveryState = ""
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is one chat entry held by the Store.
type Message struct {
	Row
	Delivery DeliveryState `json:"-"`
	// LocalID correlates a provisional message with send events.
	LocalID string `json:"-"`
}

func (m Message) ID() string          { return m.Value(AttrID) }
func (m Message) Sender() string      { return m.Value(AttrSender) }
func (m Message) AuthorLabel() string { return m.Value(AttrAuthorLabel) }
func (m Message) Body() string        { return m.Value(AttrBody) }
func (m Message) Attachment() string  { return m.Value(AttrAttachment) }
func (m Message) CreatedAt() string   { return m.Value(AttrCreatedAt) }
func (m Message) IsAdmin() bool       { return IsAdminSender(m.Sender()) }

// Time parses CreatedAt; unparseable timestamps yield the zero time.
func (m Message) Time() time.Time {
	t, _ := ParseTimestamp(m.CreatedAt())
	return t
}

// Provisional reports whether the message was created locally and the
// remote source has not assigned it an identity yet.
func (m Message) Provisional() bool {
	return m.ID() == "" && m.Delivery != DeliveryNone
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	return Message{Row: m.Row.Clone(), Delivery: m.Delivery, LocalID: m.LocalID}
}

// normalize fills the defaults every stored row relies on.
func normalize(r Row, now time.Time) Row {
	out := r.Clone()
	if out.Value(AttrSender) == "" {
		out.Set(AttrSender, SenderUser)
	}
	if out.Value(AttrCreatedAt) == "" {
		out.Set(AttrCreatedAt, now.UTC().Format(time.RFC3339Nano))
	}
	if v, ok := out.Get(AttrAttachment); ok && v == "" {
		out.Delete(AttrAttachment)
	}
	return out
}

// ============================================================================
// Timestamps
// ============================================================================

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses the ISO-8601 variants emitted by SQL backends and
// browsers.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ============================================================================
// Transport Types
// ============================================================================

// Credentials identify the remote table store behind the API.
type Credentials struct {
	DBURL string `json:"db_url"`
}

// QueryRequest asks the remote source for message rows.
type QueryRequest struct {
	Credentials
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	// Since is a cursor or cutoff; nil requests everything.
	Since *string `json:"since"`
	Limit int     `json:"limit"`
}

// QueryResult is the remote answer to a QueryRequest.
type QueryResult struct {
	OK    bool
	Rows  []Row
	Error *APIError
}

// SendRequest dispatches one operator message.
type SendRequest struct {
	Credentials
	Table            string   `json:"table"`
	Columns          []string `json:"columns"`
	IdentifierColumn string   `json:"user_identifier_col"`
	ConversationID   string   `json:"user_identifier"`
	Sender           string   `json:"sender"`
	AuthorLabel      string   `json:"admin_name"`
	Body             string   `json:"message"`
	Attachment       *string  `json:"file_base64"`
	CreatedAt        string   `json:"created_at"`
	RequestID        string   `json:"-"`
}

// SendResult reports whether the remote source accepted a message.
type SendResult struct {
	OK    bool      `json:"ok"`
	Error *APIError `json:"-"`
}
