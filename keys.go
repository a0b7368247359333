package adminchat

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// ConversationKey returns the conversation a row belongs to: the value of
// identifierAttr, falling back to DefaultIdentifierAttribute, then "".
func ConversationKey(r Row, identifierAttr string) string {
	if identifierAttr != "" {
		if v := r.Value(identifierAttr); v != "" {
			return v
		}
	}
	return r.Value(DefaultIdentifierAttribute)
}

// Fingerprint identifies a message for deduplication. Timestamps are rounded
// to the nearest second so clock jitter between two copies of one event does
// not matter. The server identity is part of the fingerprint: a provisional
// copy and its confirmed copy differ here and are paired by the Store's
// reconciliation step instead. Provisional messages use their local id in
// place of the timestamp, so two identical sends within a second stay apart.
func Fingerprint(m Message, identifierAttr string) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0x1f})
	}
	write(ConversationKey(m.Row, identifierAttr))
	write(m.ID())
	write(strings.ToLower(m.Sender()))
	if m.Provisional() && m.LocalID != "" {
		write("local:" + m.LocalID)
	} else {
		write(roundedTimestamp(m.CreatedAt()))
	}
	write(m.Body())
	if att := m.Attachment(); att != "" {
		sum := sha256.Sum256([]byte(att))
		write("a:" + hex.EncodeToString(sum[:]))
	} else {
		write("-")
	}
	return hex.EncodeToString(h.Sum(nil))
}

func roundedTimestamp(s string) string {
	t, ok := ParseTimestamp(s)
	if !ok {
		return "raw:" + s
	}
	return strconv.FormatInt(t.Round(time.Second).Unix(), 10)
}

// reconcileKey is what a provisional message and its confirmed copy share.
// Timestamps are ignored since the two clocks differ.
func reconcileKey(m Message, identifierAttr string) string {
	return ConversationKey(m.Row, identifierAttr) + "\x1f" +
		strings.ToLower(m.Sender()) + "\x1f" + m.Body()
}

// ============================================================================
// Display helpers
// ============================================================================

// FormatConversationID shortens long identifiers for list views.
func FormatConversationID(id string) string {
	if len(id) > 20 {
		return id[:20] + "..."
	}
	return id
}

// Initials returns up to two upper-cased alphanumerics of id, or "??".
func Initials(id string) string {
	var b strings.Builder
	for _, r := range id {
		if b.Len() == 2 {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "??"
	}
	return strings.ToUpper(b.String())
}
