package adminchat

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSendGrace is how long auto refresh stays suspended after a send
// starts. It must cover the send round trip.
const DefaultSendGrace = 5 * time.Second

// Sender runs the optimistic send pipeline: the operator's message lands in
// the store as pending before the remote source has seen it.
type Sender struct {
	store     *Store
	transport Transport
	settings  *Settings
	scheduler *Scheduler
	events    *emitter
	log       *zap.Logger
	metrics   *Metrics
	now       func() time.Time
	grace     time.Duration
}

// SendOutcome describes what happened to one Send call.
type SendOutcome struct {
	LocalID   string        `json:"local_id"`
	CreatedAt string        `json:"created_at"`
	Delivery  DeliveryState `json:"delivery"`
	Err       error         `json:"-"`
}

// Send posts body (and an optional attachment, usually a data URL) to the
// active conversation. The provisional message is merged before dispatch and
// marked confirmed or failed afterwards; its server identity arrives later
// through an ordinary refresh. In snapshot mode nothing is dispatched and the
// local message is confirmed at once.
func (s *Sender) Send(ctx context.Context, body string, attachment *string) (*SendOutcome, error) {
	conv := s.store.Active()
	if conv == "" {
		return nil, ErrNoActiveConversation
	}
	if attachment != nil && *attachment == "" {
		attachment = nil
	}
	cfg := s.settings.Get()
	attr := cfg.Identifier()

	started := s.now()
	createdAt := started.UTC().Format(time.RFC3339Nano)
	localID := uuid.NewString()

	row := NewRow(
		AttrSender, SenderAdmin,
		AttrAuthorLabel, cfg.AuthorLabel(),
		AttrBody, body,
		AttrCreatedAt, createdAt,
	)
	if attachment != nil {
		row.Set(AttrAttachment, *attachment)
	}
	row.Set(attr, conv)
	row.Set(DefaultIdentifierAttribute, conv)

	local := Message{Row: row, Delivery: DeliveryPending, LocalID: localID}
	s.store.Merge([]Message{local}, false)
	s.events.emit(EventMessageLocal, local.Clone())

	out := &SendOutcome{LocalID: localID, CreatedAt: createdAt, Delivery: DeliveryPending}

	if !cfg.Polling() {
		s.mark(localID, DeliveryConfirmed)
		out.Delivery = DeliveryConfirmed
		return out, nil
	}

	s.scheduler.Suspend()
	defer s.resumeAfter(started)

	req := SendRequest{
		Credentials:      cfg.Credentials(),
		Table:            cfg.Table.Name,
		Columns:          cfg.ColumnList(),
		IdentifierColumn: attr,
		ConversationID:   conv,
		Sender:           SenderAdmin,
		AuthorLabel:      cfg.AuthorLabel(),
		Body:             body,
		Attachment:       attachment,
		CreatedAt:        createdAt,
		RequestID:        uuid.NewString(),
	}

	err := s.dispatch(ctx, req)
	if err != nil {
		s.mark(localID, DeliveryFailed)
		s.metrics.sent("error")
		s.log.Warn("send failed", zap.String("conversation", conv), zap.String("request_id", req.RequestID), zap.Error(err))
		s.events.emit(EventNoticeError, fmt.Sprintf("Send failed: %v", err))
		s.events.emit(EventMessageFailed, localID)
		out.Delivery = DeliveryFailed
		out.Err = err
		return out, err
	}

	s.mark(localID, DeliveryConfirmed)
	s.metrics.sent("ok")
	s.log.Debug("send accepted", zap.String("conversation", conv), zap.String("request_id", req.RequestID))
	s.events.emit(EventMessageSent, localID)
	out.Delivery = DeliveryConfirmed
	return out, nil
}

// mark records the delivery state on the provisional message. A miss is
// expected when a refresh already reconciled it with the server copy.
func (s *Sender) mark(localID string, state DeliveryState) {
	if !s.store.SetDelivery(localID, state) {
		s.log.Debug("no provisional message to mark",
			zap.String("local_id", localID), zap.String("delivery", string(state)))
	}
}

func (s *Sender) dispatch(ctx context.Context, req SendRequest) error {
	res, err := s.transport.SendMessage(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if !res.OK {
		reason := "unknown"
		if res.Error != nil {
			reason = res.Error.Error()
		}
		return fmt.Errorf("%w: %s", ErrSendFailed, reason)
	}
	return nil
}

// resumeAfter resumes the scheduler once the grace window measured from
// started has elapsed.
func (s *Sender) resumeAfter(started time.Time) {
	remaining := s.grace - s.now().Sub(started)
	if remaining <= 0 {
		s.scheduler.Resume()
		return
	}
	time.AfterFunc(remaining, s.scheduler.Resume)
}

// EncodeAttachment turns file contents into the data URL form the send
// endpoint expects.
func EncodeAttachment(name string, data []byte) string {
	typ := mime.TypeByExtension(filepath.Ext(name))
	if typ == "" {
		typ = http.DetectContentType(data)
	}
	return "data:" + typ + ";base64," + base64.StdEncoding.EncodeToString(data)
}
