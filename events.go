package adminchat

import "sync"

// Session events.
const (
	EventNoticeError     = "notice.error"
	EventNoticeWarning   = "notice.warning"
	EventNoticeSuccess   = "notice.success"
	EventMessageLocal    = "message.local"
	EventMessageSent     = "message.confirmed"
	EventMessageFailed   = "message.failed"
	EventSyncComplete    = "sync.complete"
	EventHealthChanged   = "health.changed"
	EventSnapshotLoaded  = "snapshot.loaded"
	EventSnapshotWritten = "snapshot.written"
)

// EventHandler handles session events. Notice events carry a string payload.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
