package adminchat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestHealthMonitor(t *testing.T) {
	ft := newFakeTransport()
	events := newEmitter()
	rec := &recorder{}
	events.On(EventHealthChanged, rec.handle)

	h := newHealthMonitor(ft, events, zap.NewNop(), 10*time.Millisecond)
	h.Start(context.Background())
	defer h.Stop()

	assert.Eventually(t, h.Healthy, time.Second, 5*time.Millisecond)

	ft.mu.Lock()
	ft.healthy = false
	ft.mu.Unlock()
	assert.Eventually(t, func() bool { return !h.Healthy() }, time.Second, 5*time.Millisecond)

	h.Stop()
	assert.Equal(t, []any{true, false}, rec.payloads(EventHealthChanged), "only changes are reported")
}

func TestHealthMonitorReset(t *testing.T) {
	ft := newFakeTransport()
	events := newEmitter()
	rec := &recorder{}
	events.On(EventHealthChanged, rec.handle)
	h := newHealthMonitor(ft, events, zap.NewNop(), 0)
	assert.Equal(t, DefaultHealthInterval, h.interval)

	assert.True(t, h.Check(context.Background()))
	h.Reset()
	assert.False(t, h.Healthy())
	assert.True(t, h.Check(context.Background()))
	assert.Equal(t, []any{true, false, true}, rec.payloads(EventHealthChanged))

	h.Stop()
	h.Start(context.Background())
	h.Stop()
}
