package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-mesh/internal/bus"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
)

type inbox struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (i *inbox) handle(_ context.Context, m *bus.Msg) {
	i.mu.Lock()
	i.msgs = append(i.msgs, m.Data)
	i.mu.Unlock()
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func (i *inbox) first(t *testing.T, v any) {
	t.Helper()
	i.mu.Lock()
	defer i.mu.Unlock()
	require.NotEmpty(t, i.msgs)
	require.NoError(t, json.Unmarshal(i.msgs[0], v))
}

func TestDirectoryChangeReachesAllSubscribers(t *testing.T) {
	b := bus.NewMemory(16, zap.NewNop())
	defer b.Close()

	var a, c inbox
	_, err := b.Subscribe("directory.updates", a.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("directory.updates", c.handle)
	require.NoError(t, err)

	f := New(b, 8, 2, nil, zap.NewNop())
	f.Start()
	defer f.Stop()

	require.NoError(t, f.PublishDirectoryChange(context.Background(), domain.DirectoryEvent{
		Type: domain.EventAgentRegistered,
		Data: map[string]any{"identity": "eng-1"},
	}))

	require.Eventually(t, func() bool { return a.len() == 1 && c.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	var ev domain.DirectoryEvent
	a.first(t, &ev)
	assert.Equal(t, domain.EventAgentRegistered, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestCompletionGoesToSourceChannelOnly(t *testing.T) {
	b := bus.NewMemory(16, zap.NewNop())
	defer b.Close()

	var sales, other inbox
	_, err := b.Subscribe("agent.sales-1.notifications", sales.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("agent.eng-1.notifications", other.handle)
	require.NoError(t, err)

	f := New(b, 8, 1, nil, zap.NewNop())
	f.Start()
	defer f.Stop()

	require.NoError(t, f.PublishCompletion(context.Background(), "sales-1", domain.CompletionEvent{
		TrackingID: "t-1",
		Status:     domain.InvocationComplete,
		Result:     map[string]any{"priority": "P0"},
	}))

	require.Eventually(t, func() bool { return sales.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	var ev domain.CompletionEvent
	sales.first(t, &ev)
	assert.Equal(t, domain.EventInvocationComplete, ev.Type)
	assert.Equal(t, "t-1", ev.TrackingID)
	assert.Equal(t, map[string]any{"priority": "P0"}, ev.Result)
	assert.Equal(t, 0, other.len())

	assert.ErrorIs(t, f.PublishCompletion(context.Background(), "", ev), domain.ErrValidation)
}

func TestStopDrainsQueue(t *testing.T) {
	b := bus.NewMemory(256, zap.NewNop())
	defer b.Close()

	var rx inbox
	_, err := b.Subscribe("directory.updates", rx.handle)
	require.NoError(t, err)

	f := New(b, 128, 2, nil, zap.NewNop())
	for i := 0; i < 50; i++ {
		require.NoError(t, f.PublishDirectoryChange(context.Background(), domain.DirectoryEvent{Type: domain.EventKBRegistered}))
	}
	// Воркеры стартуют уже с полной очередью
	f.Start()
	f.Stop()

	require.Eventually(t, func() bool { return rx.len() == 50 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, f.PublishDirectoryChange(context.Background(), domain.DirectoryEvent{}), ErrStopped)
}

func TestEnqueueRespectsContextWhenFull(t *testing.T) {
	b := bus.NewMemory(4, zap.NewNop())
	defer b.Close()

	f := New(b, 1, 1, nil, zap.NewNop()) // без Start: очередь никто не разбирает
	require.NoError(t, f.PublishDirectoryChange(context.Background(), domain.DirectoryEvent{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.PublishDirectoryChange(ctx, domain.DirectoryEvent{}), context.DeadlineExceeded)
}
