package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
)

// fakeClock: управляемое время для проверок таймаутов
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestConcurrentCreateYieldsDistinctIDs(t *testing.T) {
	tr := New(time.Minute, zap.NewNop())
	const n = 200

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv, err := tr.Create(domain.KindAgentInvoke, "sales-1", "eng-1", "prioritize_feature", nil)
			assert.NoError(t, err)
			ids <- inv.TrackingID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, n)
	for id := range ids {
		require.NotEmpty(t, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, tr.InFlight())
}

func TestCollisionIsRejected(t *testing.T) {
	tr := New(time.Minute, zap.NewNop(), WithIDGenerator(func() string { return "fixed" }))
	_, err := tr.Create(domain.KindAgentInvoke, "a", "b", "op", nil)
	require.NoError(t, err)

	_, err = tr.Create(domain.KindAgentInvoke, "a", "b", "op", nil)
	assert.ErrorIs(t, err, ErrTrackingCollision)
	assert.Equal(t, 1, tr.InFlight())
}

func TestCompleteIsIdempotent(t *testing.T) {
	tr := New(time.Minute, zap.NewNop())
	inv, err := tr.Create(domain.KindAgentInvoke, "sales-1", "eng-1", "prioritize_feature", map[string]any{"feature": "X"})
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationQueued, inv.Status)
	assert.True(t, tr.MarkProcessing(inv.TrackingID))

	done, err := tr.Complete(inv.TrackingID, domain.InvocationComplete, map[string]any{"priority": "P0"}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationComplete, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = tr.Complete(inv.TrackingID, domain.InvocationFailed, nil, "late")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	got, ok := tr.Get(inv.TrackingID)
	require.True(t, ok)
	assert.Equal(t, domain.InvocationComplete, got.Status, "first completion wins")
	assert.Equal(t, 0, tr.InFlight())
}

func TestConcurrentCompletionsOnlyOneWins(t *testing.T) {
	tr := New(time.Minute, zap.NewNop())
	inv, err := tr.Create(domain.KindAgentInvoke, "sales-1", "eng-1", "op", nil)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Complete(inv.TrackingID, domain.InvocationComplete, nil, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCompleteUnknownAndInvalidStatus(t *testing.T) {
	tr := New(time.Minute, zap.NewNop())
	_, err := tr.Complete("nope", domain.InvocationComplete, nil, "")
	assert.ErrorIs(t, err, ErrUnknownTracking)

	inv, err := tr.Create(domain.KindAgentInvoke, "a", "b", "op", nil)
	require.NoError(t, err)
	_, err = tr.Complete(inv.TrackingID, domain.InvocationProcessing, nil, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 1, tr.InFlight())
}

func TestSweepExpiresStaleInvocations(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	tr := New(60*time.Second, zap.NewNop(), WithClock(clock.Now), WithRetention(time.Minute))

	stale, err := tr.Create(domain.KindAgentInvoke, "sales-1", "eng-1", "op", nil)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	fresh, err := tr.Create(domain.KindAgentInvoke, "sales-1", "eng-1", "op", nil)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	expired := tr.Sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, stale.TrackingID, expired[0].TrackingID)
	assert.Equal(t, domain.InvocationFailed, expired[0].Status)
	assert.Contains(t, expired[0].Error, "timed out")

	// Поздний completion после таймаута: дубликат
	_, err = tr.Complete(stale.TrackingID, domain.InvocationComplete, nil, "")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	_, ok := tr.Get(fresh.TrackingID)
	assert.True(t, ok)

	// После retention архив очищается
	clock.Advance(2 * time.Minute)
	tr.Sweep()
	_, ok = tr.Get(stale.TrackingID)
	assert.False(t, ok)
}

func TestRunDeliversExpired(t *testing.T) {
	tr := New(10*time.Millisecond, zap.NewNop())
	inv, err := tr.Create(domain.KindAgentInvoke, "sales-1", "eng-1", "op", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan domain.Invocation, 1)
	go tr.Run(ctx, 5*time.Millisecond, func(inv domain.Invocation) { got <- inv })

	select {
	case e := <-got:
		assert.Equal(t, inv.TrackingID, e.TrackingID)
		assert.Equal(t, domain.InvocationFailed, e.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("expired invocation was not delivered")
	}
}

func TestDiscard(t *testing.T) {
	tr := New(time.Minute, zap.NewNop())
	inv, err := tr.Create(domain.KindAgentInvoke, "a", "b", "op", nil)
	require.NoError(t, err)
	tr.Discard(inv.TrackingID)
	_, ok := tr.Get(inv.TrackingID)
	assert.False(t, ok)
	assert.Equal(t, 0, tr.InFlight())
}

func TestPostponedFinalizationIsRedeliveredUntilSettled(t *testing.T) {
	tr := New(time.Minute, zap.NewNop())
	inv, err := tr.Create(domain.KindAgentInvoke, "sales-1", "eng-1", "op", nil)
	require.NoError(t, err)
	done, err := tr.Complete(inv.TrackingID, domain.InvocationComplete, nil, "")
	require.NoError(t, err)

	tr.Postpone(done)
	assert.Equal(t, 1, tr.Unsettled())
	assert.Zero(t, tr.InFlight())
	_, err = tr.Complete(inv.TrackingID, domain.InvocationComplete, nil, "")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	go tr.Run(ctx, 5*time.Millisecond, func(got domain.Invocation) {
		assert.Equal(t, domain.InvocationComplete, got.Status)
		if calls.Add(1) == 3 {
			tr.Settle(got.TrackingID)
		}
	})

	require.Eventually(t, func() bool { return tr.Unsettled() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}
