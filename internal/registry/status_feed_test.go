package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
)

func TestParseSignal(t *testing.T) {
	tests := []struct {
		payload  string
		identity string
		status   domain.AgentStatus
		ok       bool
	}{
		{"eng-1:offline", "eng-1", domain.StatusOffline, true},
		{"eng-1:ACTIVE", "eng-1", domain.StatusActive, true},
		{"tenant:eng-1:down", "tenant:eng-1", domain.StatusOffline, true},
		{"eng-1", "", "", false},
		{":offline", "", "", false},
		{"eng-1:maybe", "", "", false},
	}
	for _, tt := range tests {
		identity, status, ok := parseSignal(tt.payload)
		assert.Equal(t, tt.ok, ok, tt.payload)
		assert.Equal(t, tt.identity, identity, tt.payload)
		assert.Equal(t, tt.status, status, tt.payload)
	}
}

func TestStatusFeedAppliesSnapshotAndSignals(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	r, sink, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"eng-1", "eng-2"} {
		_, err := r.RegisterAgent(ctx, AgentRegistration{Identity: id})
		require.NoError(t, err)
	}

	// Снимок, записанный внешним checker до нашего старта
	mr.HSet("mesh:agents:status:state", "eng-2", "offline")

	feed := NewStatusFeed(rdb, r, "mesh:agents:status", zap.NewNop())
	go feed.Run(ctx)

	status := func(id string) domain.AgentStatus {
		a, ok := r.ResolveAgent(id)
		require.True(t, ok)
		return a.Status
	}
	require.Eventually(t, func() bool { return status("eng-2") == domain.StatusOffline }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mr.Publish("mesh:agents:status", "eng-1:offline")
		return status("eng-1") == domain.StatusOffline
	}, 2*time.Second, 20*time.Millisecond)

	assert.Contains(t, sink.types(), domain.EventAgentStatusChanged)
}
