package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-mesh/internal/bus"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
)

const rulesYAML = `
default_effect: deny
rules:
  - id: block-interns
    requester: "intern-*"
    effect: deny
    reason: interns have no access
  - id: sales-crm
    requester: "sales-*"
    target: crm-db
    operation: query
    effect: allow
    mask: [phone, email]
  - id: sales-eng
    requester: "sales-*"
    target: "eng-*"
    effect: allow
`

func writeRules(t *testing.T, body string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))
	return file
}

func TestStaticEngineDecisions(t *testing.T) {
	e, err := LoadStaticEngine(writeRules(t, rulesYAML), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name   string
		req    Request
		allow  bool
		masked []string
		reason string
	}{
		{"allow with sorted mask", Request{Requester: "sales-1", Target: "crm-db", Operation: "query"}, true, []string{"email", "phone"}, ""},
		{"glob target", Request{Requester: "sales-2", Target: "eng-1", Operation: "prioritize_feature"}, true, nil, ""},
		{"first match wins", Request{Requester: "intern-7", Target: "crm-db", Operation: "query"}, false, nil, "interns have no access"},
		{"operation mismatch", Request{Requester: "sales-1", Target: "crm-db", Operation: "exec"}, false, nil, "no policy allows sales-1 to exec on crm-db"},
		{"unknown requester", Request{Requester: "ops-1", Target: "crm-db", Operation: "query"}, false, nil, "no policy allows ops-1 to query on crm-db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Evaluate(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allow, d.Allow)
			assert.Equal(t, tt.masked, d.MaskedFields)
			assert.Equal(t, tt.reason, d.DenyReason)
		})
	}
}

func TestStaticEngineMaskIndependentOfPayload(t *testing.T) {
	e, err := LoadStaticEngine(writeRules(t, rulesYAML), zap.NewNop())
	require.NoError(t, err)

	a, err := e.Evaluate(context.Background(), Request{Requester: "sales-1", Target: "crm-db", Operation: "query",
		Data: Describe("params", map[string]any{"where": map[string]any{"region": "eu"}})})
	require.NoError(t, err)
	b, err := e.Evaluate(context.Background(), Request{Requester: "sales-1", Target: "crm-db", Operation: "query",
		Data: Describe("params", map[string]any{"limit": 1})})
	require.NoError(t, err)
	assert.Equal(t, a.MaskedFields, b.MaskedFields)
}

func TestDefaultAllowEffect(t *testing.T) {
	e := NewStaticEngine(RuleSet{DefaultEffect: domain.EffectAllow}, zap.NewNop())
	d, err := e.Evaluate(context.Background(), Request{Requester: "a", Target: "b", Operation: "c"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestFallbackEffectAppliesOnlyWhenFileOmitsIt(t *testing.T) {
	noDefault := writeRules(t, "rules:\n  - id: ops\n    requester: \"ops-*\"\n    effect: allow\n")
	e, err := LoadStaticEngine(noDefault, zap.NewNop(), WithFallbackEffect(domain.EffectAllow))
	require.NoError(t, err)
	assert.Equal(t, domain.EffectAllow, e.DefaultEffect())
	d, err := e.Evaluate(context.Background(), Request{Requester: "sales-1", Target: "crm-db", Operation: "query"})
	require.NoError(t, err)
	assert.True(t, d.Allow)

	e, err = LoadStaticEngine(noDefault, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, domain.EffectDeny, e.DefaultEffect())

	explicit := writeRules(t, "default_effect: deny\nrules: []\n")
	e, err = LoadStaticEngine(explicit, zap.NewNop(), WithFallbackEffect(domain.EffectAllow))
	require.NoError(t, err)
	assert.Equal(t, domain.EffectDeny, e.DefaultEffect())
	assert.True(t, strings.HasPrefix(e.Hash(), "sha256:"))
}

func TestLoadRejectsBadPattern(t *testing.T) {
	_, err := LoadStaticEngine(writeRules(t, "rules:\n  - id: x\n    requester: \"[\"\n    effect: allow\n"), zap.NewNop())
	assert.Error(t, err)

	_, err = LoadStaticEngine(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop())
	assert.Error(t, err)
}

func TestDescribeKeepsOnlySortedKeys(t *testing.T) {
	d := Describe("payload", map[string]any{"feature": "X", "amount": 10, "card": "4111"})
	assert.Equal(t, DataDescriptor{Kind: "payload", Fields: []string{"amount", "card", "feature"}}, d)
}

func TestBusClientAgainstServedEngine(t *testing.T) {
	b := bus.NewMemory(16, zap.NewNop())
	defer b.Close()

	e, err := LoadStaticEngine(writeRules(t, rulesYAML), zap.NewNop())
	require.NoError(t, err)
	sub, err := Serve(b, "policy.evaluate", e, zap.NewNop())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	c := NewBusClient(b, "policy.evaluate", time.Second, zap.NewNop())
	d, err := c.Evaluate(context.Background(), Request{Requester: "sales-1", Target: "crm-db", Operation: "query"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, []string{"email", "phone"}, d.MaskedFields)
}

func TestBusClientWithoutPDPIsUnavailable(t *testing.T) {
	b := bus.NewMemory(16, zap.NewNop())
	defer b.Close()

	c := NewBusClient(b, "policy.evaluate", 100*time.Millisecond, zap.NewNop())
	_, err := c.Evaluate(context.Background(), Request{Requester: "sales-1", Target: "crm-db", Operation: "query"})
	assert.ErrorIs(t, err, domain.ErrPolicyUnavailable)
}

type brokenPDP struct{}

func (brokenPDP) Evaluate(context.Context, Request) (Decision, error) {
	return Decision{Allow: true}, errors.New("connection refused")
}

func TestFailClosedDenies(t *testing.T) {
	c := FailClosed(brokenPDP{}, zap.NewNop())
	d, err := c.Evaluate(context.Background(), Request{Requester: "sales-1", Target: "crm-db", Operation: "query"})
	require.ErrorIs(t, err, domain.ErrPolicyUnavailable)
	assert.False(t, d.Allow)
	assert.Contains(t, d.DenyReason, "policy decision point unavailable")
	assert.Contains(t, d.DenyReason, "connection refused")
}

func TestWatchReloadsRules(t *testing.T) {
	file := writeRules(t, "default_effect: deny\n")
	e, err := LoadStaticEngine(file, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan string, 4)
	go e.Watch(ctx, func(hash string, err error) {
		if err == nil {
			reloaded <- hash
		}
	})
	// Даем watcher-у встать на каталог
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(file, []byte(rulesYAML), 0o600))
	select {
	case hash := <-reloaded:
		assert.NotEmpty(t, hash)
	case <-time.After(3 * time.Second):
		t.Fatal("rules were not reloaded")
	}
	assert.Len(t, e.Rules(), 3)
}
