package synergy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cogpy/lemonade-cog/pkg/errmodel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestShareQueryRoundTrip(t *testing.T) {
	l := New()
	require.NoError(t, l.Share("lesson/inference", "prefer batching", "agent_0"))
	e, ok := l.Query("lesson/inference")
	require.True(t, ok)
	assert.Equal(t, "prefer batching", e.Value)
	assert.Equal(t, "agent_0", e.Agent)

	_, ok = l.Query("missing")
	assert.False(t, ok, "missing key must be absent, not an error")
}

func TestShareRejectsMalformedKey(t *testing.T) {
	l := New()
	err := l.Share("  ", 1, "a")
	require.Error(t, err)
	assert.True(t, errmodel.IsValidation(err))
	assert.Equal(t, 0, l.Len())
}

func TestLastWriterWinsWithAudit(t *testing.T) {
	l := New()
	require.NoError(t, l.Share("k", 1, "a1"))
	require.NoError(t, l.Share("other", true, "a1"))
	require.NoError(t, l.Share("k", 2, "a2"))

	e, _ := l.Query("k")
	assert.Equal(t, 2, e.Value)
	assert.Equal(t, "a2", e.Agent)

	audit := l.Audit()
	require.Len(t, audit, 3)
	assert.Equal(t, []string{"a1", "a1", "a2"}, []string{audit[0].Agent, audit[1].Agent, audit[2].Agent})
	for i := 1; i < len(audit); i++ {
		assert.Greater(t, audit[i].Seq, audit[i-1].Seq)
	}
	assert.Equal(t, []string{"other", "k"}, l.Keys())
}

func TestAuditCap(t *testing.T) {
	l := New(WithAuditCap(2))
	for i := range 5 {
		require.NoError(t, l.Share(fmt.Sprintf("k%d", i), i, "a"))
	}
	audit := l.Audit()
	require.Len(t, audit, 2)
	assert.Equal(t, "k3", audit[0].Key)
	assert.Equal(t, "k4", audit[1].Key)
}

func TestTTLExpiryAndEviction(t *testing.T) {
	c := newClock()
	l := New(WithTTL(time.Minute), WithClock(c.Now))
	require.NoError(t, l.Share("old", 1, "a"))
	c.Advance(30 * time.Second)
	require.NoError(t, l.Share("new", 2, "a"))
	c.Advance(40 * time.Second)

	_, ok := l.Query("old")
	assert.False(t, ok)
	_, ok = l.Query("new")
	assert.True(t, ok)
	assert.Equal(t, 1, l.Len())

	assert.Equal(t, 1, l.EvictExpired())
	assert.Equal(t, 0, l.EvictExpired())
	assert.Equal(t, uint64(1), l.Stats().Evicted)
}

func TestMailboxDropsWhenFull(t *testing.T) {
	l := New(WithMailboxSize(2))
	assert.True(t, l.Send("a1", "a2", "k1", 1))
	assert.True(t, l.Send("a1", "a2", "k2", 2))
	assert.False(t, l.Send("a1", "a2", "k3", 3))
	assert.False(t, l.Send("a1", "a2", "", 4))

	s := l.Stats()
	assert.Equal(t, uint64(2), s.Dropped)
	assert.Equal(t, 2, s.Queued)

	assert.Equal(t, 2, l.Drain())
	e, ok := l.Query("k1")
	require.True(t, ok)
	assert.Equal(t, "a1", e.Agent)
	assert.Equal(t, "a2", e.Peer)
	_, ok = l.Query("k3")
	assert.False(t, ok)
}

func TestMailboxPreservesPerSenderOrder(t *testing.T) {
	l := New(WithMailboxSize(1000))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()

	var wg sync.WaitGroup
	for _, sender := range []string{"a1", "a2", "a3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				l.Send(sender, Broadcast, "counter/"+sender, i)
			}
		}()
	}
	wg.Wait()
	cancel()
	<-done

	for _, sender := range []string{"a1", "a2", "a3"} {
		e, ok := l.Query("counter/" + sender)
		require.True(t, ok)
		assert.Equal(t, 99, e.Value, "last delivered value for %s", sender)
	}
	assert.Equal(t, uint64(300), l.Stats().Delivered)

	counts := map[string]int{}
	for _, r := range l.Audit() {
		if r.Op == OpDeliver {
			counts[r.Agent]++
		}
	}
	assert.Equal(t, map[string]int{"a1": 100, "a2": 100, "a3": 100}, counts)
}
