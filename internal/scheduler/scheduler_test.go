package scheduler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcemu-project/gcemu/internal/config"
	"github.com/gcemu-project/gcemu/internal/events"
	"github.com/gcemu-project/gcemu/internal/login"
	"github.com/gcemu-project/gcemu/internal/network"
	"github.com/gcemu-project/gcemu/internal/security"
)

type idleHandler struct{}

func (idleHandler) Open(*network.Connection) error { return nil }
func (idleHandler) ProcessIncomingData(c *network.Connection) error {
	c.Inbound().Reset()
	return nil
}
func (idleHandler) Closed(*network.Connection) {}

type fakePruner struct {
	cutoffs []time.Time
}

func (p *fakePruner) PruneLoginAttempts(before time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, before)
	return 2, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *events.EventBus, *network.Listener, *fakePruner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l, err := network.NewListener(ctx, network.ListenerConfig{Address: "127.0.0.1", Groups: 3},
		func() network.Handler { return idleHandler{} })
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	registry := security.NewRegistry()
	pruner := &fakePruner{}
	s := NewScheduler(config.DefaultConfig(), bus, l, registry,
		login.NewServer(ctx, registry, nil, nil, login.Options{}), pruner)
	return s, bus, l, pruner
}

func TestReportStats(t *testing.T) {
	s, bus, l, _ := newTestScheduler(t)

	got := make(chan events.StatsPayload, 1)
	bus.Subscribe(events.EventStatsSnapshot, "test", func(_ context.Context, ev events.Event) error {
		got <- ev.Payload.(events.StatsPayload)
		return nil
	})

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return l.ConnectionCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	p := s.ReportStats(context.Background())
	assert.Equal(t, 1, p.Connections)
	assert.Equal(t, []int{1, 0, 0}, p.GroupSizes)
	assert.Equal(t, 1, p.Associations)

	select {
	case ev := <-got:
		assert.Equal(t, p.Connections, ev.Connections)
	case <-time.After(5 * time.Second):
		t.Fatal("no stats event")
	}
}

func TestRunCleanerUsesRetention(t *testing.T) {
	s, _, _, pruner := newTestScheduler(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RunCleaner()
	require.Len(t, pruner.cutoffs, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), pruner.cutoffs[0])
}

func TestNextCleanupTime(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	s.now = func() time.Time { return time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC), s.nextCleanupTime())

	s.now = func() time.Time { return time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC), s.nextCleanupTime())

	s.cfg.Cleanup.CleanupTime = "bogus"
	s.now = func() time.Time { return time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC), s.nextCleanupTime())
}
