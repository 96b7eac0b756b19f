// Package scheduler runs the login server's periodic background tasks: the
// transport stats reporter and the daily login attempt cleaner.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gcemu-project/gcemu/internal/config"
	"github.com/gcemu-project/gcemu/internal/events"
	"github.com/gcemu-project/gcemu/internal/login"
	"github.com/gcemu-project/gcemu/internal/network"
	"github.com/gcemu-project/gcemu/internal/security"
	"github.com/gcemu-project/gcemu/internal/util"
)

// AttemptPruner deletes login attempts older than a cutoff.
type AttemptPruner interface {
	PruneLoginAttempts(before time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	listener *network.Listener
	registry *security.Registry
	login    *login.Server
	pruner   AttemptPruner

	now func() time.Time
}

// NewScheduler creates a new task scheduler. pruner may be nil.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, listener *network.Listener,
	registry *security.Registry, loginSrv *login.Server, pruner AttemptPruner) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		listener: listener,
		registry: registry,
		login:    loginSrv,
		pruner:   pruner,
		now:      time.Now,
	}
}

// Start runs all tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	snap := s.cfg.Snapshot()
	if snap.Cleanup.Enabled && s.pruner != nil {
		go s.runCleanerLoop(ctx)
	}
	go s.runStatsLoop(ctx, time.Duration(snap.Stats.IntervalSec)*time.Second)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runStatsLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReportStats(ctx)
		}
	}
}

// CollectStats gathers a stats snapshot. Host metrics that cannot be read
// are left at zero.
func (s *Scheduler) CollectStats() events.StatsPayload {
	st := s.login.Stats()
	groups := s.listener.Stats()

	p := events.StatsPayload{
		Connections:    s.listener.ConnectionCount(),
		GroupSizes:     make([]int, len(groups)),
		Associations:   s.registry.Len(),
		FramesIn:       st.FramesIn,
		FramesOut:      st.FramesOut,
		FramesRejected: st.FramesRejected,
		ReplaysDropped: st.ReplaysDropped,
	}
	for i, g := range groups {
		p.GroupSizes[i] = g.Connections
	}

	if cpu, err := util.GetCPUUsage(); err == nil {
		p.CPUPercent = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		p.MemoryPercent = mem.UsedPercent
	}
	return p
}

// ReportStats logs a snapshot and publishes it on the bus.
func (s *Scheduler) ReportStats(ctx context.Context) events.StatsPayload {
	p := s.CollectStats()

	log.Info().
		Int("connections", p.Connections).
		Ints("groups", p.GroupSizes).
		Int("associations", p.Associations).
		Uint64("frames_in", p.FramesIn).
		Uint64("frames_out", p.FramesOut).
		Uint64("frames_rejected", p.FramesRejected).
		Uint64("replays_dropped", p.ReplaysDropped).
		Float64("cpu_percent", p.CPUPercent).
		Float64("memory_percent", p.MemoryPercent).
		Msg("transport stats")

	if s.eventBus != nil {
		s.eventBus.Emit(ctx, events.Event{
			Type:    events.EventStatsSnapshot,
			Source:  "scheduler",
			Payload: p,
		})
	}
	return p
}

// runCleanerLoop runs the attempt cleaner at the configured time each day.
func (s *Scheduler) runCleanerLoop(ctx context.Context) {
	for {
		nextRun := s.nextCleanupTime()
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("login attempt cleaner scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.RunCleaner()
		}
	}
}

// RunCleaner deletes login attempts older than the retention period.
func (s *Scheduler) RunCleaner() {
	retention := s.cfg.Snapshot().Cleanup.RetentionDays
	cutoff := s.now().Add(-time.Duration(retention) * 24 * time.Hour)

	deleted, err := s.pruner.PruneLoginAttempts(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("login attempt cleaner failed")
		return
	}

	log.Info().
		Int64("deleted", deleted).
		Int("retention_days", retention).
		Msg("login attempt cleaner completed")
}

// nextCleanupTime returns the next occurrence of the configured time of day.
func (s *Scheduler) nextCleanupTime() time.Time {
	hour, minute, ok := config.ParseClock(s.cfg.Snapshot().Cleanup.CleanupTime)
	if !ok {
		hour, minute = 4, 0
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
