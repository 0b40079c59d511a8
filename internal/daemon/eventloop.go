package daemon

import (
	"context"
	"time"
)

const (
	defaultStatsInterval = time.Minute
	// sessionIdleTimeout drops agent histories nobody has used for a day.
	sessionIdleTimeout = 24 * time.Hour
)

// EventLoop handles periodic maintenance while the daemon runs
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	interval := time.Duration(d.config.Scheduler.StatsIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &EventLoop{
		daemon:   d,
		interval: interval,
	}
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Debug().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Debug().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks()
		}
	}
}

func (e *EventLoop) processTasks() {
	stats := e.daemon.scheduler.Stats()
	e.daemon.log.Info().
		Str("state", stats.State).
		Int("queued", stats.Queued).
		Int64("in_flight", stats.InFlight).
		Uint64("submitted", stats.Submitted).
		Uint64("completed", stats.Completed).
		Uint64("failed", stats.Failed).
		Uint64("panicked", stats.Panicked).
		Int("pending_events", stats.PendingEvents).
		Msg("Scheduler stats")

	if pruned := e.daemon.runner.Sessions().Prune(sessionIdleTimeout); pruned > 0 {
		e.daemon.log.Debug().Int("sessions", pruned).Msg("Pruned idle sessions")
	}
}
