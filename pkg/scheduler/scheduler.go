package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/commandqueue"
	"github.com/harun/ranya-runtime/pkg/cron"
)

const (
	DefaultWorkers = 4
	queueName      = "scheduler"
	// maxReportedIDs caps the task IDs listed in the shutdown warning.
	maxReportedIDs = 50
)

// Options configures a Scheduler.
type Options struct {
	// Workers is the size of the worker pool.
	Workers int
	// DiscardOnShutdown drops tasks still queued when shutdown is requested
	// instead of letting the workers drain them. Dropped tasks are reported.
	DiscardOnShutdown bool
	Logger            *zerolog.Logger
}

type work struct {
	task  Task
	event *ScheduledEvent
}

// Scheduler serializes tasks from many producers onto a fixed worker pool
// and releases timed events through the same queue.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	queue  *commandqueue.Queue[work]

	state        atomic.Int32
	shutdown     atomic.Bool
	shutdownOnce sync.Once
	stopOnce     sync.Once
	done         chan struct{}
	stopped      chan struct{}

	handlerMu    sync.RWMutex
	taskHandler  TaskHandler
	eventHandler EventHandler

	// mu guards the timer heap and the timer sequence.
	mu       sync.Mutex
	timers   eventHeap
	timerSeq uint64
	wake     chan struct{}

	wg      sync.WaitGroup
	baseCtx context.Context

	inFlight  atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	fired     atomic.Uint64
	abandoned atomic.Uint64
}

// New creates a scheduler in the created state.
func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Scheduler{
		opts:    opts,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		queue:   commandqueue.New[work](queueName),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		baseCtx: context.Background(),
	}
}

// SetTaskHandler installs the handler invoked for submitted tasks.
func (s *Scheduler) SetTaskHandler(fn TaskHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.taskHandler = fn
}

// SetEventHandler installs the handler invoked for due events.
func (s *Scheduler) SetEventHandler(fn EventHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.eventHandler = fn
}

// OnQueueEvent observes the underlying task queue.
func (s *Scheduler) OnQueueEvent(eventType string, handler commandqueue.EventHandler) {
	s.queue.On(eventType, handler)
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Stopped is closed once every scheduler goroutine has returned.
func (s *Scheduler) Stopped() <-chan struct{} {
	return s.stopped
}

// Start launches the worker pool and the timer goroutine. Cancelling ctx
// requests shutdown. Handlers receive a context derived from ctx that is
// not cancelled with it.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrNotRunning
	}

	s.baseCtx = context.WithoutCancel(ctx)

	s.wg.Add(s.opts.Workers + 2)
	for i := 0; i < s.opts.Workers; i++ {
		go s.worker(i)
	}
	go s.runTimers()
	go s.watch(ctx)

	if s.shutdown.Load() {
		s.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown))
	}

	s.logger.Info().Int("workers", s.opts.Workers).Msg("Scheduler started")
	return nil
}

// SubmitTask enqueues a task. The payload is owned by the scheduler from
// here on. An empty id is replaced with a generated one.
func (s *Scheduler) SubmitTask(id string, payload []byte, source string, opts ...SubmitOption) (Task, error) {
	if s.shutdown.Load() {
		return Task{}, ErrShuttingDown
	}

	if id == "" {
		generated, err := gonanoid.New()
		if err != nil {
			return Task{}, fmt.Errorf("failed to generate task id: %w", err)
		}
		id = generated
	}

	var task Task
	_, err := s.queue.EnqueueFunc(func(seq uint64) work {
		task = Task{
			ID:         id,
			Payload:    payload,
			Source:     source,
			Seq:        seq,
			EnqueuedAt: time.Now(),
		}
		for _, opt := range opts {
			opt(&task)
		}
		return work{task: task}
	})
	if errors.Is(err, commandqueue.ErrClosed) {
		return Task{}, ErrShuttingDown
	}
	if err != nil {
		return Task{}, err
	}
	s.submitted.Add(1)

	s.logger.Debug().
		Str("task_id", task.ID).
		Str("source", task.Source).
		Uint64("seq", task.Seq).
		Msg("Task submitted")
	return task, nil
}

// ScheduleEvent releases payload to the event handler after delay.
func (s *Scheduler) ScheduleEvent(payload any, delay time.Duration) (string, error) {
	return s.ScheduleAt("", time.Now().Add(delay), payload)
}

// ScheduleAt releases payload at due. A due time in the past fires on the
// next timer pass.
func (s *Scheduler) ScheduleAt(name string, due time.Time, payload any) (string, error) {
	ev := &ScheduledEvent{
		ID:      uuid.NewString(),
		Name:    name,
		Due:     due,
		Payload: payload,
	}
	if err := s.addTimer(ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// ScheduleCron registers a recurring (or one-shot "at") event. Every
// occurrence carries the same event ID.
func (s *Scheduler) ScheduleCron(name string, schedule cron.Schedule, payload any) (string, error) {
	next, ok, err := schedule.Next(time.Now())
	if err != nil {
		return "", fmt.Errorf("invalid schedule for %q: %w", name, err)
	}
	if !ok {
		return "", fmt.Errorf("schedule for %q has no future run", name)
	}

	ev := &ScheduledEvent{
		ID:       uuid.NewString(),
		Name:     name,
		Due:      next,
		Payload:  payload,
		schedule: &schedule,
	}
	if err := s.addTimer(ev); err != nil {
		return "", err
	}

	s.logger.Info().
		Str("event_id", ev.ID).
		Str("name", name).
		Str("kind", string(schedule.Kind)).
		Time("next_run", next).
		Msg("Recurring event scheduled")
	return ev.ID, nil
}

// CancelEvent removes a pending event. It reports whether the event was
// still pending.
func (s *Scheduler) CancelEvent(id string) bool {
	s.mu.Lock()
	removed := s.timers.remove(id)
	pending := len(s.timers)
	s.mu.Unlock()

	if removed {
		observability.RecordTimerCancelled(1)
		observability.SetTimerPending(pending)
		s.signalWake()
	}
	return removed
}

func (s *Scheduler) addTimer(ev *ScheduledEvent) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.timerSeq++
	ev.seq = s.timerSeq
	heap.Push(&s.timers, ev)
	earliest := s.timers.peek() == ev
	pending := len(s.timers)
	s.mu.Unlock()

	observability.SetTimerPending(pending)
	if earliest {
		s.signalWake()
	}
	return nil
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RequestShutdown stops admission of new work and wakes every goroutine.
// Queued tasks are still handled unless DiscardOnShutdown is set. It is
// idempotent and does not wait; use Wait or Shutdown for that.
func (s *Scheduler) RequestShutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.shutdown.Store(true)
		s.mu.Unlock()

		started := s.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown))
		if !started && s.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
			s.cancelPendingTimers()
		}

		s.queue.Close()
		if s.opts.DiscardOnShutdown || s.State() == StateStopped {
			s.reportAbandoned(s.queue.Drain())
		}

		close(s.done)
		s.logger.Info().Str("state", s.State().String()).Msg("Scheduler shutdown requested")

		if s.State() == StateStopped {
			s.stopOnce.Do(func() { close(s.stopped) })
		}
	})
}

func (s *Scheduler) reportAbandoned(items []work) {
	tasks := 0
	ids := make([]string, 0, min(len(items), maxReportedIDs))
	for _, w := range items {
		if w.event != nil {
			continue
		}
		tasks++
		if len(ids) < maxReportedIDs {
			ids = append(ids, w.task.ID)
		}
	}
	events := len(items) - tasks

	if len(items) == 0 {
		return
	}
	s.abandoned.Add(uint64(tasks))
	observability.RecordAbandonedTasks(tasks)
	observability.RecordTimerCancelled(events)
	s.logger.Warn().
		Int("tasks", tasks).
		Int("events", events).
		Strs("task_ids", ids).
		Msg("Discarding queued work at shutdown")
}

// Abandon discards work still queued after shutdown was requested, so that
// only handlers already running remain. It is a no-op before shutdown.
func (s *Scheduler) Abandon() int {
	if !s.shutdown.Load() {
		return 0
	}
	items := s.queue.Drain()
	s.reportAbandoned(items)
	return len(items)
}

// Wait blocks until every scheduler goroutine has returned. It returns
// immediately if Start was never called.
func (s *Scheduler) Wait() {
	s.wg.Wait()
	if !s.shutdown.Load() {
		return
	}
	s.state.Store(int32(StateStopped))
	s.stopOnce.Do(func() { close(s.stopped) })
}

// Shutdown requests shutdown and waits for the workers, giving up when ctx
// expires. Running handlers are never interrupted.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.RequestShutdown()

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Int64("in_flight", s.inFlight.Load()).Msg("Scheduler shutdown timed out")
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

func (s *Scheduler) watch(ctx context.Context) {
	defer s.wg.Done()
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("Context cancelled, requesting shutdown")
		s.RequestShutdown()
	case <-s.done:
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	s.logger.Debug().Int("worker", id).Msg("Worker started")

	for {
		w, err := s.queue.Dequeue()
		if err != nil {
			s.logger.Debug().Int("worker", id).Msg("Worker exiting")
			return
		}
		s.dispatch(w)
	}
}

func (s *Scheduler) handlers() (TaskHandler, EventHandler) {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.taskHandler, s.eventHandler
}

func (s *Scheduler) dispatch(w work) {
	kind, id := "task", w.task.ID
	if w.event != nil {
		kind, id = "event", w.event.ID
	}

	ctx := tracing.NewTaskContext(s.baseCtx, id)
	ctx, span := tracing.StartSpan(ctx, "ranya.scheduler", "scheduler.dispatch",
		attribute.String("kind", kind),
		attribute.String("id", id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("kind", kind).Logger()

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	start := time.Now()
	status := "success"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			s.panicked.Add(1)
			span.SetStatus(codes.Error, "handler panic")
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Handler panicked")
		}
		observability.RecordDispatch(kind, status, time.Since(start))
	}()

	taskHandler, eventHandler := s.handlers()

	var err error
	if w.event != nil {
		if eventHandler == nil {
			err = fmt.Errorf("no event handler registered")
		} else {
			err = eventHandler(ctx, *w.event)
		}
	} else {
		if taskHandler == nil {
			err = fmt.Errorf("no task handler registered")
		} else {
			err = taskHandler(ctx, w.task)
		}
	}

	if err != nil {
		status = "error"
		s.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Handler failed")
		return
	}

	s.completed.Add(1)
	logger.Debug().Dur("duration", time.Since(start)).Msg("Handler completed")
}

// runTimers sleeps until the earliest event is due, then moves every due
// event into the task queue in (due, insertion) order.
func (s *Scheduler) runTimers() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			s.cancelPendingTimers()
			return
		}

		now := time.Now()
		var due []*ScheduledEvent
		for next := s.timers.peek(); next != nil && !next.Due.After(now); next = s.timers.peek() {
			ev := heap.Pop(&s.timers).(*ScheduledEvent)
			due = append(due, ev)
			s.rescheduleLocked(ev, now)
		}

		wait := time.Duration(-1)
		if next := s.timers.peek(); next != nil {
			wait = next.Due.Sub(now)
		}
		pending := len(s.timers)
		s.mu.Unlock()

		observability.SetTimerPending(pending)
		for _, ev := range due {
			s.release(ev)
		}
		if len(due) > 0 {
			// re-check: releasing may have taken long enough for more events to fall due
			continue
		}

		if wait < 0 {
			select {
			case <-s.wake:
			case <-s.done:
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		case <-s.done:
		}
	}
}

// rescheduleLocked pushes the next occurrence of a recurring event.
func (s *Scheduler) rescheduleLocked(ev *ScheduledEvent, now time.Time) {
	if !ev.Recurring() {
		return
	}

	next, ok, err := ev.schedule.Next(now)
	if err != nil || !ok {
		s.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("Recurring event has no next run")
		return
	}

	occurrence := *ev
	occurrence.Due = next
	s.timerSeq++
	occurrence.seq = s.timerSeq
	heap.Push(&s.timers, &occurrence)
}

func (s *Scheduler) release(ev *ScheduledEvent) {
	if _, err := s.queue.Enqueue(work{event: ev}); err != nil {
		observability.RecordTimerCancelled(1)
		s.logger.Warn().Str("event_id", ev.ID).Msg("Due event dropped, scheduler shutting down")
		return
	}
	s.fired.Add(1)
	observability.RecordTimerFired()
	s.logger.Debug().Str("event_id", ev.ID).Str("name", ev.Name).Msg("Scheduled event released")
}

func (s *Scheduler) cancelPendingTimers() {
	s.mu.Lock()
	pending := len(s.timers)
	s.timers = nil
	s.mu.Unlock()

	observability.SetTimerPending(0)
	if pending > 0 {
		observability.RecordTimerCancelled(pending)
		s.logger.Info().Int("count", pending).Msg("Cancelled pending scheduled events")
	}
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	qs := s.queue.Stats()

	s.mu.Lock()
	pending := len(s.timers)
	s.mu.Unlock()

	return Stats{
		State:         s.State().String(),
		Workers:       s.opts.Workers,
		Queued:        qs.Size,
		InFlight:      s.inFlight.Load(),
		Submitted:     s.submitted.Load(),
		Rejected:      qs.Rejected,
		Completed:     s.completed.Load(),
		Failed:        s.failed.Load(),
		Panicked:      s.panicked.Load(),
		PendingEvents: pending,
		FiredEvents:   s.fired.Load(),
		Abandoned:     s.abandoned.Load(),
	}
}
