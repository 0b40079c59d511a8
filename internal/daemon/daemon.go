package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harun/ranya-runtime/internal/config"
	"github.com/harun/ranya-runtime/internal/logger"
	"github.com/harun/ranya-runtime/internal/telegram"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/harun/ranya-runtime/pkg/channels"
	"github.com/harun/ranya-runtime/pkg/gateway"
	"github.com/harun/ranya-runtime/pkg/retry"
	"github.com/harun/ranya-runtime/pkg/scheduler"
	"github.com/harun/ranya-runtime/pkg/webhook"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	telemetryFlushTimeout  = 5 * time.Second
)

// Daemon represents the Ranya runtime service
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	// Core modules
	scheduler *scheduler.Scheduler
	registry  *channels.Registry
	provider  agent.Provider
	runner    *agent.Runner

	// Ingress
	webhookServer *webhook.Server
	gatewayServer *gateway.Server
	telegramBot   *telegram.Bot
	redisClient   *redis.Client

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager
	timerIDs  []string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	released chan struct{}

	startTime time.Time
	running   bool
	stopped   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool            `json:"running"`
	StartTime time.Time       `json:"start_time,omitempty"`
	Uptime    time.Duration   `json:"uptime"`
	Channels  []string        `json:"channels"`
	Scheduler scheduler.Stats `json:"scheduler"`
}

var newStreamProvider = func(cfg config.StreamConfig) (agent.Provider, error) {
	return agent.NewOpenAIProvider(agent.OpenAIOptions{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	})
}

var newTelegramBot = func(opts telegram.Options) (*telegram.Bot, error) {
	return telegram.New(opts)
}

// New creates a new daemon instance. Nothing is started until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
		ctx:      ctx,
		cancel:   cancel,
		released: make(chan struct{}),
	}

	if err := d.initializeCoreModules(); err != nil {
		d.shutdownTracing()
		cancel()
		return nil, err
	}
	if err := d.initializeChannels(); err != nil {
		d.closeClients()
		d.shutdownTracing()
		cancel()
		return nil, err
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
	defer cancel()
	if err := tracing.Shutdown(flushCtx); err != nil {
		d.log.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if cfg.Tracing.Enabled {
		if err := tracing.Init(tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			Export:      cfg.Tracing.Stdout,
		}); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		d.tracingEnabled = true
	}

	d.scheduler = scheduler.New(scheduler.Options{
		Workers:           cfg.Scheduler.Workers,
		DiscardOnShutdown: !cfg.Scheduler.DrainOnShutdown,
		Logger:            d.logger.Ptr(),
	})
	d.registry = channels.NewRegistry(channels.SubmitDispatch(d.scheduler))

	provider, err := newStreamProvider(cfg.Stream)
	if err != nil {
		return fmt.Errorf("failed to create stream provider: %w", err)
	}
	if cfg.Stream.Breaker.Enabled {
		provider = agent.NewBreakerProvider(provider, agent.BreakerConfig{
			ConsecutiveFailures: cfg.Stream.Breaker.ConsecutiveFailures,
			OpenTimeout:         time.Duration(cfg.Stream.Breaker.OpenSeconds) * time.Second,
			Logger:              d.logger.Ptr(),
		})
	}
	d.provider = provider

	runner, err := agent.NewRunner(agent.Config{
		Provider:     provider,
		Model:        cfg.Stream.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Temperature:  cfg.Agent.Temperature,
		MaxTokens:    cfg.Agent.MaxTokens,
		MaxHistory:   cfg.Agent.MaxHistory,
		Retry:        StreamRetryPolicy(cfg.Stream, d.logger.Ptr()),
		Replies:      d.registry,
		Logger:       d.logger.Ptr(),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = runner

	d.scheduler.SetTaskHandler(runner.HandleTask)
	d.scheduler.SetEventHandler(runner.HandleEvent)

	d.log.Info().
		Int("workers", cfg.Scheduler.Workers).
		Str("model", cfg.Stream.Model).
		Bool("breaker", cfg.Stream.Breaker.Enabled).
		Bool("tracing", d.tracingEnabled).
		Msg("Core modules initialized")
	return nil
}

// StreamRetryPolicy converts stream settings into the retry policy used for
// opening and draining a completion stream.
func StreamRetryPolicy(cfg config.StreamConfig, log *zerolog.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        time.Duration(cfg.BaseBackoffMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		Logger:      log,
	}
}

func (d *Daemon) initializeChannels() error {
	cfg := d.config

	if err := d.registry.Register(channels.NewDirectChannel(agent.TimerChannel)); err != nil {
		return err
	}

	if cfg.Webhook.Enabled {
		d.webhookServer = webhook.NewServer(webhook.ServerOptions{
			Host:           cfg.Webhook.Host,
			Port:           cfg.Webhook.Port,
			RateLimit:      cfg.Webhook.RateLimit,
			Burst:          cfg.Webhook.Burst,
			IdempotencyTTL: time.Duration(cfg.Webhook.IdempotencyTTLSeconds) * time.Second,
			MaxBodyBytes:   cfg.Webhook.MaxBodyBytes,
			Secret:         cfg.Webhook.Secret,
			Stats:          d.scheduler.Stats,
			Logger:         d.logger.Ptr(),
		})
		if err := d.registry.Register(d.webhookServer); err != nil {
			return err
		}
	}

	if cfg.Gateway.Enabled {
		d.gatewayServer = gateway.NewServer(gateway.Options{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			Stats:        d.scheduler.Stats,
			Logger:       d.logger.Ptr(),
		})
		if err := d.registry.Register(d.gatewayServer); err != nil {
			return err
		}
	}

	if cfg.Telegram.Enabled {
		bot, err := newTelegramBot(telegram.Options{
			BotToken:  cfg.Telegram.BotToken,
			Allowlist: cfg.Telegram.Allowlist,
			Logger:    d.logger.Ptr(),
		})
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		d.telegramBot = bot
		if err := d.registry.Register(bot); err != nil {
			return err
		}
	}

	if cfg.Spool.Enabled {
		spool, err := channels.NewSpoolChannel(channels.SpoolConfig{
			Dir:    cfg.Spool.Dir,
			Logger: d.logger.Ptr(),
		})
		if err != nil {
			return fmt.Errorf("failed to create spool channel: %w", err)
		}
		if err := d.registry.Register(spool); err != nil {
			return err
		}
	}

	if cfg.Redis.Enabled {
		client, err := channels.NewRedisClient(d.ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		d.redisClient = client
		ch, err := channels.NewRedisChannel(channels.RedisConfig{
			Client:      client,
			Stream:      cfg.Redis.Stream,
			Group:       cfg.Redis.Group,
			Consumer:    cfg.Redis.Consumer,
			ReplyStream: cfg.Redis.ReplyStream,
			Logger:      d.logger.Ptr(),
		})
		if err != nil {
			return fmt.Errorf("failed to create redis channel: %w", err)
		}
		if err := d.registry.Register(ch); err != nil {
			return err
		}
	}

	d.log.Info().Strs("channels", d.registry.Names()).Msg("Channels initialized")
	return nil
}

// Start starts the scheduler, every channel and the configured timers.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("daemon has been stopped")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting Ranya runtime")

	if err := d.lifecycle.Start(); err != nil {
		d.abortStart()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.scheduler.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	for _, timer := range d.config.Scheduler.Timers {
		id, err := d.scheduler.ScheduleCron(timer.Name, timer.Schedule, agent.TimerPayload{
			Name:    timer.Name,
			Session: timer.Session,
			Prompt:  timer.Prompt,
		})
		if err != nil {
			d.abortStart()
			return fmt.Errorf("failed to schedule timer %q: %w", timer.Name, err)
		}
		d.timerIDs = append(d.timerIDs, id)
	}

	if err := d.registry.StartAll(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("failed to start channels: %w", err)
	}
	log.Info().Strs("channels", d.registry.Names()).Msg("Channels started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	log.Info().
		Int("timers", len(d.timerIDs)).
		Msg("Runtime started")
	return nil
}

// abortStart unwinds a partially started daemon.
func (d *Daemon) abortStart() {
	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
	defer cancel()
	d.shutdown(ctx)
}

// Run starts the daemon and blocks until ctx is cancelled, SIGINT or SIGTERM
// arrives, or the scheduler stops on its own. It then stops the daemon.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-ctx.Done():
		d.log.Info().Msg("Context cancelled")
	case <-d.scheduler.Stopped():
		d.log.Warn().Msg("Scheduler stopped unexpectedly")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
	defer cancel()

	// A second signal abandons the graceful drain.
	go func() {
		select {
		case sig := <-sigCh:
			d.log.Warn().Str("signal", sig.String()).Msg("Second signal received, abandoning drain")
			cancel()
		case <-stopCtx.Done():
		}
	}()

	return d.stop(stopCtx)
}

// Stop requests scheduler shutdown, waits for the workers to finish the
// queued tasks, and only then closes the channels so that replies can
// still be delivered.
func (d *Daemon) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
	defer cancel()
	return d.stop(ctx)
}

func (d *Daemon) stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	return d.shutdown(ctx)
}

func (d *Daemon) shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.running = false
	d.stopped = true
	d.mu.Unlock()

	log := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping Ranya runtime")

	// Producers see ErrShuttingDown from here on.
	d.scheduler.RequestShutdown()
	for _, id := range d.timerIDs {
		d.scheduler.CancelEvent(id)
	}

	if err := d.scheduler.Shutdown(ctx); err != nil {
		// Handlers still running may deliver replies or touch redis, so
		// nothing is released until the workers have returned.
		abandoned := d.scheduler.Abandon()
		log.Error().Err(err).
			Int("abandoned", abandoned).
			Int64("in_flight", d.scheduler.Stats().InFlight).
			Msg("Scheduler did not drain in time, releasing resources after in-flight tasks finish")
		go func() {
			d.scheduler.Wait()
			releaseCtx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
			defer cancel()
			_ = d.release(releaseCtx, log)
		}()
		return err
	}

	return d.release(ctx, log)
}

// release tears down everything handlers may use. Callers must have joined
// the scheduler workers first.
func (d *Daemon) release(ctx context.Context, log zerolog.Logger) error {
	defer close(d.released)

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := d.registry.StopAll(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop channels")
		record(err)
	}
	d.closeClients()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	d.shutdownTracing()

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
		record(err)
	}

	stats := d.scheduler.Stats()
	log.Info().
		Uint64("completed", stats.Completed).
		Uint64("failed", stats.Failed).
		Uint64("abandoned", stats.Abandoned).
		Msg("Runtime stopped")
	return firstErr
}

// Released is closed once channels, clients, tracing and the PID file have
// been released. After a drain timeout this happens only when the last
// in-flight task returns.
func (d *Daemon) Released() <-chan struct{} {
	return d.released
}

func (d *Daemon) closeClients() {
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to close redis client")
		}
		d.redisClient = nil
	}
}

func (d *Daemon) shutdownTimeout() time.Duration {
	if d.config.Scheduler.ShutdownTimeoutSeconds > 0 {
		return time.Duration(d.config.Scheduler.ShutdownTimeoutSeconds) * time.Second
	}
	return defaultShutdownTimeout
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:   d.running,
		Channels:  d.registry.Names(),
		Scheduler: d.scheduler.Stats(),
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetScheduler returns the task scheduler
func (d *Daemon) GetScheduler() *scheduler.Scheduler {
	return d.scheduler
}

// GetChannelRegistry returns the channel registry
func (d *Daemon) GetChannelRegistry() *channels.Registry {
	return d.registry
}

// GetAgentRunner returns the agent runner
func (d *Daemon) GetAgentRunner() *agent.Runner {
	return d.runner
}

// GetWebhookServer returns the webhook server, nil when disabled
func (d *Daemon) GetWebhookServer() *webhook.Server {
	return d.webhookServer
}

// GetGatewayServer returns the gateway server, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
