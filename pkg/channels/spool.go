package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	spoolProcessedDir = "processed"
	spoolFailedDir    = "failed"
	spoolRepliesDir   = "replies"
)

// SpoolConfig configures a SpoolChannel.
type SpoolConfig struct {
	Dir string
	// StabilityThreshold is how long a file must stay quiet before it is read.
	StabilityThreshold time.Duration
	Logger             *zerolog.Logger
}

// SpoolChannel turns files dropped into a directory into tasks. A .json file
// must hold an Envelope; any other regular file is read as a plain prompt
// whose session is the file's base name. Consumed files move to processed/
// (or failed/) and replies are written to replies/<task_id>.json.
type SpoolChannel struct {
	dir       string
	threshold time.Duration
	logger    zerolog.Logger

	watcher  *fsnotify.Watcher
	dispatch DispatchFunc
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	procMu sync.Mutex
}

// NewSpoolChannel creates a spool channel rooted at cfg.Dir.
func NewSpoolChannel(cfg SpoolConfig) (*SpoolChannel, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	return &SpoolChannel{
		dir:            cfg.Dir,
		threshold:      cfg.StabilityThreshold,
		logger:         base.With().Str("component", "channel").Str("channel", "spool").Logger(),
		debounceTimers: make(map[string]*time.Timer),
	}, nil
}

// Name returns channel name.
func (c *SpoolChannel) Name() string {
	return "spool"
}

// Start creates the spool layout, sweeps files already present and begins
// watching for new ones.
func (c *SpoolChannel) Start(ctx context.Context, dispatch DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	for _, sub := range []string{"", spoolProcessedDir, spoolFailedDir, spoolRepliesDir} {
		if err := os.MkdirAll(filepath.Join(c.dir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch spool: %w", err)
	}

	c.watcher = watcher
	c.dispatch = dispatch
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.loopDone = make(chan struct{})

	go c.eventLoop()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool: %w", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			c.process(filepath.Join(c.dir, entry.Name()))
		}
	}

	c.logger.Info().Str("dir", c.dir).Msg("Spool channel started")
	return nil
}

// Stop stops watching. Files still debouncing are left for the next start.
func (c *SpoolChannel) Stop(_ context.Context) error {
	if c.watcher == nil {
		return nil
	}
	c.cancel()

	c.debounceMu.Lock()
	for _, timer := range c.debounceTimers {
		timer.Stop()
	}
	clear(c.debounceTimers)
	c.debounceMu.Unlock()

	err := c.watcher.Close()
	<-c.loopDone
	c.watcher = nil
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	c.logger.Info().Msg("Spool channel stopped")
	return nil
}

func (c *SpoolChannel) eventLoop() {
	defer close(c.loopDone)
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				c.debounce(event.Name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("Watcher error")
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *SpoolChannel) debounce(path string) {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()

	if timer, exists := c.debounceTimers[path]; exists {
		timer.Stop()
	}
	c.debounceTimers[path] = time.AfterFunc(c.threshold, func() {
		c.debounceMu.Lock()
		delete(c.debounceTimers, path)
		c.debounceMu.Unlock()

		if c.ctx.Err() != nil {
			return
		}
		c.process(path)
	})
}

func (c *SpoolChannel) process(path string) {
	c.procMu.Lock()
	defer c.procMu.Unlock()

	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	msg, err := c.readMessage(path)
	if err == nil {
		var receipt Receipt
		receipt, err = c.dispatch(c.ctx, msg)
		if err == nil {
			c.logger.Info().
				Str("file", name).
				Str("task_id", receipt.TaskID).
				Uint64("seq", receipt.Seq).
				Msg("Spool file submitted")
			c.move(path, spoolProcessedDir)
			return
		}
	}

	c.logger.Warn().Err(err).Str("file", name).Msg("Spool file rejected")
	c.move(path, spoolFailedDir)
}

func (c *SpoolChannel) readMessage(path string) (InboundMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return InboundMessage{}, fmt.Errorf("failed to read spool file: %w", err)
	}

	name := filepath.Base(path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))

	if strings.EqualFold(filepath.Ext(name), ".json") {
		env, err := ParseEnvelope(data)
		if err != nil {
			return InboundMessage{}, err
		}
		if env.Session == "" {
			env.Session = "spool:" + stem
		}
		return env.Message(c.Name()), nil
	}

	return InboundMessage{
		Channel:    c.Name(),
		SessionKey: "spool:" + stem,
		Content:    strings.TrimSpace(string(data)),
		Metadata:   map[string]string{"file": name},
	}, nil
}

func (c *SpoolChannel) move(path, sub string) {
	dest := filepath.Join(c.dir, sub, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		c.logger.Error().Err(err).Str("file", path).Msg("Failed to move spool file")
	}
}

// Deliver writes the reply to replies/<task_id>.json. Task ids that are not
// a single path element get a generated name instead.
func (c *SpoolChannel) Deliver(_ context.Context, reply Reply) error {
	data, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}
	name := reply.TaskID
	if !safeReplyName(name) {
		if name != "" {
			c.logger.Warn().Str("task_id", name).Msg("Reply task id is not a plain file name, using a generated one")
		}
		name = "reply-" + uuid.NewString()
	}
	dest := filepath.Join(c.dir, spoolRepliesDir, name+".json")
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	return nil
}

func safeReplyName(id string) bool {
	if id == "" || id == "." || strings.Contains(id, "..") {
		return false
	}
	if strings.ContainsAny(id, `/\`) {
		return false
	}
	return filepath.Base(id) == id
}
