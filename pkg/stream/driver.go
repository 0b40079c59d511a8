package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/retry"
	"github.com/harun/ranya-runtime/pkg/sse"
)

const (
	defaultReadBufferSize = 4096
	// maxDrainBytes bounds how much is read after [DONE] before closing.
	maxDrainBytes = 64 << 10
)

// ErrStreamIncomplete is returned when the byte source hit EOF before the
// stream signalled completion.
var ErrStreamIncomplete = errors.New("stream ended before completion")

// Opener starts one streaming request and returns its body.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// DriverConfig configures a Driver.
type DriverConfig struct {
	Open  Opener
	Retry retry.Policy
	// OnChunk receives every delta of the attempt in progress. Deltas from an
	// attempt that later failed have already been delivered, so every retry
	// starts with a DeltaRetry.
	OnChunk        func(Delta)
	ReadBufferSize int
	Logger         *zerolog.Logger
}

// Driver runs open/read/assemble cycles for one logical stream. Calls to
// Drive on the same Driver are serialized.
type Driver struct {
	mu      sync.Mutex
	open    Opener
	policy  retry.Policy
	decoder sse.Decoder
	asm     *Assembler
	readBuf []byte
	logger  zerolog.Logger
}

// NewDriver validates cfg and creates a Driver.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.Open == nil {
		return nil, fmt.Errorf("stream driver requires an opener")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "stream_driver").Logger()

	size := cfg.ReadBufferSize
	if size <= 0 {
		size = defaultReadBufferSize
	}

	policy := cfg.Retry
	if policy.Name == "" {
		policy.Name = "stream"
	}
	if policy.Logger == nil {
		policy.Logger = &logger
	}

	asm := NewAssembler(logger)
	asm.SetChunkCallback(cfg.OnChunk)

	return &Driver{
		open:    cfg.Open,
		policy:  policy,
		asm:     asm,
		readBuf: make([]byte, size),
		logger:  logger,
	}, nil
}

// SetChunkCallback replaces the per-delta callback.
func (d *Driver) SetChunkCallback(fn func(Delta)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asm.SetChunkCallback(fn)
}

// Drive opens the stream and reads it to completion, retrying transport
// failures according to the retry policy.
func (d *Driver) Drive(ctx context.Context) (*Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "ranya.stream", "stream.drive")
	defer span.End()

	start := time.Now()
	resp, err := retry.Do(ctx, d.policy, func(ctx context.Context, attempt int) (*Response, error) {
		d.decoder.Reset()
		d.asm.Reset()
		if attempt > 0 {
			d.asm.Restart(attempt + 1)
		}
		return d.attempt(ctx, attempt)
	})
	observability.RecordStreamDuration(time.Since(start), err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("stream.tool_calls", len(resp.ToolCalls)),
		attribute.String("stream.finish_reason", resp.FinishReason),
	)
	return resp, nil
}

func (d *Driver) attempt(ctx context.Context, attempt int) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, retry.Permanent(err)
	}

	body, err := d.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer body.Close()

	for {
		n, readErr := body.Read(d.readBuf)
		if n > 0 {
			d.feed(d.readBuf[:n])
		}

		if d.asm.Ended() {
			d.drain(body)
			return d.asm.Finish(), nil
		}

		if errors.Is(readErr, io.EOF) {
			return d.finishAtEOF(attempt)
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, retry.Permanent(ctxErr)
			}
			return nil, fmt.Errorf("failed to read stream: %w", readErr)
		}
	}
}

func (d *Driver) feed(raw []byte) {
	for ev := range d.decoder.Feed(raw) {
		d.handle(ev)
	}
}

func (d *Driver) handle(ev sse.Event) {
	if ev.Done {
		d.asm.End()
		return
	}
	d.asm.OnEvent(ev.Data)
}

// finishAtEOF accepts a stream that closed without [DONE] only if the
// provider already reported a finish reason.
func (d *Driver) finishAtEOF(attempt int) (*Response, error) {
	if ev, ok := d.decoder.Flush(); ok {
		d.handle(ev)
	}
	if d.asm.Ended() {
		return d.asm.Finish(), nil
	}

	if d.asm.FinishReason() != "" {
		d.logger.Debug().
			Int("attempt", attempt+1).
			Str("finish_reason", d.asm.FinishReason()).
			Msg("Stream closed without terminator")
		d.asm.End()
		return d.asm.Finish(), nil
	}

	return nil, ErrStreamIncomplete
}

func (d *Driver) drain(body io.Reader) {
	n, err := io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	if err != nil {
		d.logger.Debug().Err(err).Msg("Error draining stream after completion")
		return
	}
	if n > 0 {
		d.logger.Debug().Int64("bytes", n).Msg("Discarded bytes after stream end")
	}
}
