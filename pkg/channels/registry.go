package channels

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/harun/ranya-runtime/internal/observability"
)

// ErrNoResponder is returned when a reply targets a channel that cannot
// deliver replies.
var ErrNoResponder = errors.New("channel cannot deliver replies")

type entry struct {
	ch      Channel
	running bool
}

// Registry owns the ingress channels. Channels push inbound messages through
// Dispatch; the runner sends replies back through Deliver.
type Registry struct {
	dispatch DispatchFunc

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry constructs a channel registry that hands inbound messages to
// dispatch.
func NewRegistry(dispatch DispatchFunc) *Registry {
	return &Registry{
		dispatch: dispatch,
		entries:  make(map[string]*entry),
	}
}

// Register adds a channel to the registry. Names must be unique.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}
	name := strings.TrimSpace(ch.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.entries[name] = &entry{ch: ch}
	return nil
}

// IsRegistered returns true when channel exists in the registry.
func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.channel(name)
	return ok
}

func (r *Registry) channel(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[strings.TrimSpace(name)]; ok {
		return e.ch, true
	}
	return nil, false
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Dispatch hands an inbound message to the scheduler bridge. Messages for
// unknown channels are refused.
func (r *Registry) Dispatch(ctx context.Context, msg InboundMessage) (Receipt, error) {
	if r.dispatch == nil {
		return Receipt{}, fmt.Errorf("dispatch function is not configured")
	}
	msg.Channel = strings.TrimSpace(msg.Channel)
	switch {
	case msg.Channel == "":
		return Receipt{}, fmt.Errorf("channel is required")
	case !r.IsRegistered(msg.Channel):
		return Receipt{}, fmt.Errorf("channel %q is not registered", msg.Channel)
	}

	receipt, err := r.dispatch(ctx, msg)
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	observability.RecordIngress(msg.Channel, outcome)
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Deliver routes a reply to its origin channel.
func (r *Registry) Deliver(ctx context.Context, reply Reply) error {
	ch, ok := r.channel(reply.Channel)
	if !ok {
		return fmt.Errorf("channel %q is not registered", reply.Channel)
	}
	responder, ok := ch.(Responder)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoResponder, reply.Channel)
	}
	if err := responder.Deliver(ctx, reply); err != nil {
		return fmt.Errorf("failed to deliver reply on %q: %w", reply.Channel, err)
	}
	return nil
}

// DeliverChunk forwards streamed text to channels that implement
// ChunkReceiver. Other channels only see the final reply.
func (r *Registry) DeliverChunk(ctx context.Context, chunk Chunk) error {
	ch, ok := r.channel(chunk.Channel)
	if !ok {
		return nil
	}
	if receiver, ok := ch.(ChunkReceiver); ok {
		return receiver.DeliverChunk(ctx, chunk)
	}
	return nil
}

// StartAll starts every channel in name order. If one fails, the channels
// started by this call are stopped again before the error is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	var started []string
	for _, name := range r.Names() {
		changed, err := r.setRunning(ctx, name, true)
		if err != nil {
			for _, s := range slices.Backward(started) {
				_, _ = r.setRunning(ctx, s, false)
			}
			return err
		}
		if changed {
			started = append(started, name)
		}
	}
	return nil
}

// StopAll stops every running channel in reverse name order and reports
// all failures.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	for _, name := range slices.Backward(r.Names()) {
		if _, err := r.setRunning(ctx, name, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start starts one channel. Starting a running channel is a no-op.
func (r *Registry) Start(ctx context.Context, name string) error {
	_, err := r.setRunning(ctx, name, true)
	return err
}

// Stop stops one channel. Stopping an idle channel is a no-op.
func (r *Registry) Stop(ctx context.Context, name string) error {
	_, err := r.setRunning(ctx, name, false)
	return err
}

// setRunning moves a channel to the wanted state and reports whether it
// had to act. The channel's own Start/Stop runs outside the registry lock.
func (r *Registry) setRunning(ctx context.Context, name string, want bool) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("channel name is required")
	}

	r.mu.RLock()
	e, ok := r.entries[name]
	running := ok && e.running
	r.mu.RUnlock()

	switch {
	case !ok:
		return false, fmt.Errorf("channel %q is not registered", name)
	case running == want:
		return false, nil
	}

	if want {
		if err := e.ch.Start(ctx, r.Dispatch); err != nil {
			return false, fmt.Errorf("failed to start channel %q: %w", name, err)
		}
	} else if err := e.ch.Stop(ctx); err != nil {
		return false, fmt.Errorf("failed to stop channel %q: %w", name, err)
	}

	r.mu.Lock()
	e.running = want
	r.mu.Unlock()
	return true, nil
}
