// Package stream turns provider-native streams into canonical SSE frames and
// meters the token usage of each stream.
package stream

import (
	"context"
	"errors"
	"io"
	"time"

	"openui-router/internal/models"
	"openui-router/internal/provider"
)

// DefaultWaitBudget bounds the connect and priming read of every stream.
const DefaultWaitBudget = 180 * time.Second

// State is the lifecycle position of a Handle.
type State int

const (
	StateAwaitingFirst State = iota
	StateStreaming
	StateTerminating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingFirst:
		return "awaiting_first"
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Reader yields SSE frames until io.EOF.
type Reader interface {
	Next(ctx context.Context) (Frame, error)
}

// OpenFunc connects to a provider and returns its decoder.
type OpenFunc func(ctx context.Context) (provider.Decoder, error)

type primed struct {
	dec   provider.Decoder
	chunk models.Chunk
	done  bool
	err   error
}

// Handle is an opened provider stream whose first element is already read.
// It emits exactly one terminal frame, always last.
type Handle struct {
	dec    provider.Decoder
	cancel context.CancelFunc
	state  State

	pending     *models.Chunk
	pendingDone bool
}

// Open connects and performs the priming read within budget. Connection
// failures and an immediately failing upstream are returned here rather than
// surfacing mid-stream. A budget overrun returns provider.ErrStreamTimeout.
func Open(ctx context.Context, budget time.Duration, open OpenFunc) (*Handle, error) {
	if budget <= 0 {
		budget = DefaultWaitBudget
	}

	streamCtx, cancel := context.WithCancel(ctx)
	resultCh := make(chan primed, 1)

	go func() {
		dec, err := open(streamCtx)
		if err != nil {
			resultCh <- primed{err: err}
			return
		}
		chunk, done, err := dec.Next(streamCtx)
		resultCh <- primed{dec: dec, chunk: chunk, done: done, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return newHandle(res, cancel)
	case <-timer.C:
		cancel()
		go discard(resultCh)
		return nil, provider.ErrStreamTimeout
	case <-ctx.Done():
		cancel()
		go discard(resultCh)
		return nil, ctx.Err()
	}
}

func newHandle(res primed, cancel context.CancelFunc) (*Handle, error) {
	h := &Handle{dec: res.dec, cancel: cancel, state: StateStreaming}

	switch {
	case res.err == nil:
		chunk := res.chunk
		h.pending = &chunk
		h.pendingDone = res.done
	case errors.Is(res.err, io.EOF):
		h.state = StateTerminating
	default:
		if res.dec != nil {
			_ = res.dec.Close()
		}
		cancel()
		return nil, res.err
	}
	return h, nil
}

func discard(resultCh <-chan primed) {
	res := <-resultCh
	if res.dec != nil {
		_ = res.dec.Close()
	}
}

// State reports the current lifecycle state.
func (h *Handle) State() State {
	return h.state
}

// Next returns the next frame. After the terminal frame it returns io.EOF.
func (h *Handle) Next(ctx context.Context) (Frame, error) {
	switch h.state {
	case StateDone:
		return Frame{}, io.EOF
	case StateTerminating:
		h.finish()
		return DoneFrame(), nil
	}

	var (
		chunk models.Chunk
		done  bool
	)
	if h.pending != nil {
		chunk, done = *h.pending, h.pendingDone
		h.pending = nil
	} else {
		var err error
		chunk, done, err = h.dec.Next(ctx)
		if errors.Is(err, io.EOF) {
			h.finish()
			return DoneFrame(), nil
		}
		if err != nil {
			h.finish()
			return Frame{}, err
		}
	}

	frame, err := ChunkFrame(chunk)
	if err != nil {
		h.finish()
		return Frame{}, err
	}
	if done {
		h.state = StateTerminating
	}
	return frame, nil
}

// Close releases the upstream. It is safe to call more than once.
func (h *Handle) Close() error {
	if h.state == StateDone {
		return nil
	}
	h.finish()
	return nil
}

func (h *Handle) finish() {
	h.state = StateDone
	if h.dec != nil {
		_ = h.dec.Close()
	}
	if h.cancel != nil {
		h.cancel()
	}
}
