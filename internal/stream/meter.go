package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"openui-router/internal/models"
)

const commitTimeout = 10 * time.Second

// Recorder is the ledger operation the meter commits to.
type Recorder interface {
	Increment(ctx context.Context, userID string, day time.Time, inputTokens, outputTokens int64) error
}

// Meter forwards frames from a Reader, counting content frames as the output
// token proxy. When the terminal frame arrives it commits usage exactly once,
// before forwarding the terminal. An upstream failure is converted into one
// error frame and nothing is committed.
type Meter struct {
	src        Reader
	ledger     Recorder
	userID     string
	input      int
	multiplier int
	now        func() time.Time

	chunks    int
	reported  *models.Usage
	committed bool
	finished  bool

	committedInput  int64
	committedOutput int64
}

// NewMeter wraps src. A nil ledger disables the commit.
func NewMeter(src Reader, ledger Recorder, userID string, inputTokens, multiplier int) *Meter {
	return &Meter{
		src:        src,
		ledger:     ledger,
		userID:     userID,
		input:      inputTokens,
		multiplier: multiplier,
		now:        time.Now,
	}
}

// Unmetered wraps src with terminal and error framing but no ledger commit.
func Unmetered(src Reader) *Meter {
	return NewMeter(src, nil, "", 0, 0)
}

// WithClock overrides the clock used to pick the ledger day.
func (m *Meter) WithClock(now func() time.Time) *Meter {
	m.now = now
	return m
}

// Next returns the next frame, or io.EOF once the stream has ended.
func (m *Meter) Next(ctx context.Context) (Frame, error) {
	if m.finished {
		return Frame{}, io.EOF
	}

	frame, err := m.src.Next(ctx)
	if errors.Is(err, io.EOF) {
		m.finished = true
		m.commit(ctx)
		return DoneFrame(), nil
	}
	if err != nil {
		m.finished = true
		if ctxErr := ctx.Err(); ctxErr != nil {
			slog.Info("stream abandoned by caller", "user", m.userID, "chunks", m.chunks)
			return Frame{}, ctxErr
		}
		slog.Error("stream failed", "user", m.userID, "chunks", m.chunks, "err", err)
		return ErrorFrame(err), nil
	}

	switch frame.Kind {
	case FrameChunk:
		if frame.Content {
			m.chunks++
		}
		if frame.Usage != nil {
			m.reported = frame.Usage
		}
	case FrameDone:
		m.finished = true
		m.commit(ctx)
	case FrameError:
		m.finished = true
	}
	return frame, nil
}

// Close releases the wrapped reader when it holds upstream resources.
func (m *Meter) Close() error {
	m.finished = true
	if closer, ok := m.src.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Chunks returns the number of content frames forwarded so far.
func (m *Meter) Chunks() int {
	return m.chunks
}

// Committed reports the scaled usage written to the ledger, if any.
func (m *Meter) Committed() (inputTokens, outputTokens int64, ok bool) {
	return m.committedInput, m.committedOutput, m.committed
}

func (m *Meter) commit(ctx context.Context) {
	if m.committed || m.ledger == nil {
		return
	}
	m.committed = true

	input, output := m.input, m.chunks
	if m.reported != nil {
		if m.reported.PromptTokens > 0 {
			input = m.reported.PromptTokens
		}
		if m.reported.CompletionTokens > 0 {
			output = m.reported.CompletionTokens
		}
	}
	m.committedInput = int64(input * m.multiplier)
	m.committedOutput = int64(output * m.multiplier)

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := m.ledger.Increment(commitCtx, m.userID, m.now(), m.committedInput, m.committedOutput); err != nil {
		slog.Error("record usage", "user", m.userID, "err", err)
		return
	}
	slog.Debug("usage recorded",
		"user", m.userID,
		"input_tokens", m.committedInput,
		"output_tokens", m.committedOutput,
		"multiplier", m.multiplier,
	)
}
