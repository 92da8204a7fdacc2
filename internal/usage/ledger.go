// Package usage stores per-user daily token counters.
package usage

import (
	"context"
	"sync"
	"time"
)

// dayLayout is the calendar-day key format.
const dayLayout = "2006-01-02"

// Ledger is the durable per (user, day) token counter.
type Ledger interface {
	// Increment adds the deltas to the (user, day) row, creating it when absent.
	Increment(ctx context.Context, userID string, day time.Time, inputTokens, outputTokens int64) error
	// SumSince returns input+output tokens for every row with day >= since.
	SumSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// Day formats t as a calendar-day key in t's location.
func Day(t time.Time) string {
	return t.Format(dayLayout)
}

// ParseDay parses a calendar-day key in the local time zone.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(dayLayout, s, time.Local)
}

type memoryKey struct {
	user string
	day  string
}

type memoryRow struct {
	input  int64
	output int64
}

// MemoryLedger is an in-process Ledger for tests and database-less runs.
type MemoryLedger struct {
	mu   sync.Mutex
	rows map[memoryKey]memoryRow
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[memoryKey]memoryRow)}
}

func (l *MemoryLedger) Increment(_ context.Context, userID string, day time.Time, inputTokens, outputTokens int64) error {
	key := memoryKey{user: userID, day: Day(day)}

	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.rows[key]
	row.input += inputTokens
	row.output += outputTokens
	l.rows[key] = row
	return nil
}

func (l *MemoryLedger) SumSince(_ context.Context, userID string, since time.Time) (int64, error) {
	from := Day(since)

	l.mu.Lock()
	defer l.mu.Unlock()

	var total int64
	for key, row := range l.rows {
		if key.user == userID && key.day >= from {
			total += row.input + row.output
		}
	}
	return total, nil
}

// Row returns the counters for one (user, day).
func (l *MemoryLedger) Row(userID string, day time.Time) (inputTokens, outputTokens int64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.rows[memoryKey{user: userID, day: Day(day)}]
	return row.input, row.output, ok
}
