// Package dummy is a deterministic offline provider used for demos and tests.
package dummy

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"openui-router/internal/models"
	"openui-router/internal/provider"
)

const (
	// GoodModel selects GoodResponse; any other dummy model gets BadResponse.
	GoodModel = "dummy/good"
	modelName = "openui-dummy"
	chunkSize = 10
)

// GoodResponse is the body streamed for GoodModel.
const GoodResponse = `---
name: Dummy
emoji: 🤖
---

<div class="text-foreground">
    <h1 class="text-primary">Hello, world!</h1>
    <ul>
        <li>Item 1</li>
        <li>Item 2</li>
        <li>Item 3</li>
    </ul>
    <p>This is a dummy response.</p>
    <div class="w-full bg-secondary text-secondary-foreground">
        <img src="https://placehold.co/600x400" alt="Placeholder Image">
    </div>
    <div class="prose">
        <h2>Some more text</h2>
        <p>This is some more text.</p>
        <button class="bg-primary text-primary-foreground">Click me</button>
    </div>
</div>
`

// BadResponse is the body streamed for every other dummy model.
const BadResponse = "This is a bad dummy response."

// Provider splits a fixed body into chunks of at most ten runes.
type Provider struct {
	delay time.Duration
	now   func() time.Time
}

// New returns a dummy provider pausing delay between chunks.
func New(delay time.Duration) *Provider {
	return &Provider{delay: delay, now: time.Now}
}

func (p *Provider) Name() string {
	return "dummy"
}

// OpenStream never fails and performs no I/O.
func (p *Provider) OpenStream(_ context.Context, model string) (provider.Decoder, error) {
	body := BadResponse
	if model == GoodModel {
		body = GoodResponse
	}
	return &decoder{
		id:      "chatcmpl-" + uuid.NewString(),
		pieces:  Split(body, chunkSize),
		delay:   p.delay,
		created: p.now().Unix(),
	}, nil
}

// Split cuts s into pieces of at most size runes.
func Split(s string, size int) []string {
	runes := []rune(s)
	pieces := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}

type decoder struct {
	id      string
	pieces  []string
	next    int
	delay   time.Duration
	created int64
}

func (d *decoder) Next(ctx context.Context) (models.Chunk, bool, error) {
	if d.next >= len(d.pieces) {
		return models.Chunk{}, false, io.EOF
	}
	if d.next > 0 && d.delay > 0 {
		timer := time.NewTimer(d.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.Chunk{}, false, ctx.Err()
		case <-timer.C:
		}
	}
	piece := d.pieces[d.next]
	d.next++
	return models.NewContentChunk(d.id, modelName, d.created, "assistant", piece), false, nil
}

func (d *decoder) Close() error {
	return nil
}
