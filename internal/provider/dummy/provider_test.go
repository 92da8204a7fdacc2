package dummy

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		in   string
		size int
		want []string
	}{
		{"", 10, []string{}},
		{"abc", 10, []string{"abc"}},
		{"abcdefghij", 5, []string{"abcde", "fghij"}},
		{"abcdefg", 3, []string{"abc", "def", "g"}},
		{"🤖🤖🤖", 2, []string{"🤖🤖", "🤖"}},
	}
	for _, tt := range tests {
		got := Split(tt.in, tt.size)
		if len(got) != len(tt.want) {
			t.Errorf("Split(%q, %d) = %q, want %q", tt.in, tt.size, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Split(%q, %d)[%d] = %q, want %q", tt.in, tt.size, i, got[i], tt.want[i])
			}
		}
	}
}

func drain(t *testing.T, p *Provider, model string) []string {
	t.Helper()
	dec, err := p.OpenStream(context.Background(), model)
	if err != nil {
		t.Fatalf("OpenStream error = %v", err)
	}
	defer dec.Close()

	var pieces []string
	for {
		chunk, done, err := dec.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return pieces
		}
		if err != nil {
			t.Fatalf("Next error = %v", err)
		}
		if done {
			t.Fatal("dummy stream ends with io.EOF, not a done marker")
		}
		pieces = append(pieces, chunk.Choices[0].Delta.Content)
	}
}

func TestGoodModelStreamsFixedBody(t *testing.T) {
	pieces := drain(t, New(0), GoodModel)

	if got := strings.Join(pieces, ""); got != GoodResponse {
		t.Errorf("assembled body differs from GoodResponse:\n%s", got)
	}
	for i, piece := range pieces {
		if n := utf8.RuneCountInString(piece); n == 0 || n > chunkSize {
			t.Errorf("piece %d has %d runes", i, n)
		}
	}
}

func TestOtherModelsStreamBadBody(t *testing.T) {
	for _, model := range []string{"dummy/bad", "dummy/anything", "dummy"} {
		if got := strings.Join(drain(t, New(0), model), ""); got != BadResponse {
			t.Errorf("%s body = %q, want %q", model, got, BadResponse)
		}
	}
}

func TestDelayHonoursCancellation(t *testing.T) {
	dec, err := New(time.Hour).OpenStream(context.Background(), GoodModel)
	if err != nil {
		t.Fatalf("OpenStream error = %v", err)
	}
	if _, _, err := dec.Next(context.Background()); err != nil {
		t.Fatalf("first Next error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := dec.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next error = %v, want context.Canceled", err)
	}
}
