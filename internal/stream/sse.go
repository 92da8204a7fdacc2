package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"openui-router/internal/models"
)

// DoneSentinel is the payload of the terminal frame.
const DoneSentinel = "[DONE]"

// maxSSELineSize bounds a single upstream SSE line (1 MiB).
const maxSSELineSize = 1 << 20

// FrameKind classifies an outbound SSE frame.
type FrameKind int

const (
	FrameChunk FrameKind = iota
	FrameDone
	FrameError
)

// Frame is one SSE text frame ready to be written to the caller.
type Frame struct {
	Kind FrameKind
	Text string
	// Content is set on chunk frames that carry at least one choice.
	Content bool
	// Usage is the provider-reported usage attached to the chunk, if any.
	Usage *models.Usage
}

// DoneFrame returns the terminal frame.
func DoneFrame() Frame {
	return Frame{Kind: FrameDone, Text: "data: " + DoneSentinel + "\n\n"}
}

// frameSafe folds line breaks so a message stays on one SSE line.
var frameSafe = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// ErrorFrame returns the in-band error frame for err.
func ErrorFrame(err error) Frame {
	return Frame{Kind: FrameError, Text: fmt.Sprintf("error: %s\n\n", frameSafe.Replace(err.Error()))}
}

// ChunkFrame serializes a canonical chunk as an SSE data frame.
func ChunkFrame(chunk models.Chunk) (Frame, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal chunk: %w", err)
	}
	return Frame{
		Kind:    FrameChunk,
		Text:    "data: " + string(data) + "\n\n",
		Content: len(chunk.Choices) > 0,
		Usage:   chunk.Usage,
	}, nil
}

// Scanner reads data payloads from an upstream SSE body. Comments and
// non-data fields are skipped; consecutive data lines are joined with "\n".
// Next returns io.EOF at the [DONE] sentinel or at end of input.
type Scanner struct {
	scanner *bufio.Scanner
}

// NewScanner wraps r.
func NewScanner(r io.Reader) *Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	return &Scanner{scanner: scanner}
}

// Next returns the next data payload.
func (s *Scanner) Next() (string, error) {
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if len(dataLines) > 0 {
				return strings.Join(dataLines, "\n"), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == DoneSentinel {
				return "", io.EOF
			}
			dataLines = append(dataLines, data)
		}
	}

	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("read SSE stream: %w", err)
	}
	if len(dataLines) > 0 {
		return strings.Join(dataLines, "\n"), nil
	}
	return "", io.EOF
}
