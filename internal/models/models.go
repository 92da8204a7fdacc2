package models

import "encoding/json"

const (
	// ChunkObject is the object tag carried by every streamed chunk.
	ChunkObject = "chat.completion.chunk"

	PartTypeText  = "text"
	PartTypeImage = "image_url"
)

// ImageURL references an image, usually as a base64 data URI.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one typed segment of multi-part message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Message represents a single conversational message in the unified schema.
// Exactly one of Content or Parts is meaningful: Parts is non-nil when the
// caller sent typed content.
type Message struct {
	Role    string
	Content string
	Parts   []ContentPart
	Name    string
}

// Text returns the textual content of the message, joining text parts with a space.
func (m Message) Text() string {
	if m.Parts == nil {
		return m.Content
	}
	var out string
	for _, part := range m.Parts {
		if part.Type != PartTypeText {
			continue
		}
		if out != "" {
			out += " "
		}
		out += part.Text
	}
	return out
}

// ChatRequest is the canonical representation of a chat completion.
type ChatRequest struct {
	Model    string
	Messages []Message
	Options  map[string]any
}

// Clone returns a deep copy so classification can rewrite fields freely.
func (r ChatRequest) Clone() ChatRequest {
	out := ChatRequest{Model: r.Model}
	if r.Messages != nil {
		out.Messages = make([]Message, len(r.Messages))
		for i, msg := range r.Messages {
			out.Messages[i] = msg
			if msg.Parts != nil {
				out.Messages[i].Parts = make([]ContentPart, len(msg.Parts))
				for j, part := range msg.Parts {
					out.Messages[i].Parts[j] = part
					if part.ImageURL != nil {
						img := *part.ImageURL
						out.Messages[i].Parts[j].ImageURL = &img
					}
				}
			}
		}
	}
	if r.Options != nil {
		out.Options = make(map[string]any, len(r.Options))
		for k, v := range r.Options {
			out.Options[k] = v
		}
	}
	return out
}

// Chunk is the normalized streaming unit every provider is converted into.
type Chunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint *string       `json:"system_fingerprint,omitempty"`
	Choices           []ChunkChoice `json:"choices"`
	Usage             *Usage        `json:"usage,omitempty"`
}

// ChunkChoice carries one delta of a streamed chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message content of a choice.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// Usage records token accounting information reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewContentChunk builds a single-choice chunk carrying content.
func NewContentChunk(id, model string, created int64, role, content string) Chunk {
	return Chunk{
		ID:      id,
		Object:  ChunkObject,
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{{
			Index: 0,
			Delta: Delta{Role: role, Content: content},
		}},
	}
}
