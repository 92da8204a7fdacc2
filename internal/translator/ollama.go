package translator

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"openui-router/internal/models"
	"openui-router/internal/provider"
)

// aggregatorMessageID is the conversation id the legacy aggregator expects on every message.
const aggregatorMessageID = "1zVQTRO"

// OllamaMessage is the local model server's chat message shape. Images are
// raw bytes; encoding/json renders them as base64 strings on the wire.
type OllamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  [][]byte `json:"images,omitempty"`
}

// AggregatorMessage is the legacy chat aggregator's message shape.
type AggregatorMessage struct {
	ID      string   `json:"id"`
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  [][]byte `json:"images,omitempty"`
}

// ToOllamaMessages converts canonical messages into the local server shape.
// Images that fail to decode are dropped.
func ToOllamaMessages(msgs []models.Message) []OllamaMessage {
	out := make([]OllamaMessage, 0, len(msgs))
	for _, msg := range msgs {
		text, images := splitContent(msg)
		out = append(out, OllamaMessage{Role: msg.Role, Content: text, Images: images})
	}
	return out
}

// ToAggregatorMessages converts canonical messages into the legacy aggregator shape.
func ToAggregatorMessages(msgs []models.Message) []AggregatorMessage {
	out := make([]AggregatorMessage, 0, len(msgs))
	for _, msg := range msgs {
		text, images := splitContent(msg)
		out = append(out, AggregatorMessage{
			ID:      aggregatorMessageID,
			Role:    msg.Role,
			Content: text,
			Images:  images,
		})
	}
	return out
}

func splitContent(msg models.Message) (string, [][]byte) {
	if msg.Parts == nil {
		return msg.Content, nil
	}

	var (
		texts  []string
		images [][]byte
	)
	for _, part := range msg.Parts {
		switch part.Type {
		case models.PartTypeText:
			texts = append(texts, part.Text)
		case models.PartTypeImage:
			if part.ImageURL == nil {
				continue
			}
			raw, err := DecodeDataURI(part.ImageURL.URL)
			if err != nil {
				slog.Debug("dropping undecodable image", "role", msg.Role, "err", err)
				continue
			}
			images = append(images, raw)
		}
	}
	return strings.Join(texts, "\n"), images
}

// DecodeDataURI decodes the base64 payload following the last comma of a
// data URI. An empty payload is reported as an error.
func DecodeDataURI(uri string) ([]byte, error) {
	payload := uri
	if idx := strings.LastIndex(uri, ","); idx >= 0 {
		payload = uri[idx+1:]
	}
	payload = strings.TrimSpace(payload)

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrDecode, err)
		}
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", provider.ErrDecode)
	}
	return raw, nil
}
