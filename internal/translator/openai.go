package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"openui-router/internal/models"
)

var (
	errEmptyModel      = errors.New("model must be provided")
	errEmptyMessages   = errors.New("at least one message is required")
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
)

// decodedFields are the top-level keys parsed into typed options. Any other
// key is carried through Options verbatim as json.RawMessage.
var decodedFields = map[string]struct{}{
	"model":                 {},
	"messages":              {},
	"stream":                {},
	"max_tokens":            {},
	"max_completion_tokens": {},
	"temperature":           {},
	"top_p":                 {},
	"frequency_penalty":     {},
	"presence_penalty":      {},
	"stop":                  {},
	"response_format":       {},
	"tools":                 {},
	"tool_choice":           {},
	"logit_bias":            {},
	"seed":                  {},
	"n":                     {},
	"user":                  {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
type ChatCompletionRequest struct {
	Model    string
	Messages []ChatMessage
	Options  map[string]any
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model               string             `json:"model"`
		Messages            []ChatMessage      `json:"messages"`
		MaxTokens           *int               `json:"max_tokens"`
		MaxCompletionTokens *int               `json:"max_completion_tokens"`
		Temperature         *float64           `json:"temperature"`
		TopP                *float64           `json:"top_p"`
		FrequencyPenalty    *float64           `json:"frequency_penalty"`
		PresencePenalty     *float64           `json:"presence_penalty"`
		Stop                json.RawMessage    `json:"stop"`
		ResponseFormat      map[string]any     `json:"response_format"`
		Tools               json.RawMessage    `json:"tools"`
		ToolChoice          json.RawMessage    `json:"tool_choice"`
		LogitBias           map[string]float64 `json:"logit_bias"`
		Seed                *int               `json:"seed"`
		N                   *int               `json:"n"`
		User                string             `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages

	r.Options = make(map[string]any)
	if raw.Temperature != nil {
		r.Options["temperature"] = *raw.Temperature
	}
	if raw.TopP != nil {
		r.Options["top_p"] = *raw.TopP
	}
	if raw.MaxTokens != nil {
		r.Options["max_tokens"] = *raw.MaxTokens
	}
	if raw.MaxCompletionTokens != nil {
		r.Options["max_completion_tokens"] = *raw.MaxCompletionTokens
	}
	if raw.FrequencyPenalty != nil {
		r.Options["frequency_penalty"] = *raw.FrequencyPenalty
	}
	if raw.PresencePenalty != nil {
		r.Options["presence_penalty"] = *raw.PresencePenalty
	}
	if len(stopValues) > 0 {
		r.Options["stop"] = stopValues
	}
	if raw.ResponseFormat != nil {
		r.Options["response_format"] = raw.ResponseFormat
	}
	if len(raw.Tools) > 0 {
		r.Options["tools"] = json.RawMessage(raw.Tools)
	}
	if len(raw.ToolChoice) > 0 {
		r.Options["tool_choice"] = json.RawMessage(raw.ToolChoice)
	}
	if raw.LogitBias != nil {
		r.Options["logit_bias"] = raw.LogitBias
	}
	if raw.Seed != nil {
		r.Options["seed"] = *raw.Seed
	}
	if raw.N != nil {
		r.Options["n"] = *raw.N
	}
	if raw.User != "" {
		r.Options["user"] = raw.User
	}
	for key, value := range fields {
		if _, ok := decodedFields[key]; ok || string(value) == "null" {
			continue
		}
		r.Options[key] = value
	}

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return nil
}

// ToUnified converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToUnified() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{
			Role:    m.Role,
			Content: m.Content,
			Parts:   m.Parts,
			Name:    m.Name,
		})
	}

	options := make(map[string]any, len(r.Options))
	for k, v := range r.Options {
		options[k] = v
	}

	return models.ChatRequest{
		Model:    r.Model,
		Messages: msgs,
		Options:  options,
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string
	Content string
	Parts   []models.ContentPart
	Name    string
}

// UnmarshalJSON supports string and array-of-parts content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	text, parts, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = text
	m.Parts = parts
	m.Name = strings.TrimSpace(raw.Name)

	return m.validate()
}

// validate requires a role on every turn. Only user turns must carry
// content; assistant, tool and other turns may be empty or null.
func (m *ChatMessage) validate() error {
	if m.Role == "" {
		return fmt.Errorf("%w: role must not be empty", errInvalidRole)
	}
	if m.Role != "user" {
		return nil
	}
	if m.Parts != nil {
		if len(m.Parts) == 0 {
			return fmt.Errorf("%w: content parts must not be empty", errInvalidContent)
		}
		return nil
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, []models.ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}

	var segments []struct {
		Type     string          `json:"type"`
		Text     string          `json:"text"`
		ImageURL json.RawMessage `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return "", nil, fmt.Errorf("%w: unsupported content structure", errInvalidContent)
	}

	parts := make([]models.ContentPart, 0, len(segments))
	for _, segment := range segments {
		switch segment.Type {
		case models.PartTypeText:
			parts = append(parts, models.ContentPart{Type: models.PartTypeText, Text: segment.Text})
		case models.PartTypeImage, "image":
			img, err := parseImageURL(segment.ImageURL)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, models.ContentPart{Type: models.PartTypeImage, ImageURL: img})
		default:
			return "", nil, fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
		}
	}
	return "", parts, nil
}

// parseImageURL accepts both {"url": "..."} and a bare string.
func parseImageURL(raw json.RawMessage) (*models.ImageURL, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: image part without image_url", errInvalidContent)
	}
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return &models.ImageURL{URL: bare}, nil
	}
	var img models.ImageURL
	if err := json.Unmarshal(raw, &img); err != nil {
		return nil, fmt.Errorf("%w: malformed image_url", errInvalidContent)
	}
	return &img, nil
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			item = strings.TrimSpace(item)
			if item == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

// OpenAIMessage is the outbound message shape for OpenAI-compatible APIs.
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ToOpenAIMessages renders canonical messages for an OpenAI-compatible upstream,
// preserving typed parts when the caller sent them.
func ToOpenAIMessages(msgs []models.Message) []OpenAIMessage {
	out := make([]OpenAIMessage, 0, len(msgs))
	for _, msg := range msgs {
		var content any = msg.Content
		if msg.Parts != nil {
			content = msg.Parts
		}
		out = append(out, OpenAIMessage{Role: msg.Role, Content: content, Name: msg.Name})
	}
	return out
}
