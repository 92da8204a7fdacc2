package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"openui-router/internal/config"
	"openui-router/internal/models"
	"openui-router/internal/provider"
	"openui-router/internal/stream"
	"openui-router/internal/translator"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "openui-router/0.1"
)

// Provider streams chat completions from an OpenAI-compatible API. The same
// client type serves the primary, secondary, additional, gateway and local
// shim routes.
type Provider struct {
	name         string
	apiKey       string
	headers      map[string]string
	client       *http.Client
	chatURL      string
	includeUsage bool
}

// New creates a new OpenAI-compatible provider.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		name:         name,
		apiKey:       cfg.APIKey,
		headers:      cfg.Headers,
		client:       client,
		chatURL:      baseURL + "/chat/completions",
		includeUsage: cfg.IncludeUsage,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

// OpenStream starts a streaming chat completion. Non-2xx responses are
// returned as *provider.ProviderError carrying the upstream status.
func (p *Provider) OpenStream(ctx context.Context, req models.ChatRequest) (provider.Decoder, error) {
	payload := buildChatPayload(req, p.includeUsage)

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.chatURL, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, provider.NewProviderError(p.name, http.StatusInternalServerError, fmt.Sprintf("%s chat request failed: %v", p.name, err))
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(p.name, httpResp)
	}

	return &decoder{
		name:    p.name,
		body:    httpResp.Body,
		scanner: stream.NewScanner(httpResp.Body),
	}, nil
}

func (p *Provider) newRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// decoder reads canonical chunks from an OpenAI-style SSE body.
type decoder struct {
	name    string
	body    io.ReadCloser
	scanner *stream.Scanner
}

func (d *decoder) Next(ctx context.Context) (models.Chunk, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Chunk{}, false, err
	}

	payload, err := d.scanner.Next()
	if err != nil {
		return models.Chunk{}, false, err
	}

	var envelope struct {
		models.Chunk
		Error *apiErrorObject `json:"error,omitempty"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return models.Chunk{}, false, fmt.Errorf("decode %s stream chunk: %w", d.name, err)
	}
	if envelope.Error != nil {
		return models.Chunk{}, false, provider.NewProviderError(d.name, http.StatusInternalServerError, envelope.Error.Message)
	}

	chunk := envelope.Chunk
	if chunk.Object == "" {
		chunk.Object = models.ChunkObject
	}
	return chunk, false, nil
}

func (d *decoder) Close() error {
	return d.body.Close()
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatPayload struct {
	Model               string                     `json:"model"`
	Messages            []translator.OpenAIMessage `json:"messages"`
	Stream              bool                       `json:"stream"`
	StreamOptions       *streamOptions             `json:"stream_options,omitempty"`
	MaxTokens           *int                       `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                       `json:"max_completion_tokens,omitempty"`
	Temperature         *float64                   `json:"temperature,omitempty"`
	TopP                *float64                   `json:"top_p,omitempty"`
	FrequencyPenalty    *float64                   `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64                   `json:"presence_penalty,omitempty"`
	Stop                []string                   `json:"stop,omitempty"`
	ResponseFormat      map[string]any             `json:"response_format,omitempty"`
	Tools               json.RawMessage            `json:"tools,omitempty"`
	ToolChoice          json.RawMessage            `json:"tool_choice,omitempty"`
	LogitBias           map[string]float64         `json:"logit_bias,omitempty"`
	Seed                *int                       `json:"seed,omitempty"`
	N                   *int                       `json:"n,omitempty"`
	User                string                     `json:"user,omitempty"`

	// Extra holds caller fields without a typed slot, such as
	// reasoning_effort. Typed fields win on collision.
	Extra map[string]json.RawMessage `json:"-"`
}

// payloadFields are the option keys buildChatPayload maps onto typed fields.
var payloadFields = map[string]struct{}{
	"model": {}, "messages": {}, "stream": {},
	"max_tokens": {}, "max_completion_tokens": {},
	"temperature": {}, "top_p": {},
	"frequency_penalty": {}, "presence_penalty": {},
	"stop": {}, "response_format": {},
	"tools": {}, "tool_choice": {},
	"logit_bias": {}, "seed": {}, "n": {}, "user": {},
}

func (p chatPayload) MarshalJSON() ([]byte, error) {
	type plain chatPayload
	body, err := json.Marshal(plain(p))
	if err != nil || len(p.Extra) == 0 {
		return body, err
	}

	merged := make(map[string]json.RawMessage, len(p.Extra)+8)
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	for key, value := range p.Extra {
		if _, taken := merged[key]; !taken {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

func buildChatPayload(req models.ChatRequest, includeUsage bool) chatPayload {
	payload := chatPayload{
		Model:    req.Model,
		Messages: translator.ToOpenAIMessages(req.Messages),
		Stream:   true,
	}
	if includeUsage {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if v, ok := extractInt(req.Options, "max_tokens"); ok {
		payload.MaxTokens = &v
	}
	if v, ok := extractInt(req.Options, "max_completion_tokens"); ok {
		payload.MaxCompletionTokens = &v
	}
	if v, ok := extractFloat(req.Options, "temperature"); ok {
		payload.Temperature = &v
	}
	if v, ok := extractFloat(req.Options, "top_p"); ok {
		payload.TopP = &v
	}
	if v, ok := extractFloat(req.Options, "frequency_penalty"); ok {
		payload.FrequencyPenalty = &v
	}
	if v, ok := extractFloat(req.Options, "presence_penalty"); ok {
		payload.PresencePenalty = &v
	}
	if stop, ok := extractStringSlice(req.Options, "stop"); ok {
		payload.Stop = stop
	}
	if responseFormat, ok := extractMap(req.Options, "response_format"); ok {
		payload.ResponseFormat = responseFormat
	}
	if tools, ok := extractRaw(req.Options, "tools"); ok {
		payload.Tools = tools
	}
	if toolChoice, ok := extractRaw(req.Options, "tool_choice"); ok {
		payload.ToolChoice = toolChoice
	}
	if logitBias, ok := extractLogitBias(req.Options); ok {
		payload.LogitBias = logitBias
	}
	if v, ok := extractInt(req.Options, "seed"); ok {
		payload.Seed = &v
	}
	if v, ok := extractInt(req.Options, "n"); ok {
		payload.N = &v
	}
	if user, ok := extractString(req.Options, "user"); ok {
		payload.User = user
	}
	payload.Extra = extractExtra(req.Options)

	return payload
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseAPIError(name string, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return provider.NewProviderError(name, resp.StatusCode, fmt.Sprintf("upstream error status %d and failed to read body: %v", resp.StatusCode, err))
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return provider.NewProviderError(name, resp.StatusCode, apiErr.Error.Message)
	}

	return provider.NewProviderError(name, resp.StatusCode, strings.TrimSpace(string(body)))
}

func extractFloat(options map[string]any, key string) (float64, bool) {
	if options == nil {
		return 0, false
	}

	if value, ok := options[key]; ok {
		switch v := value.(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func extractInt(options map[string]any, key string) (int, bool) {
	if options == nil {
		return 0, false
	}
	if value, ok := options[key]; ok {
		switch v := value.(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return int(i), true
			}
		}
	}
	return 0, false
}

func extractString(options map[string]any, key string) (string, bool) {
	if options == nil {
		return "", false
	}
	if value, ok := options[key]; ok {
		if str, ok := value.(string); ok {
			return str, true
		}
	}
	return "", false
}

func extractStringSlice(options map[string]any, key string) ([]string, bool) {
	if options == nil {
		return nil, false
	}
	value, ok := options[key]
	if !ok {
		return nil, false
	}
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	}
	return nil, false
}

func extractMap(options map[string]any, key string) (map[string]any, bool) {
	if options == nil {
		return nil, false
	}
	if value, ok := options[key]; ok {
		if m, ok := value.(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}

func extractRaw(options map[string]any, key string) (json.RawMessage, bool) {
	if options == nil {
		return nil, false
	}
	if value, ok := options[key]; ok {
		switch v := value.(type) {
		case json.RawMessage:
			return v, true
		case []byte:
			return json.RawMessage(v), true
		case string:
			return json.RawMessage(v), true
		}
	}
	return nil, false
}

// extractExtra collects the options that have no typed payload field.
func extractExtra(options map[string]any) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for key, value := range options {
		if _, ok := payloadFields[key]; ok {
			continue
		}
		raw, ok := value.(json.RawMessage)
		if !ok {
			encoded, err := json.Marshal(value)
			if err != nil {
				continue
			}
			raw = encoded
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[key] = raw
	}
	return extra
}

func extractLogitBias(options map[string]any) (map[string]float64, bool) {
	if options == nil {
		return nil, false
	}
	value, ok := options["logit_bias"]
	if !ok {
		return nil, false
	}
	switch v := value.(type) {
	case map[string]float64:
		return v, true
	case map[string]any:
		out := make(map[string]float64, len(v))
		for key, rawVal := range v {
			switch val := rawVal.(type) {
			case float64:
				out[key] = val
			case json.Number:
				if f, err := val.Float64(); err == nil {
					out[key] = f
				} else {
					return nil, false
				}
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}
