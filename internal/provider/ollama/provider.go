// Package ollama talks to a local model server's native chat API.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"openui-router/internal/models"
	"openui-router/internal/provider"
	"openui-router/internal/translator"
)

const (
	providerName   = "ollama"
	maxElementSize = 4 << 20
)

// ChatRequest is the native /api/chat payload.
type ChatRequest struct {
	Model    string                     `json:"model"`
	Messages []translator.OllamaMessage `json:"messages"`
	Stream   bool                       `json:"stream"`
	Options  map[string]any             `json:"options,omitempty"`
}

// Provider is a client for the local model server.
type Provider struct {
	host    string
	client  *http.Client
	chatURL string
	tagsURL string
}

// New constructs a client for the server at host.
func New(host string, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	host = strings.TrimRight(host, "/")
	if host == "" {
		return nil, errors.New("ollama host must not be empty")
	}
	return &Provider{
		host:    host,
		client:  client,
		chatURL: host + "/api/chat",
		tagsURL: host + "/api/tags",
	}, nil
}

func (p *Provider) Name() string {
	return providerName
}

// Host returns the server base URL.
func (p *Provider) Host() string {
	return p.host
}

// OpenStream starts a native streaming chat.
func (p *Provider) OpenStream(ctx context.Context, req ChatRequest) (provider.Decoder, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, provider.NewProviderError(providerName, http.StatusInternalServerError, fmt.Sprintf("ollama chat request failed: %v", err))
	}
	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseError(httpResp)
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxElementSize)

	return &decoder{
		id:      "chatcmpl-" + uuid.NewString(),
		body:    httpResp.Body,
		scanner: scanner,
		now:     time.Now,
	}, nil
}

// Tags returns the server's installed model listing verbatim.
func (p *Provider) Tags(ctx context.Context) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.tagsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.NewProviderError(providerName, http.StatusInternalServerError, fmt.Sprintf("list ollama models: %v", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseError(httpResp)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxElementSize))
	if err != nil {
		return nil, fmt.Errorf("read ollama tags: %w", err)
	}
	if !json.Valid(data) {
		return nil, provider.NewProviderError(providerName, http.StatusBadGateway, "ollama returned invalid JSON for tags")
	}
	return json.RawMessage(data), nil
}

// element is one NDJSON line of a native chat stream, e.g.
// {"model":"llava:latest","created_at":"...","message":{"role":"assistant","content":" "},"done":false}
type element struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

type decoder struct {
	id      string
	body    io.ReadCloser
	scanner *bufio.Scanner
	now     func() time.Time
}

func (d *decoder) Next(ctx context.Context) (models.Chunk, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Chunk{}, false, err
		}
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return models.Chunk{}, false, fmt.Errorf("read ollama stream: %w", err)
			}
			return models.Chunk{}, false, io.EOF
		}

		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var el element
		if err := json.Unmarshal(line, &el); err != nil {
			return models.Chunk{}, false, fmt.Errorf("decode ollama element: %w", err)
		}
		if el.Error != "" {
			return models.Chunk{}, false, provider.NewProviderError(providerName, http.StatusInternalServerError, el.Error)
		}
		return toChunk(d.id, d.now().Unix(), el), el.Done, nil
	}
}

func (d *decoder) Close() error {
	return d.body.Close()
}

func toChunk(id string, created int64, el element) models.Chunk {
	chunk := models.NewContentChunk(id, el.Model, created, el.Message.Role, el.Message.Content)
	if el.Done && (el.PromptEvalCount > 0 || el.EvalCount > 0) {
		chunk.Usage = &models.Usage{
			PromptTokens:     el.PromptEvalCount,
			CompletionTokens: el.EvalCount,
			TotalTokens:      el.PromptEvalCount + el.EvalCount,
		}
	}
	return chunk
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return provider.NewProviderError(providerName, resp.StatusCode, fmt.Sprintf("upstream error status %d", resp.StatusCode))
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return provider.NewProviderError(providerName, resp.StatusCode, payload.Error)
	}
	return provider.NewProviderError(providerName, resp.StatusCode, strings.TrimSpace(string(body)))
}
