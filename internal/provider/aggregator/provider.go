// Package aggregator adapts a legacy chat aggregator that answers with one
// fully-buffered text body instead of a stream.
package aggregator

import (
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
	providerName    = "aggregator"
	modelName       = "aggregator"
	maxBodySize     = 8 << 20
	defaultMaxToken = 8042
)

type chatPayload struct {
	ID               string                         `json:"id"`
	Messages         []translator.AggregatorMessage `json:"messages"`
	Model            string                         `json:"model,omitempty"`
	CodeModelMode    bool                           `json:"codeModelMode"`
	UserSystemPrompt string                         `json:"userSystemPrompt,omitempty"`
	MaxTokens        int                            `json:"maxTokens"`
}

// Provider posts to the aggregator endpoint.
type Provider struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// New constructs a client posting to url.
func New(url string, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("aggregator url must not be empty")
	}
	return &Provider{url: url, client: client, now: time.Now}, nil
}

func (p *Provider) Name() string {
	return providerName
}

// OpenStream posts the conversation and buffers the whole answer.
func (p *Provider) OpenStream(ctx context.Context, model string, msgs []translator.AggregatorMessage) (provider.Decoder, error) {
	payload := chatPayload{
		Messages:      msgs,
		Model:         model,
		CodeModelMode: true,
		MaxTokens:     defaultMaxToken,
	}
	if len(msgs) > 0 {
		payload.ID = msgs[0].ID
		payload.UserSystemPrompt = msgs[0].Content
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, provider.NewProviderError(providerName, http.StatusInternalServerError, fmt.Sprintf("aggregator request failed: %v", err))
	}
	defer httpResp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, provider.NewProviderError(providerName, http.StatusInternalServerError, fmt.Sprintf("read aggregator response: %v", err))
	}
	if httpResp.StatusCode >= 400 {
		return nil, provider.NewProviderError(providerName, httpResp.StatusCode, strings.TrimSpace(string(text)))
	}

	return &bufferedDecoder{
		id:      "chatcmpl-" + uuid.NewString(),
		text:    string(text),
		created: p.now().Unix(),
	}, nil
}

// bufferedDecoder emits the whole buffered answer as one chunk.
type bufferedDecoder struct {
	id      string
	text    string
	created int64
	emitted bool
}

func (d *bufferedDecoder) Next(ctx context.Context) (models.Chunk, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Chunk{}, false, err
	}
	if d.emitted || d.text == "" {
		return models.Chunk{}, false, io.EOF
	}
	d.emitted = true
	return models.NewContentChunk(d.id, modelName, d.created, "assistant", d.text), true, nil
}

func (d *bufferedDecoder) Close() error {
	return nil
}
