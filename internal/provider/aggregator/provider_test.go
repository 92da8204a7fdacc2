package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"openui-router/internal/models"
	"openui-router/internal/provider"
	"openui-router/internal/translator"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New(srv.URL+"/api/chat", srv.Client())
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	return p
}

func TestOpenStreamBuffersSingleChunk(t *testing.T) {
	payloads := make(chan chatPayload, 1)
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var payload chatPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		payloads <- payload
		_, _ = io.WriteString(w, "<div>hello</div>")
	})

	msgs := translator.ToAggregatorMessages([]models.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "build a card"},
	})
	dec, err := p.OpenStream(context.Background(), "mixtral", msgs)
	if err != nil {
		t.Fatalf("OpenStream error = %v", err)
	}
	defer dec.Close()

	chunk, done, err := dec.Next(context.Background())
	if err != nil {
		t.Fatalf("Next error = %v", err)
	}
	if !done {
		t.Error("buffered chunk should carry the done marker")
	}
	if chunk.Model != modelName || chunk.Choices[0].Delta.Content != "<div>hello</div>" {
		t.Errorf("chunk = %+v", chunk)
	}
	if _, _, err := dec.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("second Next error = %v, want io.EOF", err)
	}

	payload := <-payloads
	if payload.Model != "mixtral" || !payload.CodeModelMode || payload.MaxTokens != defaultMaxToken {
		t.Errorf("payload = %+v", payload)
	}
	if payload.UserSystemPrompt != "be brief" || payload.ID != msgs[0].ID {
		t.Errorf("payload header = %+v", payload)
	}
	if len(payload.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(payload.Messages))
	}
}

func TestOpenStreamEmptyBody(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {})

	dec, err := p.OpenStream(context.Background(), "mixtral", nil)
	if err != nil {
		t.Fatalf("OpenStream error = %v", err)
	}
	if _, _, err := dec.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next error = %v, want io.EOF", err)
	}
}

func TestOpenStreamStatusError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := p.OpenStream(context.Background(), "mixtral", nil)
	var perr *provider.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if perr.StatusCode != http.StatusTooManyRequests || perr.Message != "rate limited" {
		t.Errorf("ProviderError = %d %q", perr.StatusCode, perr.Message)
	}
}
