package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"openui-router/internal/config"
	"openui-router/internal/provider/dummy"
	"openui-router/internal/provider/factory"
	"openui-router/internal/router"
	"openui-router/internal/session"
	"openui-router/internal/usage"
)

// upstream fakes the OpenAI-compatible API and the local model server on one listener.
type upstream struct {
	srv   *httptest.Server
	calls atomic.Int32
	hang  atomic.Bool

	mu         sync.Mutex
	chatModels []string
	native     map[string]any
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	up := &upstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		up.calls.Add(1)
		var payload struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		up.mu.Lock()
		up.chatModels = append(up.chatModels, payload.Model)
		up.mu.Unlock()

		if up.hang.Load() {
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"<div>", "</div>"} {
			_, _ = io.WriteString(w, `data: {"id":"c1","object":"chat.completion.chunk","model":"`+payload.Model+`","choices":[{"index":0,"delta":{"content":"`+piece+`"},"finish_reason":null}]}`+"\n\n")
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		up.calls.Add(1)
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		up.mu.Lock()
		up.native = payload
		up.mu.Unlock()
		_, _ = io.WriteString(w, `{"model":"llava","message":{"role":"assistant","content":"a cat"},"done":false}`+"\n")
		_, _ = io.WriteString(w, `{"model":"llava","message":{"role":"assistant","content":""},"done":true}`+"\n")
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"models":[{"name":"llava:latest"}]}`)
	})
	up.srv = httptest.NewServer(mux)
	t.Cleanup(up.srv.Close)
	return up
}

type testEnv struct {
	handler  http.Handler
	up       *upstream
	ledger   *usage.MemoryLedger
	sessions *session.Manager
}

func newTestEnv(t *testing.T, env config.Environment, maxTokens int64, streamWait time.Duration) *testEnv {
	t.Helper()
	up := newUpstream(t)

	cfg := config.Default()
	cfg.Environment = env
	cfg.MaxTokens = maxTokens
	cfg.StreamWait = streamWait
	cfg.Providers.OpenAI = config.ProviderConfig{APIKey: "sk-test", BaseURL: up.srv.URL + "/v1"}
	cfg.Providers.Ollama.Host = up.srv.URL

	clients, local, err := factory.Build(cfg)
	if err != nil {
		t.Fatalf("factory.Build error = %v", err)
	}
	ledger := usage.NewMemoryLedger()
	rt := router.New(clients, ledger, router.Options{
		Environment:  cfg.Environment,
		MaxTokens:    cfg.MaxTokens,
		StreamWait:   cfg.StreamWait,
		VisionModels: cfg.VisionModels,
		Multipliers:  cfg.Multipliers,
	})
	sessions, err := session.NewManager("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewManager error = %v", err)
	}

	srv, err := New(cfg, Deps{Router: rt, Sessions: sessions, Usage: ledger, Tags: local})
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	return &testEnv{handler: srv.Handler(), up: up, ledger: ledger, sessions: sessions}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := e.sessions.Issue(userID, "")
	if err != nil {
		t.Fatalf("Issue error = %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body %q is not JSON: %v", rec.Body.String(), err)
	}
	return body
}

// sseContent concatenates delta content from an SSE body.
func sseContent(t *testing.T, body string) string {
	t.Helper()
	var out strings.Builder
	for _, frame := range strings.Split(body, "\n\n") {
		payload, ok := strings.CutPrefix(frame, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("frame %q is not JSON: %v", payload, err)
		}
		for _, c := range chunk.Choices {
			out.WriteString(c.Delta.Content)
		}
	}
	return out.String()
}

func chatBody(model string) string {
	return `{"model":"` + model + `","stream":true,"messages":[{"role":"user","content":"hello"}]}`
}

func TestChatRequiresSession(t *testing.T) {
	env := newTestEnv(t, config.EnvLocal, 1000, time.Second)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", "", chatBody("gpt-3.5-turbo"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body := decodeError(t, rec); body.Error.Message != msgLoginRequired || body.Error.Code != codeAPI {
		t.Errorf("error = %+v", body.Error)
	}
	if env.up.calls.Load() != 0 {
		t.Error("no provider call expected")
	}
}

func TestChatDummyStreamsFixedBody(t *testing.T) {
	env := newTestEnv(t, config.EnvLocal, 1000, time.Second)

	rec := env.do(t, http.MethodPost, "/chat/completions", env.token(t, "alice"), chatBody(dummy.GoodModel))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") || strings.Count(body, "[DONE]") != 1 {
		t.Errorf("body should end with exactly one terminal frame: %q", body[max(0, len(body)-64):])
	}
	if got := sseContent(t, body); got != dummy.GoodResponse {
		t.Errorf("assembled content differs from the fixed body:\n%s", got)
	}
	if _, _, ok := env.ledger.Row("alice", time.Now()); ok {
		t.Error("dummy streams must not be recorded")
	}
}

func TestChatUnknownModel(t *testing.T) {
	env := newTestEnv(t, config.EnvLocal, 1000, time.Second)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", env.token(t, "alice"), chatBody("unknown-model"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body := decodeError(t, rec); body.Error.Message != msgInvalidModel {
		t.Errorf("message = %q, want %q", body.Error.Message, msgInvalidModel)
	}
	if env.up.calls.Load() != 0 {
		t.Errorf("provider calls = %d, want 0", env.up.calls.Load())
	}
}

func TestChatQuotaExceededInProduction(t *testing.T) {
	env := newTestEnv(t, config.EnvProd, 100, time.Second)
	ctx := context.Background()
	if err := env.ledger.Increment(ctx, "alice", time.Now(), 101, 0); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", env.token(t, "alice"), chatBody("gpt-3.5-turbo"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if body := decodeError(t, rec); body.Error.Message != msgQuota {
		t.Errorf("message = %q", body.Error.Message)
	}
	if env.up.calls.Load() != 0 {
		t.Errorf("provider calls = %d, want 0", env.up.calls.Load())
	}
	if used, _ := env.ledger.SumSince(ctx, "alice", time.Now().Add(-24*time.Hour)); used != 101 {
		t.Errorf("ledger total = %d, want 101 (unchanged)", used)
	}

	// Another user is unaffected.
	rec = env.do(t, http.MethodPost, "/v1/chat/completions", env.token(t, "bob"), chatBody("gpt-3.5-turbo"))
	if rec.Code != http.StatusOK {
		t.Errorf("bob status = %d, want 200", rec.Code)
	}
}

func TestChatLocalRoutes(t *testing.T) {
	env := newTestEnv(t, config.EnvLocal, 1000, time.Second)
	token := env.token(t, "alice")

	vision := `{"model":"ollama/llava","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,aGVsbG8="}}
	]}],"temperature":0.3,"max_tokens":99}`
	rec := env.do(t, http.MethodPost, "/v1/chat/completions", token, vision)
	if rec.Code != http.StatusOK {
		t.Fatalf("vision status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := sseContent(t, rec.Body.String()); got != "a cat" {
		t.Errorf("vision content = %q, want %q", got, "a cat")
	}

	env.up.mu.Lock()
	native := env.up.native
	env.up.mu.Unlock()
	if native["model"] != "llava" {
		t.Errorf("native model = %v, want llava", native["model"])
	}
	opts, _ := native["options"].(map[string]any)
	if opts["temperature"] != 0.3 {
		t.Errorf("native options = %v, want temperature 0.3", native["options"])
	}
	msgs, _ := native["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("native messages = %v", native["messages"])
	}
	first, _ := msgs[0].(map[string]any)
	if images, _ := first["images"].([]any); len(images) != 1 {
		t.Errorf("native images = %v, want one", first["images"])
	}

	rec = env.do(t, http.MethodPost, "/v1/chat/completions", token, chatBody("ollama/llama3"))
	if rec.Code != http.StatusOK {
		t.Fatalf("shim status = %d, body = %s", rec.Code, rec.Body.String())
	}
	env.up.mu.Lock()
	shimModels := append([]string(nil), env.up.chatModels...)
	env.up.mu.Unlock()
	if len(shimModels) != 1 || shimModels[0] != "llama3" {
		t.Errorf("shim models = %v, want [llama3]", shimModels)
	}

	in, out, ok := env.ledger.Row("alice", time.Now())
	if !ok || in != 0 || out != 0 {
		t.Errorf("ledger row = (%d, %d, %v), want a zero-weighted row", in, out, ok)
	}
}

func TestChatConcurrentRequestsSameUser(t *testing.T) {
	env := newTestEnv(t, config.EnvProd, 1000, time.Second)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	token := env.token(t, "alice")

	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(chatBody("gpt-3.5-turbo")))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := srv.Client().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, err = io.ReadAll(resp.Body)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("request error = %v", err)
	}

	// Each request: one input token ("hello") and two content chunks.
	used, err := env.ledger.SumSince(context.Background(), "alice", time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if used != 6 {
		t.Errorf("ledger total = %d, want 6", used)
	}
}

func TestChatMultiplierApplied(t *testing.T) {
	env := newTestEnv(t, config.EnvLocal, 1000, time.Second)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", env.token(t, "alice"), chatBody("gpt-4o"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	in, out, ok := env.ledger.Row("alice", time.Now())
	if !ok || in != 10 || out != 20 {
		t.Errorf("ledger row = (%d, %d, %v), want (10, 20, true)", in, out, ok)
	}
}

func TestChatPrimingTimeoutBecomesErrorFrame(t *testing.T) {
	env := newTestEnv(t, config.EnvLocal, 1000, 50*time.Millisecond)
	env.up.hang.Store(true)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", env.token(t, "alice"), chatBody("gpt-3.5-turbo"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with an in-band error", rec.Code)
	}
	if body := rec.Body.String(); !strings.HasPrefix(body, "error: ") || strings.Contains(body, "[DONE]") {
		t.Errorf("body = %q, want a single error frame", body)
	}
	if _, _, ok := env.ledger.Row("alice", time.Now()); ok {
		t.Error("timed out streams must not be recorded")
	}
}

func TestChatValidationErrors(t *testing.T) {
	env := newTestEnv(t, config.EnvLocal, 1000, time.Second)
	token := env.token(t, "alice")

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"not json", "{"},
		{"trailing data", chatBody("gpt-4o") + "{}"},
		{"bad role", `{"model":"gpt-4o","messages":[{"role":"robot","content":"x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/chat/completions", token, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if body := decodeError(t, rec); body.Error.Code != codeValidation {
				t.Errorf("code = %q, want %q", body.Error.Code, codeValidation)
			}
		})
	}
}

func TestSessionEndpoints(t *testing.T) {
	t.Run("local provisions", func(t *testing.T) {
		env := newTestEnv(t, config.EnvLocal, 1000, time.Second)
		rec := env.do(t, http.MethodGet, "/v1/session", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp sessionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.UserID == "" || resp.MaxTokens != 1000 || resp.TokenCount != 0 {
			t.Errorf("session = %+v", resp)
		}
		if !strings.Contains(rec.Header().Get("Set-Cookie"), session.CookieName+"=") {
			t.Errorf("Set-Cookie = %q, want session cookie", rec.Header().Get("Set-Cookie"))
		}
	})

	t.Run("production requires login", func(t *testing.T) {
		env := newTestEnv(t, config.EnvProd, 1000, time.Second)
		rec := env.do(t, http.MethodGet, "/v1/session", "", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if body := decodeError(t, rec); body.Error.Message != msgNoSession {
			t.Errorf("message = %q", body.Error.Message)
		}
	})

	t.Run("reports usage", func(t *testing.T) {
		env := newTestEnv(t, config.EnvProd, 1000, time.Second)
		_ = env.ledger.Increment(context.Background(), "alice", time.Now(), 30, 12)
		rec := env.do(t, http.MethodGet, "/v1/session", env.token(t, "alice"), "")
		var resp sessionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.UserID != "alice" || resp.TokenCount != 42 {
			t.Errorf("session = %+v, want alice with 42 tokens", resp)
		}
	})

	t.Run("delete", func(t *testing.T) {
		env := newTestEnv(t, config.EnvLocal, 1000, time.Second)
		if rec := env.do(t, http.MethodDelete, "/v1/session", "", ""); rec.Code != http.StatusNotFound {
			t.Errorf("anonymous delete status = %d, want 404", rec.Code)
		}
		rec := env.do(t, http.MethodDelete, "/v1/session", env.token(t, "alice"), "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Header().Get("Set-Cookie"), "Max-Age=0") {
			t.Errorf("Set-Cookie = %q, want an expired cookie", rec.Header().Get("Set-Cookie"))
		}
	})
}

func TestModelsAndTags(t *testing.T) {
	env := newTestEnv(t, config.EnvLocal, 1000, time.Second)

	rec := env.do(t, http.MethodGet, "/v1/models", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("models status = %d", rec.Code)
	}
	var list modelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	available := map[string]bool{}
	for _, m := range list.Data {
		available[m.ID] = m.Available
	}
	if !available["gpt"] || !available["dummy"] || !available["ollama/"] {
		t.Errorf("available = %v", available)
	}
	if available["groq/"] || available["aggregator/"] {
		t.Errorf("unconfigured backends reported available: %v", available)
	}

	rec = env.do(t, http.MethodGet, "/v1/ollama/tags", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != `{"models":[{"name":"llava:latest"}]}` {
		t.Errorf("tags = %d %s", rec.Code, rec.Body.String())
	}

	if rec := env.do(t, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{session.ErrNoSession, http.StatusUnauthorized},
		{context.Canceled, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got := toHTTPError(tt.err)
		reqErr, ok := got.(requestError)
		if !ok || reqErr.Status != tt.status {
			t.Errorf("toHTTPError(%v) = %+v, want status %d", tt.err, got, tt.status)
		}
	}
}
