package factory

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"openui-router/internal/config"
	aggregatorProvider "openui-router/internal/provider/aggregator"
	dummyProvider "openui-router/internal/provider/dummy"
	ollamaProvider "openui-router/internal/provider/ollama"
	openaiProvider "openui-router/internal/provider/openai"
	"openui-router/internal/router"
)

const (
	streamHTTPTimeout      = 0 // bounded by the stream wait budget
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	localShimAPIKey        = "xxx"
)

// Build constructs one client per configured provider. Optional providers
// without credentials are left nil so the classifier reports them unavailable.
// The local server client is returned separately for the model listing.
func Build(cfg config.Config) (router.Clients, *ollamaProvider.Provider, error) {
	var clients router.Clients
	httpClient := newHTTPClient(streamHTTPTimeout)

	primary, err := openaiProvider.New("openai", cfg.Providers.OpenAI, httpClient)
	if err != nil {
		return router.Clients{}, nil, fmt.Errorf("initialise openai provider: %w", err)
	}
	clients.Primary = primary

	hosted := []struct {
		name   string
		cfg    config.ProviderConfig
		target *router.ChatClient
	}{
		{"groq", cfg.Providers.Groq, &clients.Secondary},
		{"gemini", cfg.Providers.Gemini, &clients.Additional},
		{"litellm", cfg.Providers.LiteLLM, &clients.Gateway},
	}
	for _, h := range hosted {
		if !h.cfg.Configured() {
			slog.Debug("provider not configured", "provider", h.name)
			continue
		}
		p, err := openaiProvider.New(h.name, h.cfg, httpClient)
		if err != nil {
			return router.Clients{}, nil, fmt.Errorf("initialise %s provider: %w", h.name, err)
		}
		*h.target = p
	}

	host := strings.TrimRight(cfg.Providers.Ollama.Host, "/")
	local, err := ollamaProvider.New(host, httpClient)
	if err != nil {
		return router.Clients{}, nil, fmt.Errorf("initialise ollama provider: %w", err)
	}
	clients.LocalNative = local

	shim, err := openaiProvider.New("ollama", config.ProviderConfig{
		APIKey:  localShimAPIKey,
		BaseURL: host + "/v1",
	}, httpClient)
	if err != nil {
		return router.Clients{}, nil, fmt.Errorf("initialise ollama shim: %w", err)
	}
	clients.LocalShim = shim

	if url := cfg.Providers.Aggregator.URL; url != "" {
		agg, err := aggregatorProvider.New(url, httpClient)
		if err != nil {
			return router.Clients{}, nil, fmt.Errorf("initialise aggregator provider: %w", err)
		}
		clients.Aggregator = agg
	}

	clients.Dummy = dummyProvider.New(cfg.DummyDelay)

	return clients, local, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
