package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"openui-router/internal/config"
	"openui-router/internal/models"
	"openui-router/internal/provider"
	"openui-router/internal/provider/ollama"
	"openui-router/internal/stream"
	"openui-router/internal/translator"
	"openui-router/internal/usage"
)

const (
	quotaWindow = 24 * time.Hour

	// contextWindow and budgetMargin size the completion budget sent
	// upstream: max_tokens = contextWindow - input tokens - budgetMargin.
	contextWindow = 4096
	budgetMargin  = 20
)

// ChatClient streams from an OpenAI-compatible endpoint.
type ChatClient interface {
	Name() string
	OpenStream(ctx context.Context, req models.ChatRequest) (provider.Decoder, error)
}

// NativeClient streams from the local server's native chat API.
type NativeClient interface {
	OpenStream(ctx context.Context, req ollama.ChatRequest) (provider.Decoder, error)
}

// AggregatorClient posts to the legacy aggregator.
type AggregatorClient interface {
	OpenStream(ctx context.Context, model string, msgs []translator.AggregatorMessage) (provider.Decoder, error)
}

// DummyClient produces a deterministic offline stream.
type DummyClient interface {
	OpenStream(ctx context.Context, model string) (provider.Decoder, error)
}

// Clients holds one handle per provider. A nil field means the backend is not
// configured.
type Clients struct {
	Primary     ChatClient
	Secondary   ChatClient
	Additional  ChatClient
	Gateway     ChatClient
	LocalShim   ChatClient
	LocalNative NativeClient
	Aggregator  AggregatorClient
	Dummy       DummyClient
}

// Options carries the router's policy knobs.
type Options struct {
	Environment  config.Environment
	MaxTokens    int64
	StreamWait   time.Duration
	VisionModels []string
	Multipliers  []config.MultiplierRule
}

// Router dispatches chat requests to the appropriate provider and meters the
// resulting stream.
type Router struct {
	clients Clients
	ledger  usage.Ledger
	opts    Options
	now     func() time.Time
}

// New constructs a router backed by the provided clients and ledger.
func New(clients Clients, ledger usage.Ledger, opts Options) *Router {
	if opts.StreamWait <= 0 {
		opts.StreamWait = stream.DefaultWaitBudget
	}
	return &Router{
		clients: clients,
		ledger:  ledger,
		opts:    opts,
		now:     time.Now,
	}
}

// WithClock overrides the clock used for the quota window and usage day.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Settings reports the classifier view of the configured clients.
func (r *Router) Settings() Settings {
	return Settings{
		Secondary:    r.clients.Secondary != nil,
		Additional:   r.clients.Additional != nil,
		Gateway:      r.clients.Gateway != nil,
		Aggregator:   r.clients.Aggregator != nil,
		VisionModels: r.opts.VisionModels,
		Multipliers:  r.opts.Multipliers,
	}
}

// Dispatch runs the quota check, classifies req, opens the provider stream
// with its priming read and returns the metered frame reader. Errors returned
// here happen before any byte is written to the caller.
func (r *Router) Dispatch(ctx context.Context, userID string, req models.ChatRequest) (*stream.Meter, error) {
	if err := r.checkQuota(ctx, userID); err != nil {
		return nil, err
	}

	inputTokens := translator.CountInputTokens(req.Messages)
	route, err := Classify(withCompletionBudget(req, inputTokens), r.Settings())
	if err != nil {
		return nil, err
	}

	open, err := r.opener(route)
	if err != nil {
		return nil, err
	}

	handle, err := stream.Open(ctx, r.opts.StreamWait, open)
	if err != nil {
		slog.Warn("open provider stream",
			"backend", route.Backend.String(),
			"model", route.Request.Model,
			"err", err,
		)
		return nil, err
	}

	slog.Debug("stream opened",
		"backend", route.Backend.String(),
		"model", route.Request.Model,
		"multiplier", route.Multiplier,
		"user", userID,
	)

	if route.Backend == BackendDummy {
		return stream.Unmetered(handle), nil
	}
	return stream.NewMeter(handle, r.ledger, userID, inputTokens, route.Multiplier).WithClock(r.now), nil
}

// withCompletionBudget overrides max_tokens with what remains of the context
// window after the prompt. A prompt that leaves no room keeps the caller's
// value.
func withCompletionBudget(req models.ChatRequest, inputTokens int) models.ChatRequest {
	budget := contextWindow - inputTokens - budgetMargin
	if budget <= 0 {
		return req
	}
	options := make(map[string]any, len(req.Options)+1)
	for k, v := range req.Options {
		options[k] = v
	}
	options["max_tokens"] = budget
	req.Options = options
	return req
}

func (r *Router) checkQuota(ctx context.Context, userID string) error {
	if r.opts.Environment != config.EnvProd || r.ledger == nil {
		return nil
	}
	used, err := r.ledger.SumSince(ctx, userID, r.now().Add(-quotaWindow))
	if err != nil {
		return fmt.Errorf("read usage for %s: %w", userID, err)
	}
	if used > r.opts.MaxTokens {
		slog.Info("quota exceeded", "user", userID, "used", used, "cap", r.opts.MaxTokens)
		return provider.ErrQuotaExceeded
	}
	return nil
}

func (r *Router) opener(route Route) (stream.OpenFunc, error) {
	switch route.Backend {
	case BackendPrimary:
		return chatOpener(r.clients.Primary, route.Request)
	case BackendSecondary:
		return chatOpener(r.clients.Secondary, route.Request)
	case BackendAdditional:
		return chatOpener(r.clients.Additional, route.Request)
	case BackendGateway:
		return chatOpener(r.clients.Gateway, route.Request)
	case BackendLocalShim:
		return chatOpener(r.clients.LocalShim, route.Request)
	case BackendLocalNative:
		client := r.clients.LocalNative
		if client == nil {
			return nil, provider.ErrProviderUnavailable
		}
		req := ollama.ChatRequest{
			Model:    route.Request.Model,
			Messages: route.LocalMessages,
			Options:  route.LocalOptions,
		}
		return func(ctx context.Context) (provider.Decoder, error) {
			return client.OpenStream(ctx, req)
		}, nil
	case BackendAggregator:
		client := r.clients.Aggregator
		if client == nil {
			return nil, provider.ErrProviderUnavailable
		}
		return func(ctx context.Context) (provider.Decoder, error) {
			return client.OpenStream(ctx, route.Request.Model, route.AggregatorMessages)
		}, nil
	case BackendDummy:
		client := r.clients.Dummy
		if client == nil {
			return nil, provider.ErrProviderUnavailable
		}
		return func(ctx context.Context) (provider.Decoder, error) {
			return client.OpenStream(ctx, route.Request.Model)
		}, nil
	default:
		return nil, fmt.Errorf("unhandled backend %s", route.Backend)
	}
}

func chatOpener(client ChatClient, req models.ChatRequest) (stream.OpenFunc, error) {
	if client == nil {
		return nil, provider.ErrProviderUnavailable
	}
	return func(ctx context.Context) (provider.Decoder, error) {
		dec, err := client.OpenStream(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("provider %s chat request: %w", client.Name(), err)
		}
		return dec, nil
	}, nil
}
