package router

import (
	"fmt"
	"strings"

	"openui-router/internal/config"
	"openui-router/internal/models"
	"openui-router/internal/provider"
	"openui-router/internal/translator"
)

// Backend identifies the provider family a request is routed to.
type Backend int

const (
	BackendPrimary Backend = iota
	BackendSecondary
	BackendAdditional
	BackendGateway
	BackendLocalNative
	BackendLocalShim
	BackendAggregator
	BackendDummy
)

func (b Backend) String() string {
	switch b {
	case BackendPrimary:
		return "primary"
	case BackendSecondary:
		return "secondary"
	case BackendAdditional:
		return "additional"
	case BackendGateway:
		return "gateway"
	case BackendLocalNative:
		return "local_native"
	case BackendLocalShim:
		return "local_shim"
	case BackendAggregator:
		return "aggregator"
	case BackendDummy:
		return "dummy"
	default:
		return "unknown"
	}
}

const (
	prefixSecondary  = "groq/"
	prefixAdditional = "gemini/"
	prefixGateway    = "litellm/"
	prefixLocal      = "ollama/"
	prefixAggregator = "aggregator/"
	prefixDummy      = "dummy"

	defaultCompletionTokens = 4096
	defaultLocalTemperature = 0.7
)

// Route is the typed result of classifying one request. Request is a private
// copy; the caller's request is never modified.
type Route struct {
	Backend    Backend
	Request    models.ChatRequest
	Multiplier int

	// LocalMessages and LocalOptions are set for BackendLocalNative.
	LocalMessages []translator.OllamaMessage
	LocalOptions  map[string]any

	// AggregatorMessages is set for BackendAggregator.
	AggregatorMessages []translator.AggregatorMessage
}

// Settings describes which optional backends are configured and how usage is
// weighted.
type Settings struct {
	Secondary    bool
	Additional   bool
	Gateway      bool
	Aggregator   bool
	VisionModels []string
	Multipliers  []config.MultiplierRule
}

// Classify selects the backend for req by model prefix, first match wins, and
// rewrites the provider-specific fields on a copy.
func Classify(req models.ChatRequest, settings Settings) (Route, error) {
	model := req.Model
	route := Route{Request: req.Clone(), Multiplier: 1}

	switch {
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		route.Backend = BackendPrimary
		if strings.HasPrefix(model, "o4") {
			rewriteReasoningOptions(&route.Request)
		}

	case strings.HasPrefix(model, prefixSecondary):
		if !settings.Secondary {
			return Route{}, unavailable("groq")
		}
		route.Backend = BackendSecondary
		route.Request.Model = strings.TrimPrefix(model, prefixSecondary)

	case strings.HasPrefix(model, prefixAdditional):
		if !settings.Additional {
			return Route{}, unavailable("gemini")
		}
		route.Backend = BackendAdditional
		route.Request.Model = strings.TrimPrefix(model, prefixAdditional)

	case strings.HasPrefix(model, prefixGateway):
		if !settings.Gateway {
			return Route{}, unavailable("litellm")
		}
		route.Backend = BackendGateway
		route.Request.Model = strings.TrimPrefix(model, prefixGateway)

	case strings.HasPrefix(model, prefixLocal):
		classifyLocal(&route, strings.TrimPrefix(model, prefixLocal), settings.VisionModels)
		return route, nil

	case strings.HasPrefix(model, prefixDummy):
		route.Backend = BackendDummy
		route.Multiplier = 0
		return route, nil

	case strings.HasPrefix(model, prefixAggregator):
		if !settings.Aggregator {
			return Route{}, unavailable("aggregator")
		}
		route.Backend = BackendAggregator
		route.Request.Model = strings.TrimPrefix(model, prefixAggregator)
		route.AggregatorMessages = translator.ToAggregatorMessages(route.Request.Messages)

	default:
		return Route{}, provider.ErrModelNotFound
	}

	route.Multiplier = multiplierFor(route.Request.Model, settings.Multipliers)
	return route, nil
}

// rewriteReasoningOptions moves max_tokens to max_completion_tokens and drops
// temperature, which the o4 family rejects.
func rewriteReasoningOptions(req *models.ChatRequest) {
	if req.Options == nil {
		req.Options = map[string]any{}
	}
	if v, ok := req.Options["max_tokens"]; ok {
		req.Options["max_completion_tokens"] = v
		delete(req.Options, "max_tokens")
	} else if _, ok := req.Options["max_completion_tokens"]; !ok {
		req.Options["max_completion_tokens"] = defaultCompletionTokens
	}
	delete(req.Options, "temperature")
}

func classifyLocal(route *Route, model string, visionModels []string) {
	route.Request.Model = model
	delete(route.Request.Options, "max_tokens")
	route.Multiplier = 0

	if !isVisionModel(model, visionModels) {
		route.Backend = BackendLocalShim
		route.Request.Messages = flattenMessages(route.Request.Messages)
		return
	}

	route.Backend = BackendLocalNative
	route.LocalMessages = translator.ToOllamaMessages(route.Request.Messages)

	temperature, ok := route.Request.Options["temperature"]
	if !ok {
		temperature = defaultLocalTemperature
	}
	delete(route.Request.Options, "temperature")
	route.LocalOptions = map[string]any{"temperature": temperature}
}

func isVisionModel(model string, visionModels []string) bool {
	for _, name := range visionModels {
		if name != "" && strings.HasPrefix(model, name) {
			return true
		}
	}
	return false
}

// flattenMessages reduces multi-part content to its text.
func flattenMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = models.Message{Role: msg.Role, Content: msg.Text(), Name: msg.Name}
	}
	return out
}

func unavailable(name string) error {
	return fmt.Errorf("%w: %s is not configured", provider.ErrProviderUnavailable, name)
}

func multiplierFor(model string, rules []config.MultiplierRule) int {
	for _, rule := range rules {
		if strings.Contains(model, rule.Match) {
			return rule.Factor
		}
	}
	return 1
}
