package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment is the deployment environment.
type Environment string

const (
	EnvLocal Environment = "local"
	EnvDev   Environment = "dev"
	EnvProd  Environment = "prod"
)

const (
	defaultPort       = 7878
	defaultMaxTokens  = 700000
	defaultStreamWait = 180 * time.Second
	sessionKeyEnv     = "OPENUI_SESSION_KEY"
)

// ParseEnvironment normalizes an environment name; unknown values fall back to local.
func ParseEnvironment(value string) (Environment, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "local":
		return EnvLocal, true
	case "dev", "development":
		return EnvDev, true
	case "prod", "production":
		return EnvProd, true
	default:
		return EnvLocal, false
	}
}

// Config represents the application configuration.
type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Environment  Environment      `yaml:"environment"`
	MaxTokens    int64            `yaml:"max_tokens"`
	Database     string           `yaml:"database"`
	SessionKey   string           `yaml:"session_key"`
	LogLevel     string           `yaml:"log_level"`
	StreamWait   time.Duration    `yaml:"stream_wait"`
	DummyDelay   time.Duration    `yaml:"dummy_delay"`
	VisionModels []string         `yaml:"vision_models"`
	Multipliers  []MultiplierRule `yaml:"multipliers"`
	Providers    ProvidersConfig  `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// ProvidersConfig catalogues upstream providers.
type ProvidersConfig struct {
	OpenAI     ProviderConfig   `yaml:"openai"`
	Groq       ProviderConfig   `yaml:"groq"`
	Gemini     ProviderConfig   `yaml:"gemini"`
	LiteLLM    ProviderConfig   `yaml:"litellm"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
}

// ProviderConfig captures authentication and routing info for an
// OpenAI-compatible provider.
type ProviderConfig struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	Headers      Headers `yaml:"headers"`
	IncludeUsage bool    `yaml:"include_usage"`
}

// Configured reports whether the provider has both a key and a base URL.
func (p ProviderConfig) Configured() bool {
	return strings.TrimSpace(p.APIKey) != "" && strings.TrimSpace(p.BaseURL) != ""
}

// OllamaConfig points at the local model server.
type OllamaConfig struct {
	Host string `yaml:"host"`
}

// AggregatorConfig points at the legacy chat aggregator.
type AggregatorConfig struct {
	URL string `yaml:"url"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// MultiplierRule weights usage for models whose name contains Match.
type MultiplierRule struct {
	Match  string `yaml:"match"`
	Factor int    `yaml:"factor"`
}

// Default returns the configuration used when no file or variable overrides it.
func Default() Config {
	return Config{
		Server:       ServerConfig{Port: defaultPort},
		Environment:  EnvLocal,
		MaxTokens:    defaultMaxTokens,
		Database:     defaultDatabasePath(),
		LogLevel:     "info",
		StreamWait:   defaultStreamWait,
		VisionModels: []string{"llava", "moondream"},
		Multipliers:  []MultiplierRule{{Match: "gpt-4", Factor: 10}},
		Providers: ProvidersConfig{
			OpenAI:  ProviderConfig{APIKey: "xxx", BaseURL: "https://api.openai.com/v1", IncludeUsage: true},
			Groq:    ProviderConfig{BaseURL: "https://api.groq.com/openai/v1"},
			Gemini:  ProviderConfig{BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai"},
			LiteLLM: ProviderConfig{BaseURL: "http://0.0.0.0:4000"},
			Ollama:  OllamaConfig{Host: "http://127.0.0.1:11434"},
		},
	}
}

// Load reads optional YAML configuration, then .env files and environment
// variables, and validates the result. An empty path skips the YAML file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	for _, envPath := range envPaths() {
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
		}
	}
	applyEnv(&cfg)

	cfg.Database = expandHome(cfg.Database)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if _, ok := ParseEnvironment(string(c.Environment)); !ok {
		return fmt.Errorf("environment %q must be one of local, dev or prod", c.Environment)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.StreamWait <= 0 {
		return fmt.Errorf("stream_wait must be positive, got %s", c.StreamWait)
	}
	if c.DummyDelay < 0 {
		return fmt.Errorf("dummy_delay must not be negative, got %s", c.DummyDelay)
	}

	for i, rule := range c.Multipliers {
		if strings.TrimSpace(rule.Match) == "" {
			return fmt.Errorf("multipliers[%d]: match must not be empty", i)
		}
		if rule.Factor < 0 {
			return fmt.Errorf("multipliers[%d]: factor must not be negative", i)
		}
	}

	providers := map[string]ProviderConfig{
		"openai":  c.Providers.OpenAI,
		"groq":    c.Providers.Groq,
		"gemini":  c.Providers.Gemini,
		"litellm": c.Providers.LiteLLM,
	}
	for name, provider := range providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	if provider.APIKey != "" && strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided with api_key", name)
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}

func applyEnv(cfg *Config) {
	setString(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Providers.Groq.APIKey, "GROQ_API_KEY")
	setString(&cfg.Providers.Groq.BaseURL, "GROQ_BASE_URL")
	setString(&cfg.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&cfg.Providers.Gemini.BaseURL, "GEMINI_BASE_URL")
	setString(&cfg.Providers.LiteLLM.APIKey, "LITELLM_MASTER_KEY")
	setString(&cfg.Providers.LiteLLM.APIKey, "LITELLM_API_KEY")
	setString(&cfg.Providers.LiteLLM.BaseURL, "LITELLM_BASE_URL")
	setString(&cfg.Providers.Ollama.Host, "OLLAMA_HOST")
	setString(&cfg.Providers.Aggregator.URL, "AGGREGATOR_BASE_URL")
	setString(&cfg.Database, "DATABASE")
	setString(&cfg.SessionKey, sessionKeyEnv)
	setString(&cfg.LogLevel, "OPENUI_LOG_LEVEL")

	if value := os.Getenv("OPENUI_ENVIRONMENT"); value != "" {
		// Unknown names run locally rather than failing startup.
		env, _ := ParseEnvironment(value)
		cfg.Environment = env
	} else if env, ok := ParseEnvironment(string(cfg.Environment)); ok {
		cfg.Environment = env
	}

	if value := os.Getenv("OPENUI_MAX_TOKENS"); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			cfg.MaxTokens = n
		}
	}
	if value := os.Getenv("OPENUI_STREAM_WAIT"); value != "" {
		cfg.StreamWait = parseDuration(value, cfg.StreamWait)
	}
}

func setString(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

// parseDuration accepts "30s"-style values or bare seconds.
func parseDuration(value string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// EnsureSessionKey fills an empty SessionKey with a random one and persists it
// to envPath so sessions survive restarts.
func EnsureSessionKey(cfg *Config, envPath string) error {
	if cfg.SessionKey != "" {
		return nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}
	cfg.SessionKey = hex.EncodeToString(buf)

	values := map[string]string{}
	if existing, err := godotenv.Read(envPath); err == nil {
		values = existing
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", envPath, err)
	}
	values[sessionKeyEnv] = cfg.SessionKey

	if err := os.MkdirAll(filepath.Dir(envPath), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(envPath), err)
	}
	if err := godotenv.Write(values, envPath); err != nil {
		return fmt.Errorf("persist session key: %w", err)
	}
	return nil
}

// StateDir is the per-user directory holding the database and generated secrets.
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openui"
	}
	return filepath.Join(home, ".openui")
}

// DefaultEnvPath is where generated secrets are persisted.
func DefaultEnvPath() string {
	return filepath.Join(StateDir(), ".env")
}

func defaultDatabasePath() string {
	return filepath.Join(StateDir(), "db.sqlite")
}

func envPaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	return append(paths, DefaultEnvPath())
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
