package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/backend"
	"github.com/MegaGrindStone/chat-relay/internal/services"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (backend.LLM, error)
}

type storeConfig interface {
	store(dataDir string) (kvStore, error)
}

type kvStore interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
	Close() error
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port    string        `yaml:"port"`
	Log     logConfig     `yaml:"log"`
	Relay   relayConfig   `yaml:"relay"`
	Backend backendConfig `yaml:"backend"`
	Chat    chatConfig    `yaml:"chat"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type relayConfig struct {
	BackendURL       string        `yaml:"backendURL"`
	FirstByteTimeout time.Duration `yaml:"firstByteTimeout"`
}

type backendConfig struct {
	SystemPrompt string
	LLM          llmConfig
}

type chatConfig struct {
	RelayURL       string        `yaml:"relayURL"`
	RevealInterval time.Duration `yaml:"revealInterval"`
	Store          storeConfig   `yaml:"-"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openaiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type boltConfig struct {
	Path string `yaml:"path"`
}

type redisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type memoryConfig struct{}

const (
	defaultPort     = "8080"
	configEnv       = "CHATRELAY_CONFIG"
	backendPrefix   = "/backend"
	defaultStoreDir = "chatrelay"
)

func loadConfig() (config, string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return config{}, "", fmt.Errorf("error getting user config dir: %w", err)
	}
	dataDir := filepath.Join(cfgDir, defaultStoreDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return config{}, "", fmt.Errorf("error creating config directory: %w", err)
	}

	cfgFilePath := os.Getenv(configEnv)
	if cfgFilePath == "" {
		cfgFilePath = filepath.Join(dataDir, "config.yaml")
	}
	cfgFile, err := os.Open(cfgFilePath)
	if err != nil {
		return config{}, "", fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg, err := decodeConfig(cfgFile)
	if err != nil {
		return config{}, "", err
	}
	return cfg, dataDir, nil
}

func decodeConfig(r io.Reader) (config, error) {
	cfg := config{}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.Backend.LLM == nil && cfg.Relay.BackendURL == "" {
		return config{}, fmt.Errorf("either backend.llm or relay.backendURL is required")
	}
	if cfg.Chat.Store == nil {
		cfg.Chat.Store = boltConfig{}
	}
	return cfg, nil
}

func (b *backendConfig) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		SystemPrompt string         `yaml:"systemPrompt"`
		LLM          map[string]any `yaml:"llm"`
	}
	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	b.SystemPrompt = rawConfig.SystemPrompt
	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openaiConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := remarshal(rawConfig.LLM, llm); err != nil {
		return err
	}
	b.LLM = llm
	return nil
}

func (c *chatConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain chatConfig
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}

	var rawConfig struct {
		Store map[string]any `yaml:"store"`
	}
	if err := value.Decode(&rawConfig); err != nil {
		return err
	}
	if rawConfig.Store == nil {
		return nil
	}

	driver, _ := rawConfig.Store["driver"].(string)
	delete(rawConfig.Store, "driver")

	var store storeConfig
	switch driver {
	case "", "bolt":
		var bc boltConfig
		if err := remarshal(rawConfig.Store, &bc); err != nil {
			return err
		}
		store = bc
	case "redis":
		var rc redisConfig
		if err := remarshal(rawConfig.Store, &rc); err != nil {
			return err
		}
		store = rc
	case "memory":
		store = memoryConfig{}
	default:
		return fmt.Errorf("unknown store driver: %s", driver)
	}

	c.Store = store
	return nil
}

func remarshal(raw map[string]any, out any) error {
	b, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}

func (l logConfig) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if l.Level != "" {
		if err := level.UnmarshalText([]byte(l.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", l.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(l.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", l.Format)
	}
}

func (o ollamaConfig) llm(systemPrompt string, _ *slog.Logger) (backend.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt)
}

func (o openaiConfig) llm(systemPrompt string, logger *slog.Logger) (backend.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string, _ *slog.Logger) (backend.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, systemPrompt, a.MaxTokens), nil
}

func (b boltConfig) store(dataDir string) (kvStore, error) {
	path := b.Path
	if path == "" {
		path = filepath.Join(dataDir, "store.db")
	}
	return services.NewBoltDB(path)
}

func (r redisConfig) store(string) (kvStore, error) {
	if r.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return services.NewRedis(client, r.Prefix, r.TTL), nil
}

func (memoryConfig) store(string) (kvStore, error) {
	return services.NewMemory(), nil
}
