package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDecodeConfig(t *testing.T) {
	const raw = `
port: "9000"
log:
  level: debug
  format: json
relay:
  firstByteTimeout: 20s
backend:
  systemPrompt: be brief
  llm:
    provider: openai
    model: gpt-4o-mini
    baseURL: https://openrouter.ai/api/v1
    parameters:
      temperature: 0.3
chat:
  revealInterval: 10ms
  store:
    driver: redis
    addr: localhost:6379
    prefix: "chat:"
    ttl: 1h
`
	cfg, err := decodeConfig(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("decodeConfig() error = %v", err)
	}

	if cfg.Port != "9000" || cfg.Relay.FirstByteTimeout != 20*time.Second {
		t.Errorf("port/relay = %q %v", cfg.Port, cfg.Relay.FirstByteTimeout)
	}
	if cfg.Chat.RevealInterval != 10*time.Millisecond {
		t.Errorf("revealInterval = %v", cfg.Chat.RevealInterval)
	}
	if cfg.Backend.SystemPrompt != "be brief" {
		t.Errorf("systemPrompt = %q", cfg.Backend.SystemPrompt)
	}

	llm, ok := cfg.Backend.LLM.(*openaiConfig)
	if !ok {
		t.Fatalf("llm = %T, want *openaiConfig", cfg.Backend.LLM)
	}
	if llm.Model != "gpt-4o-mini" || llm.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("llm = %+v", llm)
	}
	if llm.Parameters.Temperature == nil || *llm.Parameters.Temperature != 0.3 {
		t.Errorf("temperature = %v", llm.Parameters.Temperature)
	}

	store, ok := cfg.Chat.Store.(redisConfig)
	if !ok {
		t.Fatalf("store = %T, want redisConfig", cfg.Chat.Store)
	}
	if store.Addr != "localhost:6379" || store.Prefix != "chat:" || store.TTL != time.Hour {
		t.Errorf("store = %+v", store)
	}

	var buf bytes.Buffer
	logger, err := cfg.Log.logger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("log output = %q, want json", buf.String())
	}
}

func TestDecodeConfigDefaults(t *testing.T) {
	cfg, err := decodeConfig(strings.NewReader(`
relay:
  backendURL: http://core:9000
`))
	if err != nil {
		t.Fatalf("decodeConfig() error = %v", err)
	}
	if cfg.Port != defaultPort {
		t.Errorf("port = %q, want %q", cfg.Port, defaultPort)
	}
	if cfg.Backend.LLM != nil {
		t.Errorf("llm = %T, want none", cfg.Backend.LLM)
	}

	bc, ok := cfg.Chat.Store.(boltConfig)
	if !ok {
		t.Fatalf("store = %T, want boltConfig", cfg.Chat.Store)
	}
	store, err := bc.store(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
}

func TestDecodeConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "no backend",
			raw:  `port: "8080"`,
			want: "backend.llm or relay.backendURL",
		},
		{
			name: "unknown provider",
			raw:  "backend:\n  llm:\n    provider: bard\n",
			want: "unknown llm provider",
		},
		{
			name: "missing provider",
			raw:  "backend:\n  llm:\n    model: x\n",
			want: "llm provider is required",
		},
		{
			name: "unknown driver",
			raw:  "relay:\n  backendURL: http://x\nchat:\n  store:\n    driver: sqlite\n",
			want: "unknown store driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeConfig(strings.NewReader(tt.raw))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("decodeConfig() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLLMConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  llmConfig
	}{
		{name: "ollama without model", cfg: ollamaConfig{}},
		{name: "openai without model", cfg: openaiConfig{}},
		{name: "anthropic without max tokens", cfg: anthropicConfig{BaseLLMConfig: BaseLLMConfig{Model: "claude"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.cfg.llm("", nil); err == nil {
				t.Error("llm() succeeded, want error")
			}
		})
	}
}

func TestMemoryStoreConfig(t *testing.T) {
	cfg, err := decodeConfig(strings.NewReader("relay:\n  backendURL: http://x\nchat:\n  store:\n    driver: memory\n"))
	if err != nil {
		t.Fatal(err)
	}
	store, err := cfg.Chat.Store.store(filepath.Join(t.TempDir(), "unused"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := store.Load(context.Background(), "threads"); ok {
		t.Error("memory store is not empty")
	}
}
