package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Port != 8420 {
		t.Errorf("expected default port 8420, got %d", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "local" {
		t.Errorf("expected default llm provider local, got %q", cfg.LLM.Provider)
	}
	if len(cfg.Lanes.Definitions) != 3 {
		t.Fatalf("expected 3 default lanes, got %d", len(cfg.Lanes.Definitions))
	}

	byKind := map[string]LaneConfig{}
	for _, lane := range cfg.Lanes.Definitions {
		byKind[lane.Kind] = lane
	}
	if byKind["planner"].MaxConcurrent != 1 {
		t.Errorf("planner lane maxConcurrent = %d, want 1", byKind["planner"].MaxConcurrent)
	}
	if byKind["main"].MaxConcurrent != 2 {
		t.Errorf("main lane maxConcurrent = %d, want 2", byKind["main"].MaxConcurrent)
	}
	if byKind["parallel"].MaxConcurrent != 4 {
		t.Errorf("parallel lane maxConcurrent = %d, want 4", byKind["parallel"].MaxConcurrent)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EVOAGENT_LLM_PROVIDER", "openai")
	t.Setenv("EVOAGENT_LLM_MODEL", "gpt-4o")
	t.Setenv("EVOAGENT_LLM_API_KEY", "sk-test")
	t.Setenv("EVOAGENT_LLM_BASE_URL", "https://api.example.com")
	t.Setenv("EVOAGENT_LLM_TIMEOUT", "120")
	t.Setenv("EVOAGENT_LLM_MAX_RETRIES", "7")
	t.Setenv("EVOAGENT_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.LLM.Provider != "openai" {
		t.Errorf("llm.provider = %q, want openai", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("llm.model = %q, want gpt-4o", cfg.LLM.Model)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("llm.apiKey = %q, want sk-test", cfg.LLM.APIKey)
	}
	if cfg.LLM.BaseURL != "https://api.example.com" {
		t.Errorf("llm.baseUrl = %q, want https://api.example.com", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Timeout != 120 {
		t.Errorf("llm.timeout = %d, want 120", cfg.LLM.Timeout)
	}
	if cfg.LLM.MaxRetries != 7 {
		t.Errorf("llm.maxRetries = %d, want 7", cfg.LLM.MaxRetries)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := "server:\n  port: 9001\nllm:\n  provider: anthropic\n"
	if err := os.WriteFile(filepath.Join(dir, "evoagent.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath() returned error: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("server.port = %d, want 9001", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("llm.provider = %q, want anthropic", cfg.LLM.Provider)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	cfg.Server.Port = -1
	cfg.Logging.Level = "loud"
	cfg.Bus.MaxQueueSize = 0

	verr := Validate(cfg)
	if verr == nil {
		t.Fatal("expected validation error, got nil")
	}
	msg := verr.Error()
	for _, want := range []string{"server.port", "logging.level", "bus.maxQueueSize"} {
		if !strings.Contains(msg, want) {
			t.Errorf("validation error missing %q: %s", want, msg)
		}
	}
}

func TestDataDirLayout(t *testing.T) {
	d := DataConfig{Dir: "/tmp/evoagent-test"}
	if got := d.SessionDir(); got != "/tmp/evoagent-test/sessions" {
		t.Errorf("SessionDir() = %q", got)
	}
	if got := d.KnowledgeDir(); got != "/tmp/evoagent-test/knowledge" {
		t.Errorf("KnowledgeDir() = %q", got)
	}
	if got := d.VectorDir(); got != "/tmp/evoagent-test/vector" {
		t.Errorf("VectorDir() = %q", got)
	}
}
