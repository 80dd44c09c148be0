// Package config provides the configuration schema, loader, and provider
// registry for the VoxDraft server.
package config

// LogLevel controls log verbosity for the VoxDraft server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for VoxDraft.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Agent     AgentConfig     `yaml:"agent"`
	Refiner   RefinerConfig   `yaml:"refiner"`
	Export    ExportConfig    `yaml:"export"`
}

// ServerConfig holds network and logging settings for the VoxDraft server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// DatabaseConfig holds settings for the SQLite session store.
type DatabaseConfig struct {
	// Path is the SQLite database file. Created on first run if missing.
	Path string `yaml:"path"`
}

// ProvidersConfig declares which provider implementation to use for each
// external service. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	// LLM is the text-completion provider used for design-state extraction
	// and conversation guidance.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks lists additional completion providers tried in order
	// when the primary LLM fails or its circuit breaker is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// Voice is the hosted speech-to-speech agent provider.
	Voice ProviderEntry `yaml:"voice"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. A value of
	// the form "${SOME_VAR}" is read from that environment variable; when
	// empty, the loader falls back to the provider's conventional variable
	// (e.g., OPENAI_API_KEY, DEEPGRAM_API_KEY).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`
}

// AgentConfig tunes the hosted voice agent session.
type AgentConfig struct {
	// ThinkModel is the reasoning model the voice service uses to generate
	// agent replies. Empty selects the provider default.
	ThinkModel string `yaml:"think_model"`

	// VoiceID is the synthesized voice. Empty selects the provider default.
	VoiceID string `yaml:"voice_id"`
}

// RefinerConfig tunes the design-state refresh cycle.
type RefinerConfig struct {
	// MaxTokens bounds the replacement JSON document the extraction model
	// may return.
	MaxTokens int `yaml:"max_tokens"`

	// TranscriptTail is how many trailing transcript messages the guidance
	// prompt sees.
	TranscriptTail int `yaml:"transcript_tail"`
}

// ExportConfig controls PRD document export.
type ExportConfig struct {
	// OutputDir is the directory exported Markdown documents are written to.
	OutputDir string `yaml:"output_dir"`
}

// Default returns a config with the built-in defaults applied. Loaded
// configs only need to set the fields they want to change.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Database: DatabaseConfig{Path: "voxdraft.db"},
		Refiner: RefinerConfig{
			MaxTokens:      4000,
			TranscriptTail: 5,
		},
		Export: ExportConfig{OutputDir: "exports"},
	}
}
