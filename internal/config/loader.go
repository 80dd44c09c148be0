package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Unknown
// names are a hard validation error so that a typo in the config fails at
// startup instead of surfacing as a missing-factory error mid-session.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
	"voice": {"deepgram"},
}

// apiKeyEnv maps a provider name to the environment variable its API key is
// conventionally stored in. Providers absent from this map need no key.
var apiKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
	"groq":      "GROQ_API_KEY",
	"deepgram":  "DEEPGRAM_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment credentials applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment credentials, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStorage reads the config file at path but only validates the storage
// settings. Offline tools use it so a missing provider API key does not
// block an export.
func LoadStorage(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	var errs []error
	if cfg.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if cfg.Export.OutputDir == "" {
		errs = append(errs, errors.New("export.output_dir is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv resolves API keys for each provider entry. A key written as
// "${SOME_VAR}" is replaced with that variable's value, and an empty key
// falls back to the provider's conventional environment variable.
func applyEnv(cfg *Config) {
	entries := []*ProviderEntry{&cfg.Providers.LLM, &cfg.Providers.Voice}
	for i := range cfg.Providers.LLMFallbacks {
		entries = append(entries, &cfg.Providers.LLMFallbacks[i])
	}
	for _, entry := range entries {
		if v, ok := strings.CutPrefix(entry.APIKey, "${"); ok {
			if name, ok := strings.CutSuffix(v, "}"); ok {
				entry.APIKey = os.Getenv(name)
			}
		}
		if entry.APIKey != "" || entry.Name == "" {
			continue
		}
		if env, ok := apiKeyEnv[entry.Name]; ok {
			entry.APIKey = os.Getenv(env)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if cfg.Refiner.MaxTokens <= 0 {
		errs = append(errs, errors.New("refiner.max_tokens must be positive"))
	}
	if cfg.Refiner.TranscriptTail <= 0 {
		errs = append(errs, errors.New("refiner.transcript_tail must be positive"))
	}
	if cfg.Export.OutputDir == "" {
		errs = append(errs, errors.New("export.output_dir is required"))
	}

	errs = append(errs, validateProvider("llm", "llm", cfg.Providers.LLM)...)
	errs = append(errs, validateProvider("voice", "voice", cfg.Providers.Voice)...)
	for i, entry := range cfg.Providers.LLMFallbacks {
		errs = append(errs, validateProvider("llm", fmt.Sprintf("llm_fallbacks[%d]", i), entry)...)
	}

	return errors.Join(errs...)
}

func validateProvider(kind, label string, entry ProviderEntry) []error {
	var errs []error

	known := ValidProviderNames[kind]
	switch {
	case entry.Name == "":
		errs = append(errs, fmt.Errorf("providers.%s.name is required; valid values: %s", label, strings.Join(known, ", ")))
	case !slices.Contains(known, entry.Name):
		errs = append(errs, fmt.Errorf("providers.%s.name %q is not a known provider; valid values: %s", label, entry.Name, strings.Join(known, ", ")))
	default:
		if env, needsKey := apiKeyEnv[entry.Name]; needsKey && entry.APIKey == "" {
			errs = append(errs, fmt.Errorf("providers.%s.api_key is required for %q (or set %s)", label, entry.Name, env))
		}
	}

	return errs
}
