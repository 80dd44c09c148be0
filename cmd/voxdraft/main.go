// Command voxdraft is the main entry point for the VoxDraft server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voxdraft/voxdraft/internal/bridge"
	"github.com/voxdraft/voxdraft/internal/config"
	"github.com/voxdraft/voxdraft/internal/diagram"
	"github.com/voxdraft/voxdraft/internal/observe"
	"github.com/voxdraft/voxdraft/internal/prd"
	"github.com/voxdraft/voxdraft/internal/refiner"
	"github.com/voxdraft/voxdraft/internal/resilience"
	"github.com/voxdraft/voxdraft/internal/store"
	"github.com/voxdraft/voxdraft/internal/web"
	"github.com/voxdraft/voxdraft/pkg/provider/llm"
	"github.com/voxdraft/voxdraft/pkg/provider/llm/anyllm"
	oaillm "github.com/voxdraft/voxdraft/pkg/provider/llm/openai"
	"github.com/voxdraft/voxdraft/pkg/provider/voice"
	"github.com/voxdraft/voxdraft/pkg/provider/voice/deepgram"
)

const version = "0.3.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Credentials live in .env during local development; missing file is fine.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		for _, path := range d.RestartRequired {
			slog.Warn("config change requires restart to take effect", "path", path)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxdraft: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxdraft: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("voxdraft starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxdraft",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Session store ─────────────────────────────────────────────────────────
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.Database.Path, "err", err)
		return 1
	}
	defer db.Close()
	slog.Info("database ready", "path", cfg.Database.Path)

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, err := buildLLM(cfg, reg)
	if err != nil {
		slog.Error("failed to create llm provider", "err", err)
		return 1
	}
	voiceProvider, err := reg.CreateVoice(cfg.Providers.Voice)
	if err != nil {
		slog.Error("failed to create voice provider", "name", cfg.Providers.Voice.Name, "err", err)
		return 1
	}
	slog.Info("providers ready",
		"llm", cfg.Providers.LLM.Name,
		"voice", cfg.Providers.Voice.Name,
	)

	// ── Application wiring ────────────────────────────────────────────────────
	ref := refiner.New(db, llmProvider,
		refiner.WithLogger(logger),
		refiner.WithMetrics(metrics),
		refiner.WithMaxTokens(cfg.Refiner.MaxTokens),
		refiner.WithTranscriptTail(cfg.Refiner.TranscriptTail),
	)
	exporter := prd.NewExporter(db, cfg.Export.OutputDir)
	manager := bridge.NewManager(func(sessionID string) *bridge.Bridge {
		return bridge.New(sessionID, db, voiceProvider, ref,
			bridge.WithLogger(logger),
			bridge.WithMetrics(metrics),
			bridge.WithExporter(exporter),
			bridge.WithThinkModel(cfg.Agent.ThinkModel),
			bridge.WithVoiceID(cfg.Agent.VoiceID),
		)
	})
	diagrams := diagram.New(llmProvider, diagram.WithLogger(logger), diagram.WithMetrics(metrics))
	server := web.NewServer(db, manager, exporter, diagrams, web.WithLogger(logger), web.WithMetrics(metrics))

	printStartupSummary(cfg)

	// ── Serve ─────────────────────────────────────────────────────────────────
	e := server.Router()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = e.StartTLS(cfg.Server.ListenAddr, tls.CertFile, tls.KeyFile)
		} else {
			err = e.Start(cfg.Server.ListenAddr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		manager.StopAll(shutdownCtx)
		return e.Shutdown(shutdownCtx)
	})

	slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// The native OpenAI client supports org-scoped keys and is the default
	// for "openai"; the remaining hosted providers go through any-llm.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterVoice("deepgram", func(entry config.ProviderEntry) (voice.Provider, error) {
		var opts []deepgram.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})
}

// buildLLM creates the primary completion provider and, when fallbacks are
// configured, wraps the set in a circuit-breaking failover group.
func buildLLM(cfg *config.Config, reg *config.Registry) (llm.Provider, error) {
	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	if len(cfg.Providers.LLMFallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, p)
		slog.Info("llm fallback registered", "name", entry.Name, "model", entry.Model)
	}
	return group, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         VoxDraft — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("LLM", providerLabel(cfg.Providers.LLM.Name, cfg.Providers.LLM.Model))
	printEntry("Voice", providerLabel(cfg.Providers.Voice.Name, cfg.Agent.ThinkModel))
	printEntry("Database", cfg.Database.Path)
	printEntry("Export dir", cfg.Export.OutputDir)
	printEntry("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func printEntry(kind, value string) {
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, clipEntry(value, 19))
}

// clipEntry shortens value to at most max runes, marking the cut with an
// ellipsis. Slicing by runes keeps multi-byte model names intact.
func clipEntry(value string, max int) string {
	r := []rune(value)
	if len(r) <= max {
		return value
	}
	return string(r[:max-3]) + "…"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
