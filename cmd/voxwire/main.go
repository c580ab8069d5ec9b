// Command voxwire is the main entry point for the Voxwire voice backend.
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

	"github.com/golang-jwt/jwt/v5"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/voxwire/voxwire/internal/authz"
	"github.com/voxwire/voxwire/internal/billing"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/counter"
	"github.com/voxwire/voxwire/internal/httpapi"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/resilience"
	"github.com/voxwire/voxwire/internal/store"
	"github.com/voxwire/voxwire/internal/synth"
	"github.com/voxwire/voxwire/internal/tenant"
	"github.com/voxwire/voxwire/internal/token"
	"github.com/voxwire/voxwire/internal/transport"
	"github.com/voxwire/voxwire/internal/usage"
	"github.com/voxwire/voxwire/internal/vault"
	"github.com/voxwire/voxwire/internal/voice"
	"github.com/voxwire/voxwire/internal/webhook"
	"github.com/voxwire/voxwire/pkg/provider/llm"
	"github.com/voxwire/voxwire/pkg/provider/llm/anyllm"
	llmmock "github.com/voxwire/voxwire/pkg/provider/llm/mock"
	"github.com/voxwire/voxwire/pkg/provider/llm/openai"
	"github.com/voxwire/voxwire/pkg/provider/stt"
	"github.com/voxwire/voxwire/pkg/provider/stt/deepgram"
	sttmock "github.com/voxwire/voxwire/pkg/provider/stt/mock"
	"github.com/voxwire/voxwire/pkg/provider/tts"
	"github.com/voxwire/voxwire/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/voxwire/voxwire/pkg/provider/tts/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxwire: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxwire starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	obsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxwire"})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("metrics init failed", "err", err)
		return 1
	}

	// ── Durable store ─────────────────────────────────────────────────────────
	st, err := store.NewStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		slog.Error("postgres unavailable", "err", err)
		return 1
	}
	defer st.Close()

	// ── Counter store ─────────────────────────────────────────────────────────
	counters, err := counter.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("redis unavailable", "err", err)
		return 1
	}

	// ── Credential vault ──────────────────────────────────────────────────────
	var vlt *vault.Vault
	if cfg.Vault.RootKey != "" {
		vlt, err = vault.New([]byte(cfg.Vault.RootKey))
		if err != nil {
			slog.Error("vault init failed", "err", err)
			return 1
		}
	} else {
		slog.Warn("vault root key not set; secrets are stored unwrapped")
	}

	// ── Token issuer ──────────────────────────────────────────────────────────
	tokens, err := buildIssuer(cfg, counters)
	if err != nil {
		slog.Error("token issuer init failed", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	sttProv, err := buildSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("stt provider init failed", "name", cfg.Providers.STT.Name, "err", err)
		return 1
	}
	llmProv, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("llm provider init failed", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	ttsProv, err := buildTTS(cfg.Providers.TTS)
	if err != nil {
		slog.Error("tts provider init failed", "name", cfg.Providers.TTS.Name, "err", err)
		return 1
	}
	slog.Info("providers ready",
		"stt", sttProv.Name(), "llm", llmProv.Name(), "tts", ttsProv.Name())

	sttBrk := resilience.NewBreaker(resilience.Config{Name: "stt", Logger: logger})
	llmBrk := resilience.NewBreaker(resilience.Config{Name: "llm", Logger: logger})
	ttsBrk := resilience.NewBreaker(resilience.Config{Name: "tts", Logger: logger})
	breakers := resilience.NewSet()
	breakers.Add(sttBrk)
	breakers.Add(llmBrk)
	breakers.Add(ttsBrk)

	// ── Webhook dispatcher ────────────────────────────────────────────────────
	dispatchOpts := []webhook.Option{webhook.WithLogger(logger), webhook.WithMetrics(metrics)}
	if vlt != nil {
		dispatchOpts = append(dispatchOpts, webhook.WithVault(vlt))
	}
	dispatcher := webhook.NewDispatcher(st.Webhooks(), cfg.Webhooks, dispatchOpts...)

	// ── Usage metering ────────────────────────────────────────────────────────
	quota := usage.NewQuota(counters, cfg, logger)
	recorder := usage.NewRecorder(st, counters, quota, cfg, dispatcher, logger)
	reconciler := usage.NewReconciler(st, counters, cfg, logger)
	go reconciler.Run(ctx)

	// ── Synthesis ─────────────────────────────────────────────────────────────
	cache := synth.NewCache(synth.CacheConfig{
		MaxBytes: cfg.Synthesis.CacheCapacityBytes,
		TTL:      cfg.Synthesis.CacheTTL,
		Logger:   logger,
		Metrics:  metrics,
	})
	synthesizer := synth.NewSynthesizer(cache, st.Artifacts(), ttsProv, ttsBrk, metrics, logger)
	analyzer := synth.NewAnalyzer()

	pool := synth.NewPool(st.Jobs(), st.Agents(), synthesizer, synth.PoolConfig{
		Workers: cfg.Synthesis.PregenWorkers,
		Logger:  logger,
		Metrics: metrics,
	})
	go func() {
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("pregen pool error", "err", err)
		}
	}()

	// ── Voice sessions ────────────────────────────────────────────────────────
	manager := voice.NewManager(voice.Deps{
		Pipeline:   cfg.Pipeline,
		STT:        sttProv,
		LLM:        llmProv,
		Synth:      synthesizer,
		STTBreaker: sttBrk,
		LLMBreaker: llmBrk,
		Sessions:   st.Sessions(),
		Agents:     st.Agents(),
		Usage:      recorder,
		Events:     dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	})

	// ── HTTP surface ──────────────────────────────────────────────────────────
	resolver := tenant.NewResolver(st.Tenants(), st.Credentials(), st.Audit(), tokens, logger)
	server := httpapi.NewServer(httpapi.Deps{
		Config:      cfg,
		Resolver:    resolver,
		Tokens:      tokens,
		Authz:       authz.NewEvaluator(),
		Principals:  st.Principals(),
		Credentials: st.Credentials(),
		Agents:      st.Agents(),
		Sessions:    st.Sessions(),
		Jobs:        st.Jobs(),
		Webhooks:    st.Webhooks(),
		Usage:       recorder,
		Invoices:    st.Invoices(),
		Synth:       synthesizer,
		Analyzer:    analyzer,
		Billing:     billing.NewBuilder(st.Tenants(), st.Usage(), st.Invoices(), logger),
		Vault:       vlt,
		Manager:     manager,
		Transport:   transport.NewHandler(manager, metrics, logger),
		Dispatcher:  dispatcher,
		Breakers:    breakers,
		Metrics:     metrics,
		Logger:      logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			errCh <- httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		errCh <- httpSrv.ListenAndServe()
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	manager.Shutdown(shutdownCtx)
	if err := dispatcher.Close(shutdownCtx); err != nil {
		slog.Warn("webhook drain error", "err", err)
	}
	if err := obsShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Construction helpers ──────────────────────────────────────────────────────

// buildIssuer picks the signing method from configuration: an HMAC secret, or
// an RSA private key file for asymmetric deployments.
func buildIssuer(cfg *config.Config, counters *counter.Client) (*token.Issuer, error) {
	tc := token.Config{
		Issuer:          cfg.Auth.Issuer,
		Audience:        cfg.Auth.Audience,
		AccessLifetime:  cfg.Auth.AccessTokenLifetime,
		RefreshLifetime: cfg.Auth.RefreshTokenLifetime,
	}
	switch {
	case cfg.Auth.RSAPrivateKeyFile != "":
		pem, err := os.ReadFile(cfg.Auth.RSAPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read rsa key: %w", err)
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parse rsa key: %w", err)
		}
		tc.RSAKey = key
	case cfg.Auth.SigningSecret != "":
		tc.HMACSecret = []byte(cfg.Auth.SigningSecret)
	default:
		return nil, errors.New("auth.signing_secret or auth.rsa_private_key_file is required")
	}
	return token.New(tc, counters)
}

func buildSTT(entry config.ProviderEntry) (stt.Provider, error) {
	switch entry.Name {
	case "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		return deepgram.New(entry.APIKey, opts...)
	case "mock", "":
		return &sttmock.Provider{}, nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", entry.Name)
	}
}

func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	case "anthropic", "gemini", "ollama", "mistral", "groq":
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Name, entry.Model, opts...)
	case "mock", "":
		return &llmmock.Provider{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", entry.Name)
	}
}

func buildTTS(entry config.ProviderEntry) (tts.Provider, error) {
	switch entry.Name {
	case "elevenlabs":
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	case "mock", "":
		return &ttsmock.Provider{}, nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", entry.Name)
	}
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
