package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/northbay-labs/callpilot/internal/agent"
	"github.com/northbay-labs/callpilot/internal/agent/grpc"
	"github.com/northbay-labs/callpilot/internal/agent/openai"
	"github.com/northbay-labs/callpilot/internal/callcontrol"
	"github.com/northbay-labs/callpilot/internal/config"
	"github.com/northbay-labs/callpilot/internal/observability"
	"github.com/northbay-labs/callpilot/internal/recovery"
	"github.com/northbay-labs/callpilot/internal/session"
	"github.com/northbay-labs/callpilot/internal/stt"
	"github.com/northbay-labs/callpilot/internal/stt/whisper"
	"github.com/northbay-labs/callpilot/internal/telephony"
	"github.com/northbay-labs/callpilot/internal/threadbind"
	"github.com/northbay-labs/callpilot/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("stt_engine", cfg.STTEngine).
		Str("agent_runtime", cfg.AgentRuntime).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("voice agent service starting")

	ttsEngine := tts.NewCartesiaClient(cfg, logger)

	runtime, closeRuntime, err := buildAgentRuntime(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build agent runtime")
	}
	defer closeRuntime()

	invokerTimeout := time.Duration(cfg.AgentTimeoutS) * time.Second
	invoker := agent.NewInvoker(runtime, invokerTimeout, logger)

	threadStore, recoveryStore, closeStores := buildStores(cfg, logger)
	defer closeStores()

	sttFactory := buildSTTFactory(cfg, logger)
	callControl := callcontrol.NewClient(cfg, logger)
	if callControl == nil {
		logger.Warn().Msg("CALL_CONTROL_BASE_URL unset: hangup will only close the media socket")
	}

	deps := session.Deps{
		Config:        cfg,
		Logger:        logger,
		STTFactory:    sttFactory,
		TTSEngine:     ttsEngine,
		Invoker:       invoker,
		ThreadStore:   threadStore,
		RecoveryStore: recoveryStore,
		CallControl:   callControl,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/streams/inbound", func(w http.ResponseWriter, r *http.Request) {
		conn, err := telephony.Upgrade(w, r)
		if err != nil {
			logger.Error().Err(err).Msg("failed to upgrade websocket connection")
			return
		}
		transport := telephony.New(conn, logger)
		sess := session.New(transport, deps)
		if err := sess.Run(r.Context()); err != nil {
			logger.Warn().Err(err).Msg("session ended")
		}
	})

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"tts": func(ctx context.Context) (bool, error) {
			return ttsEngine != nil, nil
		},
		"agent_runtime": func(ctx context.Context) (bool, error) {
			if cfg.AgentRuntime != "grpc" {
				return true, nil
			}
			client, ok := runtime.(*grpc.Client)
			if !ok {
				return true, nil
			}
			return client.HealthCheck(ctx)
		},
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	endpoint := fmt.Sprintf("ws://localhost:%s/streams/inbound", cfg.Port)
	if cfg.PublicURL != "" {
		endpoint = cfg.PublicURL + "/streams/inbound"
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server exited gracefully")
}

// buildAgentRuntime constructs the configured agent.Runtime backend and
// returns a cleanup func that closes it.
func buildAgentRuntime(cfg *config.Config, logger zerolog.Logger) (agent.Runtime, func(), error) {
	switch cfg.AgentRuntime {
	case "grpc":
		client, err := grpc.NewClient(cfg)
		if err != nil {
			return nil, func() {}, fmt.Errorf("building grpc agent runtime: %w", err)
		}
		return client, func() { _ = client.Close() }, nil
	case "openai":
		client := openai.NewClient(cfg, agent.Mode(cfg.AgentMode))
		return client, func() { _ = client.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown agent runtime %q", cfg.AgentRuntime)
	}
}

// buildSTTFactory returns a factory that constructs a fresh stt.Engine for
// each new call, matching the configured STT backend.
func buildSTTFactory(cfg *config.Config, logger zerolog.Logger) func() stt.Engine {
	switch cfg.STTEngine {
	case "whisper":
		return func() stt.Engine {
			return whisper.New(cfg.WhisperServerURL, logger,
				whisper.WithRMSThreshold(cfg.WhisperRMSThreshold),
				whisper.WithSilenceDuration(time.Duration(cfg.WhisperSilenceMs)*time.Millisecond),
				whisper.WithMaxBufferDuration(time.Duration(cfg.WhisperMaxBufferMs)*time.Millisecond),
				whisper.WithMinUtteranceDuration(time.Duration(cfg.WhisperMinUtteranceMs)*time.Millisecond),
			)
		}
	default:
		return func() stt.Engine {
			return stt.NewDeepgramClient(cfg)
		}
	}
}

// buildStores connects to Postgres and migrates the Thread Binder and
// Recovery schemas, when DATABASE_URL is configured. Both stores are
// optional: a deployment with no DATABASE_URL still places and receives
// calls, it just never resumes a prior thread or persists a recovery
// snapshot on disconnect.
func buildStores(cfg *config.Config, logger zerolog.Logger) (threadbind.Store, *recovery.Store, func()) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL unset: thread binding and call recovery are disabled")
		return nil, nil, func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	threadStore, err := threadbind.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect thread binder store")
	}

	recoveryPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect recovery store pool")
	}

	recoveryStore, err := recovery.NewStore(ctx, recoveryPool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate recovery store")
	}

	return threadStore, recoveryStore, func() {
		threadStore.Close()
		recoveryPool.Close()
	}
}
