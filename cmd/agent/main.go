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

	"go.opentelemetry.io/otel"

	"github.com/lokutor-ai/lokutor-duplex/pkg/audio"
	"github.com/lokutor-ai/lokutor-duplex/pkg/config"
	"github.com/lokutor-ai/lokutor-duplex/pkg/observe"
	"github.com/lokutor-ai/lokutor-duplex/pkg/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envPath := flag.String("env", ".env", "path to a .env file")
	flag.Parse()

	if err := run(*configPath, *envPath); err != nil {
		fmt.Fprintln(os.Stderr, "agent:", err)
		os.Exit(1)
	}
}

func run(configPath, envPath string) error {
	if err := config.LoadEnv(envPath); err != nil {
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := cfg.RequireKeys(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(cfg.LogLevel)}))

	stt, err := buildSTT(cfg.Providers.STT)
	if err != nil {
		return err
	}
	llm, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		return err
	}
	tts, err := buildTTS(cfg.Providers.TTS)
	if err != nil {
		return err
	}
	if c, ok := tts.(interface{ Close() error }); ok {
		defer c.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	engine, err := audio.NewEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	rc := cfg.ToRecorder()
	mic := engine.Microphone(rc.SampleRate, 64)
	if err := mic.Start(); err != nil {
		return err
	}
	defer mic.Close()
	speaker := engine.Speaker()

	playback := orchestrator.NewPlaybackBuffer()
	guard := orchestrator.NewEchoGuard(playback, rc.EchoWindow, rc.EchoThreshold)
	recorder := orchestrator.NewRecorder(mic.Frames(), rc,
		orchestrator.WithEchoGuard(guard),
		orchestrator.WithRecorderLogger(logger))

	orch, err := orchestrator.New(recorder, stt, llm, tts, speaker, cfg.ToOrchestrator(),
		orchestrator.WithLogger(logger),
		orchestrator.WithObserver(metrics),
		orchestrator.WithPlaybackBuffer(playback))
	if err != nil {
		return err
	}

	fmt.Printf("Configured: STT=%s | LLM=%s | TTS=%s\n", stt.Name(), llm.Name(), tts.Name())
	fmt.Printf("VAD Threshold: %.3f | Sample Rate: %dHz\n", rc.Threshold, rc.SampleRate)
	fmt.Println("Voice Agent Started! Listening to microphone...")
	fmt.Println("Press Ctrl+C to exit")

	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(orch.Events())
	}()

	err = orch.Run(ctx)
	<-done
	if dropped := mic.Dropped(); dropped > 0 {
		logger.Warn("capture frames dropped", "count", dropped)
	}
	return err
}

func printEvents(events <-chan orchestrator.OrchestratorEvent) {
	for ev := range events {
		switch ev.Type {
		case orchestrator.UserSpeaking:
			fmt.Println("\n[user speaking]")
		case orchestrator.TranscriptFinal:
			fmt.Printf("You: %s\n", ev.Text)
		case orchestrator.BotThinking:
			fmt.Println("[thinking]")
		case orchestrator.BotResponse:
			fmt.Printf("Agent: %s\n", ev.Text)
		case orchestrator.Interrupted:
			fmt.Println("[interrupted]")
		case orchestrator.ErrorEvent:
			fmt.Printf("[error] %v\n", ev.Err)
		}
	}
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
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

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observe.Handler())
	return mux
}
