// Command hearth-voice runs the real-time voice gateway: it terminates
// browser WebSocket connections, relays audio to the transcription and
// synthesis upstreams, and exchanges utterances and replies with the
// reasoning daemon over the bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearth-os/hearth-voice/internal/dotenv"
	"github.com/hearth-os/hearth-voice/pkg/bus"
	"github.com/hearth-os/hearth-voice/pkg/gateway/auth"
	"github.com/hearth-os/hearth-voice/pkg/gateway/config"
	"github.com/hearth-os/hearth-voice/pkg/gateway/lifecycle"
	"github.com/hearth-os/hearth-voice/pkg/gateway/metrics"
	"github.com/hearth-os/hearth-voice/pkg/voice/gateway"
	"github.com/hearth-os/hearth-voice/pkg/voice/history"
	"github.com/hearth-os/hearth-voice/pkg/voice/session"
)

type serverDeps struct {
	loadConfig   func() (config.Config, error)
	newBus       func(ctx context.Context, cfg config.Config) (bus.Bus, error)
	newRecorder  func(ctx context.Context, cfg config.Config) (gateway.TurnRecorder, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig:  config.LoadFromEnv,
		newBus:      buildBus,
		newRecorder: buildRecorder,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildBus picks Redis when configured so replies can cross process
// boundaries, and stays in-process otherwise.
func buildBus(ctx context.Context, cfg config.Config) (bus.Bus, error) {
	if cfg.RedisURL == "" {
		return bus.NewMemory(), nil
	}
	return bus.NewRedis(ctx, cfg.RedisURL, slog.Default())
}

func buildRecorder(ctx context.Context, cfg config.Config) (gateway.TurnRecorder, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, func() {}, nil
	}
	store, err := history.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func buildAuthenticator(cfg config.Config) *auth.Authenticator {
	a := &auth.Authenticator{APIKey: cfg.APIKey}
	if cfg.JWTSecret != "" {
		a.Verifier = &auth.HS256Verifier{Secret: []byte(cfg.JWTSecret)}
	}
	return a
}

func run(ctx context.Context, logger *slog.Logger, deps serverDeps) error {
	if deps.loadConfig == nil || deps.newBus == nil || deps.newRecorder == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	msgBus, err := deps.newBus(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer msgBus.Close()

	recorder, closeRecorder, err := deps.newRecorder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer closeRecorder()

	lc := &lifecycle.Lifecycle{}
	gw := gateway.New(gateway.Dependencies{
		Logger:    logger,
		Auth:      buildAuthenticator(cfg),
		Bus:       msgBus,
		Lifecycle: lc,
		Metrics:   metrics.New(prometheus.DefaultRegisterer),
		Recorder:  recorder,
		Session: session.Config{
			DeepgramAPIKey:    cfg.DeepgramAPIKey,
			STTModel:          cfg.STTModel,
			STTLanguage:       cfg.STTLanguage,
			STTBaseURL:        cfg.STTBaseURL,
			CartesiaAPIKey:    cfg.CartesiaAPIKey,
			TTSVoiceID:        cfg.TTSVoiceID,
			TTSModelID:        cfg.TTSModelID,
			TTSBaseURL:        cfg.TTSBaseURL,
			KeepAliveInterval: cfg.KeepAliveInterval,
			FlushDelay:        cfg.FlushDelay,
			WriteTimeout:      cfg.WriteTimeout,
		},
		MaxFrameBytes: cfg.MaxFrameBytes,
	})
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("subscribe replies: %w", err)
	}
	defer gw.Stop()

	mux := http.NewServeMux()
	mux.Handle("/voice", gw)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if lc.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: mux}

	logger.Info("starting voice gateway", "addr", cfg.Addr)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)
	gw.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(stderr, "hearth-voice: %v\n", err)
		return 1
	}

	if err := run(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "hearth-voice: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServerDeps()))
}
