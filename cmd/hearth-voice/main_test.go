package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/hearth-os/hearth-voice/pkg/bus"
	"github.com/hearth-os/hearth-voice/pkg/gateway/config"
	"github.com/hearth-os/hearth-voice/pkg/voice/gateway"
)

func testConfig() config.Config {
	return config.Config{
		Addr:                "127.0.0.1:0",
		KeepAliveInterval:   time.Second,
		FlushDelay:          50 * time.Millisecond,
		WriteTimeout:        time.Second,
		MaxFrameBytes:       1024,
		ShutdownGracePeriod: time.Second,
	}
}

func noopSignalDeps(d *serverDeps) {
	d.signalNotify = func(chan<- os.Signal, ...os.Signal) {}
	d.signalStop = func(chan<- os.Signal) {}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	deps := serverDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newBus: func(context.Context, config.Config) (bus.Bus, error) {
			t.Fatalf("newBus should not be called when config load fails")
			return nil, nil
		},
		newRecorder: func(context.Context, config.Config) (gateway.TurnRecorder, func(), error) {
			return nil, func() {}, nil
		},
	}
	noopSignalDeps(&deps)

	exitCode := runMain(context.Background(), &stderr, deps)

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if stderr.String() == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestRun_FailsWhenBusUnavailable(t *testing.T) {
	t.Parallel()

	deps := serverDeps{
		loadConfig: func() (config.Config, error) { return testConfig(), nil },
		newBus: func(context.Context, config.Config) (bus.Bus, error) {
			return nil, errors.New("redis down")
		},
		newRecorder: func(context.Context, config.Config) (gateway.TurnRecorder, func(), error) {
			t.Fatalf("newRecorder should not be called when the bus fails")
			return nil, nil, nil
		},
	}
	noopSignalDeps(&deps)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := run(context.Background(), logger, deps)
	if err == nil || !strings.Contains(err.Error(), "connect bus") {
		t.Fatalf("err=%v, want connect bus failure", err)
	}
}

func TestRun_ShutsDownOnSignal(t *testing.T) {
	t.Parallel()

	notified := make(chan chan<- os.Signal, 1)
	deps := serverDeps{
		loadConfig: func() (config.Config, error) { return testConfig(), nil },
		newBus: func(context.Context, config.Config) (bus.Bus, error) {
			return bus.NewMemory(), nil
		},
		newRecorder: func(context.Context, config.Config) (gateway.TurnRecorder, func(), error) {
			return nil, func() {}, nil
		},
		signalNotify: func(c chan<- os.Signal, _ ...os.Signal) { notified <- c },
		signalStop:   func(chan<- os.Signal) {},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	errCh := make(chan error, 1)
	go func() { errCh <- run(context.Background(), logger, deps) }()

	select {
	case sigCh := <-notified:
		sigCh <- syscall.SIGTERM
	case <-time.After(5 * time.Second):
		t.Fatalf("run never registered for signals")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned error after signal: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after signal")
	}
}

func TestRun_RejectsMissingDependencies(t *testing.T) {
	t.Parallel()

	err := run(context.Background(), nil, serverDeps{})
	if err == nil {
		t.Fatalf("expected error for empty dependencies")
	}
}
