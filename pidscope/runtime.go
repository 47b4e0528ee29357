package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/itohio/pidscope/pkg/config"
	"github.com/itohio/pidscope/pkg/device"
	"github.com/itohio/pidscope/pkg/engine"
	"github.com/itohio/pidscope/pkg/session"
	"github.com/itohio/pidscope/pkg/settings"
)

// runtime is one running engine together with the goroutine driving it.
type runtime struct {
	engine *engine.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// newTransport returns the simulated device or the serial port named in cfg.
func newTransport(cfg *config.Config, useMock bool, log *slog.Logger) device.Transport {
	if useMock {
		log.Info("using mocked device")
		return device.NewMock(&cfg.Mock, log)
	}
	return device.New(&cfg.Serial, device.WithLogger(log))
}

// startRuntime builds the engine from cfg and starts ticking it. setup runs
// before the first tick so subscribers see the initial connect.
func startRuntime(cfg *config.Config, tr device.Transport, log *slog.Logger, setup func(*engine.Engine)) *runtime {
	saved, err := settings.Load(cfg.Settings.Path)
	if err != nil {
		log.Warn("using default settings", "path", cfg.Settings.Path, "error", err)
	}

	sess := session.New(cfg.Logging, log)
	log.Info("session started", "id", sess.SessionID(), "dir", cfg.Logging.Dir)

	eng := engine.New(cfg, tr, sess, saved, log)
	if setup != nil {
		setup(eng)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		engine: eng,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(rt.done)
		eng.Run(ctx)
	}()

	return rt
}

// stop halts the ticking goroutine, then flushes the session log, saves the
// settings and closes the transport.
func (rt *runtime) stop() error {
	if rt == nil {
		return nil
	}

	rt.cancel()
	<-rt.done

	if err := rt.engine.Close(); err != nil {
		return fmt.Errorf("failed to shut down engine: %w", err)
	}
	return nil
}
