package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"github.com/lmittmann/tint"

	"github.com/itohio/pidscope/pkg/config"
	"github.com/itohio/pidscope/pkg/console"
	"github.com/itohio/pidscope/pkg/engine"
	"github.com/itohio/pidscope/pkg/scope"
)

func main() {
	var (
		portFlag     = flag.String("p", "", "Serial port override (e.g., COM6 or /dev/ttyACM0)")
		configFlag   = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag     = flag.Bool("mock", false, "Use simulated PID controller instead of serial port")
		headlessFlag = flag.Bool("headless", false, "Run without a window; read \"<field> <value>\" commands from stdin")
		verboseFlag  = flag.Bool("v", false, "Verbose logging (raw lines and frames)")
	)
	flag.Parse()

	log := newLogger(*verboseFlag)
	slog.SetDefault(log)

	// Load configuration
	cfg := config.LoadOrDefault(*configFlag, log)

	// Override serial port if provided via command line
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}

	if *headlessFlag {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt := startRuntime(cfg, newTransport(cfg, *mockFlag, log), log, func(eng *engine.Engine) {
			console.Subscribe(eng, log)
		})
		go console.Run(ctx, rt.engine, os.Stdin, log)
		<-ctx.Done()

		if err := rt.stop(); err != nil {
			log.Error("shutdown failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Create Fyne application
	application := app.NewWithID("com.itohio.pidscope")

	// Create main window
	window := application.NewWindow("PID Controller")
	window.Resize(fyne.NewSize(1200, 800))
	window.CenterOnScreen()

	state := &appState{
		cfg:        cfg,
		configPath: *configFlag,
		useMock:    *mockFlag,
		log:        log,
		window:     window,
	}

	state.scopeWidget = scope.New(cfg.Safety.Bound)

	content := container.NewBorder(
		createToolbar(state),
		createControls(state),
		nil,
		nil,
		state.scopeWidget,
	)
	window.SetContent(content)

	state.start()
	go state.refreshLoop()

	window.SetCloseIntercept(func() {
		state.shutdown()
		window.Close()
	})

	window.ShowAndRun()
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
}
