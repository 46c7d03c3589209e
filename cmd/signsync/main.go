// Command signsync runs the sign recognition pipeline against a synthetic
// or recorded frame source, persisting events to SQLite and serving gRPC
// health.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/signsync/internal/assets"
	"github.com/banshee-data/signsync/internal/config"
	"github.com/banshee-data/signsync/internal/frames"
	"github.com/banshee-data/signsync/internal/health"
	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/orchestrator"
	"github.com/banshee-data/signsync/internal/pipeline"
	"github.com/banshee-data/signsync/internal/platform"
	"github.com/banshee-data/signsync/internal/report"
	"github.com/banshee-data/signsync/internal/source"
	"github.com/banshee-data/signsync/internal/storage/sqlite"
	"github.com/banshee-data/signsync/internal/tracing"
	"github.com/banshee-data/signsync/internal/version"
)

var (
	configPath      = flag.String("config", "", "Pipeline config JSON (defaults when empty)")
	modeFlag        = flag.String("mode", "translation", "Initial mode: idle, translation, detection, sound")
	modelsDir       = flag.String("models", ".", "Directory model paths are resolved against")
	framesDir       = flag.String("frames-dir", "", "Replay images from this directory instead of the synthetic source")
	loopFrames      = flag.Bool("loop", false, "Loop the frames directory")
	sourceFPS       = flag.Float64("fps", 30, "Source frame rate (0 = as fast as possible)")
	frameCount      = flag.Int("count", 0, "Stop the synthetic source after this many frames (0 = run until interrupted)")
	corruptEvery    = flag.Int("corrupt-every", 0, "Blank every Nth synthetic frame")
	dbPath          = flag.String("db", "signsync.db", "SQLite event store (empty disables)")
	retention       = flag.Duration("retention", 7*24*time.Hour, "Purge stored events older than this at startup (0 keeps all)")
	healthListen    = flag.String("health-listen", "localhost:50051", "gRPC health listen address (empty disables)")
	platformRoot    = flag.String("platform-root", "/", "Root for sysfs and procfs device signals")
	signalsInterval = flag.Duration("signals-interval", 10*time.Second, "Device signal poll interval")
	reportDir       = flag.String("report-dir", "", "Write latency and confidence plots here on exit")
	otlpEndpoint    = flag.String("otlp-endpoint", "", "OTLP/gRPC trace endpoint (empty disables tracing)")
	otlpInsecure    = flag.Bool("otlp-insecure", true, "Disable TLS for the OTLP exporter")
	logLevel        = flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	logFormat       = flag.String("log-format", "console", "Log format: console or json")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

var log = monitoring.Component("main")

// options is the resolved command line.
type options struct {
	Config          *config.PipelineConfig
	Mode            orchestrator.Mode
	Source          pipeline.FrameSource
	DBPath          string
	Retention       time.Duration
	HealthListen    string
	PlatformRoot    string
	SignalsInterval time.Duration
	ReportDir       string
	Tracing         tracing.Config
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.Configure(monitoring.Options{Level: *logLevel, Format: *logFormat, Service: "signsync"})

	opts, err := parseOptions()
	if err != nil {
		log.Error().Err(err).Msg("invalid arguments")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("pipeline stopped")
		os.Exit(1)
	}
	log.Ops().Msg("graceful shutdown complete")
}

func parseOptions() (options, error) {
	cfg := config.DefaultPipelineConfig()
	if *configPath != "" {
		loaded, err := config.LoadPipelineConfig(*configPath)
		if err != nil {
			return options{}, err
		}
		cfg = loaded
	}
	if err := resolveModelPaths(cfg, *modelsDir); err != nil {
		return options{}, err
	}

	mode, err := orchestrator.ParseMode(*modeFlag)
	if err != nil {
		return options{}, err
	}

	var src pipeline.FrameSource
	if *framesDir != "" {
		src = &source.Directory{Dir: *framesDir, FPS: *sourceFPS, Loop: *loopFrames}
	} else {
		src = &source.Synthetic{
			Width: 160, Height: 120, Format: frames.FormatYUV420,
			FPS: *sourceFPS, Count: *frameCount, CorruptEvery: *corruptEvery,
		}
	}

	return options{
		Config:          cfg,
		Mode:            mode,
		Source:          src,
		DBPath:          *dbPath,
		Retention:       *retention,
		HealthListen:    *healthListen,
		PlatformRoot:    *platformRoot,
		SignalsInterval: *signalsInterval,
		ReportDir:       *reportDir,
		Tracing: tracing.Config{
			Enabled:      *otlpEndpoint != "",
			OTLPEndpoint: *otlpEndpoint,
			ServiceName:  "signsync",
			Insecure:     *otlpInsecure,
		},
	}, nil
}

// resolveModelPaths confines both model paths to dir.
func resolveModelPaths(cfg *config.PipelineConfig, dir string) error {
	sp, err := assets.Resolve(dir, cfg.GetSpatialModelPath())
	if err != nil {
		return fmt.Errorf("spatial model: %w", err)
	}
	sq, err := assets.Resolve(dir, cfg.GetSequenceModelPath())
	if err != nil {
		return fmt.Errorf("sequence model: %w", err)
	}
	cfg.SpatialModelPath, cfg.SequenceModelPath = &sp, &sq
	return nil
}

func run(ctx context.Context, opts options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, opts.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	rt, err := pipeline.NewRuntime(opts.Config, pipeline.RuntimeOptions{})
	if err != nil {
		return err
	}
	closed := false
	closeRuntime := func() {
		if !closed {
			closed = true
			rt.Close()
		}
	}
	defer closeRuntime()

	// Sinks drain until the bus closes, so they finish after the runtime.
	var wg sync.WaitGroup
	sinkCtx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()

	var store *sqlite.EventStore
	sessionID := ""
	if opts.DBPath != "" {
		store, err = sqlite.Open(opts.DBPath, nil)
		if err != nil {
			return err
		}
		defer store.Close()
		if opts.Retention > 0 {
			n, err := store.PurgeBefore(ctx, time.Now().Add(-opts.Retention))
			if err != nil {
				log.Warn().Err(err).Msg("purge old events")
			} else if n > 0 {
				log.Ops().Int64("rows", n).Msg("purged old events")
			}
		}
		if sessionID, err = store.StartSession(ctx, opts.Config); err != nil {
			return err
		}
		sub := rt.Bus.Subscribe(512)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Consume(sinkCtx, sub)
		}()
	}

	var recorder *report.LatencyRecorder
	if opts.ReportDir != "" {
		recorder = report.NewLatencyRecorder(0)
		sub := rt.Bus.Subscribe(256)
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.Consume(sinkCtx, sub)
		}()
	}

	if opts.HealthListen != "" {
		reporter := health.NewReporter(health.Config{
			ListenAddr: opts.HealthListen,
			Keys:       []string{pipeline.KeySpatial, pipeline.KeySequence, pipeline.KeyCamera},
		}, rt.Governor, rt.Orchestrator, rt.Clock)
		if err := reporter.Start(); err != nil {
			return err
		}
		defer reporter.Stop()
		go reporter.Run(ctx)
	}

	if opts.PlatformRoot != "" {
		go rt.Orchestrator.WatchSignals(ctx, &platform.Sysfs{Root: opts.PlatformRoot}, opts.SignalsInterval)
	}

	if _, err := rt.Orchestrator.SwitchMode(ctx, opts.Mode); err != nil {
		log.Warn().Err(err).Str("mode", opts.Mode.String()).Msg("mode armed with errors")
	}

	runErr := rt.Run(ctx, opts.Source)
	stats := rt.Runner.Stats()
	log.Ops().Uint64("submitted", stats.Submitted).Uint64("processed", stats.Processed).
		Uint64("throttled", stats.Throttled).Uint64("busy", stats.Busy).
		Uint64("failed", stats.Failed).Msg("pipeline finished")

	closeRuntime()
	wg.Wait()

	if store != nil {
		endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := store.EndSession(endCtx); err != nil {
			log.Warn().Err(err).Msg("end session")
		}
		cancel()
	}
	if recorder != nil {
		name := sessionID
		if name == "" {
			name = time.Now().Format("20060102-150405")
		}
		dir := filepath.Join(opts.ReportDir, assets.SanitizeName(name))
		if _, err := recorder.GeneratePlots(dir); err != nil {
			log.Warn().Err(err).Msg("report plots")
		}
	}
	return runErr
}
