package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"hostguard/api"
	"hostguard/config"
	"hostguard/detect"
	"hostguard/ingest"
	"hostguard/storage"
	"hostguard/util/goroutine"

	"go.uber.org/zap"
)

// shutdownTimeout bounds the dispatcher drain on exit
const shutdownTimeout = 30 * time.Second

// App represents the hostguard application with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Sinks
	Sinks *SinkComponents

	// Detection
	Engine     *detect.Engine
	Dispatcher *detect.Dispatcher

	// Services
	APIServer *api.API
	Retention *storage.RetentionManager

	// Lifecycle
	serviceWg    *sync.WaitGroup
	shutdownOnce sync.Once
}

// NewApp loads configuration, opens sinks and builds the engine. Nothing
// is started until Run.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := InitConfig(configPath)
	if err != nil {
		return nil, err
	}
	return NewAppWithConfig(ctx, cfg)
}

// NewAppWithConfig builds the application from an already loaded config
func NewAppWithConfig(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, sugar, err := InitLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		serviceWg: &sync.WaitGroup{},
	}

	sugar.Info("hostguard starting...")
	logConfig(cfg, sugar)

	rules, err := LoadRules(cfg, sugar)
	if err != nil {
		return nil, err
	}

	engine, err := InitEngine(cfg, rules, sugar)
	if err != nil {
		return nil, err
	}
	app.Engine = engine

	sinks, err := InitSinks(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Sinks = sinks

	app.Dispatcher = detect.NewDispatcher(engine, sinks.Multi, cfg.DispatcherConfig(), sugar)
	return app, nil
}

// Run starts the pipeline and feeds it from input until input is
// exhausted or ctx is cancelled, then drains every queued event and
// flushes alerts. SIGHUP reloads rules while running.
func (a *App) Run(ctx context.Context, input io.Reader, format ingest.Format, source string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Dispatcher.Start()
	a.Engine.StartSweeper(ctx, a.Config.Engine.SweepInterval)
	if a.Retention = a.Sinks.NewRetentionManager(a.Config.Sinks.Retention, a.Sugar); a.Retention != nil {
		a.Retention.Start()
	}

	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		a.startAPIServer(addr)
	}
	a.watchReloadSignal(ctx)

	opts := []ingest.Option{
		ingest.WithSource(source),
		ingest.WithRateLimit(a.Config.Ingest.RateLimit, a.Config.Ingest.Burst),
	}
	if a.Sinks.DeadLetters != nil {
		opts = append(opts, ingest.WithDeadLetters(a.Sinks.DeadLetters))
	}
	reader, err := ingest.NewReader(input, format, a.Sugar, opts...)
	if err != nil {
		return err
	}

	readErr := reader.Run(ctx, a.Dispatcher.Submit)
	if errors.Is(readErr, context.Canceled) || errors.Is(readErr, detect.ErrDispatcherClosed) {
		readErr = nil
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer drainCancel()
	if err := a.Dispatcher.Shutdown(drainCtx); err != nil {
		a.Sugar.Errorw("Dispatcher drain timed out", "error", err)
		return errors.Join(readErr, fmt.Errorf("dispatcher drain: %w", err))
	}

	stats := a.Dispatcher.Stats()
	a.Sugar.Infow("Pipeline finished",
		"submitted", stats.Submitted,
		"processed", stats.Processed,
		"malformed", stats.Malformed,
		"dropped", stats.Dropped,
		"alerts", stats.AlertsEmitted,
		"suppressed", stats.Suppressed,
		"sink_failures", stats.SinkFailures)
	return readErr
}

// ReloadRules reloads rules from configuration. On error the engine keeps
// its current rules.
func (a *App) ReloadRules() error {
	rules, err := LoadRules(a.Config, a.Sugar)
	if err != nil {
		return err
	}
	return a.Engine.ReloadRules(rules)
}

// watchReloadSignal reloads rules on SIGHUP until ctx is done
func (a *App) watchReloadSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer signal.Stop(sigCh)
		defer goroutine.Recover("rule-reload", a.Sugar)
		for {
			select {
			case <-sigCh:
				a.Sugar.Info("SIGHUP received, reloading rules")
				if err := a.ReloadRules(); err != nil {
					a.Sugar.Errorw("Rule reload failed, keeping current rules", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// startAPIServer serves metrics and read-only endpoints in the background
func (a *App) startAPIServer(addr string) {
	var alerts api.AlertStorer
	if a.Sinks.Alerts != nil {
		alerts = a.Sinks.Alerts
	}
	a.APIServer = api.NewAPI(a.Engine, a.Dispatcher, alerts, a.Sugar,
		api.WithRateLimit(a.Config.Metrics.RateLimit, a.Config.Metrics.Burst))

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer goroutine.Recover("api-server", a.Sugar)
		if err := a.APIServer.Start(addr); err != nil {
			a.Sugar.Errorw("API server failed", "addr", addr, "error", err)
		}
	}()
}

// Shutdown stops services and closes sinks. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) {
	a.shutdownOnce.Do(func() {
		a.Sugar.Info("Shutting down...")

		if a.Dispatcher != nil {
			if err := a.Dispatcher.Shutdown(ctx); err != nil {
				a.Sugar.Errorw("Dispatcher shutdown incomplete", "error", err)
			}
		}

		if a.Retention != nil {
			a.Retention.Stop()
		}

		if a.APIServer != nil {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := a.APIServer.Stop(stopCtx); err != nil {
				a.Sugar.Errorw("Failed to stop API server", "error", err)
			}
			cancel()
		}

		done := make(chan struct{})
		go func() {
			a.serviceWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			a.Sugar.Warn("Service goroutine shutdown timed out")
		}

		if a.Sinks != nil {
			if err := a.Sinks.Close(); err != nil {
				a.Sugar.Errorw("Failed to close alert sinks", "error", err)
			}
		}

		a.Sugar.Info("Shutdown complete")
		_ = a.Logger.Sync()
	})
}
