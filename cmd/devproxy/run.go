package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/devproxy"
	"github.com/ferro-labs/devproxy/internal/api"
	"github.com/ferro-labs/devproxy/internal/cert"
	"github.com/ferro-labs/devproxy/internal/lifecycle"
	"github.com/ferro-labs/devproxy/internal/logging"
	"github.com/ferro-labs/devproxy/internal/recording"
)

var detached bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the proxy in the foreground",
	RunE:  runProxy,
}

func init() {
	runCmd.Flags().BoolVar(&detached, "detached", false, "Internal: log to a file and record instance state for a background run")
	rootCmd.AddCommand(runCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	states, err := lifecycle.NewStateManager("")
	if err != nil {
		return err
	}

	startedAt := time.Now()
	logFile := ""
	if detached {
		logFile = states.LogFilePath(os.Getpid(), startedAt)
		if err := os.MkdirAll(states.LogsDir(), 0o755); err != nil {
			return fmt.Errorf("creating logs dir: %w", err)
		}
		logging.SetupFile(logLevel, logFormat, logFile)
	} else {
		logging.Setup(logLevel, logFormat)
	}

	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	cfg, err := devproxy.LoadConfig(absConfig)
	if err != nil {
		return err
	}

	// Sweep old detached logs on every start, bounded by the config.
	maxAge := time.Duration(cfg.LogRetention.MaxAgeDays) * 24 * time.Hour
	if err := states.CleanupLogs(maxAge, cfg.LogRetention.MaxFiles); err != nil {
		slog.Warn("log cleanup failed", "error", err)
	}

	ctx, cancelSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelSignals()

	// The controller outlives individual runs; requestStop always cancels
	// the run currently in flight.
	var runMu sync.Mutex
	var cancelRun context.CancelFunc
	requestStop := func() {
		runMu.Lock()
		defer runMu.Unlock()
		if cancelRun != nil {
			cancelRun()
		}
	}
	controller := lifecycle.NewController(absConfig, requestStop)
	if err := controller.Watch(); err != nil {
		return err
	}
	defer controller.Close()

	for {
		runCtx, cancel := context.WithCancel(ctx)
		runMu.Lock()
		cancelRun = cancel
		runMu.Unlock()

		err := runOnce(runCtx, *cfg, states, absConfig, logFile, startedAt, requestStop)
		cancel()
		controller.ShutdownComplete()
		if err != nil {
			_ = states.Delete()
			return err
		}

		if !controller.IsRestarting() || ctx.Err() != nil {
			_ = states.Delete()
			return nil
		}

		// Config changed: reload and go again. A broken config keeps the
		// previous one running.
		if reloaded, err := devproxy.LoadConfig(absConfig); err != nil {
			slog.Error("config reload failed, keeping previous config", "error", err)
		} else if err := devproxy.ValidateConfig(*reloaded); err != nil {
			slog.Error("reloaded config invalid, keeping previous config", "error", err)
		} else {
			cfg = reloaded
		}
		controller.Reset()
	}
}

// runOnce builds one proxy instance and serves it until ctx is cancelled.
func runOnce(ctx context.Context, cfg devproxy.Config, states *lifecycle.StateManager, configFile, logFile string, startedAt time.Time, requestStop func()) error {
	core, err := devproxy.New(cfg)
	if err != nil {
		return err
	}
	if err := core.LoadPlugins(); err != nil {
		return err
	}

	core.SetForwarder(&api.PassthroughForwarder{})
	core.SetCertProvider(cert.NewProvider(states.Dir()))

	issuer, err := api.NewJWTIssuer("devproxy")
	if err != nil {
		return err
	}
	core.SetTokenIssuer(issuer)

	if err := os.MkdirAll(states.Dir(), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	reporter, err := recording.NewSQLiteReporter(filepath.Join(states.Dir(), "recordings.db"))
	if err != nil {
		slog.Warn("recording reporter unavailable", "error", err)
	} else {
		core.AddReporter(reporter)
		defer reporter.Close()
	}

	proxySrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.InterceptHandler(core),
		ReadHeaderTimeout: 30 * time.Second,
	}
	control := &api.Server{Proxy: core, RequestStop: requestStop}
	apiSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.APIPort),
		Handler:           control.Routes(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	state := lifecycle.InstanceState{
		PID:        os.Getpid(),
		APIURL:     fmt.Sprintf("http://127.0.0.1:%d", cfg.APIPort),
		LogFile:    logFile,
		StartedAt:  startedAt,
		ConfigFile: configFile,
		Port:       cfg.Port,
	}
	if err := states.Save(state); err != nil {
		slog.Warn("saving instance state failed", "error", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := proxySrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := apiSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	slog.Info("proxy started", "port", cfg.Port, "apiPort", cfg.APIPort, "pid", os.Getpid())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = proxySrv.Shutdown(shutdownCtx)
	_ = apiSrv.Shutdown(shutdownCtx)
	return core.Stop(shutdownCtx)
}
