// Package daemon orchestrates the modelrelay process: logging, the route
// ledger, the provider pool, the router and health checker, and the admin
// server, with graceful shutdown on SIGINT/SIGTERM.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/server"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/tokenizer"
	"github.com/modelrelay/modelrelay/internal/tracing"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/internal/vault"
	"github.com/modelrelay/modelrelay/internal/version"
)

// Run is the main daemon orchestrator. It initialises all subsystems,
// starts the admin server, and blocks until a shutdown signal is received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	writers := []io.Writer{}

	// Always log to file.
	logPath := filepath.Join(dataDir, "modelrelay.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	// If foreground, also write to stdout with console formatting.
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "modelrelay").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("modelrelay starting")

	// 2. Check if already running.
	if IsRunning(dataDir) {
		return fmt.Errorf("modelrelay is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}

	// 3. Open the route ledger.
	dbPath := filepath.Join(dataDir, "modelrelay.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	log.Info().Str("db_path", dbPath).Msg("route ledger opened")

	// 4. Create metrics collector.
	collector := metrics.NewCollector()

	// 5. Write PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 6. Start config watcher.
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}

	if _, statErr := os.Stat(configFile); statErr == nil {
		w, watchErr := config.Watch(configFile)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer w.Close()
			w.OnChange(func(old, newCfg *config.Config) {
				log.Info().Msg("configuration reloaded")
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 7. Initialise OpenTelemetry tracing.
	if cfg.Tracing.Enabled {
		shutdownTracing, terr := tracing.Init(context.Background(),
			cfg.Tracing.ServiceName, version.Version,
			cfg.Tracing.Exporter, cfg.Tracing.Endpoint,
			cfg.Tracing.SampleRate, cfg.Tracing.Insecure)
		if terr != nil {
			log.Warn().Err(terr).Msg("failed to initialise tracing; continuing without it")
		} else {
			defer func() {
				tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer tcancel()
				if err := shutdownTracing(tctx); err != nil {
					log.Error().Err(err).Msg("tracing shutdown error")
				}
			}()
			log.Info().
				Str("exporter", cfg.Tracing.Exporter).
				Str("endpoint", cfg.Tracing.Endpoint).
				Msg("tracing initialized")
		}
	}

	// 8. Start periodic ledger pruning.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	prunerDone := make(chan struct{})
	go func() {
		defer close(prunerDone)
		runPruner(bgCtx, st, cfg.Metrics.RetentionDays)
	}()

	// 9. Build the provider pool and the router.
	v := vault.New()
	limits := router.LimitsFromConfig(cfg.Resilience)
	registry, err := router.NewRegistry(cfg, v, limits)
	if err != nil {
		return fmt.Errorf("building provider pool: %w", err)
	}

	client := upstream.NewClient()
	tok := tokenizer.New()
	rtr := router.New(registry, client, tok, collector, log.Logger)

	log.Info().Int("providers", len(registry.Providers())).Msg("router initialized")

	// 10. Start the health checker.
	var health *router.HealthChecker
	if cfg.Health.Enabled {
		health = router.NewHealthChecker(
			registry, client,
			time.Duration(cfg.Health.IntervalSec)*time.Second,
			time.Duration(cfg.Health.ProbeTimeoutSec)*time.Second,
			cfg.Health.RecoverAuthKeys,
			collector, log.Logger,
		)
		go health.Start(bgCtx)
	}

	// 11. Completion cache for the routing endpoint.
	var completionCache *cache.Cache
	var purgerDone <-chan struct{}
	if cfg.Cache.Enabled {
		completionCache, err = cache.New(cfg.Cache.TTLSeconds, cfg.Cache.MaxEntries)
		if err != nil {
			return fmt.Errorf("creating completion cache: %w", err)
		}
		purgerDone = completionCache.StartPurger(bgCtx)
	}

	// 12. Start the admin server.
	adminAddr := fmt.Sprintf(":%d", cfg.Server.AdminPort)
	adminServer := server.New(rtr, health, collector, st, completionCache, adminAddr,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second,
		time.Duration(cfg.Server.IdleTimeout)*time.Second)

	errCh := make(chan error, 1)
	go func() {
		if err := adminServer.Start(); err != nil {
			errCh <- err
		}
	}()

	log.Info().Int("admin_port", cfg.Server.AdminPort).Msg("modelrelay is ready")

	if foreground {
		fmt.Printf("\n  modelrelay is running!\n")
		fmt.Printf("  Admin API: http://localhost:%d\n\n", cfg.Server.AdminPort)
	}

	// 13. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	// 14. Graceful shutdown with 30-second timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin server shutdown error")
	}

	// Wait for background goroutines before closing the store.
	bgCancel()
	if purgerDone != nil {
		<-purgerDone
	}
	<-prunerDone
	st.Close()
	if err := RemovePID(dataDir); err != nil {
		log.Error().Err(err).Msg("failed to remove PID file during shutdown")
	}

	log.Info().Msg("modelrelay stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("modelrelay does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		// Stale PID file; clean it up.
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("modelrelay is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to modelrelay (PID %d)\n", pid)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}

	return nil
}

// Status checks if the daemon is running and prints a summary.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("modelrelay is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("modelrelay is running (PID %d)\n", pid)

	// Try to fetch stats from the admin API.
	statsURL := fmt.Sprintf("http://localhost:%d/api/stats", cfg.Server.AdminPort)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(statsURL)
	if err != nil {
		fmt.Println("  (admin API unreachable)")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var stats metrics.Stats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil
	}

	fmt.Printf("\n  Uptime:         %s\n", stats.Uptime)
	fmt.Printf("  Total Requests: %d\n", stats.TotalRequests)
	fmt.Printf("  Exhausted:      %d\n", stats.Exhausted)
	fmt.Printf("  Tokens In:      %d\n", stats.TokensIn)
	fmt.Printf("  Tokens Out:     %d\n", stats.TokensOut)
	fmt.Printf("  Tool Calls:     %d (%d failed)\n", stats.ToolCalls, stats.ToolFailures)
	fmt.Printf("  Recoveries:     %d\n", stats.KeyRecoveries)
	fmt.Printf("  Cache:          %d hits / %d misses\n", stats.CacheHits, stats.CacheMisses)
	fmt.Printf("  Active:         %d\n", stats.ActiveRequests)

	return nil
}

// runPruner periodically prunes old rows from the route ledger.
func runPruner(ctx context.Context, st *store.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("ledger pruner: recovered from panic")
					}
				}()
				cutoff := time.Now().AddDate(0, 0, -retentionDays)
				n, err := st.PruneOlderThan(cutoff)
				if err != nil {
					log.Error().Err(err).Msg("ledger pruning failed")
				} else if n > 0 {
					log.Info().Int64("rows", n).Int("retention_days", retentionDays).Msg("pruned old ledger rows")
				}
			}()
		}
	}
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
