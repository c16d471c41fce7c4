package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/halden/quarterdeck/internal/audit"
	"github.com/halden/quarterdeck/internal/config"
	"github.com/halden/quarterdeck/internal/logger"
	"github.com/halden/quarterdeck/internal/maintenance"
	"github.com/halden/quarterdeck/pkg/agentproc"
	"github.com/halden/quarterdeck/pkg/gateway"
	"github.com/halden/quarterdeck/pkg/provider"
	"github.com/halden/quarterdeck/pkg/shell"
	"github.com/halden/quarterdeck/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the WebSocket gateway in the foreground: accept client
connections, supervise per-session agent processes and shared tool
providers, and serve /metrics and /healthz.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer lg.Close()

	auditPath := cfg.Audit.Path
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.db")
	}
	auditor, err := audit.Open(auditPath)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer auditor.Close()

	settings, err := store.NewSettingsStore(cfg.DataDir)
	if err != nil {
		return err
	}
	projects, err := store.NewProjectStore(cfg.DataDir)
	if err != nil {
		return err
	}

	agents := agentproc.NewSupervisor(cfg.Agent)
	providers := provider.NewSupervisor(mergedProviders(cfg, settings))

	workingDir, err := os.Getwd()
	if err != nil {
		workingDir = cfg.DataDir
	}

	server, err := gateway.NewServer(cfg.Gateway, gateway.Deps{
		Agents:            agents,
		Providers:         providers,
		Settings:          settings,
		Projects:          projects,
		Runner:            shell.NewRunner(0),
		Auditor:           auditor,
		DefaultWorkingDir: workingDir,
		Heartbeat:         cfg.Heartbeat,
	})
	if err != nil {
		return err
	}

	scheduler, err := maintenance.NewScheduler(auditor, providers, maintenance.Options{
		AuditRetention: time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		return err
	}

	configPath, err := loader.Path()
	var watcher *config.Watcher
	if err == nil {
		watcher, err = config.NewWatcher(configPath, func(updated *config.Config) {
			providers.UpdateConfigs(updated.Providers)
		})
		if err == nil {
			if err := watcher.Start(); err != nil {
				log.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
				watcher = nil
			}
		} else {
			log.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
			watcher = nil
		}
	}

	if err := server.Start(); err != nil {
		return err
	}
	go providers.StartAll(context.Background())
	scheduler.Start()

	log.Info().
		Str("version", version).
		Str("dataDir", cfg.DataDir).
		Msg("Quarterdeck is up")

	// Block until asked to stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutdown requested")

	if watcher != nil {
		watcher.Stop()
	}
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Stop(ctx)
}

// mergedProviders layers runtime-added providers from the settings
// store over the static config file definitions
func mergedProviders(cfg *config.Config, settings *store.SettingsStore) map[string]config.ProviderConfig {
	merged := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		merged[name] = p
	}

	persisted, err := settings.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load persisted settings, using config file providers only")
		return merged
	}
	for name, p := range persisted.Providers {
		merged[name] = p
	}
	return merged
}
