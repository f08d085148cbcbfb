// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/ariasync/internal/api"
	"github.com/autobrr/ariasync/internal/aria2"
	"github.com/autobrr/ariasync/internal/buildinfo"
	"github.com/autobrr/ariasync/internal/config"
	"github.com/autobrr/ariasync/internal/database"
	"github.com/autobrr/ariasync/internal/domain"
	"github.com/autobrr/ariasync/internal/metrics"
	"github.com/autobrr/ariasync/internal/models"
	"github.com/autobrr/ariasync/internal/tasks"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "ariasync",
		Short: "Keeps a live task table in sync with an aria2 daemon",
		Long: `ariasync - polls an aria2 download daemon, keeps a canonical task table
with resolved display paths and exposes task control over HTTP.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunStatusCommand())
	rootCmd.AddCommand(RunCheckCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the reconciler and the HTTP API",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/ariasync/ or %APPDATA%\\ariasync\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath)
		if code := app.runServer(); code != 0 {
			os.Exit(code)
		}
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ariasync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/ariasync/config.toml
- Windows: %APPDATA%\ariasync\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigFile(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigFile(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func newDaemonClient(cfg *config.AppConfig) *aria2.Client {
	return aria2.NewClient(aria2.Config{
		URL:       cfg.Config.DaemonURL,
		Secret:    cfg.Config.DaemonSecret,
		Timeout:   cfg.DaemonTimeout(),
		UserAgent: buildinfo.UserAgent,
	})
}

func settingsDefaults(conf *domain.Config) models.Settings {
	return models.Settings{
		DefaultDownloadDir:     conf.DownloadDir,
		MaxDownloadSpeed:       conf.MaxDownloadSpeed,
		MaxUploadSpeed:         conf.MaxUploadSpeed,
		MaxConcurrentDownloads: conf.MaxConcurrentDownloads,
		MaxConnectionsPerTask:  conf.MaxConnectionsPerTask,
	}
}

// runServer blocks until shutdown and returns the process exit code once every
// deferred cleanup has run.
func (app *Application) runServer() int {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("ARIASYNC__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("ARIASYNC__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting ariasync")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	pathStore := models.NewTaskPathStore(db)
	settingsStore := models.NewSettingsStore(db, settingsDefaults(cfg.Config))

	metricsManager := metrics.NewMetricsManager()

	client := newDaemonClient(cfg)
	defer client.Close()

	monitor := aria2.NewMonitor(client)
	monitor.OnChange(metricsManager.SetDaemonConnected)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := client.RefreshVersion(startupCtx); err != nil {
		log.Warn().Err(err).Str("endpoint", client.Endpoint()).Msg("Could not read aria2 version at startup")
	} else {
		metricsManager.SetDaemonVersion(client.DaemonVersion())
	}

	store := tasks.NewStore()
	reconciler := tasks.NewReconciler(
		tasks.Config{Interval: cfg.ReconcileInterval()},
		client,
		store,
		tasks.WithHealthTracker(monitor),
		tasks.WithPathRepository(pathStore),
		tasks.WithRecorder(metricsManager),
	)

	if seeded, err := pathStore.LoadAll(startupCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to load persisted task paths")
	} else {
		reconciler.SeedPaths(seeded)
		log.Debug().Int("paths", len(seeded)).Msg("Loaded persisted task paths")
	}

	commands := tasks.NewCommands(client, store, reconciler, settingsStore, monitor, metricsManager)
	if err := commands.ApplySettings(startupCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to apply download settings to aria2")
	}
	startupCancel()

	cfg.RegisterReloadListener(func(conf *domain.Config) {
		reconciler.SetInterval(config.ReconcileIntervalOf(conf))
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	monitor.Start(runCtx)
	defer monitor.Stop()

	reconciler.Start(runCtx)
	defer reconciler.Stop()

	filters := tasks.NewFilterCache()
	defer filters.Close()

	httpServer := api.NewServer(&api.Dependencies{
		Config:     cfg,
		Version:    buildinfo.Version,
		Store:      store,
		Reconciler: reconciler,
		Commands:   commands,
		Filters:    filters,
		Client:     client,
		Monitor:    monitor,
	})

	// Both servers may fail after the select below has returned.
	errorChannel := make(chan error, 2)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Error().Err(err).Msg("failed to start HTTP server")
		return 1
	}

	if cfg.Config.MetricsEnabled {
		metricsServer := metrics.NewMetricsServer(
			metricsManager,
			cfg.Config.MetricsHost,
			cfg.Config.MetricsPort,
			cfg.Config.MetricsBasicAuthUsers,
		)
		defer metricsServer.Close()

		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		exitCode = 1
	}

	// stop the loop before the database closes
	runCancel()
	reconciler.Stop()

	return exitCode
}
