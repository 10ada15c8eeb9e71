package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tazhate/calsync/config"
	"github.com/tazhate/calsync/internal/clients/caldav"
	"github.com/tazhate/calsync/internal/logging"
	"github.com/tazhate/calsync/internal/notify"
	"github.com/tazhate/calsync/internal/service"
	"github.com/tazhate/calsync/internal/storage"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "calsync",
		Short:         "Two-way sync between a local event store and a CalDAV calendar",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CALSYNC_CONFIG"), "path to YAML config")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(calendarsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the pieces every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *storage.Storage
	remote *caldav.Client
	bus    *notify.Bus
	sync   *service.SyncService
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFile)

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	remote := caldav.NewClient(cfg.CalDAV.URL, cfg.CalDAV.Username, cfg.CalDAV.Password)
	bus := notify.NewBus()
	syncSvc := service.NewSyncService(cfg.ServiceConfig(), store, remote, bus, logger,
		service.WithTags(service.TagCalendars(cfg.CalDAV.Tags)))

	return &app{cfg: cfg, logger: logger, store: store, remote: remote, bus: bus, sync: syncSvc}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close storage", "error", err)
	}
}
