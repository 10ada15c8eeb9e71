package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tazhate/calsync/internal/api"
	"github.com/tazhate/calsync/internal/bot"
	"github.com/tazhate/calsync/internal/scheduler"
	"github.com/tazhate/calsync/internal/service"
	"github.com/tazhate/calsync/internal/websocket"
)

func runCmd() *cobra.Command {
	var origins []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, HTTP API and Telegram bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, origins)
		},
	}
	cmd.Flags().StringSliceVar(&origins, "ws-origin", nil, "allowed websocket origin patterns")
	return cmd
}

func (a *app) run(parent context.Context, origins []string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := a.sync.Open(ctx); err != nil {
		return fmt.Errorf("open sync state: %w", err)
	}

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	hub := websocket.NewHub(a.logger)
	spawn(func() { hub.Run(ctx, a.bus) })

	sched := scheduler.New(scheduler.Config{
		SyncSpec:  a.cfg.Sync.Cron,
		PruneSpec: a.cfg.Sync.PruneCron,
		Location:  a.cfg.Location,
	}, a.sync, a.logger)
	spawn(func() {
		if err := sched.Start(ctx); err != nil {
			a.logger.Error("scheduler stopped", "error", err)
		}
	})

	if a.cfg.HasTelegram() {
		tgBot, err := bot.New(a.cfg.Telegram.Token, a.cfg.Telegram.ChatID, a.sync, a.logger)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		spawn(func() { tgBot.Forward(ctx, a.bus) })
		spawn(func() {
			if err := tgBot.Start(ctx); err != nil {
				a.logger.Error("telegram bot stopped", "error", err)
			}
		})
	}

	// Push whatever is queued from the previous run before the first timer tick.
	if _, err := a.sync.RunCycle(ctx, service.CycleOptions{Trigger: service.TriggerReconnect, SkipPull: true}); err != nil {
		a.logger.Warn("startup push failed", "error", err)
	}

	srv := api.New(api.Config{
		Username: a.cfg.BasicAuth.Username,
		Password: a.cfg.BasicAuth.Password,
		Location: a.cfg.Location,
	}, service.NewCalendarService(a.sync), a.sync, websocket.HandleWebSocket(hub, origins), a.logger)

	a.logger.Info("calsync started", "version", Version, "listen", a.cfg.Listen, "calendars", a.cfg.Calendars())
	err := srv.Serve(ctx, a.cfg.Listen)

	cancel()
	wg.Wait()
	a.logger.Info("calsync stopped")
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
