package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/tazhate/calsync/internal/service"
)

func syncCmd() *cobra.Command {
	var skipPull bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.sync.Open(ctx); err != nil {
				return err
			}
			opts := service.CycleOptions{Trigger: service.TriggerManual, Activity: service.ActivityIdle}
			if skipPull {
				opts.Trigger = service.TriggerReconnect
				opts.SkipPull = true
			}
			res, err := a.sync.RunCycle(ctx, opts)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().BoolVar(&skipPull, "skip-pull", false, "only push pending local changes")
	return cmd
}
