package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func calendarsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calendars",
		Short: "List calendars on the CalDAV server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			cals, err := a.remote.DiscoverCalendars(cmd.Context())
			if err != nil {
				return err
			}

			configured := make(map[string]bool)
			for _, c := range a.cfg.Calendars() {
				configured[c] = true
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tNAME\tSYNCED")
			for _, c := range cals {
				mark := ""
				if configured[c.ID] {
					mark = "yes"
				}
				if c.ID == a.cfg.CalDAV.DefaultCalendar {
					mark = "default"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.DisplayName, mark)
			}
			return w.Flush()
		},
	}
}
