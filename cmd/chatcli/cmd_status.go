package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/rental-chat/internal/connectivity"
)

func newStatusCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sign-in state, pending contact request and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()

			identity, err := a.identity()
			switch {
			case err != nil:
				fmt.Fprintln(a.out, "signed in: stored token is malformed")
			case identity == "":
				fmt.Fprintln(a.out, "signed in: no")
			default:
				fmt.Fprintf(a.out, "signed in: user %s\n", identity)
			}

			pending, err := a.coordinator().Pending(ctx)
			if err != nil {
				return err
			}
			if pending != nil {
				fmt.Fprintf(a.out, "pending contact: %s (%s)\n", pending.ApplicationID, pending.PropertyTitle)
			} else {
				fmt.Fprintln(a.out, "pending contact: none")
			}

			mon := connectivity.NewMonitor(false, a.cfg.RestoredWindow, a.log)
			defer mon.Close()
			online := connectivity.NewProber(a.client, mon, a.cfg.RequestTimeout, a.cfg.RequestTimeout, a.log).Probe(ctx)
			fmt.Fprintf(a.out, "server reachable: %t\n", online)
			return nil
		},
	}
}
