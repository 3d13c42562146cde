package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/rental-chat/internal/connectivity"
	"github.com/suPer8Hu/rental-chat/internal/delivery"
)

var errNotSignedIn = errors.New("not signed in: run chatcli login --token <jwt>")

func newSendCmd(get func() *app) *cobra.Command {
	var sessionID string
	var probeEvery time.Duration

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message and follow its delivery state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if !a.signedIn() {
				return errNotSignedIn
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			mon := connectivity.NewMonitor(true, a.cfg.RestoredWindow, a.log)
			defer mon.Close()
			unsubscribe := mon.Subscribe(func(ev connectivity.Event) {
				if banner := mon.Banner(); banner != "" {
					fmt.Fprintf(a.errOut, "[%s]\n", banner)
				}
			})
			defer unsubscribe()

			prober := connectivity.NewProber(a.client, mon, probeEvery, a.cfg.RequestTimeout, a.log)
			probeDone := make(chan struct{})
			go func() {
				defer close(probeDone)
				prober.Run(ctx)
			}()
			defer func() {
				cancel()
				<-probeDone
			}()

			pl := delivery.NewPipeline(a.client, mon, a.policy(), a.log)
			defer pl.Close()
			pl.OnTransition(func(tr delivery.Transition) {
				if tr.Err != nil {
					fmt.Fprintf(a.out, "%s: %s (%v)\n", tr.ClientID[:8], tr.To, tr.Err)
					return
				}
				fmt.Fprintf(a.out, "%s: %s\n", tr.ClientID[:8], tr.To)
			})

			m, err := pl.Send(ctx, sessionID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			pl.Wait()

			if m.State() == delivery.Failed {
				return fmt.Errorf("message not sent: %w", m.Err())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "chat session id")
	cmd.Flags().DurationVar(&probeEvery, "probe-interval", 2*time.Second, "connectivity probe interval")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
