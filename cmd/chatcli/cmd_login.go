package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/rental-chat/internal/auth"
)

func newLoginCmd(get func() *app) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an access token and resume a pending contact request",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			token = strings.TrimSpace(token)
			identity, err := auth.SubjectUnverified(token)
			if err != nil {
				return errors.New("malformed token")
			}
			if err := a.store.Set(cmd.Context(), keyToken, token); err != nil {
				return err
			}
			a.token = token
			fmt.Fprintf(a.out, "Signed in as user %s\n", identity)

			// one sign-in event; the coordinator consumes at most one intent
			signIns := make(chan string, 1)
			signIns <- identity
			close(signIns)
			a.coordinator().Run(cmd.Context(), signIns)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "JWT issued by the platform")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newLogoutCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.store.Remove(cmd.Context(), keyToken); err != nil {
				return err
			}
			a.token = ""
			fmt.Fprintln(a.out, "Signed out")
			return nil
		},
	}
}
