package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/rental-chat/internal/intent"
)

func newContactCmd(get func() *app) *cobra.Command {
	var applicationID, title, propertyID string

	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Open the chat with the agent of an application",
		Long: `Open the chat with the agent handling a rental application.

When signed out the request is remembered on this device and resumed
automatically by the next "chatcli login".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if a.signedIn() {
				return a.resolveNow(cmd.Context(), applicationID)
			}

			err := a.coordinator().Capture(cmd.Context(), intent.Intent{
				ApplicationID: applicationID,
				PropertyTitle: title,
				PropertyID:    propertyID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Sign in to contact the agent: chatcli login --token <jwt>")
			return nil
		},
	}
	cmd.Flags().StringVar(&applicationID, "application", "", "rental application id")
	cmd.Flags().StringVar(&title, "title", "", "property title shown while signing in")
	cmd.Flags().StringVar(&propertyID, "property", "", "property id")
	_ = cmd.MarkFlagRequired("application")
	return cmd
}
