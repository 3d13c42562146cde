package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. cleanup releases device storage and must
// run after Execute, also when a command failed.
func newRootCmd() (root *cobra.Command, cleanup func()) {
	f := &globalFlags{}
	var a *app

	root = &cobra.Command{
		Use:           "chatcli",
		Short:         "Chat with a rental agent from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp(cmd, f)
			return err
		},
	}
	root.PersistentFlags().StringVar(&f.dataDir, "data", defaultDataDir(), "device data directory")
	root.PersistentFlags().StringVar(&f.server, "server", defaultServer(), "chat API base URL")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")

	get := func() *app { return a }
	root.AddCommand(
		newContactCmd(get),
		newLoginCmd(get),
		newLogoutCmd(get),
		newSendCmd(get),
		newStatusCmd(get),
	)
	cleanup = func() {
		if a != nil {
			a.close()
			a = nil
		}
	}
	return root, cleanup
}
