// Command mailsync mirrors IMAP folders into local storage, browses them
// offline and queues changes back to the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "mailsync",
		Short:         "Offline-capable IMAP folder sync",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var showVersion bool
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	flags.StringVar(&o.configPath, "config", model.DefaultConfigPath(), "Config file")
	flags.StringVar(&o.storePath, "store", "", "Local store path (overrides config)")
	flags.StringVar(&o.logLevel, "log-level", "", "Log level (overrides config)")
	flags.BoolVar(&o.offline, "offline", false, "Do not contact the server")
	flags.BoolVar(&o.fake, "fake", false, "Use a built-in demo server instead of the configured accounts")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Printf("mailsync %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			fmt.Println()
			os.Exit(0)
		}
	}

	rootCmd.AddCommand(
		newSyncCmd(o),
		newListCmd(o),
		newWatchCmd(o),
		newTagCmd(o),
		newMoveCmd(o),
		newDeleteCmd(o),
		newUndoCmd(o),
		newHistoryCmd(o),
		newLoginCmd(o),
		newServeCmd(o),
	)
	return rootCmd
}
