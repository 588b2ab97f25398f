package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/app"
	appsync "github.com/nhle/mailsync/internal/sync"
)

func newWatchCmd(o *rootOptions) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:     "watch",
		Aliases: []string{"ui"},
		Short:   "Browse folders in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			// The terminal belongs to the UI, so logs go to a file.
			logPath := filepath.Join(filepath.Dir(o.configPath), "mailsync.log")
			if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
				return err
			}
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return fmt.Errorf("opening log file: %w", err)
			}
			defer logFile.Close()

			e, err := setup(ctx, o, logFile)
			if err != nil {
				return err
			}
			defer e.Close(context.WithoutCancel(ctx))

			a, err := e.account(accountID)
			if err != nil {
				return err
			}

			poller := appsync.NewPoller(time.Duration(e.cfg.Sync.PollIntervalSec)*time.Second, e.log)
			if e.universe.Online() {
				poller.Start()
			}
			defer poller.Stop()

			m := app.New(e.universe, a, poller, app.Options{
				Log:      e.log,
				FillSize: e.cfg.Sync.InitialFillSize,
				Events:   e.events,
			})
			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("running ui: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Account to open")
	return cmd
}
