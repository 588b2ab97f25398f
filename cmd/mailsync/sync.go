package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/account"
	"github.com/nhle/mailsync/internal/model"
)

var errNeedsServer = errors.New("this command needs the server; drop --offline")

// selectFolders returns the folders of a matching path, or all of them.
func selectFolders(a *account.Account, path string) ([]model.FolderMeta, error) {
	if path == "" {
		return a.Folders(), nil
	}
	f, ok := a.FolderByPath(path)
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", a.ID(), path, account.ErrUnknownFolder)
	}
	return []model.FolderMeta{f}, nil
}

func newSyncCmd(o *rootOptions) *cobra.Command {
	var accountID, folderPath string
	var count int

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Bring the newest messages of each folder up to date",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.offline {
				return errNeedsServer
			}
			ctx := cmd.Context()
			e, err := setup(ctx, o, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close(context.WithoutCancel(ctx))

			if count <= 0 {
				count = e.cfg.Sync.InitialFillSize
			}
			accounts := e.universe.Accounts()
			if accountID != "" {
				a, err := e.universe.Account(accountID)
				if err != nil {
					return err
				}
				accounts = []*account.Account{a}
			}

			var errs []error
			for _, a := range accounts {
				if err := syncAccount(ctx, cmd.OutOrStdout(), a, folderPath, count); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Only this account")
	cmd.Flags().StringVar(&folderPath, "folder", "", "Only this folder path")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Messages to keep in sync per folder (default from config)")
	return cmd
}

// syncAccount runs a first sync or refresh of each folder, then pushes
// queued operations.
func syncAccount(
	ctx context.Context,
	out io.Writer,
	a *account.Account,
	path string,
	count int,
) error {
	folders, err := selectFolders(a, path)
	if err != nil {
		return err
	}

	var errs []error
	for _, f := range folders {
		name := a.ID() + "/" + f.Path
		sl, err := a.OpenSlice(ctx, f.ID, nil, count)
		if err != nil {
			fmt.Fprintf(out, "%-28s failed: %v\n", name, err)
			errs = append(errs, err)
			continue
		}
		v, err := sl.View(ctx)
		_ = sl.Close(context.WithoutCancel(ctx))
		if err != nil {
			errs = append(errs, err)
			continue
		}

		unread := 0
		for _, h := range v.Headers {
			if !h.HasFlag(model.FlagSeen) {
				unread++
			}
		}
		more := ""
		if !v.OpenStart {
			more = ", older mail not synced"
		}
		fmt.Fprintf(out, "%-28s %4d messages, %d unread%s\n", name, len(v.Headers), unread, more)
	}

	if n := a.Queue().Pending(); n > 0 {
		fmt.Fprintf(out, "%-28s pushing %d queued operation(s)\n", a.ID(), n)
		if err := a.Queue().Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: pushing operations: %w", a.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func newListCmd(o *rootOptions) *cobra.Command {
	var accountID, folderPath string
	var limit int

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored messages without contacting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			o.offline = true
			ctx := cmd.Context()
			e, err := setup(ctx, o, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close(context.WithoutCancel(ctx))

			a, err := e.account(accountID)
			if err != nil {
				return err
			}
			folders, err := selectFolders(a, folderPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, f := range folders {
				st, err := a.Storage(ctx, f.ID)
				if err != nil {
					return err
				}
				hs, err := st.MessagesInDateRange(ctx, 0, 0, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "== %s (%d shown)\n", f.Path, len(hs))
				for _, h := range hs {
					fmt.Fprintln(out, formatHeader(h))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Account id")
	cmd.Flags().StringVar(&folderPath, "folder", "", "Only this folder path")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Newest messages per folder (0 for all)")
	return cmd
}

// formatHeader renders one header as a line of ls output.
func formatHeader(h model.HeaderInfo) string {
	marks := []byte("   ")
	if !h.HasFlag(model.FlagSeen) {
		marks[0] = 'N'
	}
	if h.HasFlag(model.FlagFlagged) {
		marks[1] = '!'
	}
	if h.SrvID == 0 {
		marks[2] = '*'
	}
	author := h.Author.Name
	if author == "" {
		author = h.Author.Address
	}
	subject := strings.TrimSpace(h.Subject)
	if subject == "" {
		subject = "(no subject)"
	}
	return fmt.Sprintf("%s %-14s %s  %-20.20s %s",
		marks, h.SUID, model.FromMillis(h.Date).Local().Format("2006-01-02 15:04"), author, subject)
}
