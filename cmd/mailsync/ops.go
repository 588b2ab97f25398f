package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/account"
	"github.com/nhle/mailsync/internal/model"
)

// pushTimeout bounds how long a command waits for the server phase.
const pushTimeout = 30 * time.Second

var errNoSuchMessage = errors.New("no such message")

// findHeader looks a stored message up by its SUID.
func findHeader(ctx context.Context, a *account.Account, suid string) (model.HeaderInfo, error) {
	folderID, id, ok := model.ParseSUID(suid)
	if !ok {
		return model.HeaderInfo{}, fmt.Errorf("%q is not a message id", suid)
	}
	st, err := a.Storage(ctx, folderID)
	if err != nil {
		return model.HeaderInfo{}, err
	}
	hs, err := st.MessagesInDateRange(ctx, 0, 0, 0)
	if err != nil {
		return model.HeaderInfo{}, err
	}
	for _, h := range hs {
		if h.ID == id {
			return h, nil
		}
	}
	return model.HeaderInfo{}, fmt.Errorf("%s: %w", suid, errNoSuchMessage)
}

// accountOf returns the account a SUID or longterm id belongs to.
func accountOf(e *env, id string) (*account.Account, error) {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return e.universe.Account(id[:i])
		}
	}
	return nil, fmt.Errorf("%q does not name an account", id)
}

// submit queues op and, when online, waits for the server to take it.
func submit(ctx context.Context, out io.Writer, a *account.Account, op model.Operation) error {
	id, err := a.Submit(ctx, op)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", op.Type, id)
	return report(ctx, out, a, id)
}

// report waits for the queue and prints where operation id ended up.
func report(ctx context.Context, out io.Writer, a *account.Account, id string) error {
	if !a.Online() {
		fmt.Fprintln(out, "offline: applied locally, queued for the server")
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	if err := a.Queue().Drain(wctx); err != nil {
		op, _ := a.Queue().Operation(id)
		if op.Error != "" {
			return fmt.Errorf("server rejected %s (kept queued): %s", id, op.Error)
		}
		return fmt.Errorf("waiting for server: %w", err)
	}
	fmt.Fprintln(out, "done")
	return nil
}

func withEnv(o *rootOptions, cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	ctx := cmd.Context()
	e, err := setup(ctx, o, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.Close(context.WithoutCancel(ctx))
	return fn(ctx, e)
}

func newTagCmd(o *rootOptions) *cobra.Command {
	var add, remove []string
	cmd := &cobra.Command{
		Use:   "tag MESSAGE-ID",
		Short: `Add or remove flags, e.g. --add '\Flagged' --remove '\Seen'`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(add) == 0 && len(remove) == 0 {
				return errors.New("nothing to change; use --add or --remove")
			}
			return withEnv(o, cmd, func(ctx context.Context, e *env) error {
				a, err := accountOf(e, args[0])
				if err != nil {
					return err
				}
				h, err := findHeader(ctx, a, args[0])
				if err != nil {
					return err
				}
				return submit(ctx, cmd.OutOrStdout(), a, model.Operation{
					Type:       model.OpModTags,
					Messages:   []model.MessageRef{{SUID: h.SUID, Date: h.Date}},
					AddTags:    add,
					RemoveTags: remove,
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&add, "add", nil, "Flags to add")
	cmd.Flags().StringSliceVar(&remove, "remove", nil, "Flags to remove")
	return cmd
}

func newMoveCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "move MESSAGE-ID FOLDER",
		Short: "Move a message to another folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(o, cmd, func(ctx context.Context, e *env) error {
				a, err := accountOf(e, args[0])
				if err != nil {
					return err
				}
				target, ok := a.FolderByPath(args[1])
				if !ok {
					return fmt.Errorf("%s: %w", args[1], account.ErrUnknownFolder)
				}
				h, err := findHeader(ctx, a, args[0])
				if err != nil {
					return err
				}
				return submit(ctx, cmd.OutOrStdout(), a, model.Operation{
					Type:         model.OpMove,
					Messages:     []model.MessageRef{{SUID: h.SUID, Date: h.Date}},
					TargetFolder: target.ID,
				})
			})
		},
	}
}

func newDeleteCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete MESSAGE-ID...",
		Aliases: []string{"rm"},
		Short:   "Move messages to the trash, or delete them for good from the trash",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(o, cmd, func(ctx context.Context, e *env) error {
				a, err := accountOf(e, args[0])
				if err != nil {
					return err
				}
				op := model.Operation{Type: model.OpDelete}
				for _, suid := range args {
					h, err := findHeader(ctx, a, suid)
					if err != nil {
						return err
					}
					op.Messages = append(op.Messages, model.MessageRef{SUID: h.SUID, Date: h.Date})
				}
				return submit(ctx, cmd.OutOrStdout(), a, op)
			})
		},
	}
}

func newUndoCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "undo OPERATION-ID",
		Short: "Undo an operation from the history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(o, cmd, func(ctx context.Context, e *env) error {
				if err := e.universe.Undo(ctx, args[0]); err != nil {
					return err
				}
				a, err := accountOf(e, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "undo %s\n", args[0])
				return report(ctx, cmd.OutOrStdout(), a, args[0])
			})
		},
	}
}

func newHistoryCmd(o *rootOptions) *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the operations that can still be undone",
		RunE: func(cmd *cobra.Command, args []string) error {
			o.offline = true
			return withEnv(o, cmd, func(ctx context.Context, e *env) error {
				a, err := e.account(accountID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, op := range a.Queue().History() {
					fmt.Fprintln(out, formatOperation(op))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Account id")
	return cmd
}

// formatOperation renders one history entry.
func formatOperation(op model.Operation) string {
	state := string(op.Status)
	if state == "" {
		state = "queued"
	}
	if op.LocalStatus == model.StatusUndone {
		state += ", undone locally"
	}
	if op.Desire != model.DesireNone {
		state += ", wants " + string(op.Desire)
	}
	line := fmt.Sprintf("%-45s %-8s %d message(s)  %s", op.LongtermID, op.Type, len(op.Messages), state)
	if op.Error != "" {
		line += "  error: " + op.Error
	}
	return line
}
