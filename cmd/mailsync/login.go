package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/ui/config"
)

func newLoginCmd(o *rootOptions) *cobra.Command {
	var forget bool

	cmd := &cobra.Command{
		Use:   "login [ACCOUNT-ID]",
		Short: "Add an account or update its stored password",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.fake {
				return errors.New("the demo server needs no login")
			}
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}

			var existing *model.AccountConfig
			if len(args) == 1 {
				for i := range cfg.Accounts {
					if cfg.Accounts[i].ID == args[0] {
						existing = &cfg.Accounts[i]
						break
					}
				}
			}
			if forget && existing == nil {
				return errors.New("--forget needs the id of a configured account")
			}

			creds, err := credential.Open()
			if err != nil {
				return err
			}
			if forget {
				if err := creds.DeletePassword(*existing); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot password for %s\n", existing.ID)
				return nil
			}

			d := config.NewAccountDraft(existing)
			if existing != nil {
				if err := config.PasswordForm(d).RunWithContext(cmd.Context()); err != nil {
					return err
				}
				if err := creds.SetPassword(*existing, d.Password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated password for %s\n", existing.ID)
				return nil
			}

			if len(args) == 1 {
				d.ID = args[0]
			}
			if err := config.AccountForm(d).RunWithContext(cmd.Context()); err != nil {
				return err
			}
			var acct model.AccountConfig
			d.Apply(&acct)
			for _, a := range cfg.Accounts {
				if a.ID == acct.ID {
					return fmt.Errorf("account %q already exists", acct.ID)
				}
			}
			// Store the secret first so a saved account always has one.
			if err := creds.SetPassword(acct, d.Password); err != nil {
				return err
			}
			cfg.Accounts = append(cfg.Accounts, acct)
			if err := model.SaveConfig(o.configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s; run mailsync sync to fetch mail\n", acct.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&forget, "forget", false, "Delete the stored password instead")
	return cmd
}
