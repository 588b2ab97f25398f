// Package config builds the forms that add an account and store its
// password.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/mailsync/internal/model"
)

// AccountDraft is the editable state of the account form.
type AccountDraft struct {
	ID       string
	Name     string
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
}

// NewAccountDraft starts a draft from an existing account, or from
// defaults when acct is nil.
func NewAccountDraft(acct *model.AccountConfig) *AccountDraft {
	if acct == nil {
		return &AccountDraft{Port: "993", TLS: true}
	}
	return &AccountDraft{
		ID:       acct.ID,
		Name:     acct.Name,
		Host:     acct.Host,
		Port:     acct.Port,
		Username: acct.Username,
		TLS:      acct.TLS,
	}
}

// Apply copies the draft's connection settings onto acct. Folders and
// the enabled state are kept.
func (d *AccountDraft) Apply(acct *model.AccountConfig) {
	acct.ID = strings.TrimSpace(d.ID)
	acct.Name = strings.TrimSpace(d.Name)
	acct.Host = strings.TrimSpace(d.Host)
	acct.Port = strings.TrimSpace(d.Port)
	acct.Username = strings.TrimSpace(d.Username)
	acct.TLS = d.TLS
	if acct.Name == "" {
		acct.Name = acct.ID
	}
	if len(acct.Folders) == 0 {
		acct.Folders = []model.FolderConfig{
			{Path: "INBOX", Type: model.FolderTypeInbox},
		}
	}
	acct.Enabled = true
}

// AccountForm asks for every connection setting of a new account.
func AccountForm(d *AccountDraft) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Account ID").
				Description("Short identifier used in folder and operation ids").
				Placeholder("work").
				Value(&d.ID).
				Validate(validateID),
			huh.NewInput().
				Title("Name").
				Description("A label for this account").
				Placeholder("Work Email").
				Value(&d.Name),
			huh.NewInput().
				Title("IMAP Host").
				Description("IMAP server hostname").
				Placeholder("imap.example.com").
				Value(&d.Host).
				Validate(validateRequired("IMAP Host")),
			huh.NewInput().
				Title("IMAP Port").
				Description("IMAP server port (e.g., 993)").
				Placeholder("993").
				Value(&d.Port).
				Validate(validatePort),
			huh.NewInput().
				Title("Username").
				Description("Email account username").
				Placeholder("user@example.com").
				Value(&d.Username).
				Validate(validateRequired("Username")),
			huh.NewInput().
				Title("Password").
				Description("Email account password or app password").
				EchoMode(huh.EchoModePassword).
				Value(&d.Password).
				Validate(validateRequired("Password")),
			huh.NewConfirm().
				Title("Use TLS").
				Description("Connect with implicit TLS instead of STARTTLS").
				Affirmative("Yes").
				Negative("No").
				Value(&d.TLS),
		),
	)
}

// PasswordForm asks only for the password of a configured account.
func PasswordForm(d *AccountDraft) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Password for "+d.Username+"@"+d.Host).
				Description("Stored in the system keyring").
				EchoMode(huh.EchoModePassword).
				Value(&d.Password).
				Validate(validateRequired("Password")),
		),
	)
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

// validateID rejects ids that would break "account/folder/message" ids.
func validateID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("account ID is required")
	}
	if strings.ContainsAny(s, "/ ") {
		return fmt.Errorf("account ID must not contain '/' or spaces")
	}
	return nil
}

func validatePort(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("port is required")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}
