// Package credential keeps account passwords in the OS keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/nhle/mailsync/internal/model"
)

const serviceName = "mailsync"

// ErrNoPassword is returned when an account has no stored password.
var ErrNoPassword = errors.New("no password stored")

// Store reads and writes account passwords.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store on the system keyring, falling back to an
// encrypted file under ~/.config/mailsync/credentials.
func Open() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an existing keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Password returns the stored password for an account.
func (s *Store) Password(acct model.AccountConfig) (string, error) {
	item, err := s.ring.Get(acct.CredentialKey())
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("account %s: %w", acct.ID, ErrNoPassword)
	}
	if err != nil {
		return "", fmt.Errorf("getting password for %s: %w", acct.ID, err)
	}
	return string(item.Data), nil
}

// SetPassword stores an account's password.
func (s *Store) SetPassword(acct model.AccountConfig, password string) error {
	err := s.ring.Set(keyring.Item{
		Key:         acct.CredentialKey(),
		Data:        []byte(password),
		Label:       "mailsync " + acct.Username,
		Description: "IMAP password for " + acct.Host,
	})
	if err != nil {
		return fmt.Errorf("setting password for %s: %w", acct.ID, err)
	}
	return nil
}

// DeletePassword forgets an account's password. Forgetting a password that
// was never stored is not an error.
func (s *Store) DeletePassword(acct model.AccountConfig) error {
	err := s.ring.Remove(acct.CredentialKey())
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting password for %s: %w", acct.ID, err)
	}
	return nil
}
