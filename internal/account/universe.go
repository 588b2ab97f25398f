package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/jobs"
	"github.com/nhle/mailsync/internal/model"
)

// ErrUnknownAccount is returned for an account id the universe does not
// hold.
var ErrUnknownAccount = errors.New("unknown account")

// Universe holds every open account and the shared online state.
type Universe struct {
	log zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*Account
	order    []string
	online   bool
}

// NewUniverse returns an empty, offline Universe.
func NewUniverse(log zerolog.Logger) *Universe {
	return &Universe{log: log, accounts: make(map[string]*Account)}
}

// Add registers an account and brings it to the universe's online state.
func (u *Universe) Add(a *Account) error {
	u.mu.Lock()
	if _, ok := u.accounts[a.ID()]; ok {
		u.mu.Unlock()
		return fmt.Errorf("account %s already added", a.ID())
	}
	u.accounts[a.ID()] = a
	u.order = append(u.order, a.ID())
	online := u.online
	u.mu.Unlock()

	a.SetOnline(online)
	return nil
}

// Account returns an account by id.
func (u *Universe) Account(id string) (*Account, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	a, ok := u.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownAccount)
	}
	return a, nil
}

// Accounts returns the accounts in the order they were added.
func (u *Universe) Accounts() []*Account {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*Account, len(u.order))
	for i, id := range u.order {
		out[i] = u.accounts[id]
	}
	return out
}

// SetOnline fans a connectivity change out to every account.
func (u *Universe) SetOnline(online bool) {
	u.mu.Lock()
	changed := u.online != online
	u.online = online
	u.mu.Unlock()

	if changed {
		u.log.Info().Bool("online", online).Msg("connectivity changed")
	}
	for _, a := range u.Accounts() {
		a.SetOnline(online)
	}
}

// Online reports the shared connectivity.
func (u *Universe) Online() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.online
}

// Submit queues an operation on an account.
func (u *Universe) Submit(
	ctx context.Context,
	accountID string,
	op model.Operation,
) (string, error) {
	a, err := u.Account(accountID)
	if err != nil {
		return "", err
	}
	return a.Submit(ctx, op)
}

// Undo reverts an operation by its longterm id, which names its account.
func (u *Universe) Undo(ctx context.Context, longtermID string) error {
	accountID, _, ok := strings.Cut(longtermID, "/")
	if !ok {
		return fmt.Errorf("%s: %w", longtermID, jobs.ErrUnknownOperation)
	}
	a, err := u.Account(accountID)
	if err != nil {
		return err
	}
	return a.Undo(ctx, longtermID)
}

// WaitForDrain calls fn once the account has no server work left.
func (u *Universe) WaitForDrain(accountID string, fn func()) error {
	a, err := u.Account(accountID)
	if err != nil {
		return err
	}
	a.Queue().WaitForDrain(fn)
	return nil
}

// Close closes every account.
func (u *Universe) Close(ctx context.Context) error {
	var errs []error
	for _, a := range u.Accounts() {
		if err := a.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", a.ID(), err))
		}
	}
	u.mu.Lock()
	u.accounts = make(map[string]*Account)
	u.order = nil
	u.mu.Unlock()
	return errors.Join(errs...)
}
