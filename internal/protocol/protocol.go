// Package protocol defines what the sync engine, connection pool and job
// queue need from a mail server session, independent of the wire
// protocol behind it.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// AuthError indicates that the server rejected the account's credentials.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ErrNoSuchFolder is returned when selecting a folder the server does not
// have.
var ErrNoSuchFolder = errors.New("no such folder")

// MailboxStatus is what selecting a folder reports.
type MailboxStatus struct {
	Path          string
	NumMessages   uint32
	UIDValidity   uint32
	HighestModSeq uint64
}

// SearchCriteria selects messages by internal date. Since is inclusive
// and Before exclusive; both are day granular on the wire. A zero time
// leaves that side open.
type SearchCriteria struct {
	Since      time.Time
	Before     time.Time
	NotDeleted bool
}

// Part is one node of a message's MIME structure.
type Part struct {
	// Path is the part specifier, e.g. "1" or "2.1".
	Path     string
	Type     string
	Subtype  string
	Params   map[string]string
	ID       string
	Encoding string
	Size     int64

	Disposition       string
	DispositionParams map[string]string

	Children []*Part
}

// MIMEType returns "type/subtype" in lower case.
func (p *Part) MIMEType() string {
	return p.Type + "/" + p.Subtype
}

// Filename returns the part's file name from its disposition or, failing
// that, its content type name parameter.
func (p *Part) Filename() string {
	if name := p.DispositionParams["filename"]; name != "" {
		return name
	}
	return p.Params["name"]
}

// MessageSummary is everything fetched about a new message before its
// body parts.
type MessageSummary struct {
	UID          model.UID
	Flags        []string
	InternalDate time.Time
	Size         int64

	MessageID string
	Subject   string
	From      model.Address
	To        []model.Address
	CC        []model.Address
	BCC       []model.Address
	ReplyTo   []model.Address

	Structure *Part
}

// Connection is an authenticated server session. It is not safe for
// concurrent use; the pool hands each one to a single holder at a time.
type Connection interface {
	// Select opens path; later message calls act on it.
	Select(ctx context.Context, path string) (*MailboxStatus, error)
	// Selected returns the currently selected path, if any.
	Selected() string

	Search(ctx context.Context, criteria SearchCriteria) ([]model.UID, error)
	FetchSummaries(ctx context.Context, uids []model.UID) ([]MessageSummary, error)
	FetchFlags(ctx context.Context, uids []model.UID) (map[model.UID][]string, error)
	// FetchParts returns the raw, still transfer-encoded bytes of the
	// requested part paths of one message.
	FetchParts(ctx context.Context, uid model.UID, paths []string) (map[string][]byte, error)

	Store(ctx context.Context, uids []model.UID, add, remove []string) error
	// Move moves messages to dest and returns the new UIDs by old UID
	// when the server reports them.
	Move(ctx context.Context, uids []model.UID, dest string) (map[model.UID]model.UID, error)
	// Expunge permanently removes messages.
	Expunge(ctx context.Context, uids []model.UID) error
	// Append writes a message to path and returns its UID when known.
	Append(ctx context.Context, path string, msg model.AppendMessage) (model.UID, error)

	// UnselectAndExpunge closes the selected folder, expunging messages
	// flagged as deleted.
	UnselectAndExpunge(ctx context.Context) error
	Close() error
}

// Dialer opens new connections for an account.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Connection, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Connection, error) { return f(ctx) }
