package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailsync/internal/model"
)

// IMAPDialer connects to an IMAP server with go-imap v2.
type IMAPDialer struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool
}

var _ Dialer = (*IMAPDialer)(nil)

// Dial establishes a connection to the IMAP server and authenticates.
// The caller is responsible for calling Close on the returned connection.
func (d *IMAPDialer) Dial(_ context.Context) (Connection, error) {
	addr := d.Host + ":" + d.Port

	var client *imapclient.Client
	var err error

	if d.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(d.Username, d.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Account: d.Username,
			Message: fmt.Sprintf("authentication failed for %s: %v", d.Username, err),
		}
	}

	return &IMAPConnection{client: client}, nil
}

// IMAPConnection implements Connection over an imapclient.Client.
type IMAPConnection struct {
	client   *imapclient.Client
	selected string
}

var _ Connection = (*IMAPConnection)(nil)

func uidSet(uids []model.UID) imap.UIDSet {
	out := make([]imap.UID, len(uids))
	for i, u := range uids {
		out[i] = imap.UID(u)
	}
	return imap.UIDSetNum(out...)
}

func imapFlags(flags []string) []imap.Flag {
	out := make([]imap.Flag, len(flags))
	for i, f := range flags {
		out[i] = imap.Flag(f)
	}
	return out
}

func stringFlags(flags []imap.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return model.NormalizeFlags(out)
}

// Selected returns the selected mailbox.
func (c *IMAPConnection) Selected() string { return c.selected }

// Select opens a mailbox.
func (c *IMAPConnection) Select(_ context.Context, path string) (*MailboxStatus, error) {
	data, err := c.client.Select(path, nil).Wait()
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeNonExistent {
			return nil, fmt.Errorf("selecting %s: %w", path, ErrNoSuchFolder)
		}
		return nil, fmt.Errorf("selecting %s: %w", path, err)
	}
	c.selected = path
	return &MailboxStatus{
		Path:          path,
		NumMessages:   data.NumMessages,
		UIDValidity:   data.UIDValidity,
		HighestModSeq: data.HighestModSeq,
	}, nil
}

// Search returns the UIDs matching criteria in the selected mailbox.
func (c *IMAPConnection) Search(_ context.Context, criteria SearchCriteria) ([]model.UID, error) {
	sc := &imap.SearchCriteria{
		Since:  criteria.Since,
		Before: criteria.Before,
	}
	if criteria.NotDeleted {
		sc.NotFlag = []imap.Flag{imap.FlagDeleted}
	}

	data, err := c.client.UIDSearch(sc, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", c.selected, err)
	}

	all := data.AllUIDs()
	out := make([]model.UID, len(all))
	for i, u := range all {
		out[i] = model.UID(u)
	}
	return out, nil
}

// FetchSummaries fetches envelopes, flags, sizes and body structures.
func (c *IMAPConnection) FetchSummaries(
	_ context.Context,
	uids []model.UID,
) ([]MessageSummary, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	fetchOpts := &imap.FetchOptions{
		UID:           true,
		Flags:         true,
		Envelope:      true,
		InternalDate:  true,
		RFC822Size:    true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
	}

	fetchCmd := c.client.Fetch(uidSet(uids), fetchOpts)
	defer fetchCmd.Close()

	var out []MessageSummary
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		out = append(out, summaryFromBuffer(buf))
	}

	if err := fetchCmd.Close(); err != nil {
		return out, fmt.Errorf("fetching summaries: %w", err)
	}
	return out, nil
}

// FetchFlags fetches just the flags of uids.
func (c *IMAPConnection) FetchFlags(
	_ context.Context,
	uids []model.UID,
) (map[model.UID][]string, error) {
	out := make(map[model.UID][]string, len(uids))
	if len(uids) == 0 {
		return out, nil
	}

	fetchCmd := c.client.Fetch(uidSet(uids), &imap.FetchOptions{UID: true, Flags: true})
	defer fetchCmd.Close()

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		out[model.UID(buf.UID)] = stringFlags(buf.Flags)
	}

	if err := fetchCmd.Close(); err != nil {
		return out, fmt.Errorf("fetching flags: %w", err)
	}
	return out, nil
}

func partNumbers(path string) ([]int, error) {
	if path == "" {
		return nil, nil
	}
	fields := strings.Split(path, ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("bad part path %q: %w", path, err)
		}
		out[i] = n
	}
	return out, nil
}

// FetchParts fetches body sections without setting \Seen.
func (c *IMAPConnection) FetchParts(
	_ context.Context,
	uid model.UID,
	paths []string,
) (map[string][]byte, error) {
	sections := make([]*imap.FetchItemBodySection, len(paths))
	for i, p := range paths {
		nums, err := partNumbers(p)
		if err != nil {
			return nil, err
		}
		sections[i] = &imap.FetchItemBodySection{Part: nums, Peek: true}
	}

	fetchCmd := c.client.Fetch(uidSet([]model.UID{uid}), &imap.FetchOptions{
		UID:         true,
		BodySection: sections,
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}

	out := make(map[string][]byte, len(paths))
	for i, p := range paths {
		if data := buf.FindBodySection(sections[i]); data != nil {
			out[p] = data
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return out, fmt.Errorf("closing fetch: %w", err)
	}
	return out, nil
}

// Store adds and removes flags.
func (c *IMAPConnection) Store(_ context.Context, uids []model.UID, add, remove []string) error {
	set := uidSet(uids)
	if len(add) > 0 {
		err := c.client.Store(set, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  imapFlags(add),
		}, nil).Close()
		if err != nil {
			return fmt.Errorf("adding flags: %w", err)
		}
	}
	if len(remove) > 0 {
		err := c.client.Store(set, &imap.StoreFlags{
			Op:     imap.StoreFlagsDel,
			Silent: true,
			Flags:  imapFlags(remove),
		}, nil).Close()
		if err != nil {
			return fmt.Errorf("removing flags: %w", err)
		}
	}
	return nil
}

// Move moves messages and maps old UIDs to new ones when the server
// answers with COPYUID.
func (c *IMAPConnection) Move(
	_ context.Context,
	uids []model.UID,
	dest string,
) (map[model.UID]model.UID, error) {
	data, err := c.client.Move(uidSet(uids), dest).Wait()
	if err != nil {
		return nil, fmt.Errorf("moving to %s: %w", dest, err)
	}

	out := make(map[model.UID]model.UID)
	if data == nil {
		return out, nil
	}
	src, ok1 := data.SourceUIDs.(imap.UIDSet)
	dst, ok2 := data.DestUIDs.(imap.UIDSet)
	if !ok1 || !ok2 {
		return out, nil
	}
	srcNums, ok1 := src.Nums()
	dstNums, ok2 := dst.Nums()
	if !ok1 || !ok2 || len(srcNums) != len(dstNums) {
		return out, nil
	}
	for i := range srcNums {
		out[model.UID(srcNums[i])] = model.UID(dstNums[i])
	}
	return out, nil
}

// Expunge flags messages deleted and expunges exactly them.
func (c *IMAPConnection) Expunge(ctx context.Context, uids []model.UID) error {
	if err := c.Store(ctx, uids, []string{model.FlagDeleted}, nil); err != nil {
		return err
	}
	if err := c.client.UIDExpunge(uidSet(uids)).Close(); err != nil {
		return fmt.Errorf("expunging: %w", err)
	}
	return nil
}

// Append uploads a message.
func (c *IMAPConnection) Append(
	_ context.Context,
	path string,
	msg model.AppendMessage,
) (model.UID, error) {
	opts := &imap.AppendOptions{Flags: imapFlags(msg.Flags)}
	if msg.Date != 0 {
		opts.Time = model.FromMillis(msg.Date)
	}

	cmd := c.client.Append(path, int64(len(msg.Raw)), opts)
	if _, err := bytes.NewReader(msg.Raw).WriteTo(cmd); err != nil {
		_ = cmd.Close()
		return 0, fmt.Errorf("writing message: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return 0, fmt.Errorf("closing append: %w", err)
	}
	data, err := cmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("appending to %s: %w", path, err)
	}
	return model.UID(data.UID), nil
}

// UnselectAndExpunge closes the selected mailbox.
func (c *IMAPConnection) UnselectAndExpunge(_ context.Context) error {
	if c.selected == "" {
		return nil
	}
	if err := c.client.UnselectAndExpunge().Wait(); err != nil {
		return fmt.Errorf("closing %s: %w", c.selected, err)
	}
	c.selected = ""
	return nil
}

// Close logs out and closes the connection.
func (c *IMAPConnection) Close() error {
	_ = c.client.Logout().Wait()
	return c.client.Close()
}

func convertAddress(a imap.Address) model.Address {
	return model.Address{Name: a.Name, Address: a.Addr()}
}

func convertAddresses(as []imap.Address) []model.Address {
	if len(as) == 0 {
		return nil
	}
	out := make([]model.Address, len(as))
	for i, a := range as {
		out[i] = convertAddress(a)
	}
	return out
}

// summaryFromBuffer extracts a MessageSummary from a FetchMessageBuffer.
func summaryFromBuffer(buf *imapclient.FetchMessageBuffer) MessageSummary {
	s := MessageSummary{
		UID:          model.UID(buf.UID),
		Flags:        stringFlags(buf.Flags),
		InternalDate: buf.InternalDate,
		Size:         buf.RFC822Size,
	}

	if env := buf.Envelope; env != nil {
		s.MessageID = env.MessageID
		s.Subject = env.Subject
		if len(env.From) > 0 {
			s.From = convertAddress(env.From[0])
		}
		s.To = convertAddresses(env.To)
		s.CC = convertAddresses(env.Cc)
		s.BCC = convertAddresses(env.Bcc)
		s.ReplyTo = convertAddresses(env.ReplyTo)
		if s.InternalDate.IsZero() {
			s.InternalDate = env.Date
		}
	}

	if buf.BodyStructure != nil {
		s.Structure = convertStructure(buf.BodyStructure, nil)
	}
	return s
}

func pathString(path []int) string {
	if len(path) == 0 {
		return "1"
	}
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// convertStructure maps go-imap's body structure onto Part.
func convertStructure(bs imap.BodyStructure, path []int) *Part {
	switch bs := bs.(type) {
	case *imap.BodyStructureSinglePart:
		p := &Part{
			Path:     pathString(path),
			Type:     strings.ToLower(bs.Type),
			Subtype:  strings.ToLower(bs.Subtype),
			Params:   bs.Params,
			ID:       strings.Trim(bs.ID, "<>"),
			Encoding: strings.ToLower(bs.Encoding),
			Size:     int64(bs.Size),
		}
		if disp := bs.Disposition(); disp != nil {
			p.Disposition = strings.ToLower(disp.Value)
			p.DispositionParams = disp.Params
		}
		return p
	case *imap.BodyStructureMultiPart:
		p := &Part{
			Type:    "multipart",
			Subtype: strings.ToLower(bs.Subtype),
		}
		if len(path) > 0 {
			p.Path = pathString(path)
		}
		if ext := bs.Extended; ext != nil {
			p.Params = ext.Params
		}
		for i, child := range bs.Children {
			childPath := append(append([]int(nil), path...), i+1)
			p.Children = append(p.Children, convertStructure(child, childPath))
		}
		return p
	}
	return nil
}
