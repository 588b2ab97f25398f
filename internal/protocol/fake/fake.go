// Package fake is an in-memory mail server implementing
// protocol.Connection. Tests drive it directly; the CLI uses it for the
// --fake demo mode.
package fake

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	gosync "sync"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/protocol"
)

// ErrOffline is returned by Dial while the server is offline.
var ErrOffline = errors.New("server offline")

// Attachment is a file attached to a fake message.
type Attachment struct {
	Name string
	Type string
	Data []byte
}

// Message is a message as the fake server stores it.
type Message struct {
	UID         model.UID
	Date        time.Time
	Flags       []string
	Subject     string
	From        model.Address
	To          []model.Address
	Text        string
	Attachments []Attachment
}

func (m Message) clone() Message {
	m.Flags = append([]string(nil), m.Flags...)
	m.To = append([]model.Address(nil), m.To...)
	m.Attachments = append([]Attachment(nil), m.Attachments...)
	return m
}

type mailbox struct {
	uidValidity uint32
	uidNext     model.UID
	modseq      uint64
	msgs        map[model.UID]*Message
}

// Server is an in-memory mail server.
type Server struct {
	mu gosync.Mutex

	boxes   map[string]*mailbox
	offline bool
	noUIDs  bool
	fail    map[string]error
	calls   map[string]int

	selected    map[string]int
	maxSelected map[string]int
}

// NewServer creates a server with an empty INBOX.
func NewServer() *Server {
	s := &Server{
		boxes:       make(map[string]*mailbox),
		fail:        make(map[string]error),
		calls:       make(map[string]int),
		selected:    make(map[string]int),
		maxSelected: make(map[string]int),
	}
	s.AddFolder("INBOX")
	return s
}

// AddFolder creates an empty folder if it does not exist.
func (s *Server) AddFolder(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boxes[path]; !ok {
		s.boxes[path] = &mailbox{uidValidity: 1, uidNext: 1, msgs: make(map[model.UID]*Message)}
	}
}

func (s *Server) box(path string) (*mailbox, error) {
	b, ok := s.boxes[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, protocol.ErrNoSuchFolder)
	}
	return b, nil
}

func (b *mailbox) add(m Message) model.UID {
	m.UID = b.uidNext
	m.Flags = model.NormalizeFlags(m.Flags)
	b.uidNext++
	b.modseq++
	b.msgs[m.UID] = &m
	return m.UID
}

// Add stores m in path and returns its UID.
func (s *Server) Add(path string, m Message) model.UID {
	s.AddFolder(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boxes[path].add(m.clone())
}

// SetFlags replaces a message's flags.
func (s *Server) SetFlags(path string, uid model.UID, flags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.boxes[path]; ok {
		if m, ok := b.msgs[uid]; ok {
			m.Flags = model.NormalizeFlags(flags)
			b.modseq++
		}
	}
}

// Remove deletes a message as if another client expunged it.
func (s *Server) Remove(path string, uid model.UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.boxes[path]; ok {
		delete(b.msgs, uid)
		b.modseq++
	}
}

// Messages returns copies of a folder's messages in UID order.
func (s *Server) Messages(path string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boxes[path]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// SetOffline makes Dial fail until cleared.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// OmitMoveUIDs makes Move report no UID mapping, like a server without
// UIDPLUS.
func (s *Server) OmitMoveUIDs(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noUIDs = omit
}

// FailNext makes the next call of op fail with err.
func (s *Server) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

// Calls returns how many times op was called.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// MaxSelected returns the most connections that had path selected at once.
func (s *Server) MaxSelected(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSelected[path]
}

// begin counts a call and returns any injected failure. Callers hold mu.
func (s *Server) begin(op string) error {
	s.calls[op]++
	if err, ok := s.fail[op]; ok {
		delete(s.fail, op)
		return err
	}
	return nil
}

// Dial opens a connection.
func (s *Server) Dial(_ context.Context) (protocol.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("dial"); err != nil {
		return nil, err
	}
	if s.offline {
		return nil, ErrOffline
	}
	return &Conn{srv: s}, nil
}

// Conn is one session with a Server.
type Conn struct {
	srv      *Server
	selected string
	closed   bool
}

var _ protocol.Connection = (*Conn)(nil)

func (c *Conn) enter(op string) (*mailbox, error) {
	if c.closed {
		return nil, errors.New("connection closed")
	}
	if err := c.srv.begin(op); err != nil {
		return nil, err
	}
	if c.selected == "" {
		return nil, errors.New("no folder selected")
	}
	return c.srv.box(c.selected)
}

func (c *Conn) unselect() {
	if c.selected == "" {
		return
	}
	c.srv.selected[c.selected]--
	c.selected = ""
}

// Select opens path.
func (c *Conn) Select(_ context.Context, path string) (*protocol.MailboxStatus, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("select"); err != nil {
		return nil, err
	}
	b, err := s.box(path)
	if err != nil {
		return nil, err
	}

	c.unselect()
	c.selected = path
	s.selected[path]++
	if s.selected[path] > s.maxSelected[path] {
		s.maxSelected[path] = s.selected[path]
	}
	return &protocol.MailboxStatus{
		Path:          path,
		NumMessages:   uint32(len(b.msgs)),
		UIDValidity:   b.uidValidity,
		HighestModSeq: b.modseq,
	}, nil
}

// Selected returns the selected folder.
func (c *Conn) Selected() string { return c.selected }

// Search matches messages by date.
func (c *Conn) Search(_ context.Context, criteria protocol.SearchCriteria) ([]model.UID, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	b, err := c.enter("search")
	if err != nil {
		return nil, err
	}

	// SINCE and BEFORE compare dates only.
	since, before := dayOf(criteria.Since), dayOf(criteria.Before)
	var out []model.UID
	for uid, m := range b.msgs {
		if !criteria.Since.IsZero() && m.Date.Before(since) {
			continue
		}
		if !criteria.Before.IsZero() && !m.Date.Before(before) {
			continue
		}
		if criteria.NotDeleted && hasFlag(m.Flags, model.FlagDeleted) {
			continue
		}
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func structure(m *Message) *protocol.Part {
	text := &protocol.Part{
		Path:     "1",
		Type:     "text",
		Subtype:  "plain",
		Params:   map[string]string{"charset": "utf-8"},
		Encoding: "7bit",
		Size:     int64(len(m.Text)),
	}
	if len(m.Attachments) == 0 {
		return text
	}

	root := &protocol.Part{Type: "multipart", Subtype: "mixed", Children: []*protocol.Part{text}}
	for i, a := range m.Attachments {
		root.Children = append(root.Children, &protocol.Part{
			Path:              strconv.Itoa(i + 2),
			Type:              typeOf(a.Type),
			Subtype:           subtypeOf(a.Type),
			Params:            map[string]string{"name": a.Name},
			Encoding:          "base64",
			Size:              int64(base64.StdEncoding.EncodedLen(len(a.Data))),
			Disposition:       "attachment",
			DispositionParams: map[string]string{"filename": a.Name},
		})
	}
	return root
}

func typeOf(mimeType string) string {
	for i := 0; i < len(mimeType); i++ {
		if mimeType[i] == '/' {
			return mimeType[:i]
		}
	}
	return "application"
}

func subtypeOf(mimeType string) string {
	for i := 0; i < len(mimeType); i++ {
		if mimeType[i] == '/' {
			return mimeType[i+1:]
		}
	}
	return "octet-stream"
}

// FetchSummaries returns envelopes and structures.
func (c *Conn) FetchSummaries(
	_ context.Context,
	uids []model.UID,
) ([]protocol.MessageSummary, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	b, err := c.enter("fetch_summaries")
	if err != nil {
		return nil, err
	}

	var out []protocol.MessageSummary
	for _, uid := range uids {
		m, ok := b.msgs[uid]
		if !ok {
			continue
		}
		size := int64(len(m.Text))
		for _, a := range m.Attachments {
			size += int64(len(a.Data))
		}
		out = append(out, protocol.MessageSummary{
			UID:          uid,
			Flags:        append([]string(nil), m.Flags...),
			InternalDate: m.Date,
			Size:         size,
			Subject:      m.Subject,
			From:         m.From,
			To:           append([]model.Address(nil), m.To...),
			Structure:    structure(m),
		})
	}
	return out, nil
}

// FetchFlags returns current flags.
func (c *Conn) FetchFlags(_ context.Context, uids []model.UID) (map[model.UID][]string, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	b, err := c.enter("fetch_flags")
	if err != nil {
		return nil, err
	}

	out := make(map[model.UID][]string, len(uids))
	for _, uid := range uids {
		if m, ok := b.msgs[uid]; ok {
			out[uid] = append([]string(nil), m.Flags...)
		}
	}
	return out, nil
}

// FetchParts returns part bytes in their transfer encoding.
func (c *Conn) FetchParts(
	_ context.Context,
	uid model.UID,
	paths []string,
) (map[string][]byte, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	b, err := c.enter("fetch_parts")
	if err != nil {
		return nil, err
	}
	m, ok := b.msgs[uid]
	if !ok {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		if p == "1" {
			out[p] = []byte(m.Text)
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 2 || n-2 >= len(m.Attachments) {
			continue
		}
		out[p] = []byte(base64.StdEncoding.EncodeToString(m.Attachments[n-2].Data))
	}
	return out, nil
}

// Store changes flags.
func (c *Conn) Store(_ context.Context, uids []model.UID, add, remove []string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	b, err := c.enter("store")
	if err != nil {
		return err
	}

	for _, uid := range uids {
		m, ok := b.msgs[uid]
		if !ok {
			continue
		}
		h := model.HeaderInfo{Flags: m.Flags}
		for _, f := range add {
			h.AddFlag(f)
		}
		for _, f := range remove {
			h.RemoveFlag(f)
		}
		m.Flags = h.Flags
	}
	b.modseq++
	return nil
}

// Move moves messages to dest.
func (c *Conn) Move(
	_ context.Context,
	uids []model.UID,
	dest string,
) (map[model.UID]model.UID, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := c.enter("move")
	if err != nil {
		return nil, err
	}
	target, err := s.box(dest)
	if err != nil {
		return nil, err
	}

	out := make(map[model.UID]model.UID)
	for _, uid := range uids {
		m, ok := b.msgs[uid]
		if !ok {
			continue
		}
		delete(b.msgs, uid)
		newUID := target.add(m.clone())
		if !s.noUIDs {
			out[uid] = newUID
		}
	}
	b.modseq++
	return out, nil
}

// Expunge removes messages.
func (c *Conn) Expunge(_ context.Context, uids []model.UID) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	b, err := c.enter("expunge")
	if err != nil {
		return err
	}
	for _, uid := range uids {
		delete(b.msgs, uid)
	}
	b.modseq++
	return nil
}

// Append parses and stores a raw message.
func (c *Conn) Append(_ context.Context, path string, msg model.AppendMessage) (model.UID, error) {
	parsed, err := protocol.ParseMessage(msg.Raw)
	if err != nil {
		return 0, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("append"); err != nil {
		return 0, err
	}
	b, err := s.box(path)
	if err != nil {
		return 0, err
	}

	date := parsed.Date
	if msg.Date != 0 {
		date = model.FromMillis(msg.Date)
	}
	return b.add(Message{
		Date:    date,
		Flags:   msg.Flags,
		Subject: parsed.Subject,
		From:    parsed.From,
		To:      parsed.To,
		Text:    parsed.TextBody,
	}), nil
}

// UnselectAndExpunge drops \Deleted messages and the selection.
func (c *Conn) UnselectAndExpunge(_ context.Context) error {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.selected == "" {
		return nil
	}
	if b, ok := s.boxes[c.selected]; ok {
		for uid, m := range b.msgs {
			if hasFlag(m.Flags, model.FlagDeleted) {
				delete(b.msgs, uid)
			}
		}
	}
	c.unselect()
	return nil
}

// Close ends the session.
func (c *Conn) Close() error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.unselect()
	c.closed = true
	return nil
}
