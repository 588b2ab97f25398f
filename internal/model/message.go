package model

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// UID identifies a message. Header IDs are issued per folder and grow with
// arrival order; server UIDs come from the remote mailbox.
type UID uint32

// Well-known flags the engine interprets.
const (
	FlagSeen    = `\Seen`
	FlagDeleted = `\Deleted`
	FlagFlagged = `\Flagged`
)

// MillisPerDay is the length of a day in timestamp units.
const MillisPerDay int64 = 24 * 60 * 60 * 1000

// Millis converts t to a storage timestamp.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a storage timestamp back to a time in UTC.
func FromMillis(ts int64) time.Time {
	return time.UnixMilli(ts).UTC()
}

// MakeSUID builds the account-unique identifier for a header.
func MakeSUID(folderID string, id UID) string {
	return folderID + "/" + strconv.FormatUint(uint64(id), 10)
}

// ParseSUID splits an SUID into its folder id and header id.
func ParseSUID(suid string) (folderID string, id UID, ok bool) {
	i := strings.LastIndexByte(suid, '/')
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(suid[i+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return suid[:i], UID(n), true
}

// HeaderInfo is the summary of a message shown in lists.
type HeaderInfo struct {
	ID             UID      `json:"id"`
	SrvID          UID      `json:"srvid,omitempty"`
	SUID           string   `json:"suid"`
	Author         Address  `json:"author"`
	Date           int64    `json:"date"`
	Flags          []string `json:"flags"`
	HasAttachments bool     `json:"hasAttachments"`
	Subject        string   `json:"subject"`
	Snippet        string   `json:"snippet"`
}

// Address is a display name and email pair.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// HasFlag reports whether the header carries flag.
func (h *HeaderInfo) HasFlag(flag string) bool {
	i := sort.SearchStrings(h.Flags, flag)
	return i < len(h.Flags) && h.Flags[i] == flag
}

// AddFlag inserts flag keeping the set sorted. It returns false if the flag
// was already present.
func (h *HeaderInfo) AddFlag(flag string) bool {
	i := sort.SearchStrings(h.Flags, flag)
	if i < len(h.Flags) && h.Flags[i] == flag {
		return false
	}
	h.Flags = append(h.Flags, "")
	copy(h.Flags[i+1:], h.Flags[i:])
	h.Flags[i] = flag
	return true
}

// RemoveFlag deletes flag. It returns false if the flag was absent.
func (h *HeaderInfo) RemoveFlag(flag string) bool {
	i := sort.SearchStrings(h.Flags, flag)
	if i >= len(h.Flags) || h.Flags[i] != flag {
		return false
	}
	h.Flags = append(h.Flags[:i], h.Flags[i+1:]...)
	return true
}

// Clone returns a deep copy so views never alias storage.
func (h HeaderInfo) Clone() HeaderInfo {
	h.Flags = append([]string(nil), h.Flags...)
	return h
}

// NormalizeFlags sorts and de-duplicates a flag list.
func NormalizeFlags(flags []string) []string {
	out := append([]string(nil), flags...)
	sort.Strings(out)
	j := 0
	for i, f := range out {
		if i > 0 && f == out[j-1] {
			continue
		}
		out[j] = f
		j++
	}
	return out[:j]
}

// EqualFlags reports whether two sorted flag sets match.
func EqualFlags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AttachmentMeta describes an attachment without its content.
type AttachmentMeta struct {
	Name         string `json:"name"`
	ContentID    string `json:"contentId,omitempty"`
	Type         string `json:"type"`
	Part         string `json:"part"`
	Encoding     string `json:"encoding,omitempty"`
	SizeEstimate int64  `json:"sizeEstimate"`
}

// BodyInfo holds the recipients and decoded text of a message.
type BodyInfo struct {
	ID          UID              `json:"id"`
	Date        int64            `json:"date"`
	Size        int64            `json:"size"`
	To          []Address        `json:"to,omitempty"`
	CC          []Address        `json:"cc,omitempty"`
	BCC         []Address        `json:"bcc,omitempty"`
	ReplyTo     []Address        `json:"replyTo,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	BodyText    string           `json:"bodyText"`
}

// Clone returns a copy that shares no slices with b.
func (b BodyInfo) Clone() BodyInfo {
	b.To = append([]Address(nil), b.To...)
	b.CC = append([]Address(nil), b.CC...)
	b.BCC = append([]Address(nil), b.BCC...)
	b.ReplyTo = append([]Address(nil), b.ReplyTo...)
	b.Attachments = append([]AttachmentMeta(nil), b.Attachments...)
	return b
}

// MessageRef points at a stored message for mutation operations.
type MessageRef struct {
	SUID string `json:"suid"`
	Date int64  `json:"date"`
}
