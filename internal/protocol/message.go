package protocol

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
)

// ParsedMessage is a raw RFC 5322 message broken into what local storage
// keeps.
type ParsedMessage struct {
	MessageID string
	Subject   string
	Date      time.Time
	From      model.Address
	To        []model.Address
	CC        []model.Address
	BCC       []model.Address
	ReplyTo   []model.Address

	TextBody    string
	HTMLBody    string
	Attachments []model.AttachmentMeta
}

func mailAddresses(h mail.Header, key string) []model.Address {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]model.Address, len(list))
	for i, a := range list {
		out[i] = model.Address{Name: a.Name, Address: a.Address}
	}
	return out
}

// ParseMessage parses a raw message with go-message, extracting the
// text/plain body, text/html body and attachment metadata. Input that is
// not MIME at all is returned as a plain text body.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return &ParsedMessage{TextBody: string(raw)}, nil
	}
	defer mr.Close()

	h := mr.Header
	msg := &ParsedMessage{
		To:      mailAddresses(h, "To"),
		CC:      mailAddresses(h, "Cc"),
		BCC:     mailAddresses(h, "Bcc"),
		ReplyTo: mailAddresses(h, "Reply-To"),
	}
	msg.Subject, _ = h.Subject()
	msg.MessageID, _ = h.MessageID()
	msg.Date, _ = h.Date()
	if from := mailAddresses(h, "From"); len(from) > 0 {
		msg.From = from[0]
	}

	partNum := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return msg, fmt.Errorf("reading part: %w", err)
		}
		partNum++

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && msg.TextBody == "":
				msg.TextBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && msg.HTMLBody == "":
				msg.HTMLBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()

			// Read to get size without storing content
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			msg.Attachments = append(msg.Attachments, model.AttachmentMeta{
				Name:         filename,
				Type:         contentType,
				Part:         fmt.Sprint(partNum),
				SizeEstimate: int64(len(body)),
			})
		}
	}

	return msg, nil
}

// Snippet returns the first n runes of text with whitespace collapsed.
func Snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > n {
		return string(runes[:n])
	}
	return text
}
