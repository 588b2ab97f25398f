package sync

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"golang.org/x/net/html"

	"github.com/nhle/mailsync/internal/protocol"
)

const maxPartBytes = 4 << 20

// decodePart undoes a part's transfer encoding and charset and returns
// its text. HTML parts are reduced to their visible text.
func decodePart(p *protocol.Part, raw []byte) (string, error) {
	var h message.Header
	params := make(map[string]string, len(p.Params))
	for k, v := range p.Params {
		params[k] = v
	}
	h.Set("Content-Type", mime.FormatMediaType(strings.ToLower(p.Type+"/"+p.Subtype), params))
	if p.Encoding != "" {
		h.Set("Content-Transfer-Encoding", p.Encoding)
	}

	ent, err := message.New(h, bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", fmt.Errorf("reading part %s: %w", p.Path, err)
	}

	body, readErr := io.ReadAll(io.LimitReader(ent.Body, maxPartBytes))
	if readErr != nil {
		return "", fmt.Errorf("decoding part %s: %w", p.Path, readErr)
	}

	text := string(body)
	if strings.EqualFold(p.Subtype, "html") {
		text = htmlToText(text)
	}
	return text, err
}

func htmlToText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isHidden(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHidden(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if t := strings.TrimSpace(string(z.Text())); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
	}
}

func isHidden(tag []byte) bool {
	s := string(tag)
	return s == "script" || s == "style" || s == "head"
}
