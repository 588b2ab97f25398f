package sync

import (
	"strings"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/protocol"
)

// partPlan is what to download for a new message: the text parts that
// make up its body and the attachments to describe without downloading.
type partPlan struct {
	body        []*protocol.Part
	attachments []model.AttachmentMeta
}

func (p *partPlan) bodyPaths() []string {
	paths := make([]string, len(p.body))
	for i, part := range p.body {
		paths[i] = part.Path
	}
	return paths
}

func isSignature(p *protocol.Part) bool {
	switch strings.ToLower(p.MIMEType()) {
	case "application/pgp-signature", "application/pkcs7-signature", "application/x-pkcs7-signature":
		return true
	}
	return false
}

// estimateSize converts an encoded part size to its decoded size.
func estimateSize(p *protocol.Part) int64 {
	if strings.EqualFold(p.Encoding, "base64") {
		return p.Size * 57 / 78
	}
	return p.Size
}

// planParts walks a message structure. Alternatives contribute their
// plain text version when they have one; mixed, related and signed
// containers are walked in full.
func planParts(root *protocol.Part) partPlan {
	var plan partPlan
	if root != nil {
		plan.walk(root)
	}
	return plan
}

func (plan *partPlan) walk(p *protocol.Part) {
	typ, sub := strings.ToLower(p.Type), strings.ToLower(p.Subtype)

	if typ == "multipart" {
		if sub == "alternative" {
			if best := pickAlternative(p.Children); best != nil {
				plan.walk(best)
			}
			return
		}
		for _, c := range p.Children {
			plan.walk(c)
		}
		return
	}

	if isSignature(p) {
		return
	}

	filename := p.Filename()
	if filename != "" || (typ != "text" && typ != "image") {
		plan.attachments = append(plan.attachments, model.AttachmentMeta{
			Name:         filename,
			ContentID:    strings.Trim(p.ID, "<>"),
			Type:         typ + "/" + sub,
			Part:         p.Path,
			Encoding:     strings.ToLower(p.Encoding),
			SizeEstimate: estimateSize(p),
		})
		return
	}

	// Inline images without a name belong to an HTML body we do not
	// render.
	if typ == "image" {
		return
	}
	if sub == "plain" || sub == "html" {
		plan.body = append(plan.body, p)
	}
}

// pickAlternative prefers text/plain, then text/html, then whatever comes
// last, which by convention is the richest version.
func pickAlternative(children []*protocol.Part) *protocol.Part {
	var html *protocol.Part
	for _, c := range children {
		switch strings.ToLower(c.MIMEType()) {
		case "text/plain":
			return c
		case "text/html":
			if html == nil {
				html = c
			}
		}
	}
	if html != nil {
		return html
	}
	if len(children) > 0 {
		return children[len(children)-1]
	}
	return nil
}
