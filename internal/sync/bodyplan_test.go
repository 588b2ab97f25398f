package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/protocol"
)

func leaf(path, typ, sub string) *protocol.Part {
	return &protocol.Part{Path: path, Type: typ, Subtype: sub, Encoding: "7bit", Params: map[string]string{"charset": "utf-8"}}
}

func TestPlanPartsPrefersPlainAlternative(t *testing.T) {
	root := &protocol.Part{
		Type: "multipart", Subtype: "signed",
		Children: []*protocol.Part{
			{
				Path: "1", Type: "multipart", Subtype: "mixed",
				Children: []*protocol.Part{
					{
						Path: "1.1", Type: "multipart", Subtype: "alternative",
						Children: []*protocol.Part{
							leaf("1.1.1", "text", "plain"),
							leaf("1.1.2", "text", "html"),
						},
					},
					{
						Path: "1.2", Type: "application", Subtype: "zip", Encoding: "base64", Size: 780,
						DispositionParams: map[string]string{"filename": "logs.zip"},
					},
					leaf("1.3", "image", "png"),
				},
			},
			leaf("2", "application", "pgp-signature"),
		},
	}

	plan := planParts(root)
	assert.Equal(t, []string{"1.1.1"}, plan.bodyPaths())
	require.Len(t, plan.attachments, 1)
	assert.Equal(t, model.AttachmentMeta{
		Name:         "logs.zip",
		Type:         "application/zip",
		Part:         "1.2",
		Encoding:     "base64",
		SizeEstimate: 570,
	}, plan.attachments[0])
}

func TestPlanPartsFallsBackToHTML(t *testing.T) {
	root := &protocol.Part{
		Type: "multipart", Subtype: "alternative",
		Children: []*protocol.Part{
			leaf("1", "text", "html"),
			leaf("2", "text", "enriched"),
		},
	}
	plan := planParts(root)
	assert.Equal(t, []string{"1"}, plan.bodyPaths())
}

func TestPlanPartsNamedTextIsAnAttachment(t *testing.T) {
	p := leaf("1", "text", "plain")
	p.Params["name"] = "notes.txt"
	plan := planParts(p)
	assert.Empty(t, plan.body)
	require.Len(t, plan.attachments, 1)
	assert.Equal(t, "notes.txt", plan.attachments[0].Name)
}

func TestDecodePartCharsetAndEncoding(t *testing.T) {
	p := &protocol.Part{
		Path: "1", Type: "text", Subtype: "plain", Encoding: "base64",
		Params: map[string]string{"charset": "iso-8859-1"},
	}
	text, err := decodePart(p, []byte("Y2Fm6Q=="))
	require.NoError(t, err)
	assert.Equal(t, "café", text)
}

func TestDecodePartHTML(t *testing.T) {
	p := &protocol.Part{
		Path: "2", Type: "text", Subtype: "html", Encoding: "quoted-printable",
		Params: map[string]string{"charset": "utf-8"},
	}
	raw := "<html><head><style>p { color: red }</style></head>" +
		"<body><p>Hello=20<b>world</b></p><script>x()</script></body></html>"
	text, err := decodePart(p, []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
}
