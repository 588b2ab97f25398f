package main

import (
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/protocol/fake"
)

var nowFunc = time.Now

func demoAccount() model.AccountConfig {
	return model.AccountConfig{
		ID:       "demo",
		Name:     "Demo",
		Host:     "demo.invalid",
		Port:     "993",
		Username: "demo",
		Enabled:  true,
		Folders: []model.FolderConfig{
			{Path: "INBOX", Type: model.FolderTypeInbox},
			{Path: "Archive", Type: model.FolderTypeNormal},
			{Path: "Sent", Type: model.FolderTypeSent},
			{Path: "Trash", Type: model.FolderTypeTrash},
		},
	}
}

var demoPeople = []model.Address{
	{Name: "Ada Park", Address: "ada@example.com"},
	{Name: "Build Bot", Address: "ci@example.com"},
	{Name: "Chen Wu", Address: "chen@example.com"},
	{Name: "Dana Ruiz", Address: "dana@example.com"},
}

var demoSubjects = []string{
	"Weekly sync notes",
	"Build failed on main",
	"Lunch on Thursday?",
	"Quarterly report draft",
	"Re: flaky integration test",
	"Invoice attached",
}

// newDemoServer fills a fake server with a few months of mail, densest
// in the last days so growth and bisection both have work to do.
func newDemoServer(now time.Time) *fake.Server {
	srv := fake.NewServer()
	srv.AddFolder("Archive")
	srv.AddFolder("Sent")
	srv.AddFolder("Trash")

	me := model.Address{Name: "Demo", Address: "demo@example.com"}
	for i := 0; i < 150; i++ {
		// Quadratic spacing: many recent messages, few old ones.
		age := time.Duration(i*i) * 10 * time.Minute
		m := fake.Message{
			Date:    now.Add(-age),
			Subject: demoSubjects[i%len(demoSubjects)],
			From:    demoPeople[i%len(demoPeople)],
			To:      []model.Address{me},
			Text:    fmt.Sprintf("Message %d of the demo mailbox.\n\nNothing to see here.", i+1),
		}
		if i > 5 {
			m.Flags = append(m.Flags, model.FlagSeen)
		}
		if i%17 == 3 {
			m.Flags = append(m.Flags, model.FlagFlagged)
		}
		if i%len(demoSubjects) == 5 {
			m.Attachments = []fake.Attachment{{
				Name: "invoice.pdf",
				Type: "application/pdf",
				Data: []byte("%PDF-1.4 demo"),
			}}
		}
		srv.Add("INBOX", m)
	}

	for i := 0; i < 10; i++ {
		srv.Add("Sent", fake.Message{
			Date:    now.Add(-time.Duration(i) * 36 * time.Hour),
			Subject: "Re: " + demoSubjects[i%len(demoSubjects)],
			From:    me,
			To:      []model.Address{demoPeople[i%len(demoPeople)]},
			Text:    "Thanks, will do.",
			Flags:   []string{model.FlagSeen},
		})
	}
	return srv
}
