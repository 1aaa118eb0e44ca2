package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ticketflow-io/ticketflow/internal/mail"
)

type fakeExecer struct {
	sqls []string
	args [][]interface{}
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.sqls = append(f.sqls, sql)
	f.args = append(f.args, args)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func TestHandleSendEmailRecordsFailure(t *testing.T) {
	db := &fakeExecer{}
	// empty From fails validation before any SMTP traffic
	mc := mail.Config{Host: "localhost", Port: "25", MailDomain: "example.com"}
	data, _ := json.Marshal(mail.EmailJob{
		To:          "alice@client.com",
		Template:    "ticket_update",
		TicketID:    "T-2024-001",
		DBMessageID: "msg-1",
		Data:        map[string]string{"TicketID": "T-2024-001"},
	})

	if err := handleSendEmail(context.Background(), db, mc, data); err == nil {
		t.Fatal("expected a send error")
	}
	if len(db.sqls) != 1 || !strings.Contains(db.sqls[0], "status='failed'") {
		t.Fatalf("failure must be recorded, got %v", db.sqls)
	}
	if db.args[0][0] != "msg-1" {
		t.Errorf("args: %v", db.args[0])
	}
}

func TestHandleSendEmailBadPayload(t *testing.T) {
	db := &fakeExecer{}
	if err := handleSendEmail(context.Background(), db, mail.Config{}, json.RawMessage(`{`)); err == nil {
		t.Fatal("expected a decode error")
	}
	if len(db.sqls) != 0 {
		t.Error("no db writes for an undecodable job")
	}
}

func TestJobEnvelopeDecoding(t *testing.T) {
	raw := `{"type":"send_email","data":{"to":"alice@client.com","template":"ticket_created","ticket_id":"T-2024-001","db_message_id":"msg-9"}}`
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		t.Fatal(err)
	}
	if job.Type != "send_email" {
		t.Fatalf("type = %q", job.Type)
	}
	var ej mail.EmailJob
	if err := json.Unmarshal(job.Data, &ej); err != nil {
		t.Fatal(err)
	}
	if ej.DBMessageID != "msg-9" || ej.Template != "ticket_created" {
		t.Fatalf("job: %+v", ej)
	}
}
