package adapter

import (
	"context"
	"strings"
	"testing"
	"time"
)

func validMetaCreds() Credentials {
	return Credentials(`{"page_id":"111222","access_token":"tok"}`)
}

func TestMetaSendRejectsOverlongBody(t *testing.T) {
	for _, ad := range []*Meta{
		NewInstagram(HTTPConfig{}, testLogger()),
		NewFacebook(HTTPConfig{}, testLogger()),
	} {
		msg := OutboundMessage{
			ThreadExternalID: "90001",
			Body:             strings.Repeat("b", metaMaxBodyLen+1),
		}
		_, err := ad.SendMessage(context.Background(), "ch-1", msg, validMetaCreds())
		ae := AsError(err)
		if ae.Type != ErrorMessageTooLong {
			t.Fatalf("%s: expected MESSAGE_TOO_LONG, got %s", ad.Platform(), ae.Type)
		}
	}
}

func TestMetaSendMissingCredentialFields(t *testing.T) {
	ig := NewInstagram(HTTPConfig{}, testLogger())
	msg := OutboundMessage{ThreadExternalID: "90001", Body: "hi"}

	_, err := ig.SendMessage(context.Background(), "ch-1", msg, Credentials(`{}`))
	ae := AsError(err)
	if ae.Type != ErrorValidation {
		t.Fatalf("expected VALIDATION, got %s", ae.Type)
	}
	missing, _ := ae.Details["missing_fields"].([]string)
	if len(missing) != 2 {
		t.Fatalf("expected page_id and access_token missing, got %v", missing)
	}
}

const metaInboundFixture = `{
  "object": "instagram",
  "entry": [{
    "id": "PAGE_ID",
    "time": 1700000000000,
    "messaging": [{
      "sender": {"id": "USER_9"},
      "recipient": {"id": "PAGE_ID"},
      "timestamp": 1700000000500,
      "message": {"mid": "m_abc123", "text": "is this still available?"}
    }]
  }]
}`

func TestMetaIngestNormalizesMessage(t *testing.T) {
	ig := NewInstagram(HTTPConfig{}, testLogger())

	msg, err := ig.IngestWebhook([]byte(metaInboundFixture), "ch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.ExternalID != "m_abc123" {
		t.Fatalf("unexpected external id %q", msg.ExternalID)
	}
	if msg.SenderHandle != "USER_9" || msg.ThreadExternalID != "USER_9" {
		t.Fatalf("unexpected sender/thread: %q %q", msg.SenderHandle, msg.ThreadExternalID)
	}
	want := time.UnixMilli(1700000000500).UTC()
	if !msg.SentAt.Equal(want) {
		t.Fatalf("expected sent_at %v, got %v", want, msg.SentAt)
	}
}

func TestMetaIngestObjectDiscriminator(t *testing.T) {
	ig := NewInstagram(HTTPConfig{}, testLogger())
	fb := NewFacebook(HTTPConfig{}, testLogger())

	// Instagram adapter must skip page payloads and vice versa.
	pagePayload := strings.Replace(metaInboundFixture, `"object": "instagram"`, `"object": "page"`, 1)

	if msg, err := ig.IngestWebhook([]byte(pagePayload), "ch-1"); err != nil || msg != nil {
		t.Fatalf("instagram adapter should skip page payload, got %v %v", msg, err)
	}
	if msg, err := fb.IngestWebhook([]byte(metaInboundFixture), "ch-1"); err != nil || msg != nil {
		t.Fatalf("facebook adapter should skip instagram payload, got %v %v", msg, err)
	}
	if msg, err := fb.IngestWebhook([]byte(pagePayload), "ch-1"); err != nil || msg == nil {
		t.Fatalf("facebook adapter should accept page payload, got %v %v", msg, err)
	}
}

func TestMetaIngestSkipsEchoes(t *testing.T) {
	ig := NewInstagram(HTTPConfig{}, testLogger())
	payload := `{
  "object": "instagram",
  "entry": [{"messaging": [{
    "sender": {"id": "PAGE_ID"},
    "message": {"mid": "m_echo", "text": "our reply", "is_echo": true}
  }]}]
}`

	msg, err := ig.IngestWebhook([]byte(payload), "ch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Fatal("expected echo to be skipped")
	}
}

func TestMetaIngestAttachmentURLs(t *testing.T) {
	fb := NewFacebook(HTTPConfig{}, testLogger())
	payload := `{
  "object": "page",
  "entry": [{"messaging": [{
    "sender": {"id": "USER_1"},
    "timestamp": 1700000001000,
    "message": {
      "mid": "m_att",
      "attachments": [{"type": "image", "payload": {"url": "https://cdn.example.com/img.jpg"}}]
    }
  }]}]
}`

	msg, err := fb.IngestWebhook([]byte(payload), "ch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == nil || len(msg.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %+v", msg)
	}
	att := msg.Attachments[0]
	if att.URL != "https://cdn.example.com/img.jpg" || att.MimeType != "image/jpeg" {
		t.Fatalf("unexpected attachment %+v", att)
	}
	if att.MediaID != "" {
		t.Fatal("meta attachments carry URLs, not media ids")
	}
}
