package adapter

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestWhatsApp(t *testing.T) *WhatsApp {
	t.Helper()
	return NewWhatsApp(HTTPConfig{}, testLogger())
}

func validWACreds() Credentials {
	return Credentials(`{"phone_id":"123456","access_token":"tok","business_account_id":"789"}`)
}

func TestWhatsAppSendRejectsOverlongBody(t *testing.T) {
	wa := newTestWhatsApp(t)
	msg := OutboundMessage{
		ThreadExternalID: "628123456789",
		Body:             strings.Repeat("a", whatsAppMaxBodyLen+1),
	}

	_, err := wa.SendMessage(context.Background(), "ch-1", msg, validWACreds())
	if err == nil {
		t.Fatal("expected error")
	}
	ae := AsError(err)
	if ae.Type != ErrorMessageTooLong {
		t.Fatalf("expected MESSAGE_TOO_LONG, got %s", ae.Type)
	}
	if ae.Retryable {
		t.Fatal("overlong body must not be retryable")
	}
}

func TestWhatsAppSendBodyAtLimitPassesLengthCheck(t *testing.T) {
	wa := newTestWhatsApp(t)
	msg := OutboundMessage{
		ThreadExternalID: "628123456789",
		Body:             strings.Repeat("a", whatsAppMaxBodyLen),
	}

	// Credentials are structurally invalid so the call fails before any
	// network I/O, proving the length check did not reject it.
	_, err := wa.SendMessage(context.Background(), "ch-1", msg, Credentials(`{}`))
	ae := AsError(err)
	if ae.Type != ErrorValidation {
		t.Fatalf("expected VALIDATION from missing creds, got %s", ae.Type)
	}
}

func TestWhatsAppSendMissingCredentialFields(t *testing.T) {
	wa := newTestWhatsApp(t)
	msg := OutboundMessage{ThreadExternalID: "628123456789", Body: "hi"}

	_, err := wa.SendMessage(context.Background(), "ch-1", msg, Credentials(`{"phone_id":"123"}`))
	ae := AsError(err)
	if ae.Type != ErrorValidation {
		t.Fatalf("expected VALIDATION, got %s", ae.Type)
	}
	missing, ok := ae.Details["missing_fields"].([]string)
	if !ok || len(missing) != 1 || missing[0] != "access_token" {
		t.Fatalf("expected missing access_token, got %v", ae.Details)
	}
}

func TestWhatsAppValidateCredentialsStructuralFirst(t *testing.T) {
	wa := newTestWhatsApp(t)

	v := wa.ValidateCredentials(context.Background(), Credentials(`{"access_token":"tok"}`))
	if v.Valid {
		t.Fatal("expected invalid")
	}
	if v.Err.Type != ErrorValidation {
		t.Fatalf("expected VALIDATION before any network call, got %s", v.Err.Type)
	}
}

func TestWhatsAppListThreadsIsEmptySuccess(t *testing.T) {
	wa := newTestWhatsApp(t)
	threads, err := wa.ListThreads(context.Background(), "ch-1", validWACreds())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if threads == nil || len(threads) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", threads)
	}
}

const waInboundFixture = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA_ID",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "123456"},
        "contacts": [{"wa_id": "628123456789", "profile": {"name": "Budi"}}],
        "messages": [{
          "from": "628123456789",
          "id": "wamid.HBgLNjI4MTIzNDU2Nzg5FQIAEhgg",
          "timestamp": "1700000000",
          "type": "text",
          "text": {"body": "halo, pesanan saya mana?"}
        }]
      }
    }]
  }]
}`

func TestWhatsAppIngestNormalizesMessage(t *testing.T) {
	wa := newTestWhatsApp(t)

	msg, err := wa.IngestWebhook([]byte(waInboundFixture), "ch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.ExternalID != "wamid.HBgLNjI4MTIzNDU2Nzg5FQIAEhgg" {
		t.Fatalf("unexpected external id %q", msg.ExternalID)
	}
	if msg.SenderHandle != "628123456789" || msg.ThreadExternalID != "628123456789" {
		t.Fatalf("unexpected sender/thread: %q %q", msg.SenderHandle, msg.ThreadExternalID)
	}
	if msg.SenderName != "Budi" {
		t.Fatalf("expected contact name matched by wa_id, got %q", msg.SenderName)
	}
	if msg.Body != "halo, pesanan saya mana?" {
		t.Fatalf("unexpected body %q", msg.Body)
	}
	want := time.Unix(1700000000, 0).UTC()
	if !msg.SentAt.Equal(want) {
		t.Fatalf("expected sent_at %v, got %v", want, msg.SentAt)
	}
}

func TestWhatsAppIngestMediaCarriesMediaID(t *testing.T) {
	wa := newTestWhatsApp(t)
	payload := `{
  "object": "whatsapp_business_account",
  "entry": [{"changes": [{"field": "messages", "value": {
    "messages": [{
      "from": "628123456789",
      "id": "wamid.media1",
      "timestamp": "1700000001",
      "type": "image",
      "image": {"id": "MEDIA_ID_1", "mime_type": "image/jpeg", "caption": "bukti transfer"}
    }]
  }}]}]
}`

	msg, err := wa.IngestWebhook([]byte(payload), "ch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %d", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.MediaID != "MEDIA_ID_1" || att.MimeType != "image/jpeg" || att.URL != "" {
		t.Fatalf("unexpected attachment %+v", att)
	}
	if msg.Body != "bukti transfer" {
		t.Fatalf("expected caption as body, got %q", msg.Body)
	}
}

func TestWhatsAppIngestWrongObjectIsSkip(t *testing.T) {
	wa := newTestWhatsApp(t)
	msg, err := wa.IngestWebhook([]byte(`{"object":"page","entry":[]}`), "ch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Fatal("expected nil for non-whatsapp payload")
	}
}

func TestWhatsAppIngestStatusOnlyIsSkip(t *testing.T) {
	wa := newTestWhatsApp(t)
	payload := `{
  "object": "whatsapp_business_account",
  "entry": [{"changes": [{"field": "messages", "value": {
    "statuses": [{"id": "wamid.out1", "status": "delivered", "timestamp": "1700000100"}]
  }}]}]
}`

	msg, err := wa.IngestWebhook([]byte(payload), "ch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Fatal("expected nil for status-only payload")
	}

	statuses := wa.ParseStatuses([]byte(payload))
	if len(statuses) != 1 {
		t.Fatalf("expected one status, got %d", len(statuses))
	}
	if statuses[0].ExternalID != "wamid.out1" || statuses[0].Status != "delivered" {
		t.Fatalf("unexpected status %+v", statuses[0])
	}
}

func TestWhatsAppIngestMalformedPayload(t *testing.T) {
	wa := newTestWhatsApp(t)
	_, err := wa.IngestWebhook([]byte(`{"object":`), "ch-1")
	if err == nil {
		t.Fatal("expected error for malformed json")
	}
	if AsError(err).Type != ErrorValidation {
		t.Fatalf("expected VALIDATION, got %s", AsError(err).Type)
	}
}
