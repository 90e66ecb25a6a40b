package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Mock is the reference adapter used by tests and local development. It
// requires no credentials, verifies every webhook, and serves
// deterministic fixtures, but honors the exact contract of the real
// adapters so callers can swap it in blindly.
type Mock struct {
	mu       sync.Mutex
	seq      atomic.Int64
	sent     []OutboundMessage
	SendErr  *Error // when set, SendMessage fails with this error
	Threads  []ThreadSummary
}

// NewMock creates a mock adapter with two fixture threads.
func NewMock() *Mock {
	return &Mock{
		Threads: []ThreadSummary{
			{ExternalID: "mock-thread-1", ParticipantHandle: "mock-user-1", UpdatedAt: time.Unix(1700000000, 0).UTC()},
			{ExternalID: "mock-thread-2", ParticipantHandle: "mock-user-2", UpdatedAt: time.Unix(1700000600, 0).UTC()},
		},
	}
}

// Platform identifies this adapter.
func (m *Mock) Platform() Platform { return PlatformMock }

// ValidateCredentials always succeeds; the mock needs no credentials.
func (m *Mock) ValidateCredentials(ctx context.Context, creds Credentials) Validation {
	return Validation{Valid: true}
}

// SendMessage records the message and returns a deterministic external id.
func (m *Mock) SendMessage(ctx context.Context, channelID string, msg OutboundMessage, creds Credentials) (*SendResult, error) {
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	if msg.ThreadExternalID == "" {
		return nil, NewError(ErrorValidation, "mock: thread external id is required")
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return &SendResult{ExternalID: fmt.Sprintf("mock-msg-%d", m.seq.Add(1))}, nil
}

// Sent returns a copy of every message sent through the mock.
func (m *Mock) Sent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// ListThreads returns the fixture threads.
func (m *Mock) ListThreads(ctx context.Context, channelID string, creds Credentials) ([]ThreadSummary, error) {
	out := make([]ThreadSummary, len(m.Threads))
	copy(out, m.Threads)
	return out, nil
}

// VerifyWebhook accepts every payload.
func (m *Mock) VerifyWebhook(payload []byte, signatureHeader, secret string) bool {
	return true
}

// SubscribeWebhooks is a no-op.
func (m *Mock) SubscribeWebhooks(ctx context.Context, channelID, callbackURL string, creds Credentials) error {
	return nil
}

type mockWebhookPayload struct {
	Object    string `json:"object"`
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Name      string `json:"name"`
	Thread    string `json:"thread"`
	Body      string `json:"body"`
	SentAt    int64  `json:"sent_at"`
}

// IngestWebhook accepts a flat fixture envelope with object "mock".
func (m *Mock) IngestWebhook(payload []byte, channelID string) (*InboundMessage, error) {
	var env mockWebhookPayload
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, NewError(ErrorValidation, fmt.Sprintf("mock: malformed webhook payload: %v", err))
	}
	if env.Object != "mock" || env.MessageID == "" {
		return nil, nil
	}
	sentAt := time.Now().UTC()
	if env.SentAt > 0 {
		sentAt = time.Unix(env.SentAt, 0).UTC()
	}
	return &InboundMessage{
		ExternalID:       env.MessageID,
		SenderHandle:     env.Sender,
		SenderName:       env.Name,
		ThreadExternalID: env.Thread,
		Body:             env.Body,
		SentAt:           sentAt,
	}, nil
}
