package creds

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"deskrelay/internal/repo"
)

type fakeChannelStore struct {
	channels map[string]*repo.Channel
	reads    int
	updates  int
}

func (s *fakeChannelStore) GetChannel(ctx context.Context, id string) (*repo.Channel, error) {
	s.reads++
	c, ok := s.channels[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return c, nil
}

func (s *fakeChannelStore) UpdateChannelCredentials(ctx context.Context, id string, credentials []byte) error {
	c, ok := s.channels[id]
	if !ok {
		return repo.ErrNotFound
	}
	c.Credentials = credentials
	s.updates++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testKey(t *testing.T) *[32]byte {
	t.Helper()
	key, err := ParseKey(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return key
}

func TestParseKeyRejectsBadInput(t *testing.T) {
	if _, err := ParseKey("not-hex"); err == nil {
		t.Fatal("expected error for non-hex input")
	}
	if _, err := ParseKey("abcd"); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := ParseKey(strings.Repeat("ab", 32)); err != nil {
		t.Fatalf("expected 64 hex chars to parse, got %v", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte(`{"access_token":"tok-123"}`)

	sealed, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("tok-123")) {
		t.Fatal("sealed blob must not contain plaintext")
	}

	opened, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestOpenRejectsTamperedBlob(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal([]byte("secret"), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := Open(sealed, key); err == nil {
		t.Fatal("expected authentication failure on tampered blob")
	}
	if _, err := Open([]byte("short"), key); err == nil {
		t.Fatal("expected error for truncated blob")
	}
}

func TestResolveDecryptsAndCaches(t *testing.T) {
	key := testKey(t)
	plaintext := []byte(`{"access_token":"tok-abc"}`)
	sealed, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	store := &fakeChannelStore{channels: map[string]*repo.Channel{
		"ch-1": {ID: "ch-1", Credentials: sealed},
	}}
	r := NewResolver(store, key, time.Minute, testLogger())

	for i := 0; i < 3; i++ {
		got, err := r.Resolve(context.Background(), "ch-1")
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("resolve %d: got %q", i, got)
		}
	}
	if store.reads != 1 {
		t.Fatalf("expected one store read with warm cache, got %d", store.reads)
	}
}

func TestResolvePlaintextWithoutKey(t *testing.T) {
	store := &fakeChannelStore{channels: map[string]*repo.Channel{
		"ch-1": {ID: "ch-1", Credentials: []byte(`{"access_token":"plain"}`)},
	}}
	r := NewResolver(store, nil, time.Minute, testLogger())

	got, err := r.Resolve(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(got) != `{"access_token":"plain"}` {
		t.Fatalf("unexpected credentials %q", got)
	}
}

func TestResolveMissingChannel(t *testing.T) {
	r := NewResolver(&fakeChannelStore{channels: map[string]*repo.Channel{}}, nil, time.Minute, testLogger())
	if _, err := r.Resolve(context.Background(), "ch-missing"); err == nil {
		t.Fatal("expected error for missing channel")
	}
}

func TestRotateSealsAndInvalidates(t *testing.T) {
	key := testKey(t)
	original, err := Seal([]byte(`{"access_token":"old"}`), key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	store := &fakeChannelStore{channels: map[string]*repo.Channel{
		"ch-1": {ID: "ch-1", Credentials: original},
	}}
	r := NewResolver(store, key, time.Minute, testLogger())

	if _, err := r.Resolve(context.Background(), "ch-1"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	next := []byte(`{"access_token":"new"}`)
	if err := r.Rotate(context.Background(), "ch-1", next); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if store.updates != 1 {
		t.Fatalf("expected one credential update, got %d", store.updates)
	}
	if bytes.Contains(store.channels["ch-1"].Credentials, []byte("new")) {
		t.Fatal("rotated credentials must be sealed at rest")
	}

	got, err := r.Resolve(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("resolve after rotate: %v", err)
	}
	if !bytes.Equal(got, next) {
		t.Fatalf("expected rotated credentials, got %q", got)
	}
}
