// Package creds resolves channel credentials, decrypting blobs sealed at
// rest and caching plaintext in process for a short TTL.
package creds

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"deskrelay/internal/adapter"
	"deskrelay/internal/repo"
)

const nonceSize = 24

type channelStore interface {
	GetChannel(ctx context.Context, id string) (*repo.Channel, error)
	UpdateChannelCredentials(ctx context.Context, id string, credentials []byte) error
}

// ParseKey decodes a hex-encoded 32-byte master key.
func ParseKey(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode credentials key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("credentials key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// Seal encrypts a credential blob with a random nonce prefix.
func Seal(plaintext []byte, key *[32]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Open decrypts a blob produced by Seal.
func Open(sealed []byte, key *[32]byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed blob too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("open sealed blob: authentication failed")
	}
	return plaintext, nil
}

type cacheEntry struct {
	creds     adapter.Credentials
	expiresAt time.Time
}

// Resolver loads channel credentials from storage. When a master key is
// configured, stored blobs are sealed and decrypted on read. Plaintext is
// cached in process so webhook bursts do not hammer the database.
type Resolver struct {
	store  channelStore
	key    *[32]byte
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewResolver builds a Resolver. key may be nil, in which case blobs are
// stored and read as plaintext.
func NewResolver(store channelStore, key *[32]byte, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &Resolver{
		store:  store,
		key:    key,
		ttl:    ttl,
		logger: logger.With("component", "creds"),
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve returns the plaintext credentials of a channel.
func (r *Resolver) Resolve(ctx context.Context, channelID string) (adapter.Credentials, error) {
	r.mu.Lock()
	entry, ok := r.cache[channelID]
	r.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.creds, nil
	}

	channel, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	blob := channel.Credentials
	if r.key != nil {
		blob, err = Open(blob, r.key)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", channelID, err)
		}
	}

	creds := adapter.Credentials(blob)
	r.mu.Lock()
	r.cache[channelID] = cacheEntry{creds: creds, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return creds, nil
}

// Rotate replaces a channel's credentials and drops the cached copy.
func (r *Resolver) Rotate(ctx context.Context, channelID string, plaintext []byte) error {
	blob := plaintext
	if r.key != nil {
		sealed, err := Seal(plaintext, r.key)
		if err != nil {
			return err
		}
		blob = sealed
	}
	if err := r.store.UpdateChannelCredentials(ctx, channelID, blob); err != nil {
		return err
	}
	r.Invalidate(channelID)
	r.logger.Info("credentials rotated", "channel_id", channelID)
	return nil
}

// Invalidate drops the cached plaintext for a channel.
func (r *Resolver) Invalidate(channelID string) {
	r.mu.Lock()
	delete(r.cache, channelID)
	r.mu.Unlock()
}
