// Package media maps platform media identifiers to fetchable URLs.
// WhatsApp webhooks reference attachments by an opaque media id whose
// download URL expires; resolved URLs are cached for a short TTL.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"deskrelay/internal/adapter"
	"deskrelay/internal/cache"
)

// Mapper resolves media ids against the Graph API.
type Mapper struct {
	client  *http.Client
	cache   *cache.Redis
	baseURL string
	ttl     time.Duration
	logger  *slog.Logger
}

// New builds a Mapper. redis may be nil, disabling caching.
func New(baseURL string, timeout, ttl time.Duration, redis *cache.Redis, logger *slog.Logger) *Mapper {
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v21.0"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &Mapper{
		client:  &http.Client{Timeout: timeout},
		cache:   redis,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		logger:  logger.With("component", "media"),
	}
}

type mediaResponse struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// ResolveURL returns a fetchable URL for an attachment. Attachments that
// already carry a URL pass through unchanged; only WhatsApp media ids
// need a Graph API lookup.
func (m *Mapper) ResolveURL(ctx context.Context, platform adapter.Platform, att adapter.Attachment, accessToken string) (string, error) {
	if att.URL != "" || att.MediaID == "" {
		return att.URL, nil
	}
	if platform != adapter.PlatformWhatsApp {
		return "", nil
	}

	key := fmt.Sprintf("media:url:%s:%s", platform, att.MediaID)
	if m.cache != nil {
		var cached string
		if found, err := m.cache.GetJSON(ctx, key, &cached); err == nil && found {
			return cached, nil
		}
	}

	url, err := m.lookup(ctx, att.MediaID, accessToken)
	if err != nil {
		return "", err
	}

	if m.cache != nil {
		if err := m.cache.SetJSON(ctx, key, url, m.ttl); err != nil {
			m.logger.Warn("cache media url", "error", err)
		}
	}
	return url, nil
}

func (m *Mapper) lookup(ctx context.Context, mediaID, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/"+mediaID, nil)
	if err != nil {
		return "", fmt.Errorf("build media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", adapter.AnalyzeAPIError(err, adapter.PlatformWhatsApp, "resolveMedia")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read media response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", adapter.AnalyzeMetaError(body, resp.StatusCode, adapter.PlatformWhatsApp, "resolveMedia")
	}

	var mr mediaResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return "", fmt.Errorf("decode media response: %w", err)
	}
	if mr.URL == "" {
		return "", fmt.Errorf("media %s: empty url in response", mediaID)
	}
	return mr.URL, nil
}
