package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"deskrelay/internal/adapter"
	"deskrelay/internal/creds"
	"deskrelay/internal/metrics"
	"deskrelay/internal/outbox"
	"deskrelay/internal/repo"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups the webhook handlers to mount.
type Handlers struct {
	WhatsAppWebhook http.Handler
	MetaWebhook     http.Handler
	TikTokWebhook   http.Handler
}

// Enqueuer publishes outbound send jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job outbox.Job) error
}

// Dependencies exposes core dependencies to admin handlers.
type Dependencies struct {
	Store    repo.Store
	Registry *adapter.Registry
	Resolver *creds.Resolver
	Queue    Enqueuer

	// PublicBaseURL is the externally reachable prefix used to build
	// webhook callback URLs for platform subscriptions.
	PublicBaseURL string
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics,
// webhook, and admin endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, deps Dependencies, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		deps:     deps,
		basePath: normaliseBasePath(basePath),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", server.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /admin/channels/{id}/validate", server.handleValidateChannel)
	mux.HandleFunc("POST /admin/channels/{id}/credentials", server.handleRotateCredentials)
	mux.HandleFunc("POST /admin/messages", server.handleSendMessage)
	mux.HandleFunc("POST /admin/channels/{id}/subscribe", server.handleSubscribeChannel)
	mux.HandleFunc("GET /admin/channels/{id}/threads", server.handleListThreads)

	if handlers.WhatsAppWebhook != nil {
		mux.Handle("/webhooks/whatsapp", handlers.WhatsAppWebhook)
	}
	if handlers.MetaWebhook != nil {
		mux.Handle("/webhooks/meta", handlers.MetaWebhook)
	}
	if handlers.TikTokWebhook != nil {
		mux.Handle("/webhooks/tiktok", handlers.TikTokWebhook)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleValidateChannel runs the channel's credentials through adapter
// validation, structural checks first, then a cheap live API probe.
func (s *Server) handleValidateChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")

	channel, err := s.deps.Store.GetChannel(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		}
		s.logger.Error("load channel", "channel_id", channelID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	platform, ok := adapter.ParsePlatform(channel.Platform)
	if !ok {
		http.Error(w, "unknown platform", http.StatusConflict)
		return
	}
	ad, ok := s.deps.Registry.Lookup(platform)
	if !ok {
		http.Error(w, "unsupported platform", http.StatusConflict)
		return
	}

	credentials, err := s.deps.Resolver.Resolve(r.Context(), channelID)
	if err != nil {
		s.logger.Error("resolve credentials", "channel_id", channelID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	validation := ad.ValidateCredentials(r.Context(), credentials)
	if !validation.Valid {
		s.metrics.AdapterErrors.WithLabelValues(string(platform), string(validation.Err.Type)).Inc()
		writeJSON(w, map[string]any{
			"valid":   false,
			"type":    validation.Err.Type,
			"message": validation.Err.Message,
		})
		return
	}
	writeJSON(w, map[string]any{"valid": true})
}

// handleRotateCredentials replaces a channel's credential blob and drops
// the cached plaintext so the next send uses the new secret.
func (s *Server) handleRotateCredentials(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil || len(body) == 0 {
		http.Error(w, "missing credentials body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !json.Valid(body) {
		http.Error(w, "credentials must be a JSON object", http.StatusBadRequest)
		return
	}

	if err := s.deps.Resolver.Rotate(r.Context(), channelID, body); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		}
		s.logger.Error("rotate credentials", "channel_id", channelID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleListThreads fetches the platform's own view of recent
// conversations for a channel, used to reconcile against stored threads.
// Platforms without a conversation listing API return an empty list.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")

	channel, err := s.deps.Store.GetChannel(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		}
		s.logger.Error("load channel", "channel_id", channelID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	platform, ok := adapter.ParsePlatform(channel.Platform)
	if !ok {
		http.Error(w, "unknown platform", http.StatusConflict)
		return
	}
	ad, ok := s.deps.Registry.Lookup(platform)
	if !ok {
		http.Error(w, "unsupported platform", http.StatusConflict)
		return
	}

	credentials, err := s.deps.Resolver.Resolve(r.Context(), channelID)
	if err != nil {
		s.logger.Error("resolve credentials", "channel_id", channelID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	threads, err := ad.ListThreads(r.Context(), channelID, credentials)
	if err != nil {
		ae := adapter.AsError(err)
		s.metrics.AdapterErrors.WithLabelValues(string(platform), string(ae.Type)).Inc()
		s.logger.Error("list threads", "channel_id", channelID, "error", ae)
		writeJSON(w, map[string]any{
			"error":   ae.Message,
			"type":    ae.Type,
			"threads": []adapter.ThreadSummary{},
		})
		return
	}
	if threads == nil {
		threads = []adapter.ThreadSummary{}
	}
	writeJSON(w, map[string]any{"threads": threads})
}

// handleSubscribeChannel registers this service's webhook callback with
// the platform for the channel's credentials.
func (s *Server) handleSubscribeChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")

	if s.deps.PublicBaseURL == "" {
		http.Error(w, "PUBLIC_BASE_URL not configured", http.StatusConflict)
		return
	}

	channel, err := s.deps.Store.GetChannel(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		}
		s.logger.Error("load channel", "channel_id", channelID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	platform, ok := adapter.ParsePlatform(channel.Platform)
	if !ok {
		http.Error(w, "unknown platform", http.StatusConflict)
		return
	}
	ad, ok := s.deps.Registry.Lookup(platform)
	if !ok {
		http.Error(w, "unsupported platform", http.StatusConflict)
		return
	}

	credentials, err := s.deps.Resolver.Resolve(r.Context(), channelID)
	if err != nil {
		s.logger.Error("resolve credentials", "channel_id", channelID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	callbackURL := strings.TrimRight(s.deps.PublicBaseURL, "/") + webhookRoute(platform)
	if err := ad.SubscribeWebhooks(r.Context(), channelID, callbackURL, credentials); err != nil {
		ae := adapter.AsError(err)
		s.metrics.AdapterErrors.WithLabelValues(string(platform), string(ae.Type)).Inc()
		s.logger.Error("subscribe webhooks", "channel_id", channelID, "error", ae)
		writeJSON(w, map[string]any{
			"status":  "error",
			"type":    ae.Type,
			"message": ae.Message,
		})
		return
	}

	writeJSON(w, map[string]string{"status": "ok", "callback_url": callbackURL})
}

func webhookRoute(platform adapter.Platform) string {
	switch platform {
	case adapter.PlatformInstagram, adapter.PlatformFacebook:
		return "/webhooks/meta"
	default:
		return "/webhooks/" + string(platform)
	}
}

type sendMessageRequest struct {
	ThreadID    string            `json:"thread_id"`
	Body        string            `json:"body"`
	Attachments []repo.Attachment `json:"attachments,omitempty"`
}

// handleSendMessage records an outbound message and enqueues the send
// job. Delivery happens asynchronously; poll the message row for
// delivered_at or failed_reason.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.ThreadID == "" {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}
	if req.Body == "" && len(req.Attachments) == 0 {
		http.Error(w, "body or attachments required", http.StatusBadRequest)
		return
	}

	thread, err := s.deps.Store.GetThread(r.Context(), req.ThreadID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, "thread not found", http.StatusNotFound)
			return
		}
		s.logger.Error("load thread", "thread_id", req.ThreadID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	message, err := s.deps.Store.InsertOutboundMessage(r.Context(), repo.OutboundInsert{
		ThreadID:    thread.ID,
		ChannelID:   thread.ChannelID,
		Body:        req.Body,
		Attachments: req.Attachments,
	})
	if err != nil {
		s.logger.Error("insert outbound message", "thread_id", thread.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	outMsg := adapter.OutboundMessage{
		ThreadExternalID: thread.ExternalID,
		Body:             req.Body,
	}
	for _, att := range req.Attachments {
		outMsg.Attachments = append(outMsg.Attachments, adapter.Attachment{
			URL:      att.URL,
			MimeType: att.MimeType,
			Filename: att.Filename,
		})
	}

	if err := s.deps.Queue.Enqueue(r.Context(), outbox.Job{
		MessageID: message.ID,
		ChannelID: thread.ChannelID,
		Message:   outMsg,
	}); err != nil {
		s.logger.Error("enqueue send job", "message_id", message.ID, "error", err)
		if markErr := s.deps.Store.MarkMessageFailed(r.Context(), message.ID, "enqueue failed"); markErr != nil {
			s.logger.Error("mark message failed", "message_id", message.ID, "error", markErr)
		}
		http.Error(w, "failed to enqueue", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"message_id": message.ID})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
