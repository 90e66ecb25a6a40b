package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"deskrelay/internal/adapter"
	"deskrelay/internal/metrics"
)

const maxPayloadBytes = 1 << 20

// Secrets holds webhook verification configuration. Platform-specific
// secrets win over the Meta app secret, which wins over the generic one.
type Secrets struct {
	VerifyToken string
	Generic     string
	Meta        string
	PerPlatform map[adapter.Platform]string
	Production  bool
}

// For returns the signing secret for a platform, empty when none is
// configured anywhere in the chain.
func (s Secrets) For(platform adapter.Platform) string {
	if secret := s.PerPlatform[platform]; secret != "" {
		return secret
	}
	switch platform {
	case adapter.PlatformWhatsApp, adapter.PlatformInstagram, adapter.PlatformFacebook:
		if s.Meta != "" {
			return s.Meta
		}
	}
	return s.Generic
}

// Handler serves one webhook route. Meta drives Instagram and Facebook
// callbacks through a shared endpoint, so the route resolves the concrete
// platform from the payload.
type Handler struct {
	ingest   *Ingestor
	registry *adapter.Registry
	resolve  func(body []byte) (adapter.Platform, bool)
	secrets  Secrets
	metrics  *metrics.Metrics
	logger   *slog.Logger
	route    string
}

// NewPlatformHandler serves a route carrying exactly one platform.
func NewPlatformHandler(platform adapter.Platform, ingest *Ingestor, registry *adapter.Registry, secrets Secrets, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		ingest:   ingest,
		registry: registry,
		resolve: func([]byte) (adapter.Platform, bool) {
			return platform, true
		},
		secrets: secrets,
		metrics: m,
		logger:  logger.With("component", "webhook", "route", string(platform)),
		route:   string(platform),
	}
}

// NewMetaHandler serves the shared Meta route, discriminating Instagram
// from Facebook page callbacks by the payload's object field.
func NewMetaHandler(ingest *Ingestor, registry *adapter.Registry, secrets Secrets, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		ingest:   ingest,
		registry: registry,
		resolve:  resolveMetaObject,
		secrets:  secrets,
		metrics:  m,
		logger:   logger.With("component", "webhook", "route", "meta"),
		route:    "meta",
	}
}

func resolveMetaObject(body []byte) (adapter.Platform, bool) {
	var probe struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", false
	}
	switch probe.Object {
	case "instagram":
		return adapter.PlatformInstagram, true
	case "page":
		return adapter.PlatformFacebook, true
	case "whatsapp_business_account":
		return adapter.PlatformWhatsApp, true
	default:
		return "", false
	}
}

// ServeHTTP satisfies http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerification(w, r)
	case http.MethodPost:
		h.handleEvent(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerification answers the Meta subscription handshake: echo
// hub.challenge when the verify token matches, 403 otherwise.
func (h *Handler) handleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || h.secrets.VerifyToken == "" || token != h.secrets.VerifyToken {
		h.metrics.WebhooksRejected.WithLabelValues(h.route, "verify_token").Inc()
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}

	h.logger.Info("webhook verification handshake accepted")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		h.metrics.WebhooksRejected.WithLabelValues(h.route, "body").Inc()
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	defer r.Body.Close()

	platform, ok := h.resolve(body)
	if !ok {
		h.metrics.WebhooksRejected.WithLabelValues(h.route, "unknown_platform").Inc()
		writeJSONError(w, http.StatusBadRequest, "unrecognized payload")
		return
	}
	ad, ok := h.registry.Lookup(platform)
	if !ok {
		h.metrics.WebhooksRejected.WithLabelValues(h.route, "unknown_platform").Inc()
		writeJSONError(w, http.StatusBadRequest, "unsupported platform")
		return
	}

	if !h.verifySignature(ad, platform, body, r) {
		h.metrics.WebhooksRejected.WithLabelValues(h.route, "signature").Inc()
		writeJSONError(w, http.StatusForbidden, "signature verification failed")
		return
	}

	stored, err := h.ingest.Ingest(r.Context(), platform, body)
	if err != nil {
		h.logger.Error("webhook ingestion failed", "platform", platform, "error", err)
		h.metrics.WebhooksReceived.WithLabelValues(string(platform), "error").Inc()
		writeJSONError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}

	h.metrics.WebhooksReceived.WithLabelValues(string(platform), "ok").Inc()
	h.logger.Debug("webhook processed", "platform", platform, "messages_stored", stored)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"success":true}`))
}

// verifySignature fails closed: a configured secret must match, and in
// production an unverifiable request is never ingested.
func (h *Handler) verifySignature(ad adapter.Adapter, platform adapter.Platform, body []byte, r *http.Request) bool {
	signature := adapter.SignatureFromHeader(r.Header)
	secret := h.secrets.For(platform)

	if secret == "" {
		if h.secrets.Production {
			h.logger.Error("webhook secret not configured", "platform", platform)
			return false
		}
		h.logger.Warn("accepting unverified webhook without configured secret", "platform", platform)
		return true
	}
	return ad.VerifyWebhook(body, signature, secret)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
