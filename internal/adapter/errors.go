package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ErrorType is the closed set of adapter failure kinds.
type ErrorType string

const (
	ErrorValidation     ErrorType = "VALIDATION"
	ErrorAuthentication ErrorType = "AUTHENTICATION"
	ErrorNetwork        ErrorType = "NETWORK"
	ErrorRateLimit      ErrorType = "RATE_LIMIT"
	ErrorQuotaExceeded  ErrorType = "QUOTA_EXCEEDED"
	ErrorMessageTooLong ErrorType = "MESSAGE_TOO_LONG"
	ErrorAPI            ErrorType = "API"
	ErrorUnknown        ErrorType = "UNKNOWN"
)

// Error is the classified failure every adapter operation reports.
// It is consumed by the outbound worker to decide retry eligibility
// and by handlers to pick a logging level; it is never persisted as-is.
type Error struct {
	Type       ErrorType
	Message    string
	Retryable  bool
	StatusCode int
	Details    map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewError builds an Error with the kind's default retryability.
func NewError(kind ErrorType, message string) *Error {
	return &Error{
		Type:      kind,
		Message:   message,
		Retryable: defaultRetryable(kind),
	}
}

func defaultRetryable(kind ErrorType) bool {
	switch kind {
	case ErrorNetwork, ErrorRateLimit, ErrorQuotaExceeded:
		return true
	default:
		return false
	}
}

// AsError extracts an *Error from err, classifying unrecognised errors
// as UNKNOWN/non-retryable so unanticipated failures never loop forever.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return NewError(ErrorUnknown, err.Error())
}

// AnalyzeAPIError maps a raw transport or HTTP error to the taxonomy.
// It is pure, deterministic, and always returns a populated Error.
func AnalyzeAPIError(err error, platform Platform, method string) *Error {
	if err == nil {
		return NewError(ErrorUnknown, fmt.Sprintf("%s %s: analyze called with nil error", platform, method))
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	if isNetworkError(err) {
		out := NewError(ErrorNetwork, fmt.Sprintf("%s %s: %v", platform, method, err))
		return out
	}

	return NewError(ErrorUnknown, fmt.Sprintf("%s %s: %v", platform, method, err))
}

// AnalyzeHTTPStatus maps an HTTP status line to the taxonomy. Platform
// payload-level codes should be classified first (see AnalyzeMetaError);
// this covers the generic status ranges.
func AnalyzeHTTPStatus(status int, body string, platform Platform, method string) *Error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	msg := fmt.Sprintf("%s %s: status=%d %s", platform, method, status, snippet)

	var out *Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		out = NewError(ErrorAuthentication, msg)
	case status == http.StatusTooManyRequests:
		out = NewError(ErrorRateLimit, msg)
	case status == http.StatusRequestEntityTooLarge:
		out = NewError(ErrorMessageTooLong, msg)
	case status == http.StatusBadRequest:
		if strings.Contains(strings.ToLower(snippet), "too long") || strings.Contains(strings.ToLower(snippet), "length") {
			out = NewError(ErrorMessageTooLong, msg)
		} else {
			out = NewError(ErrorValidation, msg)
		}
	case status >= 500:
		out = NewError(ErrorNetwork, msg)
	default:
		out = NewError(ErrorAPI, msg)
	}
	out.StatusCode = status
	return out
}

// metaErrorEnvelope mirrors the Graph API error payload shape.
type metaErrorEnvelope struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// AnalyzeMetaError classifies a Graph API error body by its error.code.
// Falls back to generic HTTP status mapping when the body has no code.
func AnalyzeMetaError(body []byte, status int, platform Platform, method string) *Error {
	var env metaErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Code == 0 {
		return AnalyzeHTTPStatus(status, string(body), platform, method)
	}

	details := map[string]any{
		"code":       env.Error.Code,
		"subcode":    env.Error.Subcode,
		"fbtrace_id": env.Error.FBTraceID,
	}

	var out *Error
	switch env.Error.Code {
	case 190:
		out = NewError(ErrorAuthentication, fmt.Sprintf("%s %s: access token expired or invalid: %s", platform, method, env.Error.Message))
	case 368:
		out = NewError(ErrorRateLimit, fmt.Sprintf("%s %s: temporarily blocked for policy reasons: %s", platform, method, env.Error.Message))
	case 100:
		out = NewError(ErrorValidation, fmt.Sprintf("%s %s: invalid parameter: %s", platform, method, env.Error.Message))
	case 4:
		out = NewError(ErrorQuotaExceeded, fmt.Sprintf("%s %s: application request limit reached: %s", platform, method, env.Error.Message))
	default:
		out = NewError(ErrorAPI, fmt.Sprintf("%s %s: %s", platform, method, env.Error.Message))
	}
	out.StatusCode = status
	out.Details = details
	return out
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// LogError routes a classified error to warn level when it is retryable
// and error level otherwise, always carrying adapter, method, and channel.
func LogError(logger *slog.Logger, adapterName, method string, err *Error, channelID string, extra ...any) {
	if logger == nil || err == nil {
		return
	}
	attrs := []any{
		"adapter", adapterName,
		"method", method,
		"channel_id", channelID,
		"error_type", string(err.Type),
		"retryable", err.Retryable,
		"error", err.Message,
	}
	attrs = append(attrs, extra...)
	if err.Retryable {
		logger.Warn("adapter operation failed", attrs...)
		return
	}
	logger.Error("adapter operation failed", attrs...)
}
