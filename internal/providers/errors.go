package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rendis/agentgraph/pkg/schema"
)

// ErrUnknownProvider is returned by Registry.Get for unregistered IDs.
var ErrUnknownProvider = errors.New("unknown chat provider")

// ProviderError is the typed failure carried by an EventError.
type ProviderError struct {
	Provider    string
	Model       string
	Status      int
	RateLimited bool
	Retryable   bool
	Message     string
	Cause       error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, "/%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// AgentError converts the failure to the engine's structured error.
func (e *ProviderError) AgentError() *schema.AgentError {
	code := schema.ErrCodeProvider
	switch {
	case e.RateLimited:
		code = schema.ErrCodeRateLimited
	case errors.Is(e.Cause, context.Canceled):
		code = schema.ErrCodeCancelled
	}
	details := map[string]any{"provider": e.Provider}
	if e.Model != "" {
		details["model"] = e.Model
	}
	if e.Status != 0 {
		details["status"] = e.Status
	}
	return schema.NewError(code, e.Error()).WithCause(e).WithDetails(details)
}

// newProviderError classifies err. status is the HTTP status if the vendor
// SDK exposed one, otherwise 0.
func newProviderError(provider, model string, status int, err error) *ProviderError {
	pe := &ProviderError{
		Provider: provider,
		Model:    model,
		Status:   status,
		Message:  err.Error(),
		Cause:    err,
	}
	switch {
	case status == http.StatusTooManyRequests:
		pe.RateLimited = true
		pe.Retryable = true
	case status >= 500:
		pe.Retryable = true
	case status >= 400:
		pe.Retryable = false
	default:
		pe.Retryable = isRetryableError(err)
		if looksRateLimited(err) {
			pe.RateLimited = true
			pe.Retryable = true
		}
	}
	return pe
}

// isRetryableError classifies transport-level failures without a status code.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"unexpected eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"overloaded",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func looksRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "error 429")
}
