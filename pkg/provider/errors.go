package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"github.com/halim/relay/pkg/history"
)

// APIError wraps a backend API failure with the status and headers the retry
// engine needs for classification and Retry-After hints.
type APIError struct {
	Provider history.Provider
	Status   int
	Header   http.Header
	err      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %v", e.Provider, e.Status, e.err)
}

func (e *APIError) Unwrap() error { return e.err }

// StatusCode implements the retry package's status interface.
func (e *APIError) StatusCode() int { return e.Status }

// ResponseHeader implements the retry package's header interface.
func (e *APIError) ResponseHeader() http.Header { return e.Header }

// wrapOpenAIError lifts an openai-go SDK error into an APIError. Errors
// without an HTTP response (connection failures) pass through untouched so
// net-level classification still applies.
func wrapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return err
	}
	wrapped := &APIError{
		Provider: history.ProviderResponses,
		Status:   apierr.StatusCode,
		err:      err,
	}
	if apierr.Response != nil {
		wrapped.Header = apierr.Response.Header
	}
	return wrapped
}

func wrapAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return err
	}
	wrapped := &APIError{
		Provider: history.ProviderMessages,
		Status:   apierr.StatusCode,
		err:      err,
	}
	if apierr.Response != nil {
		wrapped.Header = apierr.Response.Header
	}
	return wrapped
}

// IsNotFound reports whether the error is a backend 404.
func IsNotFound(err error) bool {
	var apierr *APIError
	return errors.As(err, &apierr) && apierr.Status == http.StatusNotFound
}

// isCacheRejection reports whether the error is a validation-shaped 4xx
// naming the prompt-cache field. Only these count against the cache breaker;
// transient failures must not trip it.
func isCacheRejection(err error) bool {
	var apierr *APIError
	if !errors.As(err, &apierr) {
		return false
	}
	if apierr.Status < 400 || apierr.Status >= 500 {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cache_control") || strings.Contains(msg, "cache control")
}
