package retry

import (
	"fmt"
	"net/http"
)

// APIError is a provider failure carrying the HTTP status and response headers.
// Provider adapters wrap their SDK errors in it so the evaluator stays SDK-agnostic.
type APIError struct {
	Provider   string
	StatusCode int
	Header     http.Header
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ExhaustedError reports that a call kept failing after every allowed retry.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max retries (%d) exceeded: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
