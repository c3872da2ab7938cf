package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultMaxRetries applies when Options.MaxRetries is zero.
	DefaultMaxRetries = 2

	baseDelay     = 500 * time.Millisecond
	maxDelay      = 8 * time.Second
	maxRetryAfter = 60 * time.Second
)

// ContextExceededMessage is the user-facing explanation for a context-window overflow.
const ContextExceededMessage = "The conversation is too long for the model's context window. " +
	"Start a new conversation or shorten the input and try again."

// Options configures Evaluate.
type Options struct {
	// MaxRetries bounds the number of retries. Zero selects DefaultMaxRetries,
	// a negative value disables retries.
	MaxRetries int

	// IsUserAbort reports whether an abort was initiated by the user. When nil,
	// every abort is treated as user initiated.
	IsUserAbort func() bool

	// Jitter returns a value in [0,1). Defaults to math/rand/v2.
	Jitter func() float64
}

// Result is the decision for one failed attempt.
type Result struct {
	ShouldRetry       bool
	Delay             time.Duration
	IsContextExceeded bool
	IsUserAborted     bool
	ErrorMessage      string
}

var transientErrnos = []error{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.ETIMEDOUT,
	syscall.EPIPE,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ENETDOWN,
}

var transientFragments = []string{
	"timeout",
	"timed out",
	"connection reset",
	"econnreset",
	"etimedout",
	"econnrefused",
	"socket hang up",
	"broken pipe",
	"overloaded",
}

var contextFragments = []string{
	"prompt is too long",
	"context length",
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"input is too long",
	"too many tokens",
}

// Evaluate classifies a provider failure and decides whether and when to retry.
// attempt is zero-based.
func Evaluate(err error, attempt int, opts Options) Result {
	if err == nil {
		return Result{}
	}

	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) && exhausted.Err != nil {
		err = exhausted.Err
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	if isAbort(err) {
		if opts.IsUserAbort == nil || opts.IsUserAbort() {
			return Result{IsUserAborted: true}
		}
		return backoffResult(err, attempt, maxRetries, nil, opts.Jitter)
	}

	var apiErr *APIError
	hasStatus := errors.As(err, &apiErr)

	if hasStatus && apiErr.StatusCode == 400 && containsAny(strings.ToLower(err.Error()), contextFragments) {
		return Result{
			IsContextExceeded: true,
			ErrorMessage:      ContextExceededMessage,
		}
	}

	retryable := isTransient(err)
	var header map[string][]string
	if hasStatus {
		header = apiErr.Header
		if isRetryableStatus(apiErr.StatusCode) {
			retryable = true
		}
	}

	if !retryable {
		return Result{ErrorMessage: err.Error()}
	}
	return backoffResult(err, attempt, maxRetries, header, opts.Jitter)
}

func backoffResult(err error, attempt, maxRetries int, header map[string][]string, jitter func() float64) Result {
	if attempt >= maxRetries {
		return Result{ErrorMessage: err.Error()}
	}
	return Result{
		ShouldRetry:  true,
		Delay:        computeDelay(attempt, header, jitter),
		ErrorMessage: err.Error(),
	}
}

func computeDelay(attempt int, header map[string][]string, jitter func() float64) time.Duration {
	if header != nil {
		if v := headerValue(header, "retry-after-ms"); v != "" {
			if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 && ms <= float64(maxRetryAfter.Milliseconds()) {
				return time.Duration(ms * float64(time.Millisecond))
			}
		}
		if v := headerValue(header, "retry-after"); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 && secs <= maxRetryAfter.Seconds() {
				return time.Duration(secs * float64(time.Second))
			}
		}
	}

	if jitter == nil {
		jitter = rand.Float64
	}
	raw := float64(baseDelay) * math.Pow(2, float64(attempt))
	delay := time.Duration(raw * (0.75 + 0.25*jitter()))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func headerValue(header map[string][]string, key string) string {
	for k, values := range header {
		if strings.EqualFold(k, key) && len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
	}
	return ""
}

func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isRetryableStatus(status int) bool {
	switch {
	case status == 408, status == 409, status == 429:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

func isTransient(err error) bool {
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), transientFragments)
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}
