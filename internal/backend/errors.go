package backend

import (
	"errors"
	"fmt"
	"strings"
)

// The error taxonomy mirrors how failures propagate: auth and schema
// problems surface to the user, send/fetch failures degrade silently
// behind retries and cache fallbacks, channel errors flip the delivery
// supervisor to polling, and rate limits get a dedicated recovery offer.

// AuthError is a session or login failure.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth %s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ProfileSetupError means the backend schema is missing or rejects the
// profiles table. There is no client-side recovery; the operator has to
// provision the backend.
type ProfileSetupError struct {
	Err error
}

func (e *ProfileSetupError) Error() string {
	return fmt.Sprintf("backend not provisioned (run the schema setup): %v", e.Err)
}
func (e *ProfileSetupError) Unwrap() error { return e.Err }

// SendFailure is a transient message persistence failure.
type SendFailure struct {
	Err error
}

func (e *SendFailure) Error() string { return fmt.Sprintf("send: %v", e.Err) }
func (e *SendFailure) Unwrap() error { return e.Err }

// FetchFailure is a transient read failure.
type FetchFailure struct {
	Op  string
	Err error
}

func (e *FetchFailure) Error() string { return fmt.Sprintf("fetch %s: %v", e.Op, e.Err) }
func (e *FetchFailure) Unwrap() error { return e.Err }

// ChannelError is a realtime push channel failure.
type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel %s: %v", e.Channel, e.Err) }
func (e *ChannelError) Unwrap() error { return e.Err }

// RateLimitError indicates the backend is throttling this client.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("rate limited: %v", e.Err) }
func (e *RateLimitError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err looks like backend throttling, either
// as a typed RateLimitError or by message content ("429" in the text is
// how the hosted service's generic errors announce it).
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "rate limit")
}

// IsSchemaMissing reports whether err indicates an unprovisioned backend.
func IsSchemaMissing(err error) bool {
	var pse *ProfileSetupError
	return errors.As(err, &pse)
}
