package backend

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRateLimited(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&RateLimitError{Err: errors.New("slow down")}, true},
		{fmt.Errorf("wrap: %w", &RateLimitError{Err: errors.New("x")}), true},
		{errors.New("status 429: too many requests"), true},
		{errors.New("Rate limited by upstream"), true},
		{errors.New("status 500: boom"), false},
		{&FetchFailure{Op: "messages", Err: errors.New("timeout")}, false},
	}
	for _, c := range cases {
		if got := IsRateLimited(c.err); got != c.want {
			t.Errorf("IsRateLimited(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestTaxonomyUnwrap(t *testing.T) {
	inner := errors.New("inner")
	wrapped := []error{
		&AuthError{Op: "sign-in", Err: inner},
		&ProfileSetupError{Err: inner},
		&SendFailure{Err: inner},
		&FetchFailure{Op: "x", Err: inner},
		&ChannelError{Channel: "messages", Err: inner},
		&RateLimitError{Err: inner},
	}
	for _, err := range wrapped {
		if !errors.Is(err, inner) {
			t.Errorf("%T does not unwrap to inner error", err)
		}
	}
}

func TestCheckStatusClassification(t *testing.T) {
	c := New("https://x", "anon")

	if err := c.checkStatus(200, nil); err != nil {
		t.Errorf("200 -> %v, want nil", err)
	}

	err := c.checkStatus(429, []byte("too many"))
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Errorf("429 -> %T, want RateLimitError", err)
	}

	err = c.checkStatus(401, []byte("jwt expired"))
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Errorf("401 -> %T, want AuthError", err)
	}

	err = c.checkStatus(406, []byte("relation missing"))
	if !IsSchemaMissing(err) {
		t.Errorf("406 -> %T, want ProfileSetupError", err)
	}

	if err := c.checkStatus(500, []byte("boom")); err == nil {
		t.Error("500 -> nil, want generic error")
	}
}
