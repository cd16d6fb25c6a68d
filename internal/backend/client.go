package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client is the narrow adapter over the hosted backend: managed auth,
// the row store REST surface, and fire-and-forget beacon writes. The
// realtime channel lives in realtime.go. Nothing above this package
// builds URLs or touches HTTP.
type Client struct {
	baseURL string
	anonKey string
	http    *http.Client

	mu          sync.RWMutex
	accessToken string
}

// New creates a client for the backend at baseURL authenticated with the
// project anon key.
func New(baseURL, anonKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetAccessToken installs the bearer token used for row-store calls.
// The auth manager calls this on sign-in and every token refresh.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.accessToken != "" {
		return c.accessToken
	}
	return c.anonKey
}

// --- auth endpoints ---

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (c *Client) authRequest(ctx context.Context, op, path string, body any) (*Session, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &AuthError{Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &AuthError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &AuthError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Err: fmt.Errorf("%s: %s", op, strings.TrimSpace(string(data)))}
	}
	if resp.StatusCode >= 400 {
		return nil, &AuthError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, &AuthError{Op: op, Err: err}
	}
	return &Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
	}, nil
}

// SignIn exchanges email+password for a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	s, err := c.authRequest(ctx, "sign-in", "/auth/v1/token?grant_type=password",
		map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}
	c.SetAccessToken(s.AccessToken)
	return s, nil
}

// SignUp registers a new account carrying the chosen username as metadata.
func (c *Client) SignUp(ctx context.Context, email, password, username string) (*Session, error) {
	s, err := c.authRequest(ctx, "sign-up", "/auth/v1/signup", map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]string{"username": username},
	})
	if err != nil {
		return nil, err
	}
	if s.AccessToken != "" {
		c.SetAccessToken(s.AccessToken)
	}
	return s, nil
}

// Refresh exchanges a refresh token for a new session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	s, err := c.authRequest(ctx, "refresh", "/auth/v1/token?grant_type=refresh_token",
		map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	c.SetAccessToken(s.AccessToken)
	return s, nil
}

// SignOut revokes the current session server-side. Best effort.
func (c *Client) SignOut(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/v1/logout", nil)
	if err != nil {
		return &AuthError{Op: "sign-out", Err: err}
	}
	c.setRESTHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return &AuthError{Op: "sign-out", Err: err}
	}
	_ = resp.Body.Close()
	c.SetAccessToken("")
	return nil
}

// --- row store ---

func (c *Client) setRESTHeaders(req *http.Request) {
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer())
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) rest(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/rest/v1/"+path, reader)
	if err != nil {
		return err
	}
	c.setRESTHeaders(req)
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err := c.checkStatus(resp.StatusCode, data); err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) checkStatus(status int, body []byte) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Err: fmt.Errorf("status 429: %s", strings.TrimSpace(string(body)))}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Op: "row-store", Err: fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))}
	case status == http.StatusNotAcceptable || status == http.StatusNotFound:
		// The row store answers 404/406 when the table is absent.
		return &ProfileSetupError{Err: fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))}
	default:
		return fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	}
}

// GetProfile reads a single profile row, or nil if absent.
func (c *Client) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var rows []Profile
	path := "user_profiles?id=eq." + url.QueryEscape(id) + "&select=*&limit=1"
	if err := c.rest(ctx, http.MethodGet, path, nil, &rows); err != nil {
		if IsSchemaMissing(err) || IsRateLimited(err) {
			return nil, err
		}
		return nil, &FetchFailure{Op: "profile", Err: err}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListProfiles returns every profile except excludeID, for the roster.
func (c *Client) ListProfiles(ctx context.Context, excludeID string) ([]Profile, error) {
	var rows []Profile
	path := "user_profiles?id=neq." + url.QueryEscape(excludeID) + "&select=*&order=username.asc"
	if err := c.rest(ctx, http.MethodGet, path, nil, &rows); err != nil {
		if IsSchemaMissing(err) || IsRateLimited(err) {
			return nil, err
		}
		return nil, &FetchFailure{Op: "roster", Err: err}
	}
	return rows, nil
}

// InsertProfile creates the caller's profile row.
func (c *Client) InsertProfile(ctx context.Context, p Profile) error {
	if err := c.rest(ctx, http.MethodPost, "user_profiles", p, nil); err != nil {
		if IsSchemaMissing(err) || IsRateLimited(err) {
			return err
		}
		return &FetchFailure{Op: "profile-insert", Err: err}
	}
	return nil
}

// UpdateProfile patches fields on the caller's profile row.
func (c *Client) UpdateProfile(ctx context.Context, id string, fields map[string]any) error {
	path := "user_profiles?id=eq." + url.QueryEscape(id)
	if err := c.rest(ctx, http.MethodPatch, path, fields, nil); err != nil {
		if IsSchemaMissing(err) || IsRateLimited(err) {
			return err
		}
		return &FetchFailure{Op: "profile-update", Err: err}
	}
	return nil
}

// ListMessages fetches the conversation window between a and b, ordered
// by timestamp ascending. A non-zero after bounds the fetch to messages
// strictly newer than the watermark.
func (c *Client) ListMessages(ctx context.Context, a, b string, after time.Time) ([]MessageRecord, error) {
	filter := fmt.Sprintf("or=(and(sender_id.eq.%s,receiver_id.eq.%s),and(sender_id.eq.%s,receiver_id.eq.%s))",
		a, b, b, a)
	path := "messages?" + filter + "&order=timestamp.asc&select=*"
	if !after.IsZero() {
		path += "&timestamp=gt." + url.QueryEscape(after.UTC().Format(time.RFC3339Nano))
	}
	var rows []MessageRecord
	if err := c.rest(ctx, http.MethodGet, path, nil, &rows); err != nil {
		if IsSchemaMissing(err) || IsRateLimited(err) {
			return nil, err
		}
		return nil, &FetchFailure{Op: "messages", Err: err}
	}
	return rows, nil
}

// InsertMessage persists a message and returns the stored row, including
// the backend-assigned id and the echoed client tag.
func (c *Client) InsertMessage(ctx context.Context, rec MessageRecord) (*MessageRecord, error) {
	var rows []MessageRecord
	if err := c.rest(ctx, http.MethodPost, "messages", rec, &rows); err != nil {
		if IsRateLimited(err) {
			return nil, err
		}
		return nil, &SendFailure{Err: err}
	}
	if len(rows) == 0 {
		return nil, &SendFailure{Err: fmt.Errorf("insert returned no row")}
	}
	return &rows[0], nil
}

// ProbeLatency performs the minimal authenticated read used by the
// quality monitor and returns its round trip time.
func (c *Client) ProbeLatency(ctx context.Context, selfID string) (time.Duration, error) {
	start := time.Now()
	var rows []struct {
		ID string `json:"id"`
	}
	path := "user_profiles?id=eq." + url.QueryEscape(selfID) + "&select=id&limit=1"
	if err := c.rest(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Beacon fires a non-blocking best-effort write, used for the "going
// offline" presence update on teardown where a normal call cannot be
// awaited. The write either lands or it does not; errors are discarded.
func (c *Client) Beacon(path string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return
		}
		c.setRESTHeaders(req)
		resp, err := c.http.Do(req)
		if err == nil {
			_ = resp.Body.Close()
		}
	}()
}
