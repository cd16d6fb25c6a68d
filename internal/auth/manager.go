package auth

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/tallychat/tally/internal/backend"
	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/store"
)

// API is the slice of the backend client the manager drives.
type API interface {
	SignIn(ctx context.Context, email, password string) (*backend.Session, error)
	SignUp(ctx context.Context, email, password, username string) (*backend.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*backend.Session, error)
	SignOut(ctx context.Context) error
	SetAccessToken(token string)
}

const sessionKey = "session"

// Manager owns the auth session: sign-in, persistence across restarts,
// and proactive token refresh. A failed refresh NEVER signs the user
// out; the session stays, delivery degrades, and the next successful
// refresh restores it. Only an explicit sign-out clears state.
type Manager struct {
	api    API
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	refreshLead   time.Duration
	retryDelay    time.Duration
	retryAttempts int

	mu      sync.Mutex
	session *backend.Session
	timer   *time.Timer
}

// New creates a manager persisting sessions in the given store.
func New(api API, db *store.DB, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		api:           api,
		db:            db,
		bus:           b,
		logger:        logger,
		refreshLead:   time.Minute,
		retryDelay:    30 * time.Second,
		retryAttempts: 3,
	}
}

// Session returns a copy of the current session, or nil when signed out.
func (m *Manager) Session() *backend.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// UserID returns the signed-in user id, or "".
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.UserID
}

// SignIn authenticates, persists the session, and arms the refresh timer.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	s, err := m.api.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	m.install(s)
	m.bus.Publish(bus.E(bus.KindSignedIn, *s))
	return s, nil
}

// SignUp registers and, when the backend returns a live session, signs in.
func (m *Manager) SignUp(ctx context.Context, email, password, username string) (*backend.Session, error) {
	s, err := m.api.SignUp(ctx, email, password, username)
	if err != nil {
		return nil, err
	}
	if s.AccessToken != "" {
		m.install(s)
		m.bus.Publish(bus.E(bus.KindSignedIn, *s))
	}
	return s, nil
}

// Restore loads a persisted session at startup. An expired or nearly
// expired token is refreshed before use. Returns nil with no error when
// nothing is persisted.
func (m *Manager) Restore(ctx context.Context) (*backend.Session, error) {
	raw, ok, err := m.db.GetKV(sessionKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var s backend.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		m.logger.Warn("discarding unreadable persisted session", zap.Error(err))
		_ = m.db.DeleteKV(sessionKey)
		return nil, nil
	}

	if time.Until(m.expiry(&s)) < m.refreshLead {
		refreshed, err := m.api.Refresh(ctx, s.RefreshToken)
		if err != nil {
			return nil, &backend.AuthError{Op: "restore", Err: err}
		}
		s = *refreshed
	} else {
		m.api.SetAccessToken(s.AccessToken)
	}

	m.install(&s)
	m.bus.Publish(bus.E(bus.KindSignedIn, s))
	return &s, nil
}

// SignOut revokes the session, clears persisted state, and disarms the
// refresh timer.
func (m *Manager) SignOut(ctx context.Context) error {
	err := m.api.SignOut(ctx)
	if err != nil {
		m.logger.Warn("server-side sign-out failed", zap.Error(err))
	}

	m.mu.Lock()
	m.session = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	if err := m.db.DeleteKV(sessionKey); err != nil {
		m.logger.Warn("persisted session cleanup failed", zap.Error(err))
	}
	if err := m.db.ClearSnapshot(); err != nil {
		m.logger.Warn("snapshot cleanup failed", zap.Error(err))
	}
	m.bus.Publish(bus.E(bus.KindSignedOut, nil))
	return err
}

// Close disarms the refresh timer without touching persisted state.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) install(s *backend.Session) {
	m.mu.Lock()
	m.session = s
	if m.timer != nil {
		m.timer.Stop()
	}
	lead := time.Until(m.expiry(s)) - m.refreshLead
	if lead < 0 {
		lead = 0
	}
	m.timer = time.AfterFunc(lead, m.refreshNow)
	m.mu.Unlock()

	m.persist(s)
}

func (m *Manager) persist(s *backend.Session) {
	data, err := json.Marshal(s)
	if err != nil {
		m.logger.Error("session encode failed", zap.Error(err))
		return
	}
	if err := m.db.SetKV(sessionKey, string(data)); err != nil {
		m.logger.Warn("session persist failed", zap.Error(err))
	}
}

// expiry prefers the recorded expiry and falls back to the exp claim
// inside the access token. Claims are read without verification; the
// backend verifies, the client only schedules.
func (m *Manager) expiry(s *backend.Session) time.Time {
	if !s.ExpiresAt.IsZero() {
		return s.ExpiresAt
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.AccessToken, claims); err != nil {
		return time.Now()
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now()
	}
	return exp.Time
}

// refreshNow exchanges the refresh token, retrying a few times spaced
// apart. On total failure the session is kept and a failure event is
// published; the next timer or an explicit Restore tries again.
func (m *Manager) refreshNow() {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	refreshToken := m.session.RefreshToken
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.retryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		s, err := m.api.Refresh(ctx, refreshToken)
		cancel()
		if err == nil {
			m.install(s)
			m.logger.Info("token refreshed", zap.Time("expires_at", m.expiry(s)))
			m.bus.Publish(bus.E(bus.KindTokenRefreshed, *s))
			return
		}
		lastErr = err
		m.logger.Warn("token refresh failed",
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt < m.retryAttempts {
			time.Sleep(m.retryDelay)
		}
	}

	m.bus.Publish(bus.E(bus.KindTokenRefreshFailed, lastErr.Error()))
}
