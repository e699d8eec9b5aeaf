package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ljhlovehui/rustdesk-server/internal/auth"
)

// sweepInterval is how often the tracker removes idle sessions.
const sweepInterval = 60 * time.Second

// Permissions is the capability set attached to a device session. The tier
// is fixed at creation from the authentication outcome.
type Permissions struct {
	CanControl       bool
	CanTransferFiles bool
	CanViewScreen    bool
	CanUseAudio      bool
	CanUseClipboard  bool
	Timeout          time.Duration
}

// Session is a time-bounded record of a connected device.
type Session struct {
	DeviceID        string
	UserID          string
	Authenticated   bool
	Permissions     Permissions
	LastActivity    time.Time
	ConnectionCount int
}

// TokenVerifier is the slice of the AuthManager the tracker needs.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
	CheckPermission(user *auth.User, deviceID, action string) bool
}

// UserStore loads accounts for permission checks.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*auth.User, error)
}

// Tracker authenticates connecting devices and tracks their sessions.
// Session traffic is low relative to the directory, so a single mutex
// suffices.
type Tracker struct {
	verifier TokenVerifier
	users    UserStore
	clk      clock.Clock

	authTimeout time.Duration
	anonTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock substitutes the time source, for tests.
func WithClock(clk clock.Clock) Option {
	return func(t *Tracker) { t.clk = clk }
}

// NewTracker creates a Tracker. verifier and users may be nil, in which case
// every device is treated as anonymous.
func NewTracker(verifier TokenVerifier, users UserStore, authTimeout, anonTimeout time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		verifier:    verifier,
		users:       users,
		clk:         clock.New(),
		authTimeout: authTimeout,
		anonTimeout: anonTimeout,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Authenticate resolves a device credential to a user id. An absent or
// invalid credential yields the empty string: the device still gets an
// anonymous, minimally-privileged session rather than a rejection.
func (t *Tracker) Authenticate(ctx context.Context, deviceID, token string) string {
	if token == "" || t.verifier == nil {
		return ""
	}
	claims, err := t.verifier.VerifyToken(token)
	if err != nil {
		log.Printf("WARN: invalid token for device %s: %v", deviceID, err)
		return ""
	}
	if t.users == nil {
		return claims.Subject
	}
	user, err := t.users.GetUserByUsername(ctx, claims.Username)
	if err != nil {
		// Auth service / storage unreachable: fall back to anonymous, the
		// protocol exchange itself must not fail.
		log.Printf("WARN: user lookup failed for %s: %v", claims.Username, err)
		return ""
	}
	if user == nil || !t.verifier.CheckPermission(user, deviceID, "access") {
		return ""
	}
	return claims.Subject
}

// CreateSession creates (or refreshes) the session for deviceID. The
// permission tier derives from whether a user id is present and never
// changes afterwards.
func (t *Tracker) CreateSession(deviceID, userID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	if s, ok := t.sessions[deviceID]; ok {
		s.ConnectionCount++
		s.LastActivity = now
		return s
	}

	s := &Session{
		DeviceID:        deviceID,
		UserID:          userID,
		Authenticated:   userID != "",
		LastActivity:    now,
		ConnectionCount: 1,
	}
	if s.Authenticated {
		s.Permissions = Permissions{
			CanControl:       true,
			CanTransferFiles: true,
			CanViewScreen:    true,
			CanUseAudio:      true,
			CanUseClipboard:  true,
			Timeout:          t.authTimeout,
		}
	} else {
		// Default-deny: anonymous devices may be observed but grant nothing.
		s.Permissions = Permissions{Timeout: t.anonTimeout}
	}
	t.sessions[deviceID] = s
	return s
}

// Touch bumps a session's activity timestamp.
func (t *Tracker) Touch(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[deviceID]; ok {
		s.LastActivity = t.clk.Now()
	}
}

// Get returns a copy of the session for deviceID.
func (t *Tracker) Get(deviceID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[deviceID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Terminate removes a session explicitly.
func (t *Tracker) Terminate(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, deviceID)
}

// Sweep removes sessions idle longer than their tier's timeout and returns
// how many were dropped.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	removed := 0
	for id, s := range t.sessions {
		if now.Sub(s.LastActivity) > s.Permissions.Timeout {
			delete(t.sessions, id)
			removed++
			log.Printf("INFO: session expired for device %s", id)
		}
	}
	return removed
}

// Len returns the number of active sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot copies every session, for the management console.
func (t *Tracker) Snapshot() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	return out
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clk.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
