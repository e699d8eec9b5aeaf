package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultSessionTTL = 8 * time.Hour
	maxFailedAttempts = 5
	lockoutDuration   = 30 * time.Minute
)

// Role is a management-console user role.
type Role string

const (
	RoleSuperAdmin Role = "SuperAdmin"
	RoleAdmin      Role = "Admin"
	RoleUser       Role = "User"
	RoleReadOnly   Role = "ReadOnly"
)

// User is a management-console account as stored by the Database collaborator.
type User struct {
	ID                  string
	Username            string
	PasswordHash        string
	Email               string
	Role                Role
	Groups              []string
	Enabled             bool
	CreatedAt           time.Time
	LastLogin           time.Time
	FailedLoginAttempts int
	LockedUntil         time.Time
}

// Claims is the JWT payload issued to authenticated users.
type Claims struct {
	Username string   `json:"username"`
	Role     Role     `json:"role"`
	Groups   []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// Manager verifies device credentials and answers permission checks. Token
// verification is local HMAC; there is no remote verifier in this deployment.
type Manager struct {
	secret     []byte
	sessionTTL time.Duration
}

// NewManager creates a Manager signing and verifying with the given secret.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret), sessionTTL: defaultSessionTTL}
}

// GenerateToken issues a session JWT for user.
func (m *Manager) GenerateToken(user *User) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: user.Username,
		Role:     user.Role,
		Groups:   append([]string(nil), user.Groups...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.sessionTTL)),
			ID:        uuid.New().String(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyToken validates a session JWT and returns its claims.
func (m *Manager) VerifyToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid jwt token")
	}
	return claims, nil
}

// HashPassword hashes a password for storage.
func (m *Manager) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks a password against its stored hash.
func (m *Manager) VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IsLocked reports whether the account is inside a lockout window.
func (m *Manager) IsLocked(user *User) bool {
	return time.Now().Before(user.LockedUntil)
}

// ShouldLock reports whether failed attempts reached the lockout threshold.
func (m *Manager) ShouldLock(user *User) bool {
	return user.FailedLoginAttempts >= maxFailedAttempts
}

// LockoutUntil returns the end of a lockout window started now.
func (m *Manager) LockoutUntil() time.Time {
	return time.Now().Add(lockoutDuration)
}

// CheckPermission decides whether user may perform action on deviceID.
// Admin roles are unrestricted; read-only accounts may only observe.
func (m *Manager) CheckPermission(user *User, deviceID, action string) bool {
	if user == nil || !user.Enabled {
		return false
	}
	switch user.Role {
	case RoleSuperAdmin, RoleAdmin:
		return true
	case RoleUser:
		// Device-group grants live in the Database; the rendezvous core
		// only distinguishes observation from control actions.
		return action != "admin"
	case RoleReadOnly:
		return action == "view" || action == "monitor"
	}
	return false
}
