package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ljhlovehui/rustdesk-server/internal/auth"
)

// CreateUser inserts a management-console account.
func (db *DB) CreateUser(ctx context.Context, user *auth.User) error {
	created := user.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `
INSERT INTO users (id, username, password_hash, email, role, enabled, created_at, failed_login_attempts)
VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		user.ID, user.Username, user.PasswordHash, user.Email, string(user.Role),
		user.Enabled, created.Unix())
	if err != nil {
		return fmt.Errorf("create user %s: %w", user.Username, err)
	}
	return nil
}

// GetUserByUsername loads an account by username; (nil, nil) when absent.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	row := db.conn.QueryRowContext(ctx, `
SELECT id, username, password_hash, email, role, enabled, created_at, last_login, failed_login_attempts, locked_until
FROM users WHERE username = ?`, username)

	var u auth.User
	var role string
	var email sql.NullString
	var created int64
	var lastLogin, lockedUntil sql.NullInt64
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &email, &role, &u.Enabled,
		&created, &lastLogin, &u.FailedLoginAttempts, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	u.Email = email.String
	u.Role = auth.Role(role)
	u.CreatedAt = time.Unix(created, 0)
	u.LastLogin = fromUnix(lastLogin)
	u.LockedUntil = fromUnix(lockedUntil)
	return &u, nil
}

// UpdateLoginInfo records a login outcome: success resets the failure
// counter and stamps last_login, failure increments the counter and applies
// lockedUntil when set.
func (db *DB) UpdateLoginInfo(ctx context.Context, userID string, success bool, lockedUntil time.Time) error {
	var err error
	if success {
		_, err = db.conn.ExecContext(ctx, `
UPDATE users SET failed_login_attempts = 0, locked_until = NULL, last_login = ? WHERE id = ?`,
			time.Now().Unix(), userID)
	} else {
		var locked interface{}
		if !lockedUntil.IsZero() {
			locked = lockedUntil.Unix()
		}
		_, err = db.conn.ExecContext(ctx, `
UPDATE users SET failed_login_attempts = failed_login_attempts + 1, locked_until = COALESCE(?, locked_until)
WHERE id = ?`, locked, userID)
	}
	if err != nil {
		return fmt.Errorf("update login info for %s: %w", userID, err)
	}
	return nil
}

// EnsureDefaultAdmin creates the bootstrap admin account when no users
// exist. The caller supplies the already-hashed password.
func (db *DB) EnsureDefaultAdmin(ctx context.Context, id, username, passwordHash string) error {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return nil
	}
	err := db.CreateUser(ctx, &auth.User{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		Role:         auth.RoleSuperAdmin,
		Enabled:      true,
	})
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return nil
	}
	return err
}
