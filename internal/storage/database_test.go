package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ljhlovehui/rustdesk-server/internal/auth"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegisterAndLoadDevice(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	uuid := bytes.Repeat([]byte{0x11}, 16)
	pk := bytes.Repeat([]byte{0x22}, 32)
	dev := &Device{
		ID:         "alice",
		IPAddress:  "203.0.113.1",
		UUID:       uuid,
		PublicKey:  pk,
		LastOnline: time.Now(),
		Enabled:    true,
	}
	require.NoError(t, db.RegisterDevice(ctx, dev))

	loaded, err := db.LoadDevice(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "alice", loaded.Name, "name defaults to id")
	require.Equal(t, uuid, loaded.UUID)
	require.Equal(t, pk, loaded.PublicKey)
	require.Equal(t, "203.0.113.1", loaded.IPAddress)
}

func TestRegisterDeviceUpsertKeepsIdentity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	uuid := bytes.Repeat([]byte{0x11}, 16)
	pk := bytes.Repeat([]byte{0x22}, 32)
	require.NoError(t, db.RegisterDevice(ctx, &Device{
		ID: "alice", IPAddress: "203.0.113.1", UUID: uuid, PublicKey: pk,
		LastOnline: time.Now(), Enabled: true,
	}))

	// Address-only refresh (RegisterPeer path) carries no identity bytes.
	require.NoError(t, db.RegisterDevice(ctx, &Device{
		ID: "alice", IPAddress: "198.51.100.9", LastOnline: time.Now(), Enabled: true,
	}))

	loaded, err := db.LoadDevice(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "198.51.100.9", loaded.IPAddress)
	require.Equal(t, uuid, loaded.UUID, "identity must survive an address-only upsert")
	require.Equal(t, pk, loaded.PublicKey)
}

func TestLoadDeviceUnknown(t *testing.T) {
	db := openTestDB(t)
	dev, err := db.LoadDevice(context.Background(), "nobody")
	require.NoError(t, err)
	require.Nil(t, dev)
}

func TestAuditRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.LogAudit(ctx, &AuditEntry{
		UserID: "u-1", DeviceID: "alice", Action: "device_connect",
		IPAddress: "203.0.113.1", Success: true,
	}))
	require.NoError(t, db.LogAudit(ctx, &AuditEntry{
		UserID: "u-1", DeviceID: "alice", Action: "punch_hole",
		IPAddress: "203.0.113.2", Success: false,
	}))

	entries, err := db.AuditForDevice(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestUserLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateUser(ctx, &auth.User{
		ID: "u-1", Username: "operator", PasswordHash: "hash",
		Role: auth.RoleUser, Enabled: true,
	}))

	u, err := db.GetUserByUsername(ctx, "operator")
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Equal(t, auth.RoleUser, u.Role)
	require.Zero(t, u.FailedLoginAttempts)

	lock := time.Now().Add(30 * time.Minute)
	require.NoError(t, db.UpdateLoginInfo(ctx, "u-1", false, lock))
	u, err = db.GetUserByUsername(ctx, "operator")
	require.NoError(t, err)
	require.Equal(t, 1, u.FailedLoginAttempts)
	require.False(t, u.LockedUntil.IsZero())

	require.NoError(t, db.UpdateLoginInfo(ctx, "u-1", true, time.Time{}))
	u, err = db.GetUserByUsername(ctx, "operator")
	require.NoError(t, err)
	require.Zero(t, u.FailedLoginAttempts)
	require.True(t, u.LockedUntil.IsZero())
	require.False(t, u.LastLogin.IsZero())
}

func TestEnsureDefaultAdminOnlyOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.EnsureDefaultAdmin(ctx, "admin-id", "admin", "hash"))
	u, err := db.GetUserByUsername(ctx, "admin")
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Equal(t, auth.RoleSuperAdmin, u.Role)

	// Second call is a no-op even with a different id.
	require.NoError(t, db.EnsureDefaultAdmin(ctx, "other-id", "admin2", "hash"))
	u2, err := db.GetUserByUsername(ctx, "admin2")
	require.NoError(t, err)
	require.Nil(t, u2)
}
