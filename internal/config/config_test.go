package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
port: 21116
serial: 3
relayServers: "relay-a.example.com:21117, relay-b.example.com"
rendezvousServers: "rs1.example.com:21116"
licenseKey: secret
mask: "192.168.0.0/16"
localIP: "192.168.1.5"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 21116, cfg.Port)
	require.Equal(t, 21115, cfg.NATPort())
	require.Equal(t, 21118, cfg.WSPort())
	require.True(t, cfg.LicenseEnabled())
	require.Equal(t, []string{"relay-a.example.com:21117", "relay-b.example.com"}, cfg.RelayServerList())
	require.NotNil(t, cfg.LANMask())
	require.True(t, cfg.LANMask().Contains(cfg.LANMask().IP))
	require.Equal(t, 8*time.Hour, cfg.AuthSessionTimeout())
	require.Equal(t, time.Hour, cfg.AnonSessionTimeout())
	require.Equal(t, time.Duration(0), cfg.PeerRetention())
}

func TestLicenseDisabledByDash(t *testing.T) {
	cfg := &Config{Port: 21116, LicenseKey: "-"}
	require.False(t, cfg.LicenseEnabled())
	cfg.LicenseKey = ""
	require.False(t, cfg.LicenseEnabled())
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad port":      "port: 1\n",
		"bad mask":      "port: 21116\nmask: not-a-cidr\n",
		"bad localIP":   "port: 21116\nlocalIP: nope\n",
		"bad retention": "port: 21116\npeerRetentionHours: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("ALWAYS_USE_RELAY", "y")
	cfg, err := Load(writeConfig(t, "port: 21116\n"))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.JWTSecret)
	require.True(t, cfg.AlwaysUseRelay)
	require.Equal(t, "enterprise.sqlite3", cfg.DatabasePath)
}
