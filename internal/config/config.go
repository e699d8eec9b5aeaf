package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire rendezvous server configuration, loaded from a
// YAML file with environment-variable fallbacks for secrets.
type Config struct {
	// Port is the base listening port P: UDP and main TCP listen on P,
	// the NAT-probe listener on P-1, the WebSocket listener on P+2.
	Port int `yaml:"port"`

	// Serial is the configuration serial pushed to clients whose bootstrap
	// list is older.
	Serial int32 `yaml:"serial"`

	// RelayServers is the operator-configured relay pool, comma separated.
	RelayServers string `yaml:"relayServers"`

	// RendezvousServers is the bootstrap list sent in ConfigUpdate.
	RendezvousServers string `yaml:"rendezvousServers"`

	// LicenseKey gates punch-hole service use. Empty or "-" disables the check.
	LicenseKey string `yaml:"licenseKey"`

	// RmemBytes is the UDP receive-buffer size hint. Zero keeps the OS default.
	RmemBytes int `yaml:"rmemBytes"`

	// Mask is the LAN CIDR used to detect same-network peers, e.g. 192.168.0.0/16.
	Mask string `yaml:"mask"`

	// LocalIP overrides the autodetected local address used with Mask.
	LocalIP string `yaml:"localIP"`

	// AlwaysUseRelay forces relay assignment and suppresses direct-address
	// disclosure in punch-hole responses.
	AlwaysUseRelay bool `yaml:"alwaysUseRelay"`

	// PeerRetentionHours evicts directory entries idle longer than this.
	// Zero retains peers indefinitely.
	PeerRetentionHours int `yaml:"peerRetentionHours"`

	DatabasePath string `yaml:"databasePath"`
	JWTSecret    string `yaml:"jwtSecret"`

	// Session timeouts per permission tier, in minutes.
	AuthSessionTimeoutMinutes int `yaml:"authSessionTimeoutMinutes"`
	AnonSessionTimeoutMinutes int `yaml:"anonSessionTimeoutMinutes"`
}

// NATPort returns the NAT-probe listener port.
func (c *Config) NATPort() int { return c.Port - 1 }

// WSPort returns the WebSocket-framed listener port.
func (c *Config) WSPort() int { return c.Port + 2 }

// LicenseEnabled reports whether the license-key gate is active.
func (c *Config) LicenseEnabled() bool {
	return c.LicenseKey != "" && c.LicenseKey != "-"
}

// RelayServerList splits the configured relay list, dropping empty entries.
func (c *Config) RelayServerList() []string { return splitList(c.RelayServers) }

// RendezvousServerList splits the configured rendezvous bootstrap list.
func (c *Config) RendezvousServerList() []string { return splitList(c.RendezvousServers) }

// LANMask parses the configured LAN CIDR. Returns nil when unset.
func (c *Config) LANMask() *net.IPNet {
	if c.Mask == "" {
		return nil
	}
	_, ipnet, err := net.ParseCIDR(c.Mask)
	if err != nil {
		return nil
	}
	return ipnet
}

// PeerRetention returns the directory retention window, zero meaning forever.
func (c *Config) PeerRetention() time.Duration {
	return time.Duration(c.PeerRetentionHours) * time.Hour
}

// AuthSessionTimeout is the idle timeout for authenticated device sessions.
func (c *Config) AuthSessionTimeout() time.Duration {
	if c.AuthSessionTimeoutMinutes <= 0 {
		return 8 * time.Hour
	}
	return time.Duration(c.AuthSessionTimeoutMinutes) * time.Minute
}

// AnonSessionTimeout is the idle timeout for anonymous device sessions.
func (c *Config) AnonSessionTimeout() time.Duration {
	if c.AnonSessionTimeoutMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.AnonSessionTimeoutMinutes) * time.Minute
}

// SplitList splits a comma-separated host list, dropping empty entries.
func SplitList(s string) []string { return splitList(s) }

func splitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate performs comprehensive validation of the loaded configuration.
func (c *Config) validate() error {
	if c.Port < 3 || c.Port > 65533 {
		return fmt.Errorf("port must be between 3 and 65533, got %d", c.Port)
	}
	if c.Serial < 0 {
		return fmt.Errorf("serial cannot be negative")
	}
	if c.RmemBytes < 0 {
		return fmt.Errorf("rmemBytes cannot be negative")
	}
	if c.PeerRetentionHours < 0 {
		return fmt.Errorf("peerRetentionHours cannot be negative")
	}
	if c.Mask != "" {
		if _, _, err := net.ParseCIDR(c.Mask); err != nil {
			return fmt.Errorf("invalid mask %q: %w", c.Mask, err)
		}
	}
	if c.LocalIP != "" && net.ParseIP(c.LocalIP) == nil {
		return fmt.Errorf("invalid localIP %q", c.LocalIP)
	}
	return nil
}

// Load reads the configuration from the given file path, unmarshals it,
// applies environment fallbacks, and performs validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnv fills secrets and operational toggles from the environment when
// the file leaves them unset.
func (c *Config) applyEnv() {
	if c.JWTSecret == "" {
		c.JWTSecret = os.Getenv("JWT_SECRET")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = os.Getenv("ENTERPRISE_DB_URL")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "enterprise.sqlite3"
	}
	if !c.AlwaysUseRelay && strings.EqualFold(os.Getenv("ALWAYS_USE_RELAY"), "Y") {
		c.AlwaysUseRelay = true
	}
	if c.LicenseKey == "" {
		c.LicenseKey = os.Getenv("KEY")
	}
}
