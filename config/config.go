package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"meshchat/storage"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "meshchat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "MESHCHAT_DATA_DIR"
	// DefaultListenAddress is used when no listen address is configured.
	DefaultListenAddress = ":9999"

	DefaultMaxRetries    = 3
	DefaultRetryInterval = 5 * time.Second
	DefaultBroadcastTTL  = 5
	DefaultSeenCacheSize = 4096
	DefaultSeenCacheTTL  = 10 * time.Minute

	configFileName = "config.json"
	keysDirName    = "keys"
)

// Duration is a time.Duration persisted as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// StaticPeer is a peer configured by hand: its key is trusted as written
// and its address is dialed directly.
type StaticPeer struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
	Address   string `json:"address,omitempty"`
}

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	UserID         string       `json:"user_id"`
	DisplayName    string       `json:"display_name"`
	ListenAddress  string       `json:"listen_address"`
	PrivateKeyPath string       `json:"private_key_path"`
	PacketKeyPath  string       `json:"packet_key_path"`
	DatabasePath   string       `json:"database_path"`
	MaxRetries     int          `json:"max_retries"`
	RetryInterval  Duration     `json:"retry_interval"`
	BroadcastTTL   int          `json:"broadcast_ttl"`
	SeenCacheSize  int          `json:"seen_cache_size"`
	SeenCacheTTL   Duration     `json:"seen_cache_ttl"`
	Discovery      bool         `json:"discovery"`
	Peers          []StaticPeer `json:"peers,omitempty"`
}

// CurrentUserID returns the configured local user id.
func (c *NodeConfig) CurrentUserID() string {
	if c == nil {
		return ""
	}
	return c.UserID
}

// UpsertPeer adds peer or replaces the entry with the same id.
func (c *NodeConfig) UpsertPeer(peer StaticPeer) {
	for i := range c.Peers {
		if c.Peers[i].ID == peer.ID {
			c.Peers[i] = peer
			return
		}
	}
	c.Peers = append(c.Peers, peer)
}

// Validate reports settings LoadOrCreate cannot repair on its own.
func (c *NodeConfig) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.ContainsAny(c.UserID, " /\x00") {
		return fmt.Errorf("user_id %q must not contain spaces, slashes or NUL", c.UserID)
	}
	seen := make(map[string]struct{}, len(c.Peers))
	for _, peer := range c.Peers {
		if peer.ID == "" || peer.PublicKey == "" {
			return fmt.Errorf("peer entry %q needs an id and a public key", peer.ID)
		}
		if peer.ID == c.UserID {
			return fmt.Errorf("peer entry %q is the local user", peer.ID)
		}
		if _, dup := seen[peer.ID]; dup {
			return fmt.Errorf("duplicate peer entry %q", peer.ID)
		}
		seen[peer.ID] = struct{}{}
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MESHCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, keysDirName)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist under dataDir, then
// returns both. An empty dataDir resolves through ResolveDataDir.
func LoadOrCreate(dataDir string) (*NodeConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *NodeConfig {
	cfg := &NodeConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "meshchat node"
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, keysDirName)

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if field.Duration <= 0 {
			field.Duration = value
			updated = true
		}
	}

	setString(&cfg.UserID, "user-"+uuid.NewString()[:8])
	setString(&cfg.DisplayName, defaultDisplayName())
	setString(&cfg.ListenAddress, DefaultListenAddress)
	setString(&cfg.PrivateKeyPath, filepath.Join(keysDir, "identity.pem"))
	setString(&cfg.PacketKeyPath, filepath.Join(keysDir, "packet_key.pem"))
	setString(&cfg.DatabasePath, filepath.Join(dataDir, storage.DefaultDBFileName))
	setInt(&cfg.MaxRetries, DefaultMaxRetries)
	setDuration(&cfg.RetryInterval, DefaultRetryInterval)
	setInt(&cfg.BroadcastTTL, DefaultBroadcastTTL)
	setInt(&cfg.SeenCacheSize, DefaultSeenCacheSize)
	setDuration(&cfg.SeenCacheTTL, DefaultSeenCacheTTL)

	return updated
}
