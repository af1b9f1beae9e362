package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "wavelite"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "WAVELITE_DATA_DIR"
	// BackendMemory keeps relay records in process memory.
	BackendMemory = "memory"
	// BackendSQLite keeps relay records in relay.db under the data directory.
	BackendSQLite = "sqlite"
	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"
)

// Defaults used when a field is missing from the file.
const (
	DefaultRelayListen       = ":8787"
	DefaultRelayTTL          = 5 * time.Minute
	DefaultPollInterval      = 4 * time.Second
	DefaultJoinPollInterval  = 3 * time.Second
	DefaultConnectionTimeout = 120 * time.Second
	DefaultKeepAliveInterval = 10 * time.Second
	DefaultChunkSize         = 64 * 1024
	DefaultChannelCount      = 3
	DefaultSingleChannelMax  = 1024 * 1024
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
)

// Config is the persisted local configuration.
type Config struct {
	Identity    IdentityConfig    `yaml:"identity"`
	Relay       RelayConfig       `yaml:"relay"`
	ICE         ICEConfig         `yaml:"ice"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Log         LogConfig         `yaml:"log"`
}

type IdentityConfig struct {
	PeerID      string `yaml:"peer_id"`
	DisplayName string `yaml:"display_name"`
}

type RelayConfig struct {
	// Listen is the address `wavelite relay` binds.
	Listen string `yaml:"listen"`
	// URL is the relay peers talk to. Empty means browse for one over mDNS.
	URL       string        `yaml:"url"`
	Backend   string        `yaml:"backend"`
	TTL       time.Duration `yaml:"ttl"`
	Advertise bool          `yaml:"advertise"`
}

type ICEConfig struct {
	Servers         []string `yaml:"servers"`
	IncludeLoopback bool     `yaml:"include_loopback"`
}

type NegotiationConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	JoinPollInterval  time.Duration `yaml:"join_poll_interval"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

type TransferConfig struct {
	ChunkSize              int   `yaml:"chunk_size"`
	ChannelCount           int   `yaml:"channel_count"`
	SingleChannelThreshold int64 `yaml:"single_channel_threshold"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WAVELITE_DATA_DIR is set, its value is used as an explicit override.
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

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// FilesDir is where received files are written.
func FilesDir(dataDir string) string {
	return filepath.Join(dataDir, "files")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, FilesDir(dataDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals a config file from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes the config file to disk.
func Save(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// config, its path and the data directory.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
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

		cfg = Default()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, cfgPath, nil
}

// Default returns a fresh config with a new peer id.
func Default() *Config {
	cfg := &Config{}
	normalizeDefaults(cfg)
	return cfg
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.Relay.Backend {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("relay backend %q is not %s or %s", c.Relay.Backend, BackendMemory, BackendSQLite)
	}
	if c.Transfer.ChunkSize <= 12 {
		return fmt.Errorf("transfer chunk size %d is too small", c.Transfer.ChunkSize)
	}
	if c.Transfer.ChannelCount <= 0 {
		return fmt.Errorf("transfer channel count must be > 0")
	}
	if strings.TrimSpace(c.Identity.PeerID) == "" {
		return errors.New("identity peer id is required")
	}
	return nil
}

// BindFlags registers command-line overrides for the fields people change
// per run. Flags write straight into cfg, so bind after loading.
func (c *Config) BindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.Identity.DisplayName, "name", c.Identity.DisplayName, "display name announced to the peer")
	flags.StringVar(&c.Relay.URL, "relay-url", c.Relay.URL, "signaling relay base URL (empty: discover over mDNS)")
	flags.StringSliceVar(&c.ICE.Servers, "ice-server", c.ICE.Servers, "STUN/TURN server URL (repeatable)")
	flags.BoolVar(&c.ICE.IncludeLoopback, "loopback", c.ICE.IncludeLoopback, "offer loopback ICE candidates")
	flags.DurationVar(&c.Negotiation.ConnectionTimeout, "timeout", c.Negotiation.ConnectionTimeout, "give up connecting after this long")
	flags.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level (debug, info, warn, error)")
	flags.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format (console or json)")
}

// BindRelayFlags registers overrides for `wavelite relay`.
func (c *Config) BindRelayFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.Relay.Listen, "listen", c.Relay.Listen, "relay listen address")
	flags.StringVar(&c.Relay.Backend, "backend", c.Relay.Backend, "relay storage backend (memory or sqlite)")
	flags.DurationVar(&c.Relay.TTL, "ttl", c.Relay.TTL, "relay record lifetime")
	flags.BoolVar(&c.Relay.Advertise, "advertise", c.Relay.Advertise, "advertise the relay over mDNS")
}

func normalizeDefaults(cfg *Config) bool {
	updated := false
	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *time.Duration, value time.Duration) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.Identity.PeerID, uuid.NewString())
	setString(&cfg.Identity.DisplayName, defaultDisplayName())

	setString(&cfg.Relay.Listen, DefaultRelayListen)
	backend := strings.ToLower(strings.TrimSpace(cfg.Relay.Backend))
	if backend != BackendSQLite {
		backend = BackendMemory
	}
	if cfg.Relay.Backend != backend {
		cfg.Relay.Backend = backend
		updated = true
	}
	setDuration(&cfg.Relay.TTL, DefaultRelayTTL)

	setDuration(&cfg.Negotiation.PollInterval, DefaultPollInterval)
	setDuration(&cfg.Negotiation.JoinPollInterval, DefaultJoinPollInterval)
	setDuration(&cfg.Negotiation.ConnectionTimeout, DefaultConnectionTimeout)
	setDuration(&cfg.Negotiation.KeepAliveInterval, DefaultKeepAliveInterval)

	if cfg.Transfer.ChunkSize <= 0 {
		cfg.Transfer.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.Transfer.ChannelCount <= 0 {
		cfg.Transfer.ChannelCount = DefaultChannelCount
		updated = true
	}
	if cfg.Transfer.SingleChannelThreshold <= 0 {
		cfg.Transfer.SingleChannelThreshold = DefaultSingleChannelMax
		updated = true
	}

	setString(&cfg.Log.Level, DefaultLogLevel)
	setString(&cfg.Log.Format, DefaultLogFormat)
	return updated
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "WaveLite Peer"
}
