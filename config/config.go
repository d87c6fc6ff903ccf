package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "linkbridge"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LINKBRIDGE_DATA_DIR"

	DefaultHTTPPort = 8080
	DefaultTCPPort  = 8081
	DefaultUDPPort  = 8082
	DefaultQUICPort = 8083

	DefaultChunkSize     = 1024 * 1024
	DefaultMaxConcurrent = 3
	DefaultChecksum      = "md5"

	configFileName = "config.yaml"
)

var (
	knownTransports = map[string]bool{"tcp": true, "websocket": true, "http": true, "udp": true, "quic": true, "bluetooth": true}
	knownChecksums  = map[string]bool{"md5": true, "sha256": true, "blake3": true, "blake2b": true}
)

// Config is the persisted linkbridge configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Transfer TransferConfig `yaml:"transfer"`
	Queue    QueueConfig    `yaml:"queue"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
}

// DeviceConfig identifies this device to peers.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ServerConfig lists listener ports. A zero port disables that listener.
type ServerConfig struct {
	BindAddress string `yaml:"bind_address"`
	HTTPPort    int    `yaml:"http_port"`
	TCPPort     int    `yaml:"tcp_port"`
	UDPPort     int    `yaml:"udp_port"`
	QUICPort    int    `yaml:"quic_port"`
	TCPFraming  string `yaml:"tcp_framing"`
	Advertise   bool   `yaml:"advertise"`
}

// ClientConfig tunes connection establishment.
type ClientConfig struct {
	PreferredTransport string        `yaml:"preferred_transport"`
	FallbackOrder      []string      `yaml:"fallback_order"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// TransferConfig tunes the transfer engine.
type TransferConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	GracePeriod   time.Duration `yaml:"grace_period"`
	ChunkDelay    time.Duration `yaml:"chunk_delay"`
	Checksum      string        `yaml:"checksum"`
	Compression   string        `yaml:"compression"`
	DownloadDir   string        `yaml:"download_dir"`
	ShareDir      string        `yaml:"share_dir"`
}

// QueueConfig tunes per-peer reliable delivery.
type QueueConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Capacity   int           `yaml:"capacity"`
}

// RegistryConfig tunes client liveness tracking.
type RegistryConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// LogConfig configures the logging package.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LINKBRIDGE_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.yaml from disk.
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

// Save marshals and writes config.yaml to disk.
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

// LoadOrCreate ensures directories and config exist, then returns both.
//
// Environment overrides are applied to the returned value only; they are
// never written back to disk.
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

		cfg = Default(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

// Default returns a complete configuration rooted at dataDir.
func Default(dataDir string) *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive, got %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.MaxConcurrent <= 0 {
		return fmt.Errorf("transfer.max_concurrent must be positive, got %d", c.Transfer.MaxConcurrent)
	}
	if !knownChecksums[c.Transfer.Checksum] {
		return fmt.Errorf("transfer.checksum %q is not supported", c.Transfer.Checksum)
	}
	switch c.Transfer.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("transfer.compression %q is not supported", c.Transfer.Compression)
	}
	if c.Client.PreferredTransport != "" && !knownTransports[c.Client.PreferredTransport] {
		return fmt.Errorf("client.preferred_transport %q is not supported", c.Client.PreferredTransport)
	}
	for _, name := range c.Client.FallbackOrder {
		if !knownTransports[name] {
			return fmt.Errorf("client.fallback_order entry %q is not supported", name)
		}
	}
	if c.Client.RetryAttempts <= 0 {
		return fmt.Errorf("client.retry_attempts must be positive, got %d", c.Client.RetryAttempts)
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("queue.max_retries must be positive, got %d", c.Queue.MaxRetries)
	}
	for name, port := range map[string]int{
		"http_port": c.Server.HTTPPort,
		"tcp_port":  c.Server.TCPPort,
		"udp_port":  c.Server.UDPPort,
		"quic_port": c.Server.QUICPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("server.%s out of range: %d", name, port)
		}
	}
	return nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "linkbridge device"
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *time.Duration, value time.Duration) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.Device.ID, uuid.NewString())
	setString(&cfg.Device.Name, defaultDeviceName())

	setString(&cfg.Server.BindAddress, "0.0.0.0")
	setInt(&cfg.Server.HTTPPort, DefaultHTTPPort)
	setInt(&cfg.Server.TCPPort, DefaultTCPPort)
	setInt(&cfg.Server.UDPPort, DefaultUDPPort)
	setInt(&cfg.Server.QUICPort, DefaultQUICPort)
	setString(&cfg.Server.TCPFraming, "length")

	setString(&cfg.Client.PreferredTransport, "tcp")
	if len(cfg.Client.FallbackOrder) == 0 {
		cfg.Client.FallbackOrder = []string{"tcp", "websocket", "http", "udp"}
		updated = true
	}
	setInt(&cfg.Client.RetryAttempts, 3)
	setDuration(&cfg.Client.RetryDelay, time.Second)
	setDuration(&cfg.Client.ConnectTimeout, 10*time.Second)
	setDuration(&cfg.Client.RequestTimeout, 10*time.Second)

	setInt(&cfg.Transfer.ChunkSize, DefaultChunkSize)
	setInt(&cfg.Transfer.MaxConcurrent, DefaultMaxConcurrent)
	setDuration(&cfg.Transfer.GracePeriod, 500*time.Millisecond)
	setDuration(&cfg.Transfer.ChunkDelay, 10*time.Millisecond)
	setString(&cfg.Transfer.Checksum, DefaultChecksum)
	setString(&cfg.Transfer.Compression, "none")
	setString(&cfg.Transfer.DownloadDir, filepath.Join(dataDir, "downloads"))

	setInt(&cfg.Queue.MaxRetries, 3)
	setDuration(&cfg.Queue.RetryDelay, time.Second)
	setInt(&cfg.Queue.Capacity, 256)

	setDuration(&cfg.Registry.InactivityTimeout, 5*time.Minute)
	setDuration(&cfg.Registry.SweepInterval, 5*time.Minute)

	setString(&cfg.Log.Level, "info")
	setString(&cfg.Log.Format, "console")

	return updated
}

func applyEnv(cfg *Config) error {
	if level := os.Getenv("LINKBRIDGE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = strings.ToLower(level)
	}
	if transport := os.Getenv("LINKBRIDGE_PREFERRED_TRANSPORT"); transport != "" {
		cfg.Client.PreferredTransport = strings.ToLower(transport)
	}

	ports := []struct {
		env   string
		field *int
	}{
		{"LINKBRIDGE_HTTP_PORT", &cfg.Server.HTTPPort},
		{"LINKBRIDGE_TCP_PORT", &cfg.Server.TCPPort},
	}
	for _, p := range ports {
		raw := os.Getenv(p.env)
		if raw == "" {
			continue
		}
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", p.env, err)
		}
		*p.field = port
	}
	return nil
}
