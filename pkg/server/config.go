package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Rooms  RoomsSection  `toml:"rooms"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	SSHPort      int    `toml:"ssh_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	DatabasePath string `toml:"database_path"`
	LogDir       string `toml:"log_dir"`
}

type LimitsSection struct {
	MaxMessageLength  int `toml:"max_message_length"`
	MaxUsernameLength int `toml:"max_username_length"`
	OutboundQueueSize   int `toml:"outbound_queue_size"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

type RoomsSection struct {
	EmptyRoomTTLSeconds     int    `toml:"empty_room_ttl_seconds"`
	DuplicateUsernamePolicy string `toml:"duplicate_username_policy"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:    5555,
			SSHHostKey: "~/.roomchat/ssh_host_key",
		},
		Limits: LimitsSection{
			MaxMessageLength:  4096,
			MaxUsernameLength: 32,
			OutboundQueueSize:   256,
			WriteTimeoutSeconds: 10,
		},
		Rooms: RoomsSection{
			DuplicateUsernamePolicy: string(PolicyReplace),
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only home still gets a running server with defaults.
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	// Sections missing from the file keep their defaults
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern ROOMCHAT_SECTION_KEY, for example
// ROOMCHAT_SERVER_TCP_PORT=6000.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt("ROOMCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("ROOMCHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("ROOMCHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("ROOMCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("ROOMCHAT_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("ROOMCHAT_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("ROOMCHAT_SERVER_LOG_DIR", &config.Server.LogDir)

	envInt("ROOMCHAT_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("ROOMCHAT_LIMITS_MAX_USERNAME_LENGTH", &config.Limits.MaxUsernameLength)
	envInt("ROOMCHAT_LIMITS_OUTBOUND_QUEUE_SIZE", &config.Limits.OutboundQueueSize)
	envInt("ROOMCHAT_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)

	envInt("ROOMCHAT_ROOMS_EMPTY_ROOM_TTL_SECONDS", &config.Rooms.EmptyRoomTTLSeconds)
	envString("ROOMCHAT_ROOMS_DUPLICATE_USERNAME_POLICY", &config.Rooms.DuplicateUsernamePolicy)

	return config
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# roomchat server configuration
# This file was auto-generated with default values.
# Restart the server for changes to take effect.
#
# Environment variables can override these settings:
# ROOMCHAT_SECTION_KEY (e.g., ROOMCHAT_SERVER_TCP_PORT=6000)

[server]
# Port for plain TCP connections
tcp_port = 5555

# Port for SSH connections (0 = disabled)
ssh_port = 0

# Port for the WebSocket endpoint /ws (0 = disabled)
http_port = 0

# Port for /metrics and /health (0 = disabled). Internal only.
metrics_port = 0

# Path to SSH host key file, generated on first start
ssh_host_key = "~/.roomchat/ssh_host_key"

# SQLite audit log of connections and room lifecycle (empty = disabled)
database_path = ""

# Directory for errors.log and server.log (empty = console only)
log_dir = ""

[limits]
# Maximum TEXT content length in bytes
max_message_length = 4096

# Maximum username length in bytes
max_username_length = 32

# Frames buffered per connection before a slow peer is dropped
outbound_queue_size = 256

# Seconds a single write may block before the peer is dropped (0 = no limit)
write_timeout_seconds = 10

[rooms]
# Rooms left empty this long are removed (0 = rooms live until shutdown)
empty_room_ttl_seconds = 0

# What happens when a username is already connected:
#   "replace" - the new connection wins, the old one is closed
#   "reject"  - the new connection is refused
duplicate_username_policy = "replace"
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	dbPath, err := expandHome(c.Server.DatabasePath)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.DatabasePath = dbPath

	logDir, err := expandHome(c.Server.LogDir)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.LogDir = logDir

	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxUsernameLength > 0 {
		cfg.MaxUsernameLength = c.Limits.MaxUsernameLength
	}
	if c.Limits.OutboundQueueSize > 0 {
		cfg.OutboundQueueSize = c.Limits.OutboundQueueSize
	}

	if c.Limits.WriteTimeoutSeconds < 0 {
		return ServerConfig{}, fmt.Errorf("write_timeout_seconds must not be negative, got %d", c.Limits.WriteTimeoutSeconds)
	}
	cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second

	if c.Rooms.EmptyRoomTTLSeconds < 0 {
		return ServerConfig{}, fmt.Errorf("empty_room_ttl_seconds must not be negative, got %d", c.Rooms.EmptyRoomTTLSeconds)
	}
	cfg.EmptyRoomTTL = time.Duration(c.Rooms.EmptyRoomTTLSeconds) * time.Second

	if c.Rooms.DuplicateUsernamePolicy != "" {
		policy, err := ParseDuplicatePolicy(c.Rooms.DuplicateUsernamePolicy)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.DuplicatePolicy = policy
	}

	return cfg, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
