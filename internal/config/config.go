// Package config loads server and agent settings from defaults, an
// optional config file, COLLABTEXT_* environment variables and bound
// command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "COLLABTEXT"

// Setting keys. Flags are bound under the same names with dashes.
const (
	KeyListenAddr       = "listen_addr"
	KeyLogLevel         = "log_level"
	KeyRoomCapacity     = "room_capacity"
	KeyChatHistory      = "chat_history"
	KeyReapInterval     = "reap_interval"
	KeyLivenessWindow   = "liveness_window"
	KeyPingInterval     = "ping_interval"
	KeySendBuffer       = "send_buffer"
	KeyRoomLookupURL    = "room_lookup_url"
	KeyRedisAddr        = "redis_addr"
	KeyRedisRoomsKey    = "redis_rooms_key"
	KeyDatabaseURL      = "database_url"
	KeyS3Bucket         = "s3_bucket"
	KeyS3Region         = "s3_region"
	KeyS3Endpoint       = "s3_endpoint"
	KeySinkBuffer       = "sink_buffer"
	KeyDiscovery        = "discovery"
	KeyDiscoveryService = "discovery_service"

	KeyServerURL    = "server_url"
	KeyRoomID       = "room_id"
	KeyUserID       = "user_id"
	KeyDisplayName  = "display_name"
	KeySnapshotPath = "snapshot_path"
)

var ErrInvalid = errors.New("config: invalid setting")

// New returns a viper instance with every default set and environment
// lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyListenAddr, ":8081")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyRoomCapacity, 3)
	v.SetDefault(KeyChatHistory, 100)
	v.SetDefault(KeyReapInterval, 15*time.Second)
	v.SetDefault(KeyLivenessWindow, 45*time.Second)
	v.SetDefault(KeyPingInterval, 15*time.Second)
	v.SetDefault(KeySendBuffer, 256)
	v.SetDefault(KeyRoomLookupURL, "")
	v.SetDefault(KeyRedisAddr, "")
	v.SetDefault(KeyRedisRoomsKey, "collabtext:rooms")
	v.SetDefault(KeyDatabaseURL, "")
	v.SetDefault(KeyS3Bucket, "")
	v.SetDefault(KeyS3Region, "us-east-1")
	v.SetDefault(KeyS3Endpoint, "")
	v.SetDefault(KeySinkBuffer, 128)
	v.SetDefault(KeyDiscovery, false)
	v.SetDefault(KeyDiscoveryService, "_collabtext._tcp")

	v.SetDefault(KeyServerURL, "")
	v.SetDefault(KeyRoomID, "")
	v.SetDefault(KeyUserID, "")
	v.SetDefault(KeyDisplayName, "")
	v.SetDefault(KeySnapshotPath, "collabtext-agent.db")
	return v
}

// ReadFile merges the config file at path into v. An empty path is a
// no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// BindFlags binds each key to the flag of the same name with dashes. A
// flag only overrides the file and environment when it is set explicitly.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys ...string) error {
	for _, key := range keys {
		name := strings.ReplaceAll(key, "_", "-")
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("bind %s: no flag --%s", key, name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// Server is the sync server configuration.
type Server struct {
	ListenAddr       string
	LogLevel         slog.Level
	RoomCapacity     int
	ChatHistory      int
	ReapInterval     time.Duration
	LivenessWindow   time.Duration
	PingInterval     time.Duration
	SendBuffer       int
	RoomLookupURL    string
	RedisAddr        string
	RedisRoomsKey    string
	DatabaseURL      string
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	SinkBuffer       int
	Discovery        bool
	DiscoveryService string
}

// LoadServer reads and validates the server settings.
func LoadServer(v *viper.Viper) (Server, error) {
	level, err := ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return Server{}, err
	}
	cfg := Server{
		ListenAddr:       v.GetString(KeyListenAddr),
		LogLevel:         level,
		RoomCapacity:     v.GetInt(KeyRoomCapacity),
		ChatHistory:      v.GetInt(KeyChatHistory),
		ReapInterval:     v.GetDuration(KeyReapInterval),
		LivenessWindow:   v.GetDuration(KeyLivenessWindow),
		PingInterval:     v.GetDuration(KeyPingInterval),
		SendBuffer:       v.GetInt(KeySendBuffer),
		RoomLookupURL:    v.GetString(KeyRoomLookupURL),
		RedisAddr:        v.GetString(KeyRedisAddr),
		RedisRoomsKey:    v.GetString(KeyRedisRoomsKey),
		DatabaseURL:      v.GetString(KeyDatabaseURL),
		S3Bucket:         v.GetString(KeyS3Bucket),
		S3Region:         v.GetString(KeyS3Region),
		S3Endpoint:       v.GetString(KeyS3Endpoint),
		SinkBuffer:       v.GetInt(KeySinkBuffer),
		Discovery:        v.GetBool(KeyDiscovery),
		DiscoveryService: v.GetString(KeyDiscoveryService),
	}
	return cfg, cfg.Validate()
}

func (c Server) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("%w: %s is empty", ErrInvalid, KeyListenAddr))
	}
	for _, f := range []struct {
		key string
		n   int
	}{
		{KeyRoomCapacity, c.RoomCapacity},
		{KeyChatHistory, c.ChatHistory},
		{KeySendBuffer, c.SendBuffer},
		{KeySinkBuffer, c.SinkBuffer},
	} {
		if f.n < 1 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, f.key, f.n))
		}
	}
	for _, f := range []struct {
		key string
		d   time.Duration
	}{
		{KeyReapInterval, c.ReapInterval},
		{KeyLivenessWindow, c.LivenessWindow},
		{KeyPingInterval, c.PingInterval},
	} {
		if f.d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, f.key, f.d))
		}
	}
	if c.PingInterval > 0 && c.LivenessWindow > 0 && c.LivenessWindow <= c.PingInterval {
		errs = append(errs, fmt.Errorf("%w: %s (%s) must exceed %s (%s)",
			ErrInvalid, KeyLivenessWindow, c.LivenessWindow, KeyPingInterval, c.PingInterval))
	}
	return errors.Join(errs...)
}

// DetectionBound is the longest a silently dead connection keeps its
// member slot.
func (c Server) DetectionBound() time.Duration {
	return c.LivenessWindow + c.ReapInterval
}

// Agent is the headless client configuration.
type Agent struct {
	LogLevel         slog.Level
	ServerURL        string
	RoomID           string
	UserID           string
	DisplayName      string
	SnapshotPath     string
	Discovery        bool
	DiscoveryService string
}

// LoadAgent reads and validates the agent settings.
func LoadAgent(v *viper.Viper) (Agent, error) {
	level, err := ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return Agent{}, err
	}
	cfg := Agent{
		LogLevel:         level,
		ServerURL:        v.GetString(KeyServerURL),
		RoomID:           v.GetString(KeyRoomID),
		UserID:           v.GetString(KeyUserID),
		DisplayName:      v.GetString(KeyDisplayName),
		SnapshotPath:     v.GetString(KeySnapshotPath),
		Discovery:        v.GetBool(KeyDiscovery),
		DiscoveryService: v.GetString(KeyDiscoveryService),
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.UserID
	}

	var errs []error
	if cfg.RoomID == "" {
		errs = append(errs, fmt.Errorf("%w: %s is required", ErrInvalid, KeyRoomID))
	}
	if cfg.UserID == "" {
		errs = append(errs, fmt.Errorf("%w: %s is required", ErrInvalid, KeyUserID))
	}
	if cfg.ServerURL == "" && !cfg.Discovery {
		errs = append(errs, fmt.Errorf("%w: set %s or enable %s", ErrInvalid, KeyServerURL, KeyDiscovery))
	}
	return cfg, errors.Join(errs...)
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalid, KeyLogLevel, s)
	}
	return level, nil
}
