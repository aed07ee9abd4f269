// Package config loads colony's process configuration from a TOML file,
// environment variables, and flags, grounded on hive/config/config.go's
// viper + mapstructure shape.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a colony process.
type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
	Storage StorageConfig `mapstructure:"storage"`
	Actor   ActorConfig   `mapstructure:"actor"`
	NATS    NATSConfig    `mapstructure:"nats"`

	// Dev enables verbose logging and surfaces internal error causes on the
	// wire (colonyerr.ForClient's "development mode").
	Dev bool `mapstructure:"dev"`
}

// GatewayConfig holds the HTTP/WebSocket surface's bind address and
// auxiliary policy knobs.
type GatewayConfig struct {
	Host                 string `mapstructure:"host"`
	AllowOrigins         string `mapstructure:"allow_origins"`
	InspectorToken       string `mapstructure:"inspector_token"`
	EncodingPrefix       string `mapstructure:"encoding_prefix"`
	ConnParamsPrefix     string `mapstructure:"conn_params_prefix"`
	InspectorTokenPrefix string `mapstructure:"inspector_token_prefix"`

	// MaxIncomingMessageSize bounds a raw inbound wire frame (spec.md:148);
	// frames over the limit are rejected with colonyerr.MessageIncomingTooLong
	// instead of being queued. 0 selects connection.DefaultMaxMessageSize.
	MaxIncomingMessageSize int `mapstructure:"max_incoming_message_size"`
	// MaxOutgoingMessageSize bounds a raw outbound wire frame; frames over the
	// limit are rejected with colonyerr.MessageOutgoingTooLong instead of
	// being written. 0 selects connection.DefaultMaxMessageSize.
	MaxOutgoingMessageSize int `mapstructure:"max_outgoing_message_size"`
}

// StorageConfig holds the persistence layer's on-disk root.
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// ActorConfig mirrors colony/actor.Config's timeouts, expressed as
// TOML-friendly durations.
type ActorConfig struct {
	NoSleep           bool          `mapstructure:"no_sleep"`
	SleepTimeout      time.Duration `mapstructure:"sleep_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	RunStopTimeout    time.Duration `mapstructure:"run_stop_timeout"`
	WaitUntilTimeout  time.Duration `mapstructure:"wait_until_timeout"`
	MaxRestarts       int           `mapstructure:"max_restarts"`
	RestartWindow     time.Duration `mapstructure:"restart_window"`
	RestartBackoffMin time.Duration `mapstructure:"restart_backoff_min"`
	RestartBackoffMax time.Duration `mapstructure:"restart_backoff_max"`
	MaxAlarmLeg       time.Duration `mapstructure:"max_alarm_leg"`
}

// NATSConfig configures the connection manager's embedded broadcast bus
// liveness policy (the bus itself is always in-process; there is no
// external NATS cluster to point at, unlike the teacher's NATSConfig).
type NATSConfig struct {
	LivenessInterval time.Duration `mapstructure:"liveness_interval"`
	LivenessTimeout  time.Duration `mapstructure:"liveness_timeout"`
}

// LoadConfig loads configuration from configPath (TOML, if present), then
// environment variables prefixed COLONY_, following hive/config.LoadConfig's
// precedence (file, then env, then library defaults).
func LoadConfig(configPath string) (*Config, error) {
	viper.SetEnvPrefix("COLONY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("gateway.host", "0.0.0.0:8443")
	viper.SetDefault("gateway.max_incoming_message_size", 1<<20)
	viper.SetDefault("gateway.max_outgoing_message_size", 1<<20)
	viper.SetDefault("storage.base_dir", "/var/lib/colony")
	viper.SetDefault("actor.sleep_timeout", 30*time.Second)
	viper.SetDefault("actor.action_timeout", 60*time.Second)
	viper.SetDefault("actor.max_restarts", 3)
	viper.SetDefault("nats.liveness_interval", 5*time.Second)
	viper.SetDefault("nats.liveness_timeout", 2500*time.Millisecond)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			viper.SetConfigFile(configPath)
			viper.SetConfigType("toml")
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: reading config file: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintf(os.Stderr, "Config file not found: %s, using environment variables and defaults\n", configPath)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling config: %w", err)
	}

	if cfg.Storage.BaseDir == "" {
		return nil, fmt.Errorf("config: storage.base_dir is required")
	}

	return &cfg, nil
}
