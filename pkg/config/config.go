// Package config loads the operator-facing daemon configuration: log
// level/format, metrics/web/mqtt/database enablement, and a named map of
// duplex-session profiles. It is distinct from the per-start parameter
// struct supplied programmatically by the external caller at Start() time
// and never persisted.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config is the top-level daemon configuration.
type Config struct {
	Logging  LoggingConfig            `mapstructure:"logging"`
	Metrics  MetricsConfig            `mapstructure:"metrics"`
	Web      WebConfig                `mapstructure:"web"`
	MQTT     MQTTConfig               `mapstructure:"mqtt"`
	Database DatabaseConfig           `mapstructure:"database"`
	Profiles map[string]ProfileConfig `mapstructure:"profiles"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds runtime-counter exposition configuration.
type MetricsConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig holds Prometheus exposition configuration.
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// WebConfig holds the diagnostics websocket/HTTP server configuration.
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// MQTTConfig holds the diagnostics event publisher configuration.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	QoS         byte   `mapstructure:"qos"`
	Retained    bool   `mapstructure:"retained"`
}

// DatabaseConfig holds the diagnostic flight-recorder database
// configuration. It records recovery/underrun/clock-established history,
// never session parameters.
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ProfileConfig describes one named duplex-session profile: the
// operator-facing knobs a caller turns into a session.StartParams (§6) at
// Start() time. StreamMode is "blocking" or "nonblocking" (spec §4.B).
type ProfileConfig struct {
	StreamMode       string `mapstructure:"stream_mode"`
	PCMChannels      int    `mapstructure:"pcm_channels"`
	AM824Slots       int    `mapstructure:"am824_slots"`
	ZeroCopyEnabled  bool   `mapstructure:"zero_copy_enabled"`
	ITPackets        int    `mapstructure:"it_packets"`
	IRBuffers        int    `mapstructure:"ir_buffers"`
	AdaptiveFillBase uint32 `mapstructure:"adaptive_fill_base"`
	SID              int    `mapstructure:"sid"`
}

// Load loads configuration from file and environment variables.
func Load(configFile string) (*Config, error) {
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/fwaudio-core")
	}

	viper.SetEnvPrefix("FWAUDIO")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is OK, use defaults.
		} else if os.IsNotExist(err) {
			// File explicitly specified but doesn't exist - also OK.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.prometheus.enabled", false)
	viper.SetDefault("metrics.prometheus.port", 9100)
	viper.SetDefault("metrics.prometheus.path", "/metrics")

	viper.SetDefault("web.enabled", false)
	viper.SetDefault("web.host", "127.0.0.1")
	viper.SetDefault("web.port", 8090)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.topic_prefix", "fwaudio")
	viper.SetDefault("mqtt.qos", byte(0))

	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.path", "fwaudio-core.db")

	viper.SetDefault("profiles.default.stream_mode", "blocking")
	viper.SetDefault("profiles.default.pcm_channels", 2)
	viper.SetDefault("profiles.default.am824_slots", 2)
	viper.SetDefault("profiles.default.zero_copy_enabled", false)
	viper.SetDefault("profiles.default.it_packets", 200)
	viper.SetDefault("profiles.default.ir_buffers", 64)
	viper.SetDefault("profiles.default.adaptive_fill_base", uint32(64))
	viper.SetDefault("profiles.default.sid", 0)
}
