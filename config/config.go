// Package config loads and validates Bridge's application configuration,
// following the same viper-plus-validator shape the teacher service uses
// (api/integration-api/config/config.go): defaults are seeded into viper,
// environment variables override them, the result is unmarshalled into a
// typed struct and validated with struct tags.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig holds every tunable named in the Bridge's external interface
// spec: bind addresses, the EchoKit and MQTT endpoints, and the timing/
// buffer knobs that drive the jitter buffer, session manager and reconnect
// policy.
type AppConfig struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	LogLevel    string `mapstructure:"log_level" validate:"required"`

	UDPBindAddress  string `mapstructure:"udp_bind_address" validate:"required"`
	HTTPBindAddress string `mapstructure:"http_bind_address" validate:"required"`

	EchoKitWebsocketURL string `mapstructure:"echokit_websocket_url" validate:"required"`

	MQTTBrokerURL string `mapstructure:"mqtt_broker_url" validate:"required"`
	MQTTClientID  string `mapstructure:"mqtt_client_id" validate:"required"`
	MQTTQoS       byte   `mapstructure:"mqtt_qos"`

	MaxSessions        int `mapstructure:"max_sessions" validate:"required,gt=0"`
	JitterBufferFrames int `mapstructure:"jitter_buffer_frames" validate:"required,gt=0"`
	JitterReleaseMS    int `mapstructure:"jitter_release_ms" validate:"required,gt=0"`

	InactivityTimeoutMS int `mapstructure:"inactivity_timeout_ms" validate:"required,gt=0"`
	DrainTimeoutMS      int `mapstructure:"drain_timeout_ms" validate:"required,gt=0"`

	EgressRingDepth         int `mapstructure:"egress_ring_depth" validate:"required,gt=0"`
	HandshakeTimeoutMS      int `mapstructure:"handshake_timeout_ms" validate:"required,gt=0"`
	ReconnectCooldownMS     int `mapstructure:"reconnect_cooldown_ms" validate:"required,gt=0"`
	ShutdownDrainTimeoutMS  int `mapstructure:"shutdown_drain_timeout_ms" validate:"required,gt=0"`
	MinProtocolVersion      int `mapstructure:"min_protocol_version"`

	// ProvisionedDeviceIDs is a comma-separated allowlist of device ids
	// permitted to open a session. Empty means open access: Bridge has no
	// device-management API of its own (Non-goals), so this is the static
	// stand-in for one.
	ProvisionedDeviceIDs string `mapstructure:"provisioned_device_ids"`
}

// JitterRelease returns JitterReleaseMS as a time.Duration.
func (c *AppConfig) JitterRelease() time.Duration {
	return time.Duration(c.JitterReleaseMS) * time.Millisecond
}

// InactivityTimeout returns InactivityTimeoutMS as a time.Duration.
func (c *AppConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMS) * time.Millisecond
}

// DrainTimeout returns DrainTimeoutMS as a time.Duration.
func (c *AppConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

// HandshakeTimeout returns HandshakeTimeoutMS as a time.Duration.
func (c *AppConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// ReconnectCooldown returns ReconnectCooldownMS as a time.Duration.
func (c *AppConfig) ReconnectCooldown() time.Duration {
	return time.Duration(c.ReconnectCooldownMS) * time.Millisecond
}

// ShutdownDrainTimeout returns ShutdownDrainTimeoutMS as a time.Duration.
func (c *AppConfig) ShutdownDrainTimeout() time.Duration {
	return time.Duration(c.ShutdownDrainTimeoutMS) * time.Millisecond
}

// ProvisionedDevices splits ProvisionedDeviceIDs on commas, trimming
// whitespace and dropping empty entries. A nil result means open access.
func (c *AppConfig) ProvisionedDevices() []string {
	if strings.TrimSpace(c.ProvisionedDeviceIDs) == "" {
		return nil
	}
	fields := strings.Split(c.ProvisionedDeviceIDs, ",")
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			ids = append(ids, f)
		}
	}
	return ids
}

// InitConfig constructs a viper instance that reads ".env" (if present) then
// environment variables, mirroring the teacher's InitConfig.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("reading config from %s", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefaults(vConfig)

	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("no .env file found, relying on environment variables: %v", err)
	}

	return vConfig, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "bridge")
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("UDP_BIND_ADDRESS", "0.0.0.0:7000")
	v.SetDefault("HTTP_BIND_ADDRESS", "0.0.0.0:8080")

	v.SetDefault("ECHOKIT_WEBSOCKET_URL", "wss://echokit.local/ws")

	v.SetDefault("MQTT_BROKER_URL", "tcp://localhost:1883")
	v.SetDefault("MQTT_CLIENT_ID", "bridge")
	v.SetDefault("MQTT_QOS", 1)

	v.SetDefault("MAX_SESSIONS", 4000)
	v.SetDefault("JITTER_BUFFER_FRAMES", 8)
	v.SetDefault("JITTER_RELEASE_MS", 60)

	v.SetDefault("INACTIVITY_TIMEOUT_MS", 30000)
	v.SetDefault("DRAIN_TIMEOUT_MS", 5000)

	v.SetDefault("EGRESS_RING_DEPTH", 16)
	v.SetDefault("HANDSHAKE_TIMEOUT_MS", 5000)
	v.SetDefault("RECONNECT_COOLDOWN_MS", 30000)
	v.SetDefault("SHUTDOWN_DRAIN_TIMEOUT_MS", 5000)
	v.SetDefault("MIN_PROTOCOL_VERSION", 0)
	v.SetDefault("PROVISIONED_DEVICE_IDS", "")
}

// GetApplicationConfig unmarshals and validates v into an AppConfig.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if cfg.MQTTQoS > 2 {
		return nil, fmt.Errorf("validate config: mqtt_qos must be 0, 1 or 2, got %d", cfg.MQTTQoS)
	}

	return &cfg, nil
}
