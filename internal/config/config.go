package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete canrec configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig    `yaml:"camera"`
	Bus              BusConfig       `yaml:"bus"`
	Recording        RecordingConfig `yaml:"recording"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Preview          PreviewConfig   `yaml:"preview"`
	Health           HealthConfig    `yaml:"health"`

	bus BusSettings
}

// CameraConfig contains capture device and artifact settings
type CameraConfig struct {
	DeviceIndex      int      `yaml:"device_index"`
	DeviceURL        string   `yaml:"device_url"` // rtsp, http or https; overrides device_index
	Backend          string   `yaml:"backend"`    // gocv (default) or gst
	Width            int      `yaml:"width"`      // gst backend output size
	Height           int      `yaml:"height"`
	SaveDirectory    string   `yaml:"save_directory"`
	FallbackFPS      float64  `yaml:"fallback_fps"`
	Codecs           []string `yaml:"codecs"`
	Extension        string   `yaml:"extension"`
	MinArtifactBytes int64    `yaml:"min_artifact_bytes"`
	MaxNameAttempts  int      `yaml:"max_name_attempts"`
	ReadBackoffMS    int      `yaml:"read_backoff_ms"`
	SettleDelayMS    int      `yaml:"settle_delay_ms"`
	JoinTimeoutMS    int      `yaml:"join_timeout_ms"`
}

// BusConfig is the raw bus section as written in the file. Identifiers are
// hex strings; use Config.BusSettings for the validated values.
type BusConfig struct {
	Interface  string `yaml:"interface"` // socketcan, mqtt or virtual
	Channel    string `yaml:"channel"`
	Bitrate    int    `yaml:"bitrate"`
	BeginID    string `yaml:"begin_id"`
	EndID      string `yaml:"end_id"`
	LogTraffic bool   `yaml:"log_traffic"`
}

// BusSettings is the validated, typed bus configuration
type BusSettings struct {
	Interface  string
	Channel    string
	Bitrate    int
	BeginID    uint32
	EndID      uint32
	LogTraffic bool
}

// RecordingConfig contains recording lifecycle settings
type RecordingConfig struct {
	ShutdownLabel string `yaml:"shutdown_label"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the
// status emitter and the control plane.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Status  string `yaml:"status"`
	Control string `yaml:"control"`
	Bus     string `yaml:"bus"` // gateway frame prefix for the mqtt bus interface
}

// PreviewConfig contains live preview settings
type PreviewConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Addr        string  `yaml:"addr"`
	MaxFPS      float64 `yaml:"max_fps"`
	JPEGQuality int     `yaml:"jpeg_quality"`
}

// HealthConfig contains health server settings
type HealthConfig struct {
	Port string `yaml:"port"` // default: 8080
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// BusSettings returns the bus values checked by Validate
func (c *Config) BusSettings() BusSettings {
	return c.bus
}

// ShutdownTimeout returns the graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// ms converts a millisecond setting, leaving zero to the component default
func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ReadBackoff returns the frame read retry backoff
func (c CameraConfig) ReadBackoff() time.Duration { return ms(c.ReadBackoffMS) }

// SettleDelay returns the device re-query delay
func (c CameraConfig) SettleDelay() time.Duration { return ms(c.SettleDelayMS) }

// JoinTimeout returns the capture loop join bound
func (c CameraConfig) JoinTimeout() time.Duration { return ms(c.JoinTimeoutMS) }

// UsesURL reports whether the camera is a network stream
func (c CameraConfig) UsesURL() bool {
	return c.DeviceURL != ""
}

// ResponseTopic is where control plane replies are published
func (t MQTTTopics) ResponseTopic() string {
	return t.Control + "/response"
}
