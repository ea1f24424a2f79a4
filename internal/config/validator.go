package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/e7canasta/canrec/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// MaxBusID is the largest 29-bit extended identifier
const MaxBusID = 0x1FFFFFFF

// FieldError describes one invalid setting
type FieldError struct {
	Field   string
	Message string
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Message
}

// ValidationError enumerates every invalid field found by Validate.
// errors.Is(err, types.ErrBusConfiguration) holds when any bus field is invalid.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

// Is reports bus configuration failures as types.ErrBusConfiguration
func (e *ValidationError) Is(target error) bool {
	if target != types.ErrBusConfiguration {
		return false
	}
	for _, f := range e.Fields {
		if strings.HasPrefix(f.Field, "bus.") || f.Field == "mqtt.broker" {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Validate checks the configuration, fills defaults and computes the typed
// bus settings. It reports every invalid field at once.
func Validate(cfg *Config) error {
	verr := &ValidationError{}

	if cfg.InstanceID == "" {
		verr.add("instance_id", "is required")
	} else if !instanceIDPattern.MatchString(cfg.InstanceID) {
		verr.add("instance_id", "must match pattern [a-z0-9-]+")
	}

	validateCamera(&cfg.Camera, verr)

	bus, busErr := ValidateBus(cfg.Bus)
	if busErr != nil {
		var be *ValidationError
		if errors.As(busErr, &be) {
			verr.Fields = append(verr.Fields, be.Fields...)
		}
	}
	cfg.bus = bus

	if cfg.Recording.ShutdownLabel == "" {
		cfg.Recording.ShutdownLabel = "Shutdown"
	}

	validateMQTT(cfg, verr)
	validatePreview(&cfg.Preview, verr)

	if cfg.Health.Port == "" {
		cfg.Health.Port = "8080"
	} else if p, err := strconv.Atoi(cfg.Health.Port); err != nil || p < 0 || p > 65535 {
		verr.add("health.port", "invalid port %q", cfg.Health.Port)
	}

	return verr.orNil()
}

func validateCamera(c *CameraConfig, verr *ValidationError) {
	switch c.Backend {
	case "":
		c.Backend = "gocv"
	case "gocv", "gst":
	default:
		verr.add("camera.backend", "unknown backend %q (must be gocv or gst)", c.Backend)
	}

	if c.DeviceURL != "" {
		if err := ValidateDeviceURL(c.DeviceURL); err != nil {
			verr.add("camera.device_url", "%v", err)
		}
	} else {
		if c.DeviceIndex < 0 {
			verr.add("camera.device_index", "must be >= 0")
		}
		if c.Backend == "gst" {
			verr.add("camera.device_url", "is required by the gst backend")
		}
	}

	if c.Backend == "gst" {
		if c.Width <= 0 {
			c.Width = 640
		}
		if c.Height <= 0 {
			c.Height = 480
		}
	}

	if c.SaveDirectory == "" {
		verr.add("camera.save_directory", "is required")
	}
	if c.FallbackFPS <= 0 || c.FallbackFPS > 120 {
		c.FallbackFPS = 25
	}
	if len(c.Codecs) == 0 {
		c.Codecs = []string{"mp4v", "XVID"}
	}
	for _, codec := range c.Codecs {
		if len(codec) != 4 {
			verr.add("camera.codecs", "codec %q is not a fourcc", codec)
		}
	}
	if c.Extension == "" {
		c.Extension = ".mp4"
	} else if !strings.HasPrefix(c.Extension, ".") {
		c.Extension = "." + c.Extension
	}
	if c.MinArtifactBytes <= 0 {
		c.MinArtifactBytes = 500
	}
	if c.MaxNameAttempts <= 0 {
		c.MaxNameAttempts = 100
	}
	if c.ReadBackoffMS <= 0 {
		c.ReadBackoffMS = 50
	}
	if c.SettleDelayMS <= 0 {
		c.SettleDelayMS = 500
	}
	if c.JoinTimeoutMS <= 0 {
		c.JoinTimeoutMS = 3000
	}
}

// ValidateDeviceURL accepts rtsp, http and https stream URLs
func ValidateDeviceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q (must be rtsp, http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// ValidateBus checks the raw bus section and returns the typed settings.
// The returned error is a *ValidationError wrapping types.ErrBusConfiguration.
func ValidateBus(b BusConfig) (BusSettings, error) {
	verr := &ValidationError{}
	s := BusSettings{
		Interface:  strings.ToLower(b.Interface),
		Channel:    b.Channel,
		Bitrate:    b.Bitrate,
		LogTraffic: b.LogTraffic,
	}

	switch s.Interface {
	case "socketcan", "mqtt", "virtual":
	case "":
		verr.add("bus.interface", "is required")
	default:
		verr.add("bus.interface", "unknown interface %q (must be socketcan, mqtt or virtual)", b.Interface)
	}
	if s.Channel == "" {
		verr.add("bus.channel", "is required")
	}
	if s.Bitrate <= 0 {
		verr.add("bus.bitrate", "must be > 0")
	}

	begin, beginErr := ParseID(b.BeginID)
	if beginErr != nil {
		verr.add("bus.begin_id", "%v", beginErr)
	}
	end, endErr := ParseID(b.EndID)
	if endErr != nil {
		verr.add("bus.end_id", "%v", endErr)
	}
	if beginErr == nil && endErr == nil && begin == end {
		verr.add("bus.end_id", "must differ from begin_id (both %X)", begin)
	}
	s.BeginID, s.EndID = begin, end

	if err := verr.orNil(); err != nil {
		return BusSettings{}, err
	}
	return s, nil
}

// ParseID parses a hex frame identifier with an optional 0x prefix
func ParseID(raw string) (uint32, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("is required")
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not a hex identifier", raw)
	}
	if v > MaxBusID {
		return 0, fmt.Errorf("%q exceeds the 29-bit identifier range", raw)
	}
	return uint32(v), nil
}

func validateMQTT(cfg *Config, verr *ValidationError) {
	m := &cfg.MQTT
	if strings.EqualFold(cfg.Bus.Interface, "mqtt") && m.Broker == "" {
		verr.add("mqtt.broker", "is required by the mqtt bus interface")
	}

	if m.Topics.Status == "" {
		m.Topics.Status = fmt.Sprintf("canrec/status/%s", cfg.InstanceID)
	}
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("canrec/control/%s", cfg.InstanceID)
	}
	if m.Topics.Bus == "" {
		m.Topics.Bus = "canrec/bus"
	}

	if m.QoS == nil {
		m.QoS = map[string]byte{
			"status":  1,
			"control": 1,
			"bus":     0,
		}
	}
	for name, qos := range m.QoS {
		if qos > 2 {
			verr.add("mqtt.qos."+name, "must be 0, 1 or 2")
		}
	}
}

func validatePreview(p *PreviewConfig, verr *ValidationError) {
	if p.Addr == "" {
		p.Addr = ":8081"
	}
	if p.MaxFPS <= 0 {
		p.MaxFPS = 10
	}
	if p.JPEGQuality == 0 {
		p.JPEGQuality = 75
	} else if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		verr.add("preview.jpeg_quality", "must be between 1 and 100")
	}
}
