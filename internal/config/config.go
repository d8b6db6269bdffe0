package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Hue             HueConfig        `yaml:"hue"`
	Geo             GeoConfig        `yaml:"geo"`
	Control         ControlConfig    `yaml:"control"`
	Dispatcher      DispatcherConfig `yaml:"dispatcher"`
	EventBus        EventBusConfig   `yaml:"eventbus"`
	Database        DatabaseConfig   `yaml:"database"`
	Ledger          LedgerConfig     `yaml:"ledger"`
	Status          StatusConfig     `yaml:"status"`
	MQTT            MQTTConfig       `yaml:"mqtt"`
	InfluxDB        InfluxDBConfig   `yaml:"influxdb"`
	Log             LogConfig        `yaml:"log"`
	ShutdownTimeout Duration         `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// HueConfig contains Hue bridge connection settings
type HueConfig struct {
	Bridge  string   `yaml:"bridge"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"` // HTTP timeout for Hue API requests

	// Event stream reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)

	// V1 reachability poll interval (default: 5m, 0 disables)
	ReachabilityPoll *Duration `yaml:"reachability_poll"`
}

// GeoConfig contains geo/location settings for solar calculations
type GeoConfig struct {
	Name        string   `yaml:"name"`
	Timezone    string   `yaml:"timezone"`
	Lat         float64  `yaml:"lat,omitempty"`
	Lon         float64  `yaml:"lon,omitempty"`
	HTTPTimeout Duration `yaml:"http_timeout"` // Timeout for geocoding HTTP requests
}

// ControlConfig contains control loop settings
type ControlConfig struct {
	TickInterval     Duration        `yaml:"tick_interval"`
	ColorTemperature AttributeConfig `yaml:"color_temperature"`
	Brightness       AttributeConfig `yaml:"brightness"`
	SelfWrite        string          `yaml:"self_write"` // tolerance | marker
	Curve            CurveConfig     `yaml:"curve"`
}

// AttributeConfig controls automatic management of one light attribute
type AttributeConfig struct {
	Enabled         *bool  `yaml:"enabled"`            // default: true
	Tolerance       int    `yaml:"tolerance"`          // max |observed - target| treated as our own write
	ClearPolicy     string `yaml:"clear_policy"`       // reconverge | power_cycle
	ClearOnPowerOff *bool  `yaml:"clear_on_power_off"` // default: true
}

// IsEnabled reports whether the attribute is under automatic control
func (a AttributeConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// ClearsOnPowerOff reports whether powering off releases an exclusion
func (a AttributeConfig) ClearsOnPowerOff() bool {
	return a.ClearOnPowerOff == nil || *a.ClearOnPowerOff
}

// CurveConfig contains the target curve constants
type CurveConfig struct {
	Law                 string    `yaml:"law"` // clamped | horizon
	MinKelvin           int       `yaml:"min_kelvin"`
	MaxKelvin           int       `yaml:"max_kelvin"`
	HorizonKelvin       int       `yaml:"horizon_kelvin"`
	ZenithKelvin        int       `yaml:"zenith_kelvin"`
	BrightnessAmplitude float64    `yaml:"brightness_amplitude"`
	BrightnessStart     *ClockTime `yaml:"brightness_start"` // default: 06:00, "00:00" is a valid start
	BrightnessEnd       *ClockTime `yaml:"brightness_end"`   // default: 22:00
}

// DispatcherConfig contains write queue settings
type DispatcherConfig struct {
	Spacing      Duration `yaml:"spacing"`
	WriteTimeout Duration `yaml:"write_timeout"`
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // 0 disables
	Coalesce     bool     `yaml:"coalesce"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains audit ledger settings
type LedgerConfig struct {
	Enabled         *bool    `yaml:"enabled"` // default: true
	RetentionPeriod Duration `yaml:"retention_period"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// IsEnabled reports whether writes and overrides are recorded
func (l LedgerConfig) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// StatusConfig contains the status HTTP API settings
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig contains MQTT publisher settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // tcp://host:1883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// InfluxDBConfig contains telemetry settings
type InfluxDBConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	Token         string   `yaml:"token"`
	Org           string   `yaml:"org"`
	Bucket        string   `yaml:"bucket"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 1, keeps per-light order)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ClockTime is a local time of day written as "HH:MM" or "HH:MM:SS"
type ClockTime time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for ClockTime
func (c *ClockTime) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = ClockTime(parsed)
	return nil
}

// Offset returns the time since local midnight, zero when unset
func (c *ClockTime) Offset() time.Duration {
	if c == nil {
		return 0
	}
	return time.Duration(*c)
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
// "24:00" is accepted as the end of the day.
func ParseClock(s string) (time.Duration, error) {
	var h, m, sec int
	if n, _ := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); n < 2 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	if h < 0 || m < 0 || m > 59 || sec < 0 || sec > 59 || h > 24 || (h == 24 && (m > 0 || sec > 0)) {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse expands environment variables, decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./daylightd.sqlite"
	}

	// Geo defaults
	if cfg.Geo.Timezone == "" {
		cfg.Geo.Timezone = "UTC"
	}
	if cfg.Geo.HTTPTimeout == 0 {
		cfg.Geo.HTTPTimeout = Duration(10 * time.Second)
	}

	// Hue defaults
	if cfg.Hue.Timeout == 0 {
		cfg.Hue.Timeout = Duration(30 * time.Second)
	}
	if cfg.Hue.MinRetryBackoff == 0 {
		cfg.Hue.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Hue.MaxRetryBackoff == 0 {
		cfg.Hue.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.Hue.RetryMultiplier == 0 {
		cfg.Hue.RetryMultiplier = 2.0
	}
	if cfg.Hue.ReachabilityPoll == nil {
		poll := Duration(5 * time.Minute)
		cfg.Hue.ReachabilityPoll = &poll
	}
	// MaxReconnects defaults to 0 (infinite), no need to set

	// Control defaults
	if cfg.Control.TickInterval == 0 {
		cfg.Control.TickInterval = Duration(60 * time.Second)
	}
	if cfg.Control.ColorTemperature.Tolerance == 0 {
		cfg.Control.ColorTemperature.Tolerance = 100
	}
	if cfg.Control.Brightness.Tolerance == 0 {
		cfg.Control.Brightness.Tolerance = 20
	}
	for _, a := range []*AttributeConfig{&cfg.Control.ColorTemperature, &cfg.Control.Brightness} {
		if a.ClearPolicy == "" {
			a.ClearPolicy = "reconverge"
		}
	}
	if cfg.Control.SelfWrite == "" {
		cfg.Control.SelfWrite = "tolerance"
	}

	curve := &cfg.Control.Curve
	if curve.Law == "" {
		curve.Law = "clamped"
	}
	if curve.MinKelvin == 0 {
		curve.MinKelvin = 2200
	}
	if curve.MaxKelvin == 0 {
		curve.MaxKelvin = 5500
	}
	if curve.HorizonKelvin == 0 {
		curve.HorizonKelvin = 3000
	}
	if curve.ZenithKelvin == 0 {
		curve.ZenithKelvin = 6000
	}
	if curve.BrightnessAmplitude == 0 {
		curve.BrightnessAmplitude = 600
	}
	if curve.BrightnessStart == nil {
		start := ClockTime(6 * time.Hour)
		curve.BrightnessStart = &start
	}
	if curve.BrightnessEnd == nil {
		end := ClockTime(22 * time.Hour)
		curve.BrightnessEnd = &end
	}

	// Dispatcher defaults
	if cfg.Dispatcher.Spacing == 0 {
		cfg.Dispatcher.Spacing = Duration(500 * time.Millisecond)
	}
	if cfg.Dispatcher.WriteTimeout == 0 {
		cfg.Dispatcher.WriteTimeout = Duration(10 * time.Second)
	}
	if cfg.Dispatcher.RateLimitRPS == 0 {
		cfg.Dispatcher.RateLimitRPS = 10.0 // 10 requests per second
	}

	// Event bus defaults
	if cfg.EventBus.Workers <= 0 {
		cfg.EventBus.Workers = 1
	}
	if cfg.EventBus.QueueSize <= 0 {
		cfg.EventBus.QueueSize = 100
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionPeriod == 0 {
		cfg.Ledger.RetentionPeriod = Duration(30 * 24 * time.Hour)
	}

	// Status API defaults
	if cfg.Status.Port == 0 {
		cfg.Status.Port = 9090
	}
	if cfg.Status.Host == "" {
		cfg.Status.Host = "0.0.0.0"
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "daylightd"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "daylightd"
	}

	// InfluxDB defaults
	if cfg.InfluxDB.BatchSize <= 0 {
		cfg.InfluxDB.BatchSize = 100
	}
	if cfg.InfluxDB.FlushInterval == 0 {
		cfg.InfluxDB.FlushInterval = Duration(10 * time.Second)
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate reports every invalid setting.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Hue.Bridge == "" {
		errs = append(errs, errors.New("hue.bridge is required"))
	}
	if cfg.Hue.Token == "" {
		errs = append(errs, errors.New("hue.token is required"))
	}
	if cfg.Geo.Name == "" && cfg.Geo.Lat == 0 && cfg.Geo.Lon == 0 {
		errs = append(errs, errors.New("geo.name or geo.lat/geo.lon is required"))
	}
	if cfg.Geo.Lat < -90 || cfg.Geo.Lat > 90 || cfg.Geo.Lon < -180 || cfg.Geo.Lon > 180 {
		errs = append(errs, fmt.Errorf("geo coordinates out of range: %f,%f", cfg.Geo.Lat, cfg.Geo.Lon))
	}

	attrs := map[string]AttributeConfig{
		"color_temperature": cfg.Control.ColorTemperature,
		"brightness":        cfg.Control.Brightness,
	}
	for name, a := range attrs {
		if a.Tolerance < 0 {
			errs = append(errs, fmt.Errorf("control.%s.tolerance must not be negative", name))
		}
		if a.ClearPolicy != "reconverge" && a.ClearPolicy != "power_cycle" {
			errs = append(errs, fmt.Errorf("control.%s.clear_policy: unknown policy %q", name, a.ClearPolicy))
		}
	}
	if cfg.Control.SelfWrite != "tolerance" && cfg.Control.SelfWrite != "marker" {
		errs = append(errs, fmt.Errorf("control.self_write: unknown mode %q", cfg.Control.SelfWrite))
	}
	if cfg.Dispatcher.RateLimitRPS < 0 {
		errs = append(errs, errors.New("dispatcher.rate_limit_rps must not be negative"))
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if cfg.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS))
	}
	if cfg.InfluxDB.Enabled && (cfg.InfluxDB.URL == "" || cfg.InfluxDB.Bucket == "") {
		errs = append(errs, errors.New("influxdb.url and influxdb.bucket are required when influxdb is enabled"))
	}

	return errors.Join(errs...)
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
