// Package config loads the bridge configuration from YAML or TOML, then
// applies .env and environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/panelbridge/internal/dispatch"
	"github.com/shaunagostinho/panelbridge/internal/link"
	"github.com/shaunagostinho/panelbridge/internal/logger"
	"github.com/shaunagostinho/panelbridge/internal/protocol"
	"github.com/shaunagostinho/panelbridge/internal/session"
	"github.com/shaunagostinho/panelbridge/internal/telemetry"
	"github.com/shaunagostinho/panelbridge/internal/vehicle"
)

const DefaultPath = "/etc/panelbridge/config.yaml"

// Config holds all bridge configuration.
type Config struct {
	mu     sync.RWMutex
	update sync.Mutex // serializes UpdateFromJSON

	// Panel side
	Serial   SerialConfig   `yaml:"serial" toml:"serial" json:"serial"`
	Protocol ProtocolConfig `yaml:"protocol" toml:"protocol" json:"protocol"`

	// Simulation side
	Vehicle VehicleConfig `yaml:"vehicle" toml:"vehicle" json:"vehicle"`

	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" json:"telemetry"`

	// Switch and command wiring. Empty lists mean the stock panel.
	Switches []SwitchBinding  `yaml:"switches" toml:"switches" json:"switches"`
	Commands []CommandBinding `yaml:"commands" toml:"commands" json:"commands"`

	Logging LoggingConfig `yaml:"logging" toml:"logging" json:"logging"`
	Monitor MonitorConfig `yaml:"monitor" toml:"monitor" json:"monitor"`

	path string // file path for save/load
}

type SerialConfig struct {
	PortPath         string        `yaml:"port_path" toml:"port_path" json:"portPath"` // e.g. /dev/ttyACM0
	BaudRate         int           `yaml:"baud_rate" toml:"baud_rate" json:"baudRate"`
	ReadTimeout      string        `yaml:"read_timeout" toml:"read_timeout" json:"readTimeout"` // "infinite", "0" or a duration
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout" json:"handshakeTimeout"`
	EchoHello        bool          `yaml:"echo_hello" toml:"echo_hello" json:"echoHello"`
	SendBye          bool          `yaml:"send_bye" toml:"send_bye" json:"sendBye"`
}

type ProtocolConfig struct {
	Version int    `yaml:"version" toml:"version" json:"version"` // value-range convention
	Profile string `yaml:"profile" toml:"profile" json:"profile"` // "binary" or "text"
}

type VehicleConfig struct {
	Type    string        `yaml:"type" toml:"type" json:"type"`          // "sim" or "remote"
	Address string        `yaml:"address" toml:"address" json:"address"` // host:port of the simulation bridge
	Path    string        `yaml:"path" toml:"path" json:"path"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	Step    time.Duration `yaml:"step" toml:"step" json:"step"` // sim only: physics step, 0 freezes it
}

type TelemetryConfig struct {
	Interval         time.Duration `yaml:"interval" toml:"interval" json:"interval"`
	RateLimit        time.Duration `yaml:"rate_limit" toml:"rate_limit" json:"rateLimit"`
	ResourceInterval time.Duration `yaml:"resource_interval" toml:"resource_interval" json:"resourceInterval"`
	AntennaInterval  time.Duration `yaml:"antenna_interval" toml:"antenna_interval" json:"antennaInterval"`
	ResourceMode     string        `yaml:"resource_mode" toml:"resource_mode" json:"resourceMode"` // "fuel" or "life_support"

	// Fields read every tick instead of streamed; no rate limit applies.
	Polled []string `yaml:"polled,omitempty" toml:"polled,omitempty" json:"polled,omitempty"`
}

// SwitchBinding wires one panel switch to a control or a handler.
type SwitchBinding struct {
	Switch  int    `yaml:"switch" toml:"switch" json:"switch"`
	Control string `yaml:"control,omitempty" toml:"control,omitempty" json:"control,omitempty"`
	Policy  string `yaml:"policy,omitempty" toml:"policy,omitempty" json:"policy,omitempty"` // "toggle" or "set"
	Handler string `yaml:"handler,omitempty" toml:"handler,omitempty" json:"handler,omitempty"`
}

// CommandBinding wires a binary command id sent by the panel.
type CommandBinding struct {
	Command int    `yaml:"command" toml:"command" json:"command"`
	Control string `yaml:"control,omitempty" toml:"control,omitempty" json:"control,omitempty"`
	Policy  string `yaml:"policy,omitempty" toml:"policy,omitempty" json:"policy,omitempty"`
	Handler string `yaml:"handler,omitempty" toml:"handler,omitempty" json:"handler,omitempty"`
}

type LoggingConfig struct {
	File       string        `yaml:"file" toml:"file" json:"file"` // empty logs to stderr only
	MaxSizeMB  int           `yaml:"max_size_mb" toml:"max_size_mb" json:"maxSizeMb"`
	MaxBackups int           `yaml:"max_backups" toml:"max_backups" json:"maxBackups"`
	MaxAgeDays int           `yaml:"max_age_days" toml:"max_age_days" json:"maxAgeDays"`
	Traffic    logger.Config `yaml:"traffic" toml:"traffic" json:"traffic"`
}

type MonitorConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			PortPath:         "/dev/ttyACM0",
			BaudRate:         57600,
			ReadTimeout:      "infinite",
			HandshakeTimeout: 10 * time.Second,
			EchoHello:        true,
			SendBye:          true,
		},
		Protocol: ProtocolConfig{
			Version: int(protocol.Version2),
			Profile: "binary",
		},
		Vehicle: VehicleConfig{
			Type:    "sim",
			Address: "localhost:50000",
			Path:    "/vessel",
			Timeout: 5 * time.Second,
			Step:    100 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			Interval:         100 * time.Millisecond,
			RateLimit:        time.Second,
			ResourceInterval: time.Second,
			AntennaInterval:  time.Second,
			ResourceMode:     session.Fuel.String(),
		},
		Switches: switchesFrom(dispatch.DefaultSwitches()),
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Traffic: logger.Config{
				Enabled: false,
				Path:    "/var/log/panelbridge",
				MaxRows: 100_000,
			},
		},
		Monitor: MonitorConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
	}
}

func switchesFrom(table map[int]dispatch.Binding) []SwitchBinding {
	out := make([]SwitchBinding, 0, len(table))
	for idx, b := range table {
		sb := SwitchBinding{Switch: idx}
		if b.Kind == dispatch.KindHandler {
			sb.Handler = string(b.Handler)
		} else {
			sb.Control = b.Control
			sb.Policy = b.Policy.String()
		}
		out = append(out, sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Switch < out[j].Switch })
	return out
}

// LoadConfig reads config from a YAML or TOML file (by extension), then
// applies .env and environment variable overrides. A missing file falls back
// to defaults; a file that does not parse is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// decode overlays a file on c. Binding lists are replaced, never merged
// element by element; a file without switches keeps the stock table.
func (c *Config) decode(data []byte) error {
	stock := c.Switches
	c.Switches, c.Commands = nil, nil

	var err error
	if isTOML(c.path) {
		_, err = toml.Decode(string(data), c)
	} else {
		err = yaml.Unmarshal(data, c)
	}
	if len(c.Switches) == 0 {
		c.Switches = stock
	}
	return err
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: PANEL_PORT, PANEL_BAUD, PANEL_PROFILE, PROTOCOL_VERSION,
// VEHICLE_TYPE, VEHICLE_ADDR, RESOURCE_MODE, LISTEN_ADDR, LOG_FILE,
// TRAFFIC_LOG_ENABLED, TRAFFIC_LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PANEL_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("PANEL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("PANEL_PROFILE"); v != "" {
		c.Protocol.Profile = v
	}
	if v := os.Getenv("PROTOCOL_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Protocol.Version = n
		}
	}
	if v := os.Getenv("VEHICLE_TYPE"); v != "" {
		c.Vehicle.Type = v
	}
	if v := os.Getenv("VEHICLE_ADDR"); v != "" {
		c.Vehicle.Address = v
	}
	if v := os.Getenv("RESOURCE_MODE"); v != "" {
		c.Telemetry.ResourceMode = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Monitor.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("TRAFFIC_LOG_ENABLED"); v != "" {
		c.Logging.Traffic.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("TRAFFIC_LOG_PATH"); v != "" {
		c.Logging.Traffic.Path = v
	}
}

// Validate checks everything that would otherwise fail at connect time.
func (c *Config) Validate() error {
	if _, err := c.ProtocolProfile(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.LinkConfig(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.SwitchTable(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.CommandTable(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.ResourceMode(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.Vehicle.Type {
	case "sim":
	case "remote":
		if c.Vehicle.Address == "" {
			return fmt.Errorf("config: remote vehicle needs an address")
		}
	default:
		return fmt.Errorf("config: unknown vehicle type %q", c.Vehicle.Type)
	}
	if c.Telemetry.Interval <= 0 {
		return fmt.Errorf("config: telemetry interval must be positive")
	}
	known := make(map[string]bool)
	for _, f := range telemetry.DefaultFields(protocol.CommandsFor(protocol.Version(c.Protocol.Version))) {
		known[f.Name] = true
	}
	for _, name := range c.Telemetry.Polled {
		if !known[name] {
			return fmt.Errorf("config: polled field %q does not exist", name)
		}
	}
	return nil
}

// Version returns the configured value-range convention.
func (c *Config) Version() protocol.Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return protocol.Version(c.Protocol.Version)
}

// ProtocolProfile resolves the wire profile.
func (c *Config) ProtocolProfile() (protocol.Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return protocol.ProfileFor(c.Protocol.Profile, protocol.Version(c.Protocol.Version))
}

// LinkConfig converts the serial section.
func (c *Config) LinkConfig() (link.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, err := link.ParseReadTimeout(c.Serial.ReadTimeout); err != nil {
		return link.Config{}, err
	}
	if c.Serial.BaudRate < 0 {
		return link.Config{}, fmt.Errorf("bad baud rate %d", c.Serial.BaudRate)
	}
	return link.Config{
		PortPath:         c.Serial.PortPath,
		BaudRate:         c.Serial.BaudRate,
		ReadTimeout:      c.Serial.ReadTimeout,
		HandshakeTimeout: c.Serial.HandshakeTimeout,
		EchoHello:        c.Serial.EchoHello,
		SendBye:          c.Serial.SendBye,
	}, nil
}

// SwitchTable builds the dispatcher's switch map.
func (c *Config) SwitchTable() (map[int]dispatch.Binding, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Switches) == 0 {
		return dispatch.DefaultSwitches(), nil
	}
	table := make(map[int]dispatch.Binding, len(c.Switches))
	for _, sb := range c.Switches {
		b, err := dispatch.ParseBinding(sb.Control, sb.Policy, sb.Handler)
		if err != nil {
			return nil, fmt.Errorf("switch %d: %w", sb.Switch, err)
		}
		if _, dup := table[sb.Switch]; dup {
			return nil, fmt.Errorf("switch %d bound twice", sb.Switch)
		}
		table[sb.Switch] = b
	}
	return table, nil
}

// CommandTable builds the dispatcher's binary command map.
func (c *Config) CommandTable() (map[protocol.Command]dispatch.Binding, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	table := make(map[protocol.Command]dispatch.Binding, len(c.Commands))
	for _, cb := range c.Commands {
		if cb.Command < 0 || cb.Command > 255 {
			return nil, fmt.Errorf("command id %d out of range", cb.Command)
		}
		b, err := dispatch.ParseBinding(cb.Control, cb.Policy, cb.Handler)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", cb.Command, err)
		}
		id := protocol.Command(cb.Command)
		if _, dup := table[id]; dup {
			return nil, fmt.Errorf("command %d bound twice", cb.Command)
		}
		table[id] = b
	}
	return table, nil
}

// ResourceMode is the gauge mode a fresh session starts in.
func (c *Config) ResourceMode() (session.ResourceMode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return session.ParseResourceMode(c.Telemetry.ResourceMode)
}

// TelemetryConfig overlays the configured intervals on the stock layout.
func (c *Config) TelemetryConfig(cs protocol.CommandSet) telemetry.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc := telemetry.DefaultConfig(cs)
	if c.Telemetry.Interval > 0 {
		tc.Interval = c.Telemetry.Interval
	}
	if c.Telemetry.RateLimit > 0 {
		tc.RateLimit = c.Telemetry.RateLimit
	}
	if c.Telemetry.ResourceInterval > 0 {
		tc.ResourceInterval = c.Telemetry.ResourceInterval
	}
	if c.Telemetry.AntennaInterval > 0 {
		tc.Flags = telemetry.DefaultFlagBindings(c.Telemetry.AntennaInterval)
	}
	for _, name := range c.Telemetry.Polled {
		for i := range tc.Fields {
			if tc.Fields[i].Name == name {
				tc.Fields[i].Polled = true
			}
		}
	}
	return tc
}

// RemoteConfig describes the remote vessel connection.
func (c *Config) RemoteConfig() vehicle.RemoteConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return vehicle.RemoteConfig{
		Address: c.Vehicle.Address,
		Path:    c.Vehicle.Path,
		Timeout: c.Vehicle.Timeout,
	}
}

// TrafficLog returns the traffic recorder settings.
func (c *Config) TrafficLog() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging.Traffic
}

// Path is where Save writes.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return DefaultPath
	}
	return c.path
}

// Save writes the config back in the format its path implies.
func (c *Config) Save() error {
	path := c.Path()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(c); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved; lists in the patch replace the old ones. The
// merged result is validated on its own copy and c only changes if it passes.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.update.Lock()
	defer c.update.Unlock()

	currentBytes, err := c.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := &Config{}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	if len(next.Switches) == 0 {
		next.Switches = switchesFrom(dispatch.DefaultSwitches())
	}
	if err := next.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.Serial = next.Serial
	c.Protocol = next.Protocol
	c.Vehicle = next.Vehicle
	c.Telemetry = next.Telemetry
	c.Switches = next.Switches
	c.Commands = next.Commands
	c.Logging = next.Logging
	c.Monitor = next.Monitor
	c.mu.Unlock()
	return nil
}

// deepMerge recursively merges src into dst. Nested maps are merged; lists
// and scalars in src replace what dst had.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
