package cadence

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LaunchMode selects how the proxy process is obtained.
type LaunchMode string

const (
	// LaunchSpawn starts the proxy binary as a child process.
	LaunchSpawn LaunchMode = "spawn"
	// LaunchAttach uses a proxy that is already running on the debug port.
	LaunchAttach LaunchMode = "attach"
	// LaunchEmulate runs an in-process emulator instead of a real proxy.
	LaunchEmulate LaunchMode = "emulate"
)

// Fixed ports used by LaunchAttach, where the proxy is started by hand
// (typically under a debugger).
const (
	DebugProxyPort  = 5000
	DebugClientPort = 5001
)

// DefaultServerPort is used for server URIs without an explicit port.
const DefaultServerPort = 7933

// Settings configures a client. The struct is decoded from YAML by
// LoadSettings and from flags/environment by the CLI.
type Settings struct {
	Servers         []string `yaml:"servers" mapstructure:"servers"`
	DefaultDomain   string   `yaml:"default_domain" mapstructure:"default_domain"`
	DefaultTaskList string   `yaml:"default_task_list" mapstructure:"default_task_list"`
	CreateDomain    bool     `yaml:"create_domain" mapstructure:"create_domain"`
	ClientIdentity  string   `yaml:"client_identity" mapstructure:"client_identity"`

	ClientTimeout    time.Duration `yaml:"client_timeout" mapstructure:"client_timeout"`
	ProxyTimeout     time.Duration `yaml:"proxy_timeout" mapstructure:"proxy_timeout"`
	TerminateTimeout time.Duration `yaml:"terminate_timeout" mapstructure:"terminate_timeout"`

	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	MaxHeartbeatFailures int           `yaml:"max_heartbeat_failures" mapstructure:"max_heartbeat_failures"`
	TimeoutInterval      time.Duration `yaml:"timeout_interval" mapstructure:"timeout_interval"`

	WorkflowCacheSize int `yaml:"workflow_cache_size" mapstructure:"workflow_cache_size"`

	LaunchMode    LaunchMode `yaml:"launch_mode" mapstructure:"launch_mode"`
	BinaryPath    string     `yaml:"binary_path" mapstructure:"binary_path"`
	ListenAddress string     `yaml:"listen_address" mapstructure:"listen_address"`
	ListenPort    int        `yaml:"listen_port" mapstructure:"listen_port"`
	ProxyPort     int        `yaml:"proxy_port" mapstructure:"proxy_port"`
	LogLevel      string     `yaml:"log_level" mapstructure:"log_level"`
	Debug         bool       `yaml:"debug" mapstructure:"debug"`

	DisableHeartbeats bool `yaml:"disable_heartbeats" mapstructure:"disable_heartbeats"`
	IgnoreTimeouts    bool `yaml:"ignore_timeouts" mapstructure:"ignore_timeouts"`
	DisableHandshakes bool `yaml:"disable_handshakes" mapstructure:"disable_handshakes"`
}

// DefaultSettings returns settings for a spawned proxy talking to a local
// cluster.
func DefaultSettings() Settings {
	return Settings{
		Servers:              []string{"http://127.0.0.1:7933"},
		DefaultDomain:        "default",
		DefaultTaskList:      "default",
		ClientTimeout:        10 * time.Second,
		ProxyTimeout:         5 * time.Second,
		TerminateTimeout:     10 * time.Second,
		HeartbeatInterval:    time.Second,
		HeartbeatTimeout:     5 * time.Second,
		MaxHeartbeatFailures: 1,
		TimeoutInterval:      time.Second,
		WorkflowCacheSize:    10000,
		LaunchMode:           LaunchSpawn,
		BinaryPath:           "cadence-proxy",
		ListenAddress:        "127.0.0.1",
		LogLevel:             "info",
	}
}

// LoadSettings reads a YAML settings file on top of DefaultSettings.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrap(err, "read settings")
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, errors.Wrapf(err, "parse settings %s", path)
	}
	return s, nil
}

// Validate checks s and fills derived defaults in place.
func (s *Settings) Validate() error {
	if len(s.Servers) == 0 {
		return errors.New("settings: at least one server is required")
	}
	for _, server := range s.Servers {
		u, err := url.Parse(server)
		if err != nil || !u.IsAbs() || u.Hostname() == "" {
			return errors.Errorf("settings: invalid server URI %q", server)
		}
	}
	if s.DefaultDomain == "" {
		return errors.New("settings: defaultDomain is required")
	}

	switch s.LaunchMode {
	case "":
		s.LaunchMode = LaunchSpawn
	case LaunchSpawn, LaunchAttach, LaunchEmulate:
	default:
		return errors.Errorf("settings: unknown launch mode %q", s.LaunchMode)
	}
	if s.LaunchMode == LaunchSpawn && s.BinaryPath == "" {
		return errors.New("settings: binaryPath is required to spawn the proxy")
	}

	if s.ListenAddress == "" {
		s.ListenAddress = "127.0.0.1"
	}
	if s.ListenPort < 0 || s.ListenPort > 65535 || s.ProxyPort < 0 || s.ProxyPort > 65535 {
		return errors.New("settings: ports must be within 0-65535")
	}
	if s.LaunchMode == LaunchAttach {
		if s.ProxyPort == 0 {
			s.ProxyPort = DebugProxyPort
		}
		if s.ListenPort == 0 {
			s.ListenPort = DebugClientPort
		}
	}

	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = time.Second
	}
	if s.HeartbeatTimeout <= 0 {
		s.HeartbeatTimeout = 5 * time.Second
	}
	if s.MaxHeartbeatFailures < 1 {
		s.MaxHeartbeatFailures = 1
	}
	if s.TimeoutInterval <= 0 {
		s.TimeoutInterval = time.Second
	}
	if s.ProxyTimeout <= 0 {
		s.ProxyTimeout = 5 * time.Second
	}
	if s.TerminateTimeout <= 0 {
		s.TerminateTimeout = 10 * time.Second
	}
	if s.ClientIdentity == "" {
		s.ClientIdentity = DefaultIdentity()
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		return err
	}
	return nil
}

// Endpoints returns the servers as host:port pairs, the form the proxy
// expects in the connect handshake.
func (s *Settings) Endpoints() string {
	endpoints := make([]string, 0, len(s.Servers))
	for _, server := range s.Servers {
		u, err := url.Parse(server)
		if err != nil {
			continue
		}
		port := u.Port()
		if port == "" {
			port = strconv.Itoa(DefaultServerPort)
		}
		endpoints = append(endpoints, u.Hostname()+":"+port)
	}
	return strings.Join(endpoints, ",")
}

// DefaultIdentity returns "<hostname>-<uuid>".
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cadence-client"
	}
	return host + "-" + uuid.NewString()
}
