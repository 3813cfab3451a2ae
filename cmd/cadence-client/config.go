package main

import (
	"strings"

	cadence "github.com/ironfang-ltd/go-cadence"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// loadSettings layers defaults, the settings file, CADENCE_* environment
// variables and flags, in increasing precedence.
func loadSettings(cmd *cobra.Command) (cadence.Settings, error) {
	d := cadence.DefaultSettings()
	defaults := map[string]interface{}{
		"servers":                d.Servers,
		"default_domain":         d.DefaultDomain,
		"default_task_list":      d.DefaultTaskList,
		"create_domain":          d.CreateDomain,
		"client_identity":        d.ClientIdentity,
		"client_timeout":         d.ClientTimeout,
		"proxy_timeout":          d.ProxyTimeout,
		"terminate_timeout":      d.TerminateTimeout,
		"heartbeat_interval":     d.HeartbeatInterval,
		"heartbeat_timeout":      d.HeartbeatTimeout,
		"max_heartbeat_failures": d.MaxHeartbeatFailures,
		"timeout_interval":       d.TimeoutInterval,
		"workflow_cache_size":    d.WorkflowCacheSize,
		"launch_mode":            string(d.LaunchMode),
		"binary_path":            d.BinaryPath,
		"listen_address":         d.ListenAddress,
		"listen_port":            d.ListenPort,
		"proxy_port":             d.ProxyPort,
		"log_level":              d.LogLevel,
		"debug":                  d.Debug,
		"disable_heartbeats":     d.DisableHeartbeats,
		"ignore_timeouts":        d.IgnoreTimeouts,
		"disable_handshakes":     d.DisableHandshakes,
	}
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}

	viper.SetEnvPrefix("CADENCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if conf, _ := cmd.Flags().GetString("config"); conf != "" {
		viper.SetConfigFile(conf)
		if err := viper.ReadInConfig(); err != nil {
			return d, errors.Wrapf(err, "read config %s", conf)
		}
	}

	var s cadence.Settings
	if err := viper.Unmarshal(&s); err != nil {
		return d, errors.Wrap(err, "decode settings")
	}

	// the settings file may carry its own log level
	if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
		level, err := cadence.ParseLogLevel(s.LogLevel)
		if err != nil {
			return d, err
		}
		cadence.InitLogger(level)
	}
	return s, nil
}
