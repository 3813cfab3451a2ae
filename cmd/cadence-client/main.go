// cadence-client connects to a cadence proxy and keeps the connection
// alive, or measures it.
//
// Run:  go run ./cmd/cadence-client run --config client.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path"

	cadence "github.com/ironfang-ltd/go-cadence"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

var (
	binCleanName = path.Clean(os.Args[0])
	versionMsg   = fmt.Sprintf("%v version %q\n", binCleanName, version)
	rootCmd      = &cobra.Command{
		Use:           "cadence-client",
		Short:         "Connect to a cadence proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose, err := cmd.Flags().GetBool("verbose"); err == nil && verbose {
				level = slog.LevelDebug
			} else if name := viper.GetString("log_level"); name != "" {
				l, err := cadence.ParseLogLevel(name)
				if err != nil {
					return err
				}
				level = l
			}
			cadence.InitLogger(level)
			return nil
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: fmt.Sprintf("Prints the version of %s", binCleanName),
		// do not execute any persistent actions
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(versionMsg)
		},
	}
)

func init() {
	rootCmd.AddCommand(
		versionCmd,
		newRunCommand(),
		newPingCommand(),
		newBenchCommand(),
	)
	rootCmd.PersistentFlags().StringP("config", "c", "", "settings file (yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("mode", "", "proxy launch mode: spawn, attach, emulate")
	rootCmd.PersistentFlags().String("proxy", "", "path of the proxy binary")
	rootCmd.PersistentFlags().StringSlice("server", nil, "cluster server URI (repeatable)")
	rootCmd.PersistentFlags().String("domain", "", "default domain")
	rootCmd.PersistentFlags().Bool("debug", false, "start the proxy in debug mode")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("launch_mode", rootCmd.PersistentFlags().Lookup("mode"))
	viper.BindPFlag("binary_path", rootCmd.PersistentFlags().Lookup("proxy"))
	viper.BindPFlag("servers", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("default_domain", rootCmd.PersistentFlags().Lookup("domain"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
