// proxy-emulator runs the in-process proxy emulator as a standalone server,
// so a client can be attached to it with launch_mode: attach.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cadence "github.com/ironfang-ltd/go-cadence"
	"github.com/spf13/cobra"
)

func main() {
	cmd := &cobra.Command{
		Use:           "proxy-emulator",
		Short:         "Serve the cadence proxy protocol without a cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")
			levelName, _ := cmd.Flags().GetString("log-level")
			debug, _ := cmd.Flags().GetBool("debug")

			level, err := cadence.ParseLogLevel(levelName)
			if err != nil {
				return err
			}
			if debug {
				level = slog.LevelDebug
			}
			cadence.InitLogger(level)

			emu := cadence.NewEmulator(slog.Default())
			if err := emu.Start(listen); err != nil {
				return err
			}
			defer emu.Close()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

			select {
			case <-quit:
				slog.Info("interrupted")
			case <-emu.Terminated():
				slog.Info("terminate requested")
			}
			return nil
		},
	}
	cmd.Flags().String("listen", "127.0.0.1:5000", "address to serve on")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().Bool("debug", false, "debug logging")

	if err := cmd.Execute(); err != nil {
		slog.Error("proxy emulator failed", "error", err)
		os.Exit(1)
	}
}
