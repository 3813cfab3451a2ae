package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cadence "github.com/ironfang-ltd/go-cadence"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect, start workers and serve invocations until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			admin, _ := cmd.Flags().GetString("admin")
			taskList, _ := cmd.Flags().GetString("task-list")

			closed := make(chan error, 1)
			client, err := cadence.Connect(cmd.Context(), settings,
				cadence.WithAdminAddr(admin),
				cadence.WithClosedHandler(func(err error) { closed <- err }),
				cadence.WithWorkflow("echo", echo),
				cadence.WithActivity("echo", echo),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			for _, kind := range []cadence.WorkerKind{cadence.WorkflowWorker, cadence.ActivityWorker} {
				lease, err := client.StartWorker(cmd.Context(), "", taskList, kind)
				if err != nil {
					return err
				}
				defer lease.Release(context.Background())
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case <-quit:
				slog.Info("interrupted, closing")
				return nil
			case err := <-closed:
				return err
			}
		},
	}
	cmd.Flags().String("admin", "", "admin server address, e.g. 127.0.0.1:9090")
	cmd.Flags().String("task-list", "", "task list to poll (default from settings)")
	return cmd
}

// echo is the handler registered by run for smoke testing a deployment.
func echo(_ context.Context, inv *cadence.Invocation) ([]byte, error) {
	return inv.Payload, nil
}
