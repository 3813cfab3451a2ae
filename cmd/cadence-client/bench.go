package main

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	cadence "github.com/ironfang-ltd/go-cadence"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type profile struct {
	name        string
	callers     int
	timeout     time.Duration
	cancelPct   int
	memLimitGiB int64
}

var profiles = map[string]profile{
	"small": {
		name:        "small",
		callers:     4,
		timeout:     2 * time.Second,
		cancelPct:   0,
		memLimitGiB: 1,
	},
	"medium": {
		name:        "medium",
		callers:     32,
		timeout:     2 * time.Second,
		cancelPct:   5,
		memLimitGiB: 2,
	},
	"large": {
		name:        "large",
		callers:     256,
		timeout:     5 * time.Second,
		cancelPct:   10,
		memLimitGiB: 4,
	},
}

func newBenchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Issue concurrent calls against the proxy and report throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("profile")
			callers, _ := cmd.Flags().GetInt("callers")
			duration, _ := cmd.Flags().GetDuration("duration")
			admin, _ := cmd.Flags().GetString("admin")

			p, ok := profiles[name]
			if !ok {
				return errors.Errorf("unknown profile %q (valid: small, medium, large)", name)
			}
			if callers > 0 {
				p.callers = callers
			}
			return runBench(cmd.Context(), settings, p, duration, admin)
		},
	}
	cmd.Flags().String("profile", "small", "preset profile: small, medium, large")
	cmd.Flags().Int("callers", 0, "concurrent callers (overrides profile)")
	cmd.Flags().Duration("duration", 10*time.Second, "test duration")
	cmd.Flags().String("admin", "", "admin server address")
	return cmd
}

func runBench(ctx context.Context, settings cadence.Settings, p profile, duration time.Duration, admin string) error {
	if p.memLimitGiB > 0 {
		debug.SetMemoryLimit(p.memLimitGiB * 1024 * 1024 * 1024)
	}

	client, err := cadence.Connect(ctx, settings, cadence.WithAdminAddr(admin))
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Printf("cadence client bench\n")
	fmt.Printf("  profile:  %s\n", p.name)
	fmt.Printf("  mode:     %s\n", settings.LaunchMode)
	fmt.Printf("  proxy:    %s\n", client.ProxyAddr())
	fmt.Printf("  callers:  %d\n", p.callers)
	fmt.Printf("  timeout:  %s\n", p.timeout)
	fmt.Printf("  cancel:   %d%%\n", p.cancelPct)
	fmt.Printf("  duration: %s\n", duration)
	fmt.Println()

	stop := make(chan struct{})
	start := time.Now()
	cpuStart := processCPUTime()

	var wg sync.WaitGroup
	var calls, failures, cancelled atomic.Int64

	for i := range p.callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				case <-client.Done():
					return
				default:
				}

				callCtx, cancel := context.WithCancel(ctx)
				if p.cancelPct > 0 && (i+n)%100 < p.cancelPct {
					cancel()
				}
				_, err := client.Call(callCtx, cadence.NewRequest(cadence.HeartbeatRequest), p.timeout)
				cancel()

				calls.Add(1)
				switch {
				case errors.Is(err, cadence.ErrCancelled):
					cancelled.Add(1)
				case err != nil:
					failures.Add(1)
				}
			}
		}()
	}

	ticker := time.NewTicker(2 * time.Second)
	go func() {
		for range ticker.C {
			printProgress(client, time.Since(start).Truncate(time.Second))
		}
	}()

	select {
	case <-time.After(duration):
	case <-client.Done():
	}
	close(stop)
	wg.Wait()
	ticker.Stop()

	elapsed := time.Since(start)
	cpu := processCPUTime() - cpuStart
	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:   %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  Calls:      %d\n", calls.Load())
	fmt.Printf("  Failures:   %d\n", failures.Load())
	fmt.Printf("  Cancelled:  %d\n", cancelled.Load())
	fmt.Printf("  CPU:        %s (%.0f%%)\n", cpu.Truncate(time.Millisecond), 100*cpu.Seconds()/elapsed.Seconds())
	fmt.Printf("  Calls/s:    %.0f\n", float64(calls.Load())/elapsed.Seconds())
	if n := calls.Load(); n > 0 {
		fmt.Printf("  CPU/call:   %s\n", cpu/time.Duration(n))
	}
	fmt.Println()
	printProgress(client, elapsed.Truncate(time.Second))

	return client.Err()
}

func printProgress(client *cadence.Client, elapsed time.Duration) {
	s := client.Metrics().Snapshot()
	rps := float64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		rps = float64(s["requests_total"]) / secs
	}
	fmt.Printf("[%s] %10s %10s %10s %10s %10s %10s\n",
		elapsed, "REQ", "TIMEOUT", "CANCEL", "CANC_SENT", "PENDING", "RPS")
	fmt.Printf("     %10d %10d %10d %10d %10d %10.0f\n",
		s["requests_total"],
		s["requests_timed_out"],
		s["requests_cancelled"],
		s["cancels_sent"],
		s["operations_pending"],
		rps,
	)
}
