//go:build !windows

package main

import (
	"syscall"
	"time"
)

// processCPUTime returns the user plus system CPU consumed by the bench
// process so far, so a run can report CPU per call alongside throughput.
func processCPUTime() time.Duration {
	var usage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &usage); err != nil {
		return 0
	}
	return time.Duration(usage.Utime.Nano()) + time.Duration(usage.Stime.Nano())
}
