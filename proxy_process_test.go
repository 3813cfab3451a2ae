package cadence

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// The test binary doubles as a proxy: when spawned with
// CADENCE_PROXY_HELPER=1 it serves the emulator on --listen until it is
// told to terminate.
func TestMain(m *testing.M) {
	if os.Getenv("CADENCE_PROXY_HELPER") == "1" {
		os.Exit(runHelperProxy(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runHelperProxy(args []string) int {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	listen := fs.String("listen", "127.0.0.1:5000", "")
	fs.String("log-level", "info", "")
	fs.Bool("debug", false, "")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	emu := NewEmulator(quietLogger())
	if err := emu.Start(*listen); err != nil {
		return 1
	}
	select {
	case <-emu.Terminated():
	case <-time.After(30 * time.Second):
	}
	emu.Close()
	fmt.Println("helper proxy exiting")
	return 0
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpawn_HandshakeAndTerminate(t *testing.T) {
	t.Setenv("CADENCE_PROXY_HELPER", "1")

	s := emulatedSettings()
	s.LaunchMode = LaunchSpawn
	s.BinaryPath = os.Args[0]

	logs := &lockedBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c, err := Connect(context.Background(), s, WithGuard(NewConnectionGuard()), WithLogger(logger))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.process == nil {
		t.Fatal("no proxy process after spawn")
	}

	if _, err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	c.Close()
	select {
	case <-c.process.exited:
	default:
		t.Fatal("proxy process still running after Close")
	}
	if c.process.waitErr != nil {
		t.Fatalf("proxy exit = %v, want clean exit", c.process.waitErr)
	}
	// the last line the proxy prints is forwarded before the process is reaped
	if !strings.Contains(logs.String(), "helper proxy exiting") {
		t.Fatal("final proxy output line was not logged")
	}
}

func TestSpawn_MissingBinary(t *testing.T) {
	s := emulatedSettings()
	s.LaunchMode = LaunchSpawn
	s.BinaryPath = "/nonexistent/cadence-proxy"
	guard := NewConnectionGuard()

	_, err := Connect(context.Background(), s, WithGuard(guard), WithLogger(quietLogger()))
	ce, ok := err.(*ConnectError)
	if !ok || ce.Stage != "spawn" {
		t.Fatalf("err = %v, want ConnectError at spawn", err)
	}
	if guard.Held() {
		t.Fatal("guard held after failed spawn")
	}
}

func TestFreePort(t *testing.T) {
	port, err := freePort("127.0.0.1")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("port = %d", port)
	}
	if got := hostPort("127.0.0.1", port); got == "" {
		t.Fatal("hostPort returned empty address")
	}
}
