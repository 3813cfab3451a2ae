package cadence

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// proxyProcess is a spawned proxy binary.
type proxyProcess struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
}

// startProxyProcess launches the proxy listening on addr. Its output is
// forwarded to the logger line by line.
func startProxyProcess(s *Settings, addr string, logger *slog.Logger) (*proxyProcess, error) {
	args := []string{"--listen", addr, "--log-level", s.LogLevel}
	if s.Debug {
		args = append(args, "--debug")
	}

	cmd := exec.Command(s.BinaryPath, args...)
	configureProxyProcess(cmd)

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "proxy stdout")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", s.BinaryPath)
	}

	p := &proxyProcess{cmd: cmd, exited: make(chan struct{})}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		forwardOutput(out, logger.With("component", "proxy", "pid", cmd.Process.Pid))
	}()
	go func() {
		// Wait closes the pipe, so the output must be drained first
		<-drained
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	logger.Info("proxy started", "path", s.BinaryPath, "addr", addr, "pid", cmd.Process.Pid)
	return p, nil
}

// stop waits up to grace for the process to exit on its own, then kills
// it. It reports whether the process exited without being killed.
func (p *proxyProcess) stop(grace time.Duration) bool {
	select {
	case <-p.exited:
		return true
	case <-time.After(grace):
	}
	terminateProxyProcess(p.cmd, grace/4)
	<-p.exited
	return false
}

// forwardOutput logs r line by line until EOF, which arrives when the
// process and any children holding the pipe have exited.
func forwardOutput(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("proxy output closed", "error", err)
	}
}

// freePort asks the kernel for an unused loopback port.
func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
