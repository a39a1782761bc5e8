// Package supervisor owns spawning, monitoring, and terminating the
// supervised AI server OS process. The returned Handle is the only live
// reference to the process; the lifecycle manager holds it exclusively.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/nexus/internal/logging"
	"github.com/opencode-ai/nexus/pkg/types"
)

// killGrace is how long a forced kill may take before the process is
// declared unresponsive.
const killGrace = 5 * time.Second

// Handle is the exclusive reference to a spawned server process.
type Handle struct {
	cmd *exec.Cmd
	pid int

	// done is closed once the process has exited and its output has been
	// fully consumed. exit is written before done closes.
	done chan struct{}
	exit *os.ProcessState
}

// Spawn launches the server process described by cfg and returns as soon
// as the OS reports the process started; readiness is the health monitor's
// concern. The server's stdout/stderr are captured line-by-line into the
// structured log under the "server" component.
func Spawn(cfg types.ServerConfig) (*Handle, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkPortFree(cfg.Host, cfg.Port); err != nil {
		return nil, err
	}

	args := []string{
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--headless",
	}
	args = append(args, cfg.Args...)

	cmd := exec.Command(cfg.Binary, args...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	// Own process group, so termination signals reach any children the
	// server forks as well.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.Binary, err)
	}

	h := &Handle{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	log := logging.Component("server").With().Int("pid", h.pid).Logger()
	log.Info().Str("binary", cfg.Binary).Str("url", cfg.URL()).Msg("server process spawned")

	var readers sync.WaitGroup
	readers.Add(2)
	go logLines(log, "stdout", stdout, &readers)
	go logLines(log, "stderr", stderr, &readers)

	go func() {
		readers.Wait()
		_ = cmd.Wait()
		h.exit = cmd.ProcessState
		close(h.done)
		log.Info().Str("exit", h.exit.String()).Msg("server process exited")
	}()

	return h, nil
}

// logLines forwards one output stream to the log, a line at a time.
func logLines(log zerolog.Logger, stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug().Str("stream", stream).Msg(scanner.Text())
	}
}

// PID returns the OS process id.
func (h *Handle) PID() int {
	return h.pid
}

// Done returns a channel closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// PollExit is a non-blocking exit check. It returns the exit status and
// true once the process is gone.
func (h *Handle) PollExit() (*os.ProcessState, bool) {
	select {
	case <-h.done:
		return h.exit, true
	default:
		return nil, false
	}
}

// Terminate sends a graceful termination signal and waits up to timeout
// for the process to exit, escalating to a forced kill. It returns nil
// once the process is confirmed gone and ErrUnresponsive only if the
// forced kill itself fails.
func (h *Handle) Terminate(timeout time.Duration) error {
	if _, exited := h.PollExit(); exited {
		return nil
	}

	// Negative pid signals the whole process group.
	if err := syscall.Kill(-h.pid, syscall.SIGTERM); err != nil {
		// Signal delivery can fail because the process just exited.
		if _, exited := h.PollExit(); exited {
			return nil
		}
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
	}

	if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil {
		if _, exited := h.PollExit(); exited {
			return nil
		}
		return fmt.Errorf("%w: %v", types.ErrUnresponsive, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(killGrace):
		return types.ErrUnresponsive
	}
}

// checkPortFree fails fast when the configured bind address is taken,
// before a spawn that would die on startup anyway.
func checkPortFree(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: %s:%d", types.ErrBindConflict, host, port)
	}
	return ln.Close()
}
