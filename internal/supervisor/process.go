package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

// ErrStartTimeout indicates a process that never accepted connections on its port.
var ErrStartTimeout = errors.New("supervisor: process start timed out")

// ErrExitedEarly indicates a process that exited before becoming ready.
var ErrExitedEarly = errors.New("supervisor: process exited before becoming ready")

// PortPlaceholder in a Spec command is replaced with the allocated port.
const PortPlaceholder = "${PORT}"

const (
	readinessInterval = 100 * time.Millisecond
	dialTimeout       = 250 * time.Millisecond
)

// Spec describes how to launch an application. Occurrences of ${PORT} in
// Command are replaced with the allocated port, which is also exported as
// the PORT environment variable.
type Spec struct {
	Name         string
	DeploymentID string
	BuildType    domain.BuildType
	Dir          string
	Command      []string
	Env          []string
	// Cleanup releases resources tied to the instance, such as a container, after it exits.
	Cleanup func()
}

// instance is one running OS process of an application.
type instance struct {
	spec      Spec
	port      int
	cmd       *exec.Cmd
	startedAt time.Time
	exited    chan struct{}
	exitErr   error
	stdout    *lineWriter
	stderr    *lineWriter
}

func startInstance(spec Spec, port int, logs *LogRing, stopTimeout time.Duration) (*instance, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("empty command for %s", spec.Name)
	}
	portText := strconv.Itoa(port)
	args := make([]string, len(spec.Command))
	for i, arg := range spec.Command {
		args[i] = strings.ReplaceAll(arg, PortPlaceholder, portText)
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append(os.Environ(), spec.Env...), "PORT="+portText)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = stopTimeout

	inst := &instance{
		spec:   spec,
		port:   port,
		cmd:    cmd,
		exited: make(chan struct{}),
		stdout: &lineWriter{ring: logs, stream: "stdout"},
		stderr: &lineWriter{ring: logs, stream: "stderr"},
	}
	cmd.Stdout = inst.stdout
	cmd.Stderr = inst.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}
	inst.startedAt = time.Now().UTC()
	go inst.wait()
	return inst, nil
}

func (i *instance) wait() {
	i.exitErr = i.cmd.Wait()
	i.stdout.Flush()
	i.stderr.Flush()
	if i.spec.Cleanup != nil {
		i.spec.Cleanup()
	}
	close(i.exited)
}

func (i *instance) pid() int {
	if i.cmd.Process == nil {
		return 0
	}
	return i.cmd.Process.Pid
}

func (i *instance) alive() bool {
	select {
	case <-i.exited:
		return false
	default:
		return true
	}
}

// waitReady polls the instance port until it accepts a TCP connection.
func (i *instance) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()
	for {
		if dialPort(i.port) {
			return nil
		}
		select {
		case <-i.exited:
			return fmt.Errorf("%w: %v", ErrExitedEarly, i.exitErr)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrStartTimeout, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// terminate sends SIGTERM to the process group and SIGKILL after timeout.
func (i *instance) terminate(timeout time.Duration) {
	if !i.alive() {
		return
	}
	i.signal(syscall.SIGTERM)
	select {
	case <-i.exited:
		return
	case <-time.After(timeout):
	}
	i.signal(syscall.SIGKILL)
	<-i.exited
}

func (i *instance) signal(sig syscall.Signal) {
	pid := i.pid()
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = i.cmd.Process.Signal(sig)
	}
}

func dialPort(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), dialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
