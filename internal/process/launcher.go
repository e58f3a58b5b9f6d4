// Package process launches child processes with the descriptor wiring
// requested by a spawn request and tracks them until both their exit
// status and their forwarded output streams have been fully reported.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/spawnmux/spawnmux/internal/protocol"
)

// Starter is the start-process boundary. Implementations include OSStarter
// (real fork/exec) and the test doubles in this package.
type Starter interface {
	// Start runs path with the given argv and environment. files become
	// descriptors 0, 1, 2 of the child; every other descriptor is kept
	// out of the child by close-on-exec discipline. A nil env inherits
	// the supervisor's environment. The child's signal handlers are
	// reset to their defaults by the exec.
	Start(path string, argv []string, env []string, files []*os.File) (pid int, err error)
}

// OSStarter starts real OS processes.
type OSStarter struct{}

// Start wraps os.StartProcess. Exec failure in the forked child travels
// back through the runtime's close-on-exec error pipe and surfaces here as
// an errno-carrying error; by the time Start returns an error, no child
// exists and nothing is left to reap.
func (OSStarter) Start(path string, argv []string, env []string, files []*os.File) (int, error) {
	p, err := os.StartProcess(path, argv, &os.ProcAttr{
		Env:   env,
		Files: files,
		Sys:   &syscall.SysProcAttr{},
	})
	if err != nil {
		return 0, err
	}
	pid := p.Pid
	// The supervisor reaps via wait4 in the run loop, not via this handle.
	p.Release()
	return pid, nil
}

// Errno digs the OS error number out of a spawn error, for the value field
// of a status-1 message. Returns 0 when the error carries none.
func Errno(err error) uint32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return 0
}

// Launcher turns validated spawn requests into running children.
type Launcher struct {
	starter Starter
	logger  *slog.Logger
}

// NewLauncher creates a launcher. A nil starter uses the real OS.
func NewLauncher(starter Starter, logger *slog.Logger) *Launcher {
	if starter == nil {
		starter = OSStarter{}
	}
	return &Launcher{starter: starter, logger: logger}
}

// Launch wires descriptors per the request's dispositions, creates the
// forwarding pipes, and starts the child. passed holds the descriptors
// received with the request, in wire order; the caller retains ownership
// and closes them after Launch returns (the child holds its own dups).
// On error every pipe created for the request has been closed and no
// child is running.
func (l *Launcher) Launch(req *protocol.SpawnRequest, passed []*os.File) (*Child, error) {
	var (
		child   = &Child{Tag: req.Tag}
		cleanup []*os.File // descriptors created here, closed after start
	)
	fail := func(err error) (*Child, error) {
		for _, f := range cleanup {
			f.Close()
		}
		child.closePipes()
		return nil, err
	}

	stdin, err := l.stdinFile(req.Stdin, passed, &cleanup)
	if err != nil {
		return fail(err)
	}

	stdout, err := l.outputFile(req.Stdout, passed, &cleanup, os.Stdout, &child.stdout)
	if err != nil {
		return fail(err)
	}
	stderr, err := l.outputFile(req.Stderr, passed, &cleanup, os.Stderr, &child.stderr)
	if err != nil {
		return fail(err)
	}

	argv := req.Args
	if len(argv) == 0 {
		argv = []string{req.Executable}
	}
	var env []string
	if !req.InheritEnv {
		env = req.Env
		if env == nil {
			env = []string{}
		}
	}

	pid, err := l.starter.Start(req.Executable, argv, env, []*os.File{stdin, stdout, stderr})

	// The child owns dups of its ends now; drop ours either way.
	for _, f := range cleanup {
		f.Close()
	}
	if err != nil {
		child.closePipes()
		return nil, fmt.Errorf("cannot start %s: %w", req.Executable, err)
	}

	child.Pid = pid
	if child.stdout != nil {
		child.openOutputs++
	}
	if child.stderr != nil {
		child.openOutputs++
	}
	l.logger.Debug("child started",
		"tag", req.Tag, "pid", pid, "executable", req.Executable)
	return child, nil
}

// stdinFile resolves the descriptor installed as the child's fd 0.
func (l *Launcher) stdinFile(d protocol.Disposition, passed []*os.File, cleanup *[]*os.File) (*os.File, error) {
	switch d.Kind {
	case protocol.Inherit:
		return os.Stdin, nil
	case protocol.Default:
		f, err := os.Open(os.DevNull)
		if err != nil {
			return nil, fmt.Errorf("cannot open %s: %w", os.DevNull, err)
		}
		*cleanup = append(*cleanup, f)
		return f, nil
	default:
		return passed[d.Index], nil
	}
}

// outputFile resolves the descriptor installed as the child's fd 1 or 2.
// For the forwarding disposition it creates the pipe and stores the read
// end into *forwarded.
func (l *Launcher) outputFile(d protocol.Disposition, passed []*os.File, cleanup *[]*os.File, inherited *os.File, forwarded **os.File) (*os.File, error) {
	switch d.Kind {
	case protocol.Inherit:
		return inherited, nil
	case protocol.Default:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("cannot create forwarding pipe: %w", err)
		}
		*forwarded = r
		*cleanup = append(*cleanup, w)
		return w, nil
	default:
		return passed[d.Index], nil
	}
}
