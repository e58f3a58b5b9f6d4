// Package supervisor drives the spawnmux event loop: spawning children
// from control-channel requests, multiplexing their output, reaping them,
// and running the shutdown state machine.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// State is the lifecycle stage of the supervisor. Transitions are
// monotone: Run -> Drain -> HardDrain.
type State int

const (
	// StateRun accepts spawn requests.
	StateRun State = iota
	// StateDrain stops accepting requests; live children have been sent
	// the terminating signal and the grace timer is armed.
	StateDrain
	// StateHardDrain is entered on grace expiry; survivors got SIGKILL.
	StateHardDrain
)

var stateNames = [...]string{"RUN", "DRAIN", "HARD_DRAIN"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// kindlySignals ask the supervisor to wind down; the initiating signal is
// relayed to every live child.
var kindlySignals = []os.Signal{
	unix.SIGHUP,
	unix.SIGINT,
	unix.SIGQUIT,
	unix.SIGALRM,
	unix.SIGTERM,
	unix.SIGVTALRM,
	unix.SIGXCPU,
	unix.SIGXFSZ,
	unix.SIGPWR,
}

// fatalSignals indicate a crash: children are killed outright and the
// signal is re-raised so its default action (usually a core dump) occurs.
var fatalSignals = []os.Signal{
	unix.SIGILL,
	unix.SIGABRT,
	unix.SIGFPE,
	unix.SIGBUS,
	unix.SIGSEGV,
	unix.SIGSYS,
	unix.SIGTRAP,
}

// IsKindly reports whether sig belongs to the kindly-terminate set.
func IsKindly(sig syscall.Signal) bool {
	for _, s := range kindlySignals {
		if s == sig {
			return true
		}
	}
	return false
}

// IsFatal reports whether sig belongs to the crash set.
func IsFatal(sig syscall.Signal) bool {
	for _, s := range fatalSignals {
		if s == sig {
			return true
		}
	}
	return false
}

// SignalQueue funnels OS signals to the run loop. Delivery through the
// runtime's signal channel plays the role the self-pipe plays in a C
// supervisor: handlers stay trivial and the loop interprets everything.
type SignalQueue struct {
	C      <-chan os.Signal
	ch     chan os.Signal
	logger *slog.Logger
}

// NewSignalQueue registers for SIGCHLD, the kindly-terminate set, and the
// crash set. SIGPIPE, SIGUSR1, SIGUSR2, SIGWINCH and SIGSTKFLT are
// explicitly ignored; every other signal keeps the Go runtime's default
// handling, and job-control stops keep their normal behavior.
func NewSignalQueue(logger *slog.Logger) *SignalQueue {
	ch := make(chan os.Signal, 64)
	signal.Notify(ch, unix.SIGCHLD)
	signal.Notify(ch, kindlySignals...)
	signal.Notify(ch, fatalSignals...)
	signal.Ignore(unix.SIGPIPE, unix.SIGUSR1, unix.SIGUSR2, unix.SIGWINCH, unix.SIGSTKFLT)
	return &SignalQueue{C: ch, ch: ch, logger: logger}
}

// Stop deregisters signal notifications.
func (sq *SignalQueue) Stop() {
	signal.Stop(sq.ch)
}
