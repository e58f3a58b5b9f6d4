package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/spawnmux/spawnmux/internal/control"
	"github.com/spawnmux/spawnmux/internal/events"
	"github.com/spawnmux/spawnmux/internal/process"
	"github.com/spawnmux/spawnmux/internal/protocol"
)

// Config tunes the run loop.
type Config struct {
	// GracePeriod is how long children get between the terminating
	// signal and SIGKILL. Defaults to 5 seconds.
	GracePeriod time.Duration
	// ReadBufferSize bounds a single read from a forwarded pipe.
	// Defaults to 8 KiB.
	ReadBufferSize int
}

// Supervisor owns the child table and the control channel. All table and
// channel-write access happens on the Run goroutine; request reading and
// pipe forwarding feed it through one internal event channel.
type Supervisor struct {
	ch       *control.Channel
	launcher *process.Launcher
	table    *process.Table
	bus      *events.Bus
	logger   *slog.Logger

	grace   time.Duration
	bufSize int

	state       State
	loopEvents  chan loopEvent
	signals     *SignalQueue
	graceC      <-chan time.Time
	writeFailed bool
}

type eventKind int

const (
	evRequest eventKind = iota
	evBadFrame
	evControlClosed
	evOutput
	evStreamClosed
)

type loopEvent struct {
	kind   eventKind
	frame  *control.Frame
	err    error
	tag    uint32
	stream uint32
	data   []byte
}

// New creates a supervisor around an adopted control channel.
func New(ch *control.Channel, launcher *process.Launcher, bus *events.Bus, logger *slog.Logger, cfg Config) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 8 * 1024
	}
	return &Supervisor{
		ch:         ch,
		launcher:   launcher,
		table:      process.NewTable(),
		bus:        bus,
		logger:     logger,
		grace:      cfg.GracePeriod,
		bufSize:    cfg.ReadBufferSize,
		loopEvents: make(chan loopEvent, 64),
	}
}

// State returns the current lifecycle stage. Meaningful only from the Run
// goroutine or after Run has returned.
func (s *Supervisor) State() State { return s.state }

// Run drives the event loop until the control channel has closed (or a
// terminating signal arrived) and every child has been reaped and fully
// reported. It returns nil on a clean drain.
func (s *Supervisor) Run() error {
	s.signals = NewSignalQueue(s.logger)
	defer s.signals.Stop()

	go s.readRequests()

	s.bus.Publish(events.Event{Type: events.SupervisorRunning})
	s.logger.Info("supervisor running", "pid", os.Getpid())

	for {
		select {
		case ev := <-s.loopEvents:
			s.handleEvent(ev)
		case sig := <-s.signals.C:
			s.handleSignal(sig)
		case <-s.graceC:
			s.escalate()
		}
		if s.state != StateRun && s.table.Len() == 0 {
			break
		}
	}

	s.bus.Publish(events.Event{Type: events.SupervisorStopped})
	s.logger.Info("drained, exiting")
	return nil
}

// readRequests feeds control-channel frames to the loop. It exits on the
// first terminal read error; a read error is treated as end-of-stream.
func (s *Supervisor) readRequests() {
	for {
		frame, err := s.ch.ReadRequest()
		if err != nil {
			var frameErr *control.FrameError
			if errors.As(err, &frameErr) {
				s.loopEvents <- loopEvent{kind: evBadFrame, err: frameErr}
				continue
			}
			s.loopEvents <- loopEvent{kind: evControlClosed, err: err}
			return
		}
		s.loopEvents <- loopEvent{kind: evRequest, frame: frame}
	}
}

// forward reads one forwarded pipe until EOF. Each successful read becomes
// exactly one output event (and so one status-3 message); there is no
// reblocking. A read error counts as EOF.
func (s *Supervisor) forward(tag, stream uint32, r *os.File) {
	buf := make([]byte, s.bufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.loopEvents <- loopEvent{kind: evOutput, tag: tag, stream: stream, data: data}
		}
		if err != nil {
			s.loopEvents <- loopEvent{kind: evStreamClosed, tag: tag, stream: stream}
			return
		}
	}
}

func (s *Supervisor) handleEvent(ev loopEvent) {
	switch ev.kind {
	case evRequest:
		s.handleRequest(ev.frame)
	case evBadFrame:
		s.logger.Error("discarding ill-formed frame", "error", ev.err)
		s.bus.Publish(events.Event{
			Type: events.RequestRejected,
			Data: map[string]string{"reason": ev.err.Error()},
		})
	case evControlClosed:
		if ev.err != nil && !control.IsDisconnect(ev.err) {
			s.logger.Error("control channel read failed", "error", ev.err)
		}
		s.enterDrain(unix.SIGTERM, "control channel closed")
	case evOutput:
		if s.table.ByTag(ev.tag) == nil {
			return
		}
		s.send(&protocol.StatusMessage{
			Tag:     ev.tag,
			Status:  protocol.StatusOutput,
			Value:   ev.stream,
			Payload: ev.data,
		})
		s.bus.Publish(events.Event{
			Type: events.ChildOutput,
			Data: map[string]string{
				"tag":    fmt.Sprintf("%d", ev.tag),
				"stream": fmt.Sprintf("%d", ev.stream),
				"bytes":  fmt.Sprintf("%d", len(ev.data)),
			},
		})
	case evStreamClosed:
		child := s.table.ByTag(ev.tag)
		if child == nil {
			return
		}
		s.send(&protocol.StatusMessage{
			Tag:    ev.tag,
			Status: protocol.StatusClosed,
			Value:  ev.stream,
		})
		child.CloseStream(ev.stream)
		s.bus.Publish(events.Event{
			Type: events.ChildStreamClosed,
			Data: map[string]string{
				"tag":    fmt.Sprintf("%d", ev.tag),
				"stream": fmt.Sprintf("%d", ev.stream),
			},
		})
		if child.Done() {
			s.finalize(child)
		}
	}
}

func (s *Supervisor) handleRequest(frame *control.Frame) {
	defer frame.CloseFiles()

	if s.state != StateRun {
		s.logger.Warn("dropping spawn request received while draining")
		return
	}

	req, err := protocol.DecodeRequest(frame.Data, len(frame.Files))
	if err != nil {
		s.reject(tagOf(err), err.Error())
		return
	}
	if s.table.ByTag(req.Tag) != nil {
		s.reject(req.Tag, fmt.Sprintf("tag %d already identifies a live child", req.Tag))
		return
	}

	child, err := s.launcher.Launch(req, frame.Files)
	if err != nil {
		s.logger.Error("spawn failed", "tag", req.Tag, "executable", req.Executable, "error", err)
		s.send(&protocol.StatusMessage{
			Tag:     req.Tag,
			Status:  protocol.StatusSpawnError,
			Value:   process.Errno(err),
			Payload: []byte(err.Error()),
		})
		s.bus.Publish(events.Event{
			Type: events.ChildSpawnFailed,
			Data: map[string]string{"tag": fmt.Sprintf("%d", req.Tag), "error": err.Error()},
		})
		return
	}

	s.table.Add(child)
	s.send(&protocol.StatusMessage{
		Tag:    child.Tag,
		Status: protocol.StatusStarted,
		Value:  uint32(child.Pid),
	})
	s.bus.Publish(events.Event{
		Type: events.ChildStarted,
		Data: map[string]string{
			"tag":        fmt.Sprintf("%d", child.Tag),
			"pid":        fmt.Sprintf("%d", child.Pid),
			"executable": req.Executable,
		},
	})

	// Readers start only after the started message is on the wire, so a
	// tag's first status is always 0, 1, or 2.
	for _, stream := range []uint32{protocol.StreamStdout, protocol.StreamStderr} {
		if p := child.Pipe(stream); p != nil {
			go s.forward(child.Tag, stream, p)
		}
	}
}

func tagOf(err error) uint32 {
	var reqErr *protocol.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Tag
	}
	return 0
}

func (s *Supervisor) reject(tag uint32, msg string) {
	s.logger.Warn("rejecting request", "tag", tag, "reason", msg)
	s.send(&protocol.StatusMessage{
		Tag:     tag,
		Status:  protocol.StatusIllFormed,
		Payload: []byte(msg),
	})
	s.bus.Publish(events.Event{
		Type: events.RequestRejected,
		Data: map[string]string{"tag": fmt.Sprintf("%d", tag), "reason": msg},
	})
}

func (s *Supervisor) handleSignal(sig os.Signal) {
	num, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	switch {
	case num == unix.SIGCHLD:
		s.reap()
	case IsFatal(num):
		s.crash(num)
	case IsKindly(num):
		s.enterDrain(num, "signal "+num.String())
	}
}

// reap collects every child the kernel has waiting, without blocking.
// SIGCHLD coalesces, so one wakeup may cover several exits.
func (s *Supervisor) reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
		child := s.table.ByPid(pid)
		if child == nil {
			s.logger.Warn("reaped unknown child", "pid", pid)
			continue
		}
		s.logger.Debug("reaped child", "pid", pid, "tag", child.Tag, "status", process.DescribeWait(ws))
		child.SetReaped(ws)
		if child.Done() {
			s.finalize(child)
		}
	}
}

// finalize emits the exit message and removes the record. Both forwarded
// streams have already reported closure, so status 5 is the tag's last
// message.
func (s *Supervisor) finalize(child *process.Child) {
	ws := child.WaitStatus()
	s.send(&protocol.StatusMessage{
		Tag:     child.Tag,
		Status:  protocol.StatusExited,
		Value:   uint32(ws),
		Payload: []byte(process.DescribeWait(ws)),
	})
	s.table.Remove(child)
	s.logger.Info("child finished", "tag", child.Tag, "pid", child.Pid, "wait", process.DescribeWait(ws))
	s.bus.Publish(events.Event{
		Type: events.ChildExited,
		Data: map[string]string{
			"tag":    fmt.Sprintf("%d", child.Tag),
			"pid":    fmt.Sprintf("%d", child.Pid),
			"status": process.DescribeWait(ws),
		},
	})
}

// send writes one status message, observing the suppression latch.
func (s *Supervisor) send(m *protocol.StatusMessage) {
	if err := s.ch.WriteStatus(m); err != nil && !s.writeFailed {
		s.writeFailed = true
		s.bus.Publish(events.Event{
			Type: events.StatusWriteFailed,
			Data: map[string]string{"error": err.Error()},
		})
	}
}

// enterDrain moves RUN -> DRAIN: no more spawns, every live child gets the
// terminating signal, and the grace timer starts.
func (s *Supervisor) enterDrain(sig syscall.Signal, reason string) {
	if s.state != StateRun {
		return
	}
	s.state = StateDrain
	s.logger.Info("draining", "reason", reason, "signal", sig.String(), "live_children", s.table.Len())
	s.bus.Publish(events.Event{
		Type: events.SupervisorDraining,
		Data: map[string]string{"reason": reason},
	})

	s.ch.CloseRead()
	for _, child := range s.table.Children() {
		if err := unix.Kill(child.Pid, sig); err != nil {
			s.logger.Warn("cannot signal child", "pid", child.Pid, "error", err)
		}
	}
	s.graceC = time.After(s.grace)
}

// escalate moves DRAIN -> HARD_DRAIN on grace expiry.
func (s *Supervisor) escalate() {
	if s.state != StateDrain {
		return
	}
	s.state = StateHardDrain
	s.graceC = nil
	s.logger.Warn("grace period expired, killing survivors", "live_children", s.table.Len())
	s.bus.Publish(events.Event{Type: events.SupervisorKilling})

	for _, child := range s.table.Children() {
		unix.Kill(child.Pid, unix.SIGKILL)
	}
}

// crash handles the fatal-signal class: children die immediately and the
// signal is re-raised with its default disposition restored.
func (s *Supervisor) crash(sig syscall.Signal) {
	s.logger.Error("fatal signal, killing children and re-raising", "signal", sig.String())
	for _, child := range s.table.Children() {
		unix.Kill(child.Pid, unix.SIGKILL)
	}
	signal.Reset(sig)
	unix.Kill(os.Getpid(), sig)
}
