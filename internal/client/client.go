// Package client is the controlling-program side of the spawnmux
// protocol: it encodes spawn requests onto the control socket, passes
// descriptors, and demultiplexes the status stream back into per-child
// queues.
package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/spawnmux/spawnmux/internal/protocol"
)

// stdioKind selects the handling of one standard stream of a spawned
// child.
type stdioKind int

const (
	kindUnset stdioKind = iota
	kindDevnull
	kindReceive
	kindInherit
	kindFile
)

// Stdio directs one of a child's standard descriptors.
type Stdio struct {
	kind stdioKind
	file *os.File
}

var (
	// Devnull attaches /dev/null. This is the default for stdin.
	Devnull = Stdio{kind: kindDevnull}
	// Receive forwards the stream through the supervisor as status
	// messages. This is the default for stdout and stderr; not valid
	// for stdin.
	Receive = Stdio{kind: kindReceive}
	// Inherit points the descriptor wherever the supervisor's own
	// descriptor pointed when it started.
	Inherit = Stdio{kind: kindInherit}
)

// UseFile attaches a caller-supplied open descriptor, for manually built
// pipelines.
func UseFile(f *os.File) Stdio { return Stdio{kind: kindFile, file: f} }

// SpawnSpec describes one child to spawn. A nil Env inherits the
// supervisor's environment; an empty non-nil Env gives the child an empty
// one. An empty Args spawns with argv = [Path].
type SpawnSpec struct {
	Path   string
	Args   []string
	Env    []string
	Stdin  Stdio
	Stdout Stdio
	Stderr Stdio
}

// Proc is the handle for one spawned child. Status messages for the child
// arrive on Status in protocol order; the channel closes after the
// terminal message (ill-formed, spawn error, or exited). The channel is
// buffered but not unbounded: a consumer that stops draining one child
// eventually stalls delivery for every child on the connection.
type Proc struct {
	tag    uint32
	status chan *protocol.StatusMessage

	mu  sync.Mutex
	pid int
}

// Tag returns the client-allocated tag.
func (p *Proc) Tag() uint32 { return p.tag }

// Pid returns the child's process id, or 0 before the started message has
// been seen.
func (p *Proc) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Status delivers the child's status messages in protocol order.
func (p *Proc) Status() <-chan *protocol.StatusMessage { return p.status }

// Client speaks the spawn protocol over a connected control socket.
type Client struct {
	conn *net.UnixConn
	cmd  *exec.Cmd // non-nil when Start launched the supervisor

	mu      sync.Mutex
	nextTag uint32
	procs   map[uint32]*Proc
	readErr error
	done    chan struct{}
}

// New wraps an existing connection to a running supervisor and starts the
// status demultiplexer.
func New(conn *net.UnixConn) *Client {
	c := &Client{
		conn:  conn,
		procs: make(map[uint32]*Proc),
		done:  make(chan struct{}),
	}
	go c.demux()
	return c
}

// Start launches the supervisor binary with a fresh socketpair on its
// control descriptor slot and returns a connected client. The daemon's
// stderr goes to the caller's stderr.
func Start(ctx context.Context, binary string, args ...string) (*Client, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot create control socketpair: %w", err)
	}
	ours := os.NewFile(uintptr(fds[0]), "control")
	theirs := os.NewFile(uintptr(fds[1]), "control-peer")

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stderr = os.Stderr
	// ExtraFiles[0] lands on descriptor 3, the control slot.
	cmd.ExtraFiles = []*os.File{theirs}
	if err := cmd.Start(); err != nil {
		ours.Close()
		theirs.Close()
		return nil, fmt.Errorf("cannot start supervisor: %w", err)
	}
	theirs.Close()

	conn, err := net.FileConn(ours)
	ours.Close()
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("cannot adopt control socket: %w", err)
	}

	c := New(conn.(*net.UnixConn))
	c.cmd = cmd
	return c, nil
}

// Spawn sends one spawn request and returns the handle its status
// messages will arrive on. Tags are allocated by the client and recycled
// only after the tag's terminal status.
func (c *Client) Spawn(spec SpawnSpec) (*Proc, error) {
	req := &protocol.SpawnRequest{
		Executable: spec.Path,
		Args:       spec.Args,
		Env:        spec.Env,
		InheritEnv: spec.Env == nil,
	}

	// Descriptors to pass, in wire order. A frame must carry at least
	// one descriptor; when no stream needs a real one, a /dev/null
	// placeholder satisfies the minimum.
	var (
		files   []*os.File
		cleanup []*os.File
	)
	defer func() {
		for _, f := range cleanup {
			f.Close()
		}
	}()
	addFile := func(f *os.File) protocol.Disposition {
		files = append(files, f)
		return protocol.Disposition{Kind: protocol.Passed, Index: len(files) - 1}
	}

	var err error
	if req.Stdin, err = c.stdinDisposition(spec.Stdin, addFile, &cleanup); err != nil {
		return nil, err
	}
	if req.Stdout, err = c.outputDisposition(spec.Stdout, addFile, &cleanup); err != nil {
		return nil, err
	}
	if req.Stderr, err = c.outputDisposition(spec.Stderr, addFile, &cleanup); err != nil {
		return nil, err
	}

	if len(files) == 0 {
		devnull, err := os.Open(os.DevNull)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, devnull)
		files = append(files, devnull)
	}

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, fmt.Errorf("control connection is down: %w", err)
	}
	c.nextTag++
	tag := c.nextTag
	for c.procs[tag] != nil {
		c.nextTag++
		tag = c.nextTag
	}
	req.Tag = tag
	proc := &Proc{tag: tag, status: make(chan *protocol.StatusMessage, 32)}
	c.procs[tag] = proc

	body := req.Encode()
	hdr := protocol.FrameHeader{DataLen: uint32(len(body)), NumFDs: uint32(len(files))}
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}

	_, werr := c.conn.Write(hdr.Encode(nil))
	if werr == nil {
		_, _, werr = c.conn.WriteMsgUnix(body, unix.UnixRights(fds...), nil)
	}
	if werr != nil {
		delete(c.procs, tag)
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot send spawn request: %w", werr)
	}
	c.mu.Unlock()
	return proc, nil
}

func (c *Client) stdinDisposition(s Stdio, addFile func(*os.File) protocol.Disposition, cleanup *[]*os.File) (protocol.Disposition, error) {
	switch s.kind {
	case kindUnset, kindDevnull:
		return protocol.Disposition{Kind: protocol.Default}, nil
	case kindInherit:
		return protocol.Disposition{Kind: protocol.Inherit}, nil
	case kindFile:
		return addFile(s.file), nil
	default:
		return protocol.Disposition{}, fmt.Errorf("stdin cannot be received through the status stream")
	}
}

func (c *Client) outputDisposition(s Stdio, addFile func(*os.File) protocol.Disposition, cleanup *[]*os.File) (protocol.Disposition, error) {
	switch s.kind {
	case kindUnset, kindReceive:
		return protocol.Disposition{Kind: protocol.Default}, nil
	case kindInherit:
		return protocol.Disposition{Kind: protocol.Inherit}, nil
	case kindFile:
		return addFile(s.file), nil
	case kindDevnull:
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return protocol.Disposition{}, err
		}
		*cleanup = append(*cleanup, f)
		return addFile(f), nil
	default:
		return protocol.Disposition{}, fmt.Errorf("invalid stdio directive")
	}
}

// demux routes incoming status messages to their tags' queues.
func (c *Client) demux() {
	defer close(c.done)
	for {
		m, err := protocol.ReadStatus(c.conn)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			for tag, p := range c.procs {
				close(p.status)
				delete(c.procs, tag)
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		p := c.procs[m.Tag]
		terminal := false
		switch m.Status {
		case protocol.StatusStarted:
			if p != nil {
				p.mu.Lock()
				p.pid = int(m.Value)
				p.mu.Unlock()
			}
		case protocol.StatusIllFormed, protocol.StatusSpawnError, protocol.StatusExited:
			terminal = true
			delete(c.procs, m.Tag)
		}
		c.mu.Unlock()

		if p == nil {
			continue
		}
		p.status <- m
		if terminal {
			close(p.status)
		}
	}
}

// Shutdown half-closes the control socket so the supervisor drains, then
// waits for the status stream to end and, when Start launched the daemon,
// for the daemon to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	c.conn.CloseWrite()

	select {
	case <-c.done:
	case <-ctx.Done():
		c.conn.Close()
		if c.cmd != nil {
			c.cmd.Process.Kill()
			c.cmd.Wait()
		}
		return ctx.Err()
	}
	c.conn.Close()

	if c.cmd != nil {
		if err := c.cmd.Wait(); err != nil {
			return fmt.Errorf("supervisor exited uncleanly: %w", err)
		}
	}
	return nil
}

// Close tears the connection down without waiting for a drain.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	if c.cmd != nil {
		c.cmd.Wait()
	}
	return err
}
