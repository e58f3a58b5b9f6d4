package process

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/spawnmux/spawnmux/internal/protocol"
)

// Child is one live entry in the table. It is confined to the supervisor
// loop goroutine; only the forwarded pipe read ends are touched elsewhere
// (by their reader goroutines, which never close them).
type Child struct {
	Tag uint32
	Pid int

	stdout *os.File // forwarded read end, nil when not forwarded or closed
	stderr *os.File

	openOutputs int
	reaped      bool
	waitStatus  unix.WaitStatus
}

// Pipe returns the forwarded read end for a stream identifier, or nil.
func (c *Child) Pipe(stream uint32) *os.File {
	switch stream {
	case protocol.StreamStdout:
		return c.stdout
	case protocol.StreamStderr:
		return c.stderr
	}
	return nil
}

// OpenOutputs returns how many forwarded streams are still open.
func (c *Child) OpenOutputs() int { return c.openOutputs }

// CloseStream records EOF on one forwarded stream, closing its read end.
func (c *Child) CloseStream(stream uint32) {
	var f **os.File
	switch stream {
	case protocol.StreamStdout:
		f = &c.stdout
	case protocol.StreamStderr:
		f = &c.stderr
	default:
		return
	}
	if *f == nil {
		return
	}
	(*f).Close()
	*f = nil
	c.openOutputs--
}

// SetReaped records the raw wait status once the child has been waited on.
func (c *Child) SetReaped(ws unix.WaitStatus) {
	c.reaped = true
	c.waitStatus = ws
}

// Reaped reports whether the child's exit has been collected.
func (c *Child) Reaped() bool { return c.reaped }

// WaitStatus returns the raw wait status; valid only after Reaped.
func (c *Child) WaitStatus() unix.WaitStatus { return c.waitStatus }

// Done reports whether the record has reached its terminal state: exit
// collected and every forwarded stream closed.
func (c *Child) Done() bool { return c.reaped && c.openOutputs == 0 }

// closePipes force-closes any forwarded read ends still open, for
// finalization and launch-failure teardown.
func (c *Child) closePipes() {
	if c.stdout != nil {
		c.stdout.Close()
		c.stdout = nil
	}
	if c.stderr != nil {
		c.stderr.Close()
		c.stderr = nil
	}
	c.openOutputs = 0
}

// DescribeWait renders a wait status the way a shell user would read it.
func DescribeWait(ws unix.WaitStatus) string {
	switch {
	case ws.Exited():
		return fmt.Sprintf("exited with status %d", ws.ExitStatus())
	case ws.Signaled():
		s := fmt.Sprintf("killed by signal %d", int(ws.Signal()))
		if ws.CoreDump() {
			s += " (core dumped)"
		}
		return s
	default:
		return fmt.Sprintf("wait status %#x", uint32(ws))
	}
}

// Table is the authoritative registry of in-flight children, indexed by
// tag and by pid. Like Child, it is confined to the supervisor loop.
type Table struct {
	byTag map[uint32]*Child
	byPid map[int]*Child
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		byTag: make(map[uint32]*Child),
		byPid: make(map[int]*Child),
	}
}

// Add registers a child. A tag identifies at most one live child.
func (t *Table) Add(c *Child) error {
	if _, ok := t.byTag[c.Tag]; ok {
		return fmt.Errorf("tag %d already identifies a live child", c.Tag)
	}
	t.byTag[c.Tag] = c
	t.byPid[c.Pid] = c
	return nil
}

// ByTag looks a child up by its tag.
func (t *Table) ByTag(tag uint32) *Child { return t.byTag[tag] }

// ByPid looks a child up by its process id.
func (t *Table) ByPid(pid int) *Child { return t.byPid[pid] }

// Remove finalizes a record, closing any forwarded pipe still open.
func (t *Table) Remove(c *Child) {
	c.closePipes()
	delete(t.byTag, c.Tag)
	delete(t.byPid, c.Pid)
}

// Len counts live children.
func (t *Table) Len() int { return len(t.byTag) }

// Children returns the live children in unspecified order.
func (t *Table) Children() []*Child {
	out := make([]*Child, 0, len(t.byTag))
	for _, c := range t.byTag {
		out = append(out, c)
	}
	return out
}
