package process

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/spawnmux/spawnmux/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStarter struct {
	path  string
	argv  []string
	env   []string
	files []*os.File
	pid   int
	err   error
}

func (f *fakeStarter) Start(path string, argv []string, env []string, files []*os.File) (int, error) {
	f.path, f.argv, f.env, f.files = path, argv, env, files
	if f.err != nil {
		return 0, f.err
	}
	if f.pid == 0 {
		f.pid = 4242
	}
	return f.pid, nil
}

func forwardAll() *protocol.SpawnRequest {
	return &protocol.SpawnRequest{
		Tag:        1,
		Stdin:      protocol.Disposition{Kind: protocol.Default},
		Stdout:     protocol.Disposition{Kind: protocol.Default},
		Stderr:     protocol.Disposition{Kind: protocol.Default},
		Executable: "/bin/true",
		InheritEnv: true,
	}
}

func TestLaunchWiring(t *testing.T) {
	fs := &fakeStarter{}
	l := NewLauncher(fs, testLogger())

	req := forwardAll()
	req.Stderr = protocol.Disposition{Kind: protocol.Inherit}

	child, err := l.Launch(req, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer child.closePipes()

	if len(fs.files) != 3 {
		t.Fatalf("child got %d descriptors", len(fs.files))
	}
	if fs.files[0] == os.Stdin {
		t.Fatal("default stdin must be /dev/null, not the supervisor's stdin")
	}
	if fs.files[2] != os.Stderr {
		t.Fatal("inherit stderr must pass the supervisor's own descriptor")
	}
	if child.Pipe(protocol.StreamStdout) == nil {
		t.Fatal("forwarded stdout must leave a read end with the supervisor")
	}
	if child.Pipe(protocol.StreamStderr) != nil {
		t.Fatal("inherited stderr must not create a pipe")
	}
	if child.OpenOutputs() != 1 {
		t.Fatalf("open outputs: %d", child.OpenOutputs())
	}
	if child.Pid != 4242 {
		t.Fatalf("pid: %d", child.Pid)
	}
}

func TestLaunchArgvSubstitution(t *testing.T) {
	fs := &fakeStarter{}
	l := NewLauncher(fs, testLogger())

	req := forwardAll()
	req.Executable = "/bin/echo"
	req.Args = nil

	child, err := l.Launch(req, nil)
	if err != nil {
		t.Fatal(err)
	}
	child.closePipes()

	if len(fs.argv) != 1 || fs.argv[0] != "/bin/echo" {
		t.Fatalf("argc=0 must reuse the executable as argv: %v", fs.argv)
	}
}

func TestLaunchEnvSemantics(t *testing.T) {
	fs := &fakeStarter{}
	l := NewLauncher(fs, testLogger())

	// Inherit.
	child, err := l.Launch(forwardAll(), nil)
	if err != nil {
		t.Fatal(err)
	}
	child.closePipes()
	if fs.env != nil {
		t.Fatalf("inherit must pass a nil environment, got %v", fs.env)
	}

	// Explicitly empty.
	req := forwardAll()
	req.InheritEnv = false
	child, err = l.Launch(req, nil)
	if err != nil {
		t.Fatal(err)
	}
	child.closePipes()
	if fs.env == nil || len(fs.env) != 0 {
		t.Fatalf("envc=0 must pass an empty (non-nil) environment, got %v", fs.env)
	}
}

func TestLaunchPassedDescriptor(t *testing.T) {
	fs := &fakeStarter{}
	l := NewLauncher(fs, testLogger())

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pr.Close()
	defer pw.Close()

	req := forwardAll()
	req.Stdin = protocol.Disposition{Kind: protocol.Passed, Index: 0}

	child, err := l.Launch(req, []*os.File{pr})
	if err != nil {
		t.Fatal(err)
	}
	child.closePipes()

	if fs.files[0] != pr {
		t.Fatal("passed disposition must install the received descriptor")
	}
}

func TestLaunchStartFailure(t *testing.T) {
	fs := &fakeStarter{err: &os.PathError{Op: "fork/exec", Path: "/no/such/file", Err: unix.ENOENT}}
	l := NewLauncher(fs, testLogger())

	child, err := l.Launch(forwardAll(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if child != nil {
		t.Fatal("no child may survive a failed launch")
	}
	if Errno(err) != uint32(unix.ENOENT) {
		t.Fatalf("errno: %d", Errno(err))
	}
	if !strings.Contains(err.Error(), "/no/such/file") {
		t.Fatalf("message: %v", err)
	}
}

func TestLaunchRealChild(t *testing.T) {
	l := NewLauncher(nil, testLogger())

	req := forwardAll()
	req.Executable = "/bin/echo"
	req.Args = []string{"echo", "hi"}

	child, err := l.Launch(req, nil)
	if err != nil {
		t.Fatal(err)
	}

	out, err := io.ReadAll(child.Pipe(protocol.StreamStdout))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hi\n" {
		t.Fatalf("forwarded output: %q", out)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(child.Pid, &ws, 0, nil); err != nil {
		t.Fatal(err)
	}
	if !ws.Exited() || ws.ExitStatus() != 0 {
		t.Fatalf("wait status: %v", ws)
	}
	child.closePipes()
}

func TestLaunchRealExecFailure(t *testing.T) {
	l := NewLauncher(nil, testLogger())

	req := forwardAll()
	req.Executable = "/no/such/file"

	_, err := l.Launch(req, nil)
	if err == nil {
		t.Fatal("expected exec failure")
	}
	if Errno(err) != uint32(unix.ENOENT) {
		t.Fatalf("errno: %d (%v)", Errno(err), err)
	}
}

func TestTableLifecycle(t *testing.T) {
	tbl := NewTable()
	c := &Child{Tag: 9, Pid: 100}
	if err := tbl.Add(c); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Add(&Child{Tag: 9, Pid: 101}); err == nil {
		t.Fatal("duplicate live tag must be rejected")
	}
	if tbl.ByTag(9) != c || tbl.ByPid(100) != c {
		t.Fatal("lookup mismatch")
	}
	if tbl.Len() != 1 {
		t.Fatalf("len: %d", tbl.Len())
	}

	tbl.Remove(c)
	if tbl.ByTag(9) != nil || tbl.ByPid(100) != nil || tbl.Len() != 0 {
		t.Fatal("record must vanish on removal")
	}

	// The tag becomes reusable once the record is gone.
	if err := tbl.Add(&Child{Tag: 9, Pid: 102}); err != nil {
		t.Fatal(err)
	}
}

func TestChildDone(t *testing.T) {
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pw.Close()

	c := &Child{Tag: 1, Pid: 50, stdout: pr, openOutputs: 1}
	if c.Done() {
		t.Fatal("child with open output cannot be done")
	}

	c.SetReaped(unix.WaitStatus(0))
	if c.Done() {
		t.Fatal("reaped child with open output cannot be done")
	}

	c.CloseStream(protocol.StreamStdout)
	if !c.Done() {
		t.Fatal("reaped child with all streams closed must be done")
	}
	// Closing again is a no-op.
	c.CloseStream(protocol.StreamStdout)
	if c.OpenOutputs() != 0 {
		t.Fatalf("open outputs: %d", c.OpenOutputs())
	}
}

func TestDescribeWait(t *testing.T) {
	if got := DescribeWait(unix.WaitStatus(0)); got != "exited with status 0" {
		t.Fatalf("got %q", got)
	}
	if got := DescribeWait(unix.WaitStatus(15)); !strings.Contains(got, "signal 15") {
		t.Fatalf("got %q", got)
	}
}

func TestErrnoUnwrapsNothing(t *testing.T) {
	if Errno(errors.New("plain")) != 0 {
		t.Fatal("plain errors carry no errno")
	}
}
