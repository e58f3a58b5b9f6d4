package control

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/spawnmux/spawnmux/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// socketPair returns both ends of a connected AF_UNIX stream socket.
func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}

	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		uc, ok := c.(*net.UnixConn)
		if !ok {
			t.Fatalf("expected *net.UnixConn, got %T", c)
		}
		conns[i] = uc
	}
	t.Cleanup(func() {
		conns[0].Close()
		conns[1].Close()
	})
	return conns[0], conns[1]
}

func sendFrame(t *testing.T, conn *net.UnixConn, body []byte, files ...*os.File) {
	t.Helper()

	hdr := protocol.FrameHeader{
		DataLen: uint32(len(body)),
		NumFDs:  uint32(len(files)),
	}
	if _, err := conn.Write(hdr.Encode(nil)); err != nil {
		t.Fatal(err)
	}

	var rights []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		rights = unix.UnixRights(fds...)
	}
	if _, _, err := conn.WriteMsgUnix(body, rights, nil); err != nil {
		t.Fatal(err)
	}
}

func TestReadRequestWithDescriptor(t *testing.T) {
	server, client := socketPair(t)
	ch := New(server, Options{}, testLogger())

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pr.Close()
	defer pw.Close()

	body := (&protocol.SpawnRequest{
		Tag:        11,
		Stdin:      protocol.Disposition{Kind: protocol.Passed, Index: 0},
		Stdout:     protocol.Disposition{Kind: protocol.Default},
		Stderr:     protocol.Disposition{Kind: protocol.Default},
		Executable: "/bin/cat",
		InheritEnv: true,
	}).Encode()
	sendFrame(t, client, body, pr)

	frame, err := ch.ReadRequest()
	if err != nil {
		t.Fatal(err)
	}
	defer frame.CloseFiles()

	if string(frame.Data) != string(body) {
		t.Fatal("body mismatch")
	}
	if len(frame.Files) != 1 {
		t.Fatalf("expected 1 descriptor, got %d", len(frame.Files))
	}

	// The received descriptor must reference the same pipe.
	if _, err := pw.WriteString("ping"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(frame.Files[0], buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("read %q through passed descriptor", buf)
	}
}

func TestReadRequestEOF(t *testing.T) {
	server, client := socketPair(t)
	ch := New(server, Options{}, testLogger())

	client.Close()
	if _, err := ch.ReadRequest(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadRequestNoDescriptors(t *testing.T) {
	server, client := socketPair(t)
	ch := New(server, Options{}, testLogger())

	// Frame claiming zero descriptors: header-level protocol error.
	body := make([]byte, 32)
	sendFrame(t, client, body)

	_, err := ch.ReadRequest()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %v", err)
	}

	// The connection must remain usable for the next frame.
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pr.Close()
	defer pw.Close()
	good := (&protocol.SpawnRequest{
		Tag:        5,
		Stdin:      protocol.Disposition{Kind: protocol.Default},
		Stdout:     protocol.Disposition{Kind: protocol.Default},
		Stderr:     protocol.Disposition{Kind: protocol.Default},
		Executable: "/bin/true",
		InheritEnv: true,
	}).Encode()
	sendFrame(t, client, good, pr)

	frame, err := ch.ReadRequest()
	if err != nil {
		t.Fatal(err)
	}
	frame.CloseFiles()
}

func TestReadRequestShortBody(t *testing.T) {
	server, client := socketPair(t)
	ch := New(server, Options{}, testLogger())

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pr.Close()
	defer pw.Close()
	sendFrame(t, client, make([]byte, 8), pr)

	_, err = ch.ReadRequest()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %v", err)
	}
}

func TestReadRequestOversized(t *testing.T) {
	server, client := socketPair(t)
	ch := New(server, Options{MaxRequestBytes: 64}, testLogger())

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pr.Close()
	defer pw.Close()
	sendFrame(t, client, make([]byte, 128), pr)

	_, err = ch.ReadRequest()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %v", err)
	}
}

func TestWriteStatusSuppressesAfterFailure(t *testing.T) {
	server, client := socketPair(t)
	ch := New(server, Options{}, testLogger())

	client.Close()

	msg := &protocol.StatusMessage{Tag: 1, Status: protocol.StatusStarted, Value: 99}
	var failed bool
	for i := 0; i < 4 && !failed; i++ {
		failed = ch.WriteStatus(msg) != nil
	}
	if !failed {
		t.Fatal("expected a write failure against a closed peer")
	}
	if !ch.Suppressed() {
		t.Fatal("write failure must latch suppression")
	}
	// Once latched, writes are silently discarded.
	if err := ch.WriteStatus(msg); err != nil {
		t.Fatalf("suppressed write returned %v", err)
	}
}

func TestWriteStatusOrdering(t *testing.T) {
	server, client := socketPair(t)
	ch := New(server, Options{}, testLogger())

	want := []*protocol.StatusMessage{
		{Tag: 1, Status: protocol.StatusStarted, Value: 42},
		{Tag: 1, Status: protocol.StatusOutput, Value: protocol.StreamStdout, Payload: []byte("a")},
		{Tag: 1, Status: protocol.StatusClosed, Value: protocol.StreamStdout},
		{Tag: 1, Status: protocol.StatusExited, Value: 0},
	}
	for _, m := range want {
		if err := ch.WriteStatus(m); err != nil {
			t.Fatal(err)
		}
	}

	for _, w := range want {
		got, err := protocol.ReadStatus(client)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != w.Status || got.Tag != w.Tag || got.Value != w.Value {
			t.Fatalf("got %+v want %+v", got, w)
		}
	}
}
