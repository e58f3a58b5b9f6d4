// Package control implements the supervisor's end of the control socket:
// receiving spawn request frames with their passed descriptors, and writing
// status messages back in order.
package control

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/spawnmux/spawnmux/internal/protocol"
)

// ControlFD is the descriptor slot on which the supervisor expects its
// control socket at startup.
const ControlFD = 3

// maxFrameFDs caps the descriptors accepted with one frame. The kernel
// refuses more than SCM_MAX_FD (253) rights per message anyway.
const maxFrameFDs = 253

// Frame is one received spawn request: the raw body bytes and the
// descriptors that arrived with it. The receiver owns the descriptors and
// must close every one, whether or not the request spawns a child.
type Frame struct {
	Data  []byte
	Files []*os.File
}

// CloseFiles closes all descriptors still attached to the frame.
func (f *Frame) CloseFiles() {
	for _, file := range f.Files {
		file.Close()
	}
	f.Files = nil
}

// FrameError reports a frame whose header failed the protocol minimums.
// The body and descriptors have already been consumed and discarded; the
// connection remains usable.
type FrameError struct {
	Header protocol.FrameHeader
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("ill-formed frame (data_len=%d n_fds=%d): %s",
		e.Header.DataLen, e.Header.NumFDs, e.Reason)
}

// Channel wraps the AF_UNIX stream connection shared by spawn requests and
// status messages. Reads happen on the request-reader goroutine; writes
// happen only on the supervisor loop, in order, on the blocking socket.
type Channel struct {
	conn       *net.UnixConn
	maxRequest uint32
	suppressed bool
	logger     *slog.Logger
}

// Options bound what a Channel will accept.
type Options struct {
	MaxRequestBytes int // largest request body accepted
}

// FromFD adopts the socket on the given descriptor, which must be a
// connected AF_UNIX stream socket.
func FromFD(fd int, opts Options, logger *slog.Logger) (*Channel, error) {
	f := os.NewFile(uintptr(fd), "control")
	if f == nil {
		return nil, fmt.Errorf("invalid control descriptor %d", fd)
	}
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("cannot adopt control socket on fd %d: %w", fd, err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("control descriptor %d is a %T, not a unix stream socket", fd, conn)
	}
	return New(uc, opts, logger), nil
}

// New wraps an already-connected unix socket.
func New(conn *net.UnixConn, opts Options, logger *slog.Logger) *Channel {
	maxReq := opts.MaxRequestBytes
	if maxReq <= 0 {
		maxReq = 1 << 20
	}
	return &Channel{
		conn:       conn,
		maxRequest: uint32(maxReq),
		logger:     logger,
	}
}

// ReadRequest reads the next spawn request frame. It returns io.EOF on
// clean end-of-stream; any other transport error is also terminal for the
// reading side. A *FrameError means the frame violated the header-level
// protocol minimums and was discarded; reading may continue.
func (c *Channel) ReadRequest() (*Frame, error) {
	var raw [protocol.FrameHeaderLen]byte
	if _, err := io.ReadFull(c.conn, raw[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated frame header: %w", err)
		}
		return nil, err
	}
	hdr, err := protocol.DecodeFrameHeader(raw[:])
	if err != nil {
		return nil, err
	}

	switch {
	case hdr.NumFDs == 0:
		return nil, c.discardFrame(hdr, "no descriptors passed")
	case hdr.NumFDs > maxFrameFDs:
		return nil, c.discardFrame(hdr, "too many descriptors")
	case hdr.DataLen < protocol.RequestFixedLen:
		return nil, c.discardFrame(hdr, "body shorter than request minimum")
	case hdr.DataLen > c.maxRequest:
		return nil, c.discardFrame(hdr, "body exceeds request size limit")
	}

	body := make([]byte, hdr.DataLen)
	fds, n, err := c.recvWithRights(body, int(hdr.NumFDs))
	if err != nil {
		closeFDs(fds)
		return nil, err
	}
	if n < len(body) {
		if _, err := io.ReadFull(c.conn, body[n:]); err != nil {
			closeFDs(fds)
			return nil, fmt.Errorf("truncated request body: %w", err)
		}
	}
	if len(fds) != int(hdr.NumFDs) {
		closeFDs(fds)
		return nil, &FrameError{Header: hdr, Reason: fmt.Sprintf("received %d descriptors, expected %d", len(fds), hdr.NumFDs)}
	}

	frame := &Frame{Data: body}
	for i, fd := range fds {
		// Keep received descriptors out of later children.
		unix.CloseOnExec(fd)
		frame.Files = append(frame.Files, os.NewFile(uintptr(fd), fmt.Sprintf("passed-%d", i)))
	}
	return frame, nil
}

// recvWithRights performs the single receive that must carry the frame's
// ancillary rights data alongside (a prefix of) its body.
func (c *Channel) recvWithRights(body []byte, nfds int) ([]int, int, error) {
	oob := make([]byte, unix.CmsgSpace(nfds*4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(body, oob)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 && oobn == 0 {
		return nil, 0, io.EOF
	}

	var fds []int
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, n, fmt.Errorf("cannot parse ancillary data: %w", err)
		}
		for _, cmsg := range cmsgs {
			got, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			fds = append(fds, got...)
		}
	}
	return fds, n, nil
}

// discardFrame consumes and throws away the body and descriptors of a
// frame that failed header validation, then reports it.
func (c *Channel) discardFrame(hdr protocol.FrameHeader, reason string) error {
	remaining := int(hdr.DataLen)
	nfds := int(hdr.NumFDs)
	if nfds > maxFrameFDs {
		nfds = maxFrameFDs
	}
	for remaining > 0 {
		chunk := remaining
		if chunk > 32*1024 {
			chunk = 32 * 1024
		}
		fds, n, err := c.recvWithRights(make([]byte, chunk), nfds)
		closeFDs(fds)
		if err != nil {
			return err
		}
		remaining -= n
	}
	return &FrameError{Header: hdr, Reason: reason}
}

// WriteStatus serializes one status message onto the channel. Writes are
// blocking and ordered; a failure latches output suppression, after which
// every further message is silently discarded.
func (c *Channel) WriteStatus(m *protocol.StatusMessage) error {
	if c.suppressed {
		return nil
	}
	if _, err := c.conn.Write(m.Encode()); err != nil {
		c.suppressed = true
		c.logger.Error("status write failed, suppressing further output", "error", err)
		return err
	}
	return nil
}

// Suppressed reports whether a write failure has latched.
func (c *Channel) Suppressed() bool { return c.suppressed }

// CloseRead shuts down the reading side, so a blocked request reader
// observes end-of-stream.
func (c *Channel) CloseRead() error { return c.conn.CloseRead() }

// Close tears the connection down entirely.
func (c *Channel) Close() error { return c.conn.Close() }

// IsDisconnect reports whether err looks like the peer went away rather
// than a local failure.
func IsDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET)
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// SetCloseOnExecAbove marks every descriptor numbered above min
// close-on-exec, so stray descriptors the daemon inherited from its own
// parent stay out of every child it spawns.
func SetCloseOnExecAbove(min int) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return
	}
	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil || fd <= min {
			continue
		}
		unix.CloseOnExec(fd)
	}
}
