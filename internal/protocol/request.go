package protocol

import (
	"bytes"
	"fmt"
)

// DispositionKind says where one of the child's standard descriptors comes
// from.
type DispositionKind int

const (
	// Inherit leaves the descriptor pointing wherever the supervisor's
	// own descriptor points. Wire value 0xFF.
	Inherit DispositionKind = iota
	// Default attaches /dev/null read-only for stdin, or a forwarding
	// pipe for stdout/stderr. Wire value 0.
	Default
	// Passed attaches a descriptor received with the request. Wire value
	// k >= 1 selects the descriptor at array index k-1.
	Passed
)

func (k DispositionKind) String() string {
	switch k {
	case Inherit:
		return "inherit"
	case Default:
		return "default"
	case Passed:
		return "passed"
	}
	return fmt.Sprintf("DispositionKind(%d)", int(k))
}

// Disposition directs the wiring of a single standard descriptor in the
// child. Index is meaningful only when Kind is Passed.
type Disposition struct {
	Kind  DispositionKind
	Index int
}

// IsForward reports whether this disposition, applied to stdout or stderr,
// means the stream is forwarded through the supervisor.
func (d Disposition) IsForward() bool { return d.Kind == Default }

func parseDisposition(fd int, b byte, nfds int) (Disposition, error) {
	switch {
	case b == 0xFF:
		return Disposition{Kind: Inherit}, nil
	case b == 0:
		return Disposition{Kind: Default}, nil
	case int(b) <= nfds:
		return Disposition{Kind: Passed, Index: int(b) - 1}, nil
	default:
		return Disposition{}, fmt.Errorf("fd %d disposition %d references a descriptor but only %d were passed", fd, b, nfds)
	}
}

func (d Disposition) encode() byte {
	switch d.Kind {
	case Inherit:
		return 0xFF
	case Default:
		return 0
	default:
		return byte(d.Index + 1)
	}
}

// SpawnRequest is a decoded request body. Args holds only the explicit
// argv entries; when the request carried argc == 0, Args is empty and the
// executable name is reused as the sole argv entry at launch time. A nil
// Env together with InheritEnv false means an empty environment.
type SpawnRequest struct {
	Tag        uint32
	Stdin      Disposition
	Stdout     Disposition
	Stderr     Disposition
	Executable string
	Args       []string
	Env        []string
	InheritEnv bool
}

// RequestError describes a request body that failed validation. Its
// message becomes the payload of the resulting status-0 report.
type RequestError struct {
	Tag uint32
	Msg string
}

func (e *RequestError) Error() string { return e.Msg }

func requestErrorf(tag uint32, format string, args ...any) error {
	return &RequestError{Tag: tag, Msg: fmt.Sprintf(format, args...)}
}

// DecodeRequest parses and validates a request body that arrived with nfds
// passed descriptors. The caller has already checked the frame-level
// minimums (len(body) >= RequestFixedLen, nfds >= 1). Validation failures
// are returned as *RequestError carrying the tag when it could be read.
func DecodeRequest(body []byte, nfds int) (*SpawnRequest, error) {
	if len(body) < RequestFixedLen {
		return nil, requestErrorf(0, "request body too short: %d bytes", len(body))
	}
	tag := order.Uint32(body[0:4])

	if flags := body[4]; flags != 0 {
		return nil, requestErrorf(tag, "unsupported flags 0x%02x", flags)
	}

	req := &SpawnRequest{Tag: tag}
	var err error
	if req.Stdin, err = parseDisposition(0, body[5], nfds); err != nil {
		return nil, requestErrorf(tag, "%s", err)
	}
	if req.Stdout, err = parseDisposition(1, body[6], nfds); err != nil {
		return nil, requestErrorf(tag, "%s", err)
	}
	if req.Stderr, err = parseDisposition(2, body[7], nfds); err != nil {
		return nil, requestErrorf(tag, "%s", err)
	}

	argc := order.Uint32(body[8:12])
	envc := order.Uint32(body[12:16])

	envcEffective := uint64(envc)
	if envc == EnvInheritCount {
		req.InheritEnv = true
		envcEffective = 0
	}

	// Every string costs at least its NUL terminator, so the total count
	// is bounded by the bytes remaining.
	rest := body[RequestFixedLen:]
	want := 1 + uint64(argc) + envcEffective
	if want > uint64(len(rest)) {
		return nil, requestErrorf(tag, "request claims %d strings in %d bytes", want, len(rest))
	}

	strs := make([]string, 0, want)
	for len(strs) < int(want) {
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			return nil, requestErrorf(tag, "unterminated string in request (have %d of %d)", len(strs), want)
		}
		strs = append(strs, string(rest[:i]))
		rest = rest[i+1:]
	}
	if len(rest) != 0 {
		return nil, requestErrorf(tag, "%d trailing bytes after string section", len(rest))
	}

	req.Executable = strs[0]
	req.Args = strs[1 : 1+int(argc)]
	if !req.InheritEnv {
		req.Env = strs[1+int(argc):]
	}
	return req, nil
}

// Encode produces the wire body for this request, the inverse of
// DecodeRequest. Used by the client side of the protocol.
func (r *SpawnRequest) Encode() []byte {
	size := RequestFixedLen + len(r.Executable) + 1
	for _, s := range r.Args {
		size += len(s) + 1
	}
	for _, s := range r.Env {
		size += len(s) + 1
	}

	b := make([]byte, 0, size)
	b = order.AppendUint32(b, r.Tag)
	b = append(b, 0, r.Stdin.encode(), r.Stdout.encode(), r.Stderr.encode())
	b = order.AppendUint32(b, uint32(len(r.Args)))
	if r.InheritEnv {
		b = order.AppendUint32(b, EnvInheritCount)
	} else {
		b = order.AppendUint32(b, uint32(len(r.Env)))
	}

	b = append(b, r.Executable...)
	b = append(b, 0)
	for _, s := range r.Args {
		b = append(b, s...)
		b = append(b, 0)
	}
	if !r.InheritEnv {
		for _, s := range r.Env {
			b = append(b, s...)
			b = append(b, 0)
		}
	}
	return b
}
