// Package transport owns a single bidirectional byte stream and
// implements the blocking request/response exchange described in
// spec.md §4.2: send_simple, send_extended, receive_simple, and
// receive_extended, each pairing a frame codec operation with
// deadline-bounded I/O. It never retries — a NACK or timeout is
// handed back to the caller verbatim.
package transport

import (
	"errors"
	"io"
	"time"

	"github.com/v5serial/v5ctl/pkg/crc"
	"github.com/v5serial/v5ctl/pkg/protocol"
)

// CheckFlag gates which validations receive_extended performs, per
// spec.md §4.2. CheckCrcRequired adds a residue check before decoding;
// protocol.DecodeExtendedPayload verifies the residue as well, so the
// CRC is checked whether or not the flag is set.
type CheckFlag int

const (
	CheckAckRequired CheckFlag = 1 << iota
	CheckCrcRequired
)

// CheckAll is the default posture: verify the CRC and classify the
// ack byte, turning a NACK into an error. Callers that need the raw
// ack/NACK visible as data (the few diagnostic paths in spec.md §9)
// pass CheckCrcRequired alone.
const CheckAll = CheckAckRequired | CheckCrcRequired

// DefaultReceiveTimeout is used by receive_simple/receive_extended
// when the caller passes a zero deadline.
const DefaultReceiveTimeout = 100 * time.Millisecond

// Transport is the sole owner of a byte stream. It must not be used
// from two goroutines at once (spec.md §5); callers that need shared
// ownership should put their own mutex around a Transport, not expect
// Transport itself to provide one.
type Transport struct {
	stream io.ReadWriter
}

// New wraps a byte stream. The stream's own read timeout, if it has
// one (e.g. a serial port), must be set generously — on the order of
// 10 seconds — by the caller before constructing a Transport, so that
// Transport's own deadline logic owns cancellation instead of racing
// against a short underlying timeout (spec.md §4.2).
func New(stream io.ReadWriter) *Transport {
	return &Transport{stream: stream}
}

// SendSimple writes a simple frame and returns the number of bytes
// written.
func (t *Transport) SendSimple(cmd protocol.Command, payload []byte) (int, error) {
	frame, err := protocol.EncodeSimple(cmd, payload)
	if err != nil {
		return 0, err
	}
	return t.write(frame)
}

// SendExtended writes a simple-Extended frame carrying an extended
// envelope and returns the number of bytes written.
func (t *Transport) SendExtended(cmd protocol.ExtendedCommand, payload []byte) (int, error) {
	frame, err := protocol.EncodeExtended(cmd, payload)
	if err != nil {
		return 0, err
	}
	return t.write(frame)
}

func (t *Transport) write(frame []byte) (int, error) {
	n, err := t.stream.Write(frame)
	if err != nil {
		return n, &protocol.Error{Kind: protocol.KindIO, Err: err}
	}
	if f, ok := t.stream.(flusher); ok {
		if err := f.Flush(); err != nil {
			return n, &protocol.Error{Kind: protocol.KindIO, Err: err}
		}
	}
	return n, nil
}

type flusher interface {
	Flush() error
}

// ReceiveSimple synchronises on the AA55 header one byte at a time
// until deadline is exceeded (HeaderSyncTimeout), then reads the
// command, length (widened to u16 big-endian when the command is
// Extended), and exactly that many payload bytes. A zero deadline
// uses DefaultReceiveTimeout.
func (t *Transport) ReceiveSimple(deadline time.Duration) (protocol.Command, []byte, []byte, error) {
	if deadline <= 0 {
		deadline = DefaultReceiveTimeout
	}
	deadlineAt := time.Now().Add(deadline)

	raw := make([]byte, 0, 32)
	if err := t.syncHeader(deadlineAt, &raw); err != nil {
		return 0, nil, nil, err
	}

	var header [2]byte
	if err := t.readExact(header[:]); err != nil {
		return 0, nil, nil, err
	}
	raw = append(raw, header[:]...)

	cmd := protocol.Command(header[0])
	length := uint16(header[1])

	if cmd == protocol.CommandExtended {
		var lenLo [1]byte
		if err := t.readExact(lenLo[:]); err != nil {
			return 0, nil, nil, err
		}
		raw = append(raw, lenLo[:]...)
		length = protocol.WidenExtendedLength(header[1], lenLo[0])
	}

	payload := make([]byte, length)
	if length > 0 {
		if err := t.readExact(payload); err != nil {
			return 0, nil, nil, err
		}
	}
	raw = append(raw, payload...)

	return cmd, payload, raw, nil
}

// ReceiveExtended calls ReceiveSimple, reads the two CRC-16 bytes that
// follow an Extended frame's declared length, and then validates CRC
// and/or ack per checkFlags, stripping the ack byte and trailing CRC from the
// returned payload. With CheckAckRequired unset, a NACK or unknown ack
// is returned as data (ack, extPayload, nil) instead of an error —
// used by the handful of callers in spec.md §9 that need to see the
// raw ack rather than have it turned into a failure.
func (t *Transport) ReceiveExtended(deadline time.Duration, checkFlags CheckFlag) (ack protocol.AckCode, payload []byte, raw []byte, err error) {
	cmd, framePayload, raw, err := t.ReceiveSimple(deadline)
	if err != nil {
		return 0, nil, raw, err
	}

	if cmd == protocol.CommandExtended {
		// The frame's length field counts the ack byte and payload
		// only; the CRC-16 trailer follows it on the wire.
		var trailer [2]byte
		if err := t.readExact(trailer[:]); err != nil {
			return 0, nil, raw, err
		}
		raw = append(raw, trailer[:]...)
		framePayload = append(framePayload, trailer[:]...)
	}

	if checkFlags&CheckCrcRequired != 0 {
		if !crc.Residue16(raw) {
			return 0, nil, raw, &protocol.Error{Kind: protocol.KindCrcMismatch}
		}
	}

	ack, extPayload, err := protocol.DecodeExtendedPayload(cmd, raw, framePayload)
	if err != nil && checkFlags&CheckAckRequired == 0 {
		var perr *protocol.Error
		if errors.As(err, &perr) && (perr.Kind == protocol.KindNack || perr.Kind == protocol.KindUnknownAck) {
			return ack, extPayload, raw, nil
		}
	}
	return ack, extPayload, raw, err
}

func (t *Transport) syncHeader(deadlineAt time.Time, raw *[]byte) error {
	idx := 0
	for idx < len(protocol.SyncHeader) {
		if time.Now().After(deadlineAt) {
			return &protocol.Error{Kind: protocol.KindHeaderSyncTimeout}
		}
		var b [1]byte
		n, err := t.stream.Read(b[:])
		if n == 0 {
			// Nothing arrived yet (a read timeout or an exhausted
			// stream): keep polling until the deadline passes.
			if err != nil && err != io.EOF {
				return &protocol.Error{Kind: protocol.KindIO, Err: err}
			}
			continue
		}
		if b[0] == protocol.SyncHeader[idx] {
			idx++
		} else {
			idx = 0
			if b[0] == protocol.SyncHeader[0] {
				idx = 1
			}
		}
	}
	*raw = append(*raw, protocol.SyncHeader[:]...)
	return nil
}

// readExact reads exactly len(buf) bytes or fails with KindIO. This is
// the non-diagnostic default per spec.md §9; a caller wanting the
// original's short-read tolerance should wrap the stream accordingly.
func (t *Transport) readExact(buf []byte) error {
	_, err := io.ReadFull(t.stream, buf)
	if err != nil {
		return &protocol.Error{Kind: protocol.KindIO, Err: err}
	}
	return nil
}
