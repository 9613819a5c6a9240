package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol-level failure so callers can decide
// whether it is fatal to the session (spec.md §7) without string
// matching on error messages.
type Kind int

const (
	KindIO Kind = iota
	KindHeaderSyncTimeout
	KindCrcMismatch
	KindUnexpectedOpcode
	KindUnknownAck
	KindNack
	KindProtocolState
	KindInvalidName
	KindLengthModFour
	KindInvalidPayloadLength
	KindFileNotFound
	KindNoDevices
	KindAmbiguous
	KindUserAborted
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindHeaderSyncTimeout:
		return "header_sync_timeout"
	case KindCrcMismatch:
		return "crc_mismatch"
	case KindUnexpectedOpcode:
		return "unexpected_opcode"
	case KindUnknownAck:
		return "unknown_ack"
	case KindNack:
		return "nack"
	case KindProtocolState:
		return "protocol_state"
	case KindInvalidName:
		return "invalid_name"
	case KindLengthModFour:
		return "length_mod_four"
	case KindInvalidPayloadLength:
		return "invalid_payload_length"
	case KindFileNotFound:
		return "file_not_found"
	case KindNoDevices:
		return "no_devices"
	case KindAmbiguous:
		return "ambiguous"
	case KindUserAborted:
		return "user_aborted"
	default:
		return "unknown"
	}
}

// Error is the taxonomy described in spec.md §7. Ack and NackKind are
// only populated for KindUnknownAck and KindNack respectively.
type Error struct {
	Kind     Kind
	Ack      AckCode
	NackKind NackKind
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnknownAck:
		return fmt.Sprintf("v5: unknown ack 0x%02X", byte(e.Ack))
	case KindNack:
		return fmt.Sprintf("v5: device nacked: %s", e.NackKind)
	default:
		if e.Err != nil {
			return fmt.Sprintf("v5: %s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("v5: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, KindCrcMismatch) style checks work by
// comparing kinds through a sentinel wrapper (see KindErr below).
func (e *Error) Is(target error) bool {
	var k *Error
	if errors.As(target, &k) {
		return k.Kind == e.Kind
	}
	return false
}

// KindErr builds a bare sentinel of a given kind, for use with
// errors.Is(err, protocol.KindErr(protocol.KindCrcMismatch)).
func KindErr(k Kind) error { return &Error{Kind: k} }

func wrapIO(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindIO, Err: err}
}

func errHeaderSyncTimeout() error {
	return &Error{Kind: KindHeaderSyncTimeout}
}

func errCrcMismatch() error {
	return &Error{Kind: KindCrcMismatch}
}

func errUnexpectedOpcode(want, got byte) error {
	return &Error{Kind: KindUnexpectedOpcode, Err: fmt.Errorf("expected opcode 0x%02X, got 0x%02X", want, got)}
}

func errUnknownAck(ack AckCode) error {
	return &Error{Kind: KindUnknownAck, Ack: ack}
}

func errNack(k NackKind) error {
	return &Error{Kind: KindNack, NackKind: k}
}

func errInvalidPayloadLength(n int) error {
	return &Error{Kind: KindInvalidPayloadLength, Err: fmt.Errorf("payload length %d exceeds u16::MAX", n)}
}
