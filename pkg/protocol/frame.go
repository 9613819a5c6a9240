// Package protocol implements the V5 wire framing: the magic-prefixed
// simple frame used for host-to-device traffic, the AA55-synced simple
// frame used for device-to-host traffic, and the length-prefixed,
// CRC-16-protected extended envelope carried inside both (spec.md
// §4.1, §6).
package protocol

import (
	"encoding/binary"

	"github.com/v5serial/v5ctl/pkg/crc"
)

// magic is the four-byte preamble of every host-to-device simple
// frame (spec.md §4.1).
var magic = [4]byte{0xC9, 0x36, 0xB8, 0x47}

// SyncHeader is the two-byte preamble a device-to-host simple frame
// synchronises on. Exported so pkg/transport can drive the byte-by-
// byte header search without duplicating the constant.
var SyncHeader = [2]byte{0xAA, 0x55}

// extendedLengthThreshold is the protocol quirk from spec.md §9: the
// device treats the high bit of the first extended-length byte as a
// "two-byte length follows" flag, so the cutover is 0x80, not 0x100.
const extendedLengthThreshold = 0x80

func encodeLength(n int) []byte {
	if n >= extendedLengthThreshold {
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(n))
		return buf[:]
	}
	return []byte{byte(n)}
}

// EncodeSimple builds the bytes for a simple outbound frame: magic,
// command, payload. There is no length field and no CRC on this
// shape — it is also the outer envelope Extended frames ride inside.
func EncodeSimple(cmd Command, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, errInvalidPayloadLength(len(payload))
	}
	out := make([]byte, 0, 5+len(payload))
	out = append(out, magic[:]...)
	out = append(out, byte(cmd))
	out = append(out, payload...)
	return out, nil
}

// EncodeExtended builds the bytes for a simple-Extended frame whose
// payload is the extended envelope: ext_cmd, ext_len, ext_payload,
// crc16 (big-endian), per spec.md §4.1 and §6. The CRC covers the
// entire on-the-wire envelope, magic included.
func EncodeExtended(cmd ExtendedCommand, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, errInvalidPayloadLength(len(payload))
	}

	inner := make([]byte, 0, 3+len(payload))
	inner = append(inner, byte(cmd))
	inner = append(inner, encodeLength(len(payload))...)
	inner = append(inner, payload...)

	envelope, err := EncodeSimple(CommandExtended, inner)
	if err != nil {
		return nil, err
	}

	sum := crc.Checksum16(envelope)

	out := make([]byte, len(envelope), len(envelope)+2)
	copy(out, envelope)
	out = append(out, byte(sum>>8), byte(sum))
	return out, nil
}

// WidenExtendedLength folds in the second length byte read only when
// the simple frame's command was Extended, per spec.md §4.1 ("shift
// the first byte left 8, OR the second").
func WidenExtendedLength(firstByte, secondByte byte) uint16 {
	return uint16(firstByte)<<8 | uint16(secondByte)
}

// DecodeExtendedPayload validates and strips an inbound extended
// frame's payload (spec.md §4.1's "Extended frame in"). rawFrame is
// the complete bytes received starting at the AA55 sync, through the
// trailing CRC — the buffer the CRC-16/XMODEM residue check runs
// over. framePayload is the payload portion of that same frame (the
// ack byte and payload its length field described) followed by the
// two trailing CRC bytes.
func DecodeExtendedPayload(cmd Command, rawFrame []byte, framePayload []byte) (AckCode, []byte, error) {
	if cmd != CommandExtended {
		return 0, nil, errUnexpectedOpcode(byte(CommandExtended), byte(cmd))
	}
	if !crc.Residue16(rawFrame) {
		return 0, nil, errCrcMismatch()
	}
	if len(framePayload) < 3 {
		return 0, nil, &Error{Kind: KindCrcMismatch}
	}

	ack := AckCode(framePayload[0])
	extPayload := framePayload[1 : len(framePayload)-2]

	if err := classifyAck(ack); err != nil {
		return ack, extPayload, err
	}
	return ack, extPayload, nil
}
