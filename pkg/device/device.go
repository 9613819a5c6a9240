// Package device implements the high-level request surface of a V5
// session — version query, channel switch, file metadata, and the
// open/read/write/exit state machine — on top of pkg/transport
// (spec.md §4.3). guard.go adds the scoped controller-channel
// acquisition (spec.md §4.5) that sits alongside it.
package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/v5serial/v5ctl/pkg/protocol"
	"github.com/v5serial/v5ctl/pkg/transport"
)

// wirelessDeadline is the per-session default applied once a
// Controller(Wireless) is detected at construction (spec.md §4.3).
const wirelessDeadline = 5 * time.Second

type state int

const (
	stateIdle state = iota
	stateOpen
)

// InitialMetadata is the host-to-device payload of an OpenFile
// request (spec.md §3).
type InitialMetadata struct {
	Function  protocol.FileFunction
	Target    protocol.FileTarget
	VID       protocol.VID
	Options   byte
	Length    uint32
	Addr      uint32
	CRC       uint32
	Type      [4]byte
	Timestamp uint32
	Version   uint32
	Name      string
}

// TransferMetadata is the device-to-host response to OpenFile
// (spec.md §3).
type TransferMetadata struct {
	MaxPacketSize uint16
	FileSize      uint32
	CRC           uint32
}

// FileMetadata is the device-to-host response to GetMetadataByFilename
// (spec.md §3).
type FileMetadata struct {
	Index     uint16
	Size      uint32
	Addr      uint32
	CRC       uint32
	Type      [4]byte
	Timestamp uint32
	Version   uint32
	Name      string
}

// FileHandle is a session-scoped token produced by Session.Open. The
// caller owns it: Exit must be called exactly once, and a dropped,
// unexited handle is a bug the facade's scoped-acquisition helper
// exists to prevent (spec.md §3, §9).
type FileHandle struct {
	session  *Session
	Initial  InitialMetadata
	Transfer TransferMetadata
	exited   bool
}

// Addr is the device-side base address this handle's reads/writes are
// relative to (spec.md §4.4's "Offsets").
func (h *FileHandle) Addr() uint32 { return h.Initial.Addr }

// MaxPacketSize is the device-advertised packet ceiling used by the
// transfer engine to size write chunks (spec.md §4.4).
func (h *FileHandle) MaxPacketSize() uint16 { return h.Transfer.MaxPacketSize }

// FileSize is the device-reported size of the file this handle refers
// to — meaningful for a download open, where the host did not supply
// Length itself.
func (h *FileHandle) FileSize() uint32 { return h.Transfer.FileSize }

// ReadRaw and WriteRaw forward to the owning session, letting
// pkg/transfer depend on a narrow handle-shaped interface instead of
// *Session directly.
func (h *FileHandle) ReadRaw(offset uint32, nPadded int) ([]byte, error) {
	return h.session.ReadRaw(h, offset, nPadded)
}

func (h *FileHandle) WriteRaw(offset uint32, data []byte) error {
	return h.session.WriteRaw(h, offset, data)
}

// Session owns a transport and the Idle/Open state machine for a
// single device connection. It must not be used from two goroutines
// concurrently (spec.md §5); Session serialises its own operations
// with a mutex so a caller that does share it across goroutines gets
// safety, not necessarily the total ordering the protocol assumes.
type Session struct {
	mu               sync.Mutex
	tr               *transport.Transport
	version          protocol.Version
	state            state
	deadlineOverride time.Duration
}

// Open constructs a Session over tr, probing the device version once
// and widening the default per-request deadline to wirelessDeadline
// when the device reports a wireless controller.
func Open(tr *transport.Transport) (*Session, error) {
	s := &Session{tr: tr}
	v, err := s.queryVersion()
	if err != nil {
		return nil, err
	}
	s.version = v
	return s, nil
}

func (s *Session) deadline() time.Duration {
	if s.deadlineOverride != 0 {
		return s.deadlineOverride
	}
	if s.version.IsWirelessController() {
		return wirelessDeadline
	}
	return transport.DefaultReceiveTimeout
}

// SetDeadline overrides the per-request receive deadline this session
// otherwise derives from the detected product (spec.md §4.3); passing
// 0 restores the derived default.
func (s *Session) SetDeadline(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlineOverride = d
}

func (s *Session) queryVersion() (protocol.Version, error) {
	if _, err := s.tr.SendSimple(protocol.CommandGetSystemVersion, nil); err != nil {
		return protocol.Version{}, err
	}
	_, payload, _, err := s.tr.ReceiveSimple(transport.DefaultReceiveTimeout)
	if err != nil {
		return protocol.Version{}, err
	}
	return decodeVersion(payload)
}

// productBrain and productController are the two discriminator values
// the device uses in the sixth version byte.
const (
	productBrain      = 0x10
	productController = 0x11
)

func decodeVersion(payload []byte) (protocol.Version, error) {
	if len(payload) < 7 {
		return protocol.Version{}, &protocol.Error{Kind: protocol.KindInvalidPayloadLength,
			Err: fmt.Errorf("version payload too short: %d bytes", len(payload))}
	}
	v := protocol.Version{
		Major: payload[0], Minor: payload[1], Build: payload[2],
		Beta: payload[3], BuildMeta: payload[4],
	}
	switch payload[5] {
	case productController:
		v.Product = protocol.ProductController
		v.ControllerFlags = protocol.ControllerFlags(payload[6])
	case productBrain:
		v.Product = protocol.ProductBrain
	default:
		return protocol.Version{}, &protocol.Error{Kind: protocol.KindUnexpectedOpcode,
			Err: fmt.Errorf("unrecognised product discriminator 0x%02X", payload[5])}
	}
	return v, nil
}

// Version returns the version probed at construction.
func (s *Session) Version() protocol.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// IsController reports whether this session's device is a controller
// rather than a brain.
func (s *Session) IsController() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version.Product == protocol.ProductController
}

// SwitchChannel sets the controller's active radio channel. It is
// idempotent: switching to the channel already active is a normal,
// successful round trip, not a no-op short-circuit, so the device's
// own state always reflects the last command sent (spec.md §4.3, §8
// invariant 7).
func (s *Session) SwitchChannel(ch protocol.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switchChannelLocked(ch)
}

func (s *Session) switchChannelLocked(ch protocol.Channel) error {
	if _, err := s.tr.SendExtended(protocol.ExtCommandSwitchChannel, []byte{byte(ch)}); err != nil {
		return err
	}
	_, _, _, err := s.tr.ReceiveExtended(s.deadline(), transport.CheckAll)
	return err
}

// FileMetadata queries the device for a file's metadata by name. vid
// defaults to VIDUser when 0 is passed. DirectoryNoExist is reported
// to the caller as KindFileNotFound rather than KindNack, since "no
// such file" is the meaningful outcome here, not a protocol fault
// (spec.md §4.3).
func (s *Session) FileMetadata(name string, vid protocol.VID, options byte) (FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vid == 0 {
		vid = protocol.VIDUser
	}
	nameField, err := encodeNameTruncating(name)
	if err != nil {
		return FileMetadata{}, err
	}

	payload := make([]byte, 0, 26)
	payload = append(payload, 0, byte(vid))
	payload = append(payload, nameField[:]...)

	if _, err := s.tr.SendExtended(protocol.ExtCommandGetMetadataByFilename, payload); err != nil {
		return FileMetadata{}, err
	}
	_, resp, _, err := s.tr.ReceiveExtended(s.deadline(), transport.CheckAll)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Kind == protocol.KindNack && perr.NackKind == protocol.NackDirectoryNoExist {
			return FileMetadata{}, &protocol.Error{Kind: protocol.KindFileNotFound, Err: fmt.Errorf("no such file: %q", name)}
		}
		return FileMetadata{}, err
	}
	return decodeFileMetadata(resp)
}

func decodeFileMetadata(payload []byte) (FileMetadata, error) {
	if len(payload) < 38 {
		return FileMetadata{}, &protocol.Error{Kind: protocol.KindInvalidPayloadLength,
			Err: fmt.Errorf("file metadata payload too short: %d bytes", len(payload))}
	}
	m := FileMetadata{
		Index:     be16(payload[0:2]),
		Size:      be32(payload[2:6]),
		Addr:      be32(payload[6:10]),
		CRC:       be32(payload[10:14]),
		Timestamp: be32(payload[18:22]),
		Version:   be32(payload[22:26]),
	}
	copy(m.Type[:], payload[14:18])
	m.Name = decodeName(payload[26:38])
	return m, nil
}

// Open begins a file transfer, sending the full InitialMetadata
// payload and parsing TransferMetadata out of the response. Only one
// handle may be open per session at a time; calling Open while one is
// already open fails with KindProtocolState.
func (s *Session) Open(meta InitialMetadata) (*FileHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return nil, &protocol.Error{Kind: protocol.KindProtocolState, Err: fmt.Errorf("open called while a handle is already open")}
	}

	nameField, err := encodeNameStrict(meta.Name)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, 48)
	payload = append(payload, byte(meta.Function), byte(meta.Target), byte(meta.VID), meta.Options)
	payload = appendBE32(payload, meta.Length)
	payload = appendBE32(payload, meta.Addr)
	payload = appendBE32(payload, meta.CRC)
	payload = append(payload, meta.Type[:]...)
	payload = appendBE32(payload, meta.Timestamp)
	payload = appendBE32(payload, meta.Version)
	payload = append(payload, nameField[:]...)

	if _, err := s.tr.SendExtended(protocol.ExtCommandOpenFile, payload); err != nil {
		return nil, err
	}
	_, resp, _, err := s.tr.ReceiveExtended(s.deadline(), transport.CheckAll)
	if err != nil {
		return nil, err
	}
	if len(resp) < 10 {
		return nil, &protocol.Error{Kind: protocol.KindInvalidPayloadLength,
			Err: fmt.Errorf("open response too short: %d bytes", len(resp))}
	}

	meta.Name = string(nameField[:])
	transferMeta := TransferMetadata{
		MaxPacketSize: be16(resp[0:2]),
		FileSize:      be32(resp[2:6]),
		CRC:           be32(resp[6:10]),
	}
	s.state = stateOpen
	return &FileHandle{session: s, Initial: meta, Transfer: transferMeta}, nil
}

// Exit closes a file handle with the given on-complete disposition.
// It must be called exactly once; a second call is a no-op returning
// nil, matching the double-close invariant in spec.md §8.
func (s *Session) Exit(h *FileHandle, disposition protocol.Disposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitLocked(h, disposition)
}

func (s *Session) exitLocked(h *FileHandle, disposition protocol.Disposition) error {
	if h.exited {
		return nil
	}
	if _, err := s.tr.SendExtended(protocol.ExtCommandExitFile, []byte{byte(disposition)}); err != nil {
		return err
	}
	_, _, _, err := s.tr.ReceiveExtended(s.deadline(), transport.CheckAll)
	h.exited = true
	s.state = stateIdle
	return err
}

// ReadRaw issues one ReadFile request for nPadded bytes at offset and
// returns exactly those bytes, with the device's four-byte echoed
// offset prefix stripped (spec.md §4.3). nPadded must be a multiple of
// four.
func (s *Session) ReadRaw(h *FileHandle, offset uint32, nPadded int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return nil, &protocol.Error{Kind: protocol.KindProtocolState, Err: fmt.Errorf("read_raw called with no handle open")}
	}
	if nPadded%4 != 0 {
		return nil, &protocol.Error{Kind: protocol.KindLengthModFour, Err: fmt.Errorf("length %d not a multiple of four", nPadded)}
	}

	payload := make([]byte, 0, 8)
	payload = appendBE32(payload, offset)
	payload = appendBE32(payload, uint32(nPadded))

	if _, err := s.tr.SendExtended(protocol.ExtCommandReadFile, payload); err != nil {
		return nil, err
	}
	_, resp, _, err := s.tr.ReceiveExtended(s.deadline(), transport.CheckAll)
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 {
		return nil, &protocol.Error{Kind: protocol.KindInvalidPayloadLength,
			Err: fmt.Errorf("read response too short: %d bytes", len(resp))}
	}
	return resp[4:], nil
}

// WriteRaw issues one WriteFile request. data's length must be a
// multiple of four; callers that need to transfer a non-aligned final
// chunk must zero-pad it themselves (the transfer engine does this).
func (s *Session) WriteRaw(h *FileHandle, offset uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return &protocol.Error{Kind: protocol.KindProtocolState, Err: fmt.Errorf("write_raw called with no handle open")}
	}
	if len(data)%4 != 0 {
		return &protocol.Error{Kind: protocol.KindLengthModFour, Err: fmt.Errorf("length %d not a multiple of four", len(data))}
	}

	payload := make([]byte, 0, 4+len(data))
	payload = appendBE32(payload, offset)
	payload = append(payload, data...)

	if _, err := s.tr.SendExtended(protocol.ExtCommandWriteFile, payload); err != nil {
		return err
	}
	_, _, _, err := s.tr.ReceiveExtended(s.deadline(), transport.CheckAll)
	return err
}

// SetLinkedFilename tells the device to associate h's file with a
// second, linked filename. Historical hosts sent this after opening
// an upload; the most recent known client leaves it disabled, and
// whether the device needs it for any VID besides VIDUser is an open
// question (spec.md §9) — callers gate this behind an explicit flag
// rather than calling it unconditionally.
func (s *Session) SetLinkedFilename(h *FileHandle, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return &protocol.Error{Kind: protocol.KindProtocolState, Err: fmt.Errorf("set_linked_filename called with no handle open")}
	}
	nameField, err := encodeNameStrict(name)
	if err != nil {
		return err
	}
	payload := make([]byte, 0, 26)
	payload = append(payload, byte(h.Initial.VID), h.Initial.Options)
	payload = append(payload, nameField[:]...)

	if _, err := s.tr.SendExtended(protocol.ExtCommandSetLinkedFilename, payload); err != nil {
		return err
	}
	_, _, _, err = s.tr.ReceiveExtended(s.deadline(), transport.CheckAll)
	return err
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func appendBE32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// encodeNameStrict ASCII-validates name and fails with KindInvalidName
// rather than truncate, for operations where the core must not guess
// at the caller's intent (spec.md §7).
func encodeNameStrict(name string) ([24]byte, error) {
	var out [24]byte
	if !isASCII(name) {
		return out, &protocol.Error{Kind: protocol.KindInvalidName, Err: fmt.Errorf("name %q is not ASCII", name)}
	}
	if len(name) > 23 {
		return out, &protocol.Error{Kind: protocol.KindInvalidName, Err: fmt.Errorf("name %q exceeds 23 bytes", name)}
	}
	copy(out[:], name)
	return out, nil
}

// encodeNameTruncating is the file_metadata-only exception called out
// in spec.md §4.3: truncate to 23 bytes and zero-pad rather than
// error, since a metadata lookup is routinely done against a name the
// caller did not construct themselves (e.g. echoed back by the
// device).
func encodeNameTruncating(name string) ([24]byte, error) {
	var out [24]byte
	if !isASCII(name) {
		return out, &protocol.Error{Kind: protocol.KindInvalidName, Err: fmt.Errorf("name %q is not ASCII", name)}
	}
	if len(name) > 23 {
		name = name[:23]
	}
	copy(out[:], name)
	return out, nil
}

func decodeName(field []byte) string {
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	return string(field[:n])
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}
