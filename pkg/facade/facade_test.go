package facade

import (
	"bytes"
	"context"
	"testing"

	"github.com/v5serial/v5ctl/pkg/crc"
	"github.com/v5serial/v5ctl/pkg/device"
	"github.com/v5serial/v5ctl/pkg/protocol"
	"github.com/v5serial/v5ctl/pkg/transport"
)

// script is an io.ReadWriter whose reads are served from a queue of
// pre-built device replies, mirroring pkg/device's own test fake so a
// sequence of facade-level round trips can be scripted in one place.
type script struct {
	out   bytes.Buffer
	in    bytes.Buffer
	sends [][]byte
}

func (s *script) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	s.sends = append(s.sends, cp)
	return s.out.Write(p)
}
func (s *script) Read(p []byte) (int, error) { return s.in.Read(p) }

func (s *script) queueExtended(ack protocol.AckCode, payload []byte) {
	framePayload := append([]byte{byte(ack)}, payload...)
	raw := []byte{0xAA, 0x55, byte(protocol.CommandExtended), byte(len(framePayload) >> 8), byte(len(framePayload))}
	raw = append(raw, framePayload...)
	sum := crc.Checksum16(raw)
	s.in.Write(append(raw, byte(sum>>8), byte(sum)))
}

func (s *script) queueSimple(cmd protocol.Command, payload []byte) {
	raw := []byte{0xAA, 0x55, byte(cmd), byte(len(payload))}
	raw = append(raw, payload...)
	s.in.Write(raw)
}

func brainVersionPayload() []byte {
	return []byte{4, 1, 0, 0, 0, 0x10, 0}
}

func newBrainSession(t *testing.T) (*device.Session, *script) {
	t.Helper()
	sc := &script{}
	sc.queueSimple(protocol.CommandGetSystemVersion, brainVersionPayload())
	sess, err := device.Open(transport.New(sc))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return sess, sc
}

func openFileResponse(maxPacketSize uint16, fileSize, crcVal uint32) []byte {
	payload := make([]byte, 0, 10)
	payload = append(payload, byte(maxPacketSize>>8), byte(maxPacketSize))
	payload = append(payload,
		byte(fileSize>>24), byte(fileSize>>16), byte(fileSize>>8), byte(fileSize))
	payload = append(payload,
		byte(crcVal>>24), byte(crcVal>>16), byte(crcVal>>8), byte(crcVal))
	return payload
}

func TestUploadFileHappyPath(t *testing.T) {
	sess, sc := newBrainSession(t)

	data := bytes.Repeat([]byte{0xAB}, 100)
	sc.queueExtended(protocol.AckSuccess, openFileResponse(512, 100, crc.Checksum32(data)))
	sc.queueExtended(protocol.AckSuccess, nil) // write
	sc.queueExtended(protocol.AckSuccess, nil) // exit

	if err := UploadFile(sess, "slot_0.bin", data, protocol.DispositionRunProgram, "", nil, nil); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if len(sc.sends) != 4 { // version probe, open, write, exit
		t.Fatalf("expected 4 sends, got %d", len(sc.sends))
	}
}

func TestUploadFileExitErrorPropagatesButHandleStillExits(t *testing.T) {
	sess, sc := newBrainSession(t)

	data := []byte{1, 2, 3, 4}
	sc.queueExtended(protocol.AckSuccess, openFileResponse(512, 4, crc.Checksum32(data)))
	sc.queueExtended(protocol.AckSuccess, nil)
	sc.queueExtended(0xCE, nil) // NackCrcError on exit

	err := UploadFile(sess, "f.bin", data, protocol.DispositionDoNothing, "", nil, nil)
	if err == nil {
		t.Fatalf("expected error from exit nack")
	}
}

func TestUploadFileSendsSetLinkedFilenameWhenRequested(t *testing.T) {
	sess, sc := newBrainSession(t)

	data := []byte{1, 2, 3, 4}
	sc.queueExtended(protocol.AckSuccess, openFileResponse(512, 4, crc.Checksum32(data)))
	sc.queueExtended(protocol.AckSuccess, nil) // set_linked_filename
	sc.queueExtended(protocol.AckSuccess, nil) // write
	sc.queueExtended(protocol.AckSuccess, nil) // exit

	if err := UploadFile(sess, "f.bin", data, protocol.DispositionDoNothing, "legacy.bin", nil, nil); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if len(sc.sends) != 5 { // version probe, open, set_linked_filename, write, exit
		t.Fatalf("expected 5 sends, got %d", len(sc.sends))
	}
}

func TestDownloadFileHappyPath(t *testing.T) {
	sess, sc := newBrainSession(t)

	content := bytes.Repeat([]byte{0x7E}, 10)
	metaPayload := make([]byte, 38)
	size := uint32(len(content))
	metaPayload[2], metaPayload[3], metaPayload[4], metaPayload[5] =
		byte(size>>24), byte(size>>16), byte(size>>8), byte(size)
	copy(metaPayload[6:10], []byte{0x03, 0x80, 0x00, 0x00})
	copy(metaPayload[26:38], "f.bin")
	sc.queueExtended(protocol.AckSuccess, metaPayload)
	sc.queueExtended(protocol.AckSuccess, openFileResponse(512, uint32(len(content)), 0))
	sc.queueExtended(protocol.AckSuccess, append([]byte{0, 0, 0, 0}, content...)) // echoed offset + data
	sc.queueExtended(protocol.AckSuccess, nil)                                   // exit

	got, err := DownloadFile(sess, "f.bin", protocol.DispositionDoNothing, nil, nil, nil)
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %v, want %v", got, content)
	}
}

func TestDownloadFileDeclinedConfirmationAbortsWithoutChannelSwitch(t *testing.T) {
	// Confirmation is only consulted on a controller.
	sc := &script{}
	sc.queueSimple(protocol.CommandGetSystemVersion, []byte{4, 1, 0, 0, 0, 0x11, byte(protocol.ControllerWireless)})
	sess, err := device.Open(transport.New(sc))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	big := make([]byte, 20000)
	metaPayload := make([]byte, 38)
	metaPayload[2], metaPayload[3], metaPayload[4], metaPayload[5] =
		byte(len(big)>>24), byte(len(big)>>16), byte(len(big)>>8), byte(len(big))
	copy(metaPayload[26:38], "big.bin")
	sc.queueExtended(protocol.AckSuccess, metaPayload)

	declineAll := stubConfirmer{answer: false}
	_, err = DownloadFile(sess, "big.bin", protocol.DispositionDoNothing, nil, declineAll, nil)
	if err != ErrUserAborted {
		t.Fatalf("expected ErrUserAborted, got %v", err)
	}
	if len(sc.sends) != 2 { // version probe + metadata query only
		t.Fatalf("expected no further sends after decline, got %d", len(sc.sends))
	}
}

type stubConfirmer struct{ answer bool }

func (s stubConfirmer) Confirm(string) (bool, error) { return s.answer, nil }

func TestDeviceInfoReportsVersionAndControllerStatus(t *testing.T) {
	sess, _ := newBrainSession(t)
	v, isController := DeviceInfo(sess, nil)
	if isController {
		t.Fatalf("expected brain, not controller")
	}
	if v.Major != 4 {
		t.Fatalf("got major %d, want 4", v.Major)
	}
}

func TestTerminalCopiesFramesUntilEOF(t *testing.T) {
	sess, _ := newBrainSession(t)

	var userStream bytes.Buffer
	userStream.Write([]byte{0, 3, 'f', 'o', 'o'})
	userStream.Write([]byte{0, 3, 'b', 'a', 'r'})

	var stdout bytes.Buffer
	if err := Terminal(context.Background(), sess, &userStream, &stdout, nil); err != nil {
		t.Fatalf("Terminal: %v", err)
	}
	if stdout.String() != "foobar" {
		t.Fatalf("got %q, want %q", stdout.String(), "foobar")
	}
}

func TestTerminalStopsOnContextCancel(t *testing.T) {
	sess, _ := newBrainSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var userStream bytes.Buffer
	userStream.Write([]byte{0, 3, 'f', 'o', 'o'})
	var stdout bytes.Buffer
	if err := Terminal(ctx, sess, &userStream, &stdout, nil); err != nil {
		t.Fatalf("Terminal: %v", err)
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected no frames copied after cancel, got %q", stdout.String())
	}
}
