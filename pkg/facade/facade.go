// Package facade composes the transport/device/transfer/discovery
// layers into the five user-facing operations spec.md §4.7 describes:
// UploadFile, DownloadFile, Terminal, DeviceInfo, and CargoHook. Every
// operation accepts an optional telemetry.Sink; the transfer
// operations (UploadFile, DownloadFile, CargoHook) also accept a
// uiprogress Reporter, and DownloadFile a Confirmer. All are nil-safe,
// so the core never depends on a network or a terminal (SPEC_FULL.md
// §4.8).
package facade

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/v5serial/v5ctl/pkg/device"
	"github.com/v5serial/v5ctl/pkg/manifest"
	"github.com/v5serial/v5ctl/pkg/protocol"
	"github.com/v5serial/v5ctl/pkg/telemetry"
	"github.com/v5serial/v5ctl/pkg/transfer"
	"github.com/v5serial/v5ctl/pkg/uiprogress"

	"github.com/v5serial/v5ctl/pkg/crc"
)

// defaultUserFlashAddr is the device-side base address uploads target
// when the caller does not need a device-returned address (spec.md
// §4.7's "addr=0x03800000").
const defaultUserFlashAddr = 0x03800000

// confirmThreshold is the download size above which DownloadFile asks
// for confirmation on a controller, where a large transfer monopolises an
// already-slower wireless link (spec.md §4.7).
const confirmThreshold = 16 * 1024

// epoch2000 is 2000-01-01T00:00:00Z expressed as a Unix timestamp, the
// origin spec.md §3's InitialMetadata.timestamp is relative to.
const epoch2000 = 946684800

// Reporter and Confirmer are re-exported so callers only need to
// import pkg/facade to construct a call.
type Reporter = uiprogress.Reporter
type Confirmer = uiprogress.Confirmer

// ErrUserAborted is returned when a confirmation prompt is declined.
var ErrUserAborted = &protocol.Error{Kind: protocol.KindUserAborted}

func publish(sink *telemetry.Sink, kind string, fields map[string]string) {
	sink.Publish(telemetry.Event{Kind: kind, Fields: fields})
}

// UploadFile writes data to name on the device, switching to the
// Upload channel first if the session is a controller (spec.md §4.7).
// If linkedFilename is non-empty, SetLinkedFilename is sent once
// right after opening, gated by the caller (spec.md §9) — passing the
// empty string skips the step entirely.
func UploadFile(session *device.Session, name string, data []byte, disposition protocol.Disposition, linkedFilename string, reporter Reporter, sink *telemetry.Sink) error {
	guard, err := device.AcquireChannel(session, protocol.ChannelUpload)
	if err != nil {
		return err
	}

	err = func() error {
		meta := device.InitialMetadata{
			Function:  protocol.FileFunctionUpload,
			Target:    protocol.FileTargetFlash,
			VID:       protocol.VIDUser,
			Options:   protocol.PackOptions(protocol.FileFunctionUpload, true),
			Length:    uint32(len(data)),
			Addr:      defaultUserFlashAddr,
			CRC:       crc.Checksum32(data),
			Type:      [4]byte{'b', 'i', 'n', 0},
			Timestamp: uint32(time.Now().Unix() - epoch2000),
			Version:   0x01000000,
			Name:      name,
		}

		h, err := session.Open(meta)
		if err != nil {
			return err
		}
		if linkedFilename != "" {
			if err := session.SetLinkedFilename(h, linkedFilename); err != nil {
				if exitErr := session.Exit(h, disposition); exitErr != nil {
					log.Printf("facade: exit after set_linked_filename failure: %v", exitErr)
				}
				return err
			}
		}

		var written int
		written, err = transfer.Upload(h, data, func(transferred, total int) {
			if reporter != nil {
				reporter.Report(transferred, total)
			}
			publish(sink, "transfer.progress", map[string]string{
				"file": name, "transferred": fmt.Sprint(transferred), "total": fmt.Sprint(total),
			})
		})
		if exitErr := session.Exit(h, disposition); err == nil {
			err = exitErr
		}
		if err != nil {
			publish(sink, "transfer.failed", map[string]string{"file": name, "error": err.Error()})
			return err
		}
		publish(sink, "transfer.complete", map[string]string{"file": name, "bytes": fmt.Sprint(written)})
		return nil
	}()

	return guard.Release(err)
}

// DownloadFile reads name from the device. On a controller, if the
// device reports a size over 16 KiB, confirmer is consulted first;
// declining returns ErrUserAborted without switching channel (spec.md
// §4.7).
func DownloadFile(session *device.Session, name string, disposition protocol.Disposition, reporter Reporter, confirmer Confirmer, sink *telemetry.Sink) ([]byte, error) {
	meta, err := session.FileMetadata(name, protocol.VIDUser, 0)
	if err != nil {
		return nil, err
	}

	if session.IsController() && meta.Size > confirmThreshold && confirmer != nil {
		ok, err := confirmer.Confirm(fmt.Sprintf("Download %s (%d bytes) over a wireless link?", name, meta.Size))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrUserAborted
		}
	}

	guard, err := device.AcquireChannel(session, protocol.ChannelDownload)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = func() error {
		initial := device.InitialMetadata{
			Function: protocol.FileFunctionDownload,
			Target:   protocol.FileTargetFlash,
			VID:      protocol.VIDUser,
			Addr:     meta.Addr,
			Length:   meta.Size,
			Type:     meta.Type,
			Name:     name,
		}
		h, err := session.Open(initial)
		if err != nil {
			return err
		}

		data, err = transfer.Download(h, func(transferred, total int) {
			if reporter != nil {
				reporter.Report(transferred, total)
			}
			publish(sink, "transfer.progress", map[string]string{
				"file": name, "transferred": fmt.Sprint(transferred), "total": fmt.Sprint(total),
			})
		})
		if exitErr := session.Exit(h, disposition); err == nil {
			err = exitErr
		}
		if err != nil {
			publish(sink, "transfer.failed", map[string]string{"file": name, "error": err.Error()})
			return err
		}
		publish(sink, "transfer.complete", map[string]string{"file": name, "bytes": fmt.Sprint(len(data))})
		return nil
	}()
	if err != nil {
		guard.Release(err)
		return nil, err
	}
	return data, guard.Release(nil)
}

// DeviceInfo returns the session's probed version and controller
// status, publishing a device.info event if sink is enabled.
func DeviceInfo(session *device.Session, sink *telemetry.Sink) (protocol.Version, bool) {
	v := session.Version()
	isController := session.IsController()
	publish(sink, "device.info", map[string]string{
		"major": fmt.Sprint(v.Major), "minor": fmt.Sprint(v.Minor),
		"controller": fmt.Sprint(isController),
	})
	return v, isController
}

// frameHeaderLen is the length prefix size of the simple length-
// delimited framing the user program's terminal stream uses — not the
// core wire protocol's own framing (spec.md §4.7: "the outer transport
// is not used for payload bytes").
const frameHeaderLen = 2

// Terminal switches to the Download channel (spec.md describes the
// user-program stdio stream as riding alongside a download session)
// and copies length-delimited frames from userStream to stdout until
// ctx is cancelled or userStream returns an error.
func Terminal(ctx context.Context, session *device.Session, userStream io.Reader, stdout io.Writer, sink *telemetry.Sink) error {
	guard, err := device.AcquireChannel(session, protocol.ChannelDownload)
	if err != nil {
		return err
	}

	err = copyFramedTerminal(ctx, userStream, stdout)
	return guard.Release(err)
}

func copyFramedTerminal(ctx context.Context, userStream io.Reader, stdout io.Writer) error {
	r := bufio.NewReader(userStream)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var lenBuf [frameHeaderLen]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return &protocol.Error{Kind: protocol.KindIO, Err: err}
		}
		n := int(lenBuf[0])<<8 | int(lenBuf[1])

		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return &protocol.Error{Kind: protocol.KindIO, Err: err}
		}
		if _, err := stdout.Write(payload); err != nil {
			return &protocol.Error{Kind: protocol.KindIO, Err: err}
		}
	}
}

// CargoHook builds a slot binary and INI from elfPath and the project
// manifest in projectDir, uploads both, then starts a Terminal session
// (spec.md §4.7).
func CargoHook(ctx context.Context, session *device.Session, elfPath, projectDir string, userStream io.Reader, stdout io.Writer, reporter Reporter, sink *telemetry.Sink) error {
	binPath, err := manifest.ObjcopyToBinary(elfPath)
	if err != nil {
		return err
	}

	proj, err := manifest.ReadProject(filepath.Join(projectDir, "Cargo.toml"))
	if err != nil {
		return err
	}

	slot, err := manifest.LoadSlot(projectDir)
	if err != nil {
		return err
	}

	binData, err := readFileBytes(binPath)
	if err != nil {
		return err
	}

	binName := fmt.Sprintf("slot_%d.bin", slot)
	if err := UploadFile(session, binName, binData, protocol.DispositionRunProgram, "", reporter, sink); err != nil {
		return err
	}

	var iniBuf bytes.Buffer
	if err := manifest.WriteSlotINI(&iniBuf, proj, slot, time.Now()); err != nil {
		return err
	}
	iniName := fmt.Sprintf("slot_%d.ini", slot)
	if err := UploadFile(session, iniName, iniBuf.Bytes(), protocol.DispositionDoNothing, "", reporter, sink); err != nil {
		return err
	}

	return Terminal(ctx, session, userStream, stdout, sink)
}

func readFileBytes(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &protocol.Error{Kind: protocol.KindIO, Err: err}
	}
	return data, nil
}
