// Package transfer implements the chunking state machine shared by
// file upload and download (spec.md §4.4): it sizes chunks, enforces
// 4-byte read/write alignment, advances the device-side offset, and
// drives a progress callback. It knows nothing about the wire itself
// — it drives a Handle, the shape *device.FileHandle satisfies.
package transfer

// writeChunkNumerator/writeChunkDenominator express "¾ of
// max_packet_size" for the write chunk size (spec.md §4.4): the full
// packet size has historically produced short-packet NACKs at the
// boundary, so ¾ leaves headroom for wire framing overhead.
const (
	writeChunkNumerator   = 3
	writeChunkDenominator = 4
)

// readChunkSize is the fixed request size for downloads, which the
// device accepts unconditionally (spec.md §4.4).
const readChunkSize = 512

// Handle is the subset of *device.FileHandle the transfer engine
// needs: raw reads/writes plus the open-time metadata that determines
// chunk size and base address.
type Handle interface {
	ReadRaw(offset uint32, nPadded int) ([]byte, error)
	WriteRaw(offset uint32, data []byte) error
	Addr() uint32
	MaxPacketSize() uint16
	FileSize() uint32
}

// Progress is called after every chunk with the cumulative byte count
// transferred so far and the total (spec.md §4.4's loop invariant).
type Progress func(transferred, total int)

// Upload writes data to h in chunks of ¾ h.MaxPacketSize(), right-
// padding only the final chunk to a multiple of four with zero bytes.
// It returns the number of bytes written, which equals len(data) on
// success.
func Upload(h Handle, data []byte, progress Progress) (int, error) {
	chunk := int(h.MaxPacketSize()) * writeChunkNumerator / writeChunkDenominator
	if chunk <= 0 {
		chunk = len(data)
	}
	if chunk == 0 {
		return 0, nil
	}

	total := len(data)
	base := h.Addr()
	written := 0
	for written < total {
		end := written + chunk
		if end > total {
			end = total
		}
		piece := padTo4(data[written:end])
		if err := h.WriteRaw(base+uint32(written), piece); err != nil {
			return written, err
		}
		written = end
		if progress != nil {
			progress(written, total)
		}
	}
	return written, nil
}

// Download reads h.FileSize() bytes from h in fixed 512-byte requests,
// padding each request length up to a multiple of four and truncating
// the device's response back down to the bytes actually requested.
func Download(h Handle, progress Progress) ([]byte, error) {
	total := int(h.FileSize())
	base := h.Addr()
	buf := make([]byte, 0, total)

	offset := 0
	for offset < total {
		want := readChunkSize
		if remaining := total - offset; remaining < want {
			want = remaining
		}
		padded := padLen4(want)

		data, err := h.ReadRaw(base+uint32(offset), padded)
		if err != nil {
			return buf, err
		}
		if len(data) < want {
			want = len(data)
		}
		buf = append(buf, data[:want]...)
		offset += want
		if progress != nil {
			progress(offset, total)
		}
	}
	return buf, nil
}

func padTo4(b []byte) []byte {
	rem := len(b) % 4
	if rem == 0 {
		return b
	}
	padded := make([]byte, len(b)+(4-rem))
	copy(padded, b)
	return padded
}

func padLen4(n int) int {
	rem := n % 4
	if rem == 0 {
		return n
	}
	return n + (4 - rem)
}
