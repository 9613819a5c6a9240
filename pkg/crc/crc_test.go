package crc

import "testing"

func TestChecksum32KnownAnswer(t *testing.T) {
	got := Checksum32([]byte("123456789"))
	if got != V5Check {
		t.Fatalf("Checksum32(\"123456789\") = 0x%08X, want 0x%08X", got, V5Check)
	}
}

func TestChecksum32TwoHalvesMatchOneShot(t *testing.T) {
	data := make([]byte, 0, 300)
	for i := 0; i < 300; i++ {
		data = append(data, byte(i*7+3))
	}

	oneShot := Checksum32(data)

	d := NewDigest32()
	d.Update(data[:137])
	d.Update(data[137:])
	incremental := d.Sum()

	if oneShot != incremental {
		t.Fatalf("one-shot CRC-32 0x%08X != incremental CRC-32 0x%08X", oneShot, incremental)
	}
}

func TestResidue16ZeroForWellFormedFrame(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	crc := Checksum16(payload)

	framed := append(append([]byte{}, payload...), byte(crc>>8), byte(crc))
	if !Residue16(framed) {
		t.Fatalf("expected zero residue for payload+CRC, checksum was non-zero")
	}
}

func TestResidue16NonZeroOnTamperedPayload(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	crc := Checksum16(payload)

	framed := append(append([]byte{}, payload...), byte(crc>>8), byte(crc))
	framed[2] ^= 0xFF

	if Residue16(framed) {
		t.Fatalf("expected non-zero residue after tampering with payload")
	}
}

func TestChecksum16RoundTripsThroughDigest(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	oneShot := Checksum16(data)

	d := NewDigest16()
	d.Update(data[:10])
	d.Update(data[10:])

	if oneShot != d.Sum() {
		t.Fatalf("one-shot CRC-16 0x%04X != incremental CRC-16 0x%04X", oneShot, d.Sum())
	}
}
