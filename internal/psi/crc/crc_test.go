package crc

import "testing"

func TestSum32_knownPAT(t *testing.T) {
	// table_id=0x00 through program_number/PMT_PID, as built by the
	// teacher's buildPATPacket for a single program 1 -> PMT PID 0x1000.
	section := []byte{
		0x00,       // table_id
		0xB0, 0x0D, // section_syntax=1, section_length=13
		0x00, 0x01, // transport_stream_id = 1
		0xC1,       // version=0, current_next=1
		0x00,       // section_number
		0x00,       // last_section_number
		0x00, 0x01, // program_number = 1
		0xF0, 0x00, // reserved(3) + PMT_PID(13) = 0x1000 -> 0xE0|0x10=0xF0...
	}
	// Fix PMT_PID field bytes to exactly 0xE0 | (0x1000>>8), 0x1000&0xFF
	section[10] = byte(0xE0 | ((0x1000 >> 8) & 0x1F))
	section[11] = byte(0x1000 & 0xFF)

	got := Sum32(section)
	full := AppendCRC32(append([]byte{}, section...))
	if !Verify(full) {
		t.Fatalf("Verify failed for freshly appended CRC, sum=%08x", got)
	}
}

func TestVerify_rejectsCorruption(t *testing.T) {
	section := []byte{0x00, 0xB0, 0x0D, 0x00, 0x01, 0xC1, 0x00, 0x00, 0x00, 0x01, 0xF0, 0x00}
	full := AppendCRC32(append([]byte{}, section...))
	corrupt := append([]byte{}, full...)
	corrupt[0] ^= 0xFF
	if Verify(corrupt) {
		t.Fatal("expected corrupted section to fail CRC verification")
	}
}

func TestVerify_tooShort(t *testing.T) {
	if Verify([]byte{0x01, 0x02, 0x03}) {
		t.Fatal("expected too-short section to fail verification")
	}
}

func TestSum32_deterministic(t *testing.T) {
	data := []byte("the quick brown fox")
	if Sum32(data) != Sum32(data) {
		t.Fatal("Sum32 should be deterministic")
	}
}
