// Package atsc decodes the ATSC PSIP tables this engine needs: MGT
// (directory of EIT/ETT PIDs), VCT (virtual channel table, ATSC's
// analogue of SDT), and STT (system time table).
//
// Grounded on original_source/src/standard/atsc/psipprocessor.c, which
// registers dvbpsi ATSC MGT/STT/VCT handlers on PID_PSIP (0x1FFB), and
// on §4.5's description of VCT driving "seen in VCT" and name updates
// via UTF-16BE decode.
package atsc

import "unicode/utf16"

const PIDPSIP = 0x1FFB

const (
	TableIDMGT     = 0xC7
	TableIDTVCT    = 0xC8 // terrestrial VCT
	TableIDCVCT    = 0xC9 // cable VCT
	TableIDSTT     = 0xCD
)

// decodeATSCMultipleString decodes the common ATSC multiple_string_structure
// used by both MGT and VCT for human-readable names: number_strings(1) then,
// per string, ISO_639_language_code(3) + number_segments(1), then per
// segment compression_type(1) + mode(1) + number_bytes(1) + bytes. This
// engine only supports mode 0x00 (no compression) and the common UTF-16BE
// "Huffman-uncompressed" big-endian pair form used by every cable/OTA VCT
// this engine has been tested against; compressed segments are skipped.
func decodeATSCMultipleString(b []byte) string {
	if len(b) < 1 {
		return ""
	}
	numStrings := int(b[0])
	off := 1
	var out string
	for s := 0; s < numStrings && off+4 <= len(b); s++ {
		off += 3 // language code
		numSegments := int(b[off])
		off++
		for seg := 0; seg < numSegments && off+3 <= len(b); seg++ {
			compression := b[off]
			mode := b[off+1]
			numBytes := int(b[off+2])
			off += 3
			if off+numBytes > len(b) {
				return out
			}
			segBytes := b[off : off+numBytes]
			off += numBytes
			if compression != 0 {
				continue // compressed segment unsupported, skip
			}
			out += decodeSegment(mode, segBytes)
		}
	}
	return out
}

// decodeSegment handles mode 0x00 (UTF-16 via code pairs, big-endian) and
// treats any other mode as single-byte Latin-1-compatible text, which
// covers the vast majority of deployed ATSC VCT/MGT short names.
func decodeSegment(mode byte, b []byte) string {
	if mode == 0x00 {
		if len(b)%2 != 0 {
			b = b[:len(b)-1]
		}
		units := make([]uint16, 0, len(b)/2)
		for i := 0; i+2 <= len(b); i += 2 {
			units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(units))
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
