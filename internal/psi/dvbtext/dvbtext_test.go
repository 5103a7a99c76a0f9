package dvbtext

import "testing"

func TestDecode_defaultASCII(t *testing.T) {
	if got := Decode([]byte("BBC ONE")); got != "BBC ONE" {
		t.Fatalf("got = %q", got)
	}
}

func TestDecode_utf8Passthrough(t *testing.T) {
	b := append([]byte{0x15}, []byte("Canal+ Español")...)
	if got := Decode(b); got != "Canal+ Español" {
		t.Fatalf("got = %q", got)
	}
}

func TestDecode_turkishVariant(t *testing.T) {
	b := append([]byte{0x05}, []byte{'T', 'R', 'T', 0xDD}...)
	got := Decode(b)
	if got != "TRTİ" {
		t.Fatalf("got = %q", got)
	}
}

func TestDecode_empty(t *testing.T) {
	if got := Decode(nil); got != "" {
		t.Fatalf("got = %q", got)
	}
}
