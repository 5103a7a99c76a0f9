package nit

import (
	"testing"

	"github.com/snapetech/tsengine/internal/psi/crc"
)

func buildLCNDescriptor(entries []LCNEntry) []byte {
	var body []byte
	for _, e := range entries {
		vis := byte(0)
		if e.Visible {
			vis = 0x80
		}
		body = append(body, byte(e.ServiceID>>8), byte(e.ServiceID),
			vis|byte((e.ChannelNum>>8)&0x03), byte(e.ChannelNum))
	}
	return append([]byte{descriptorLCN, byte(len(body))}, body...)
}

func buildFreqDescriptor(freqs []uint32) []byte {
	body := []byte{0x03} // coding_type = satellite, arbitrary for the test
	for _, f := range freqs {
		body = append(body, byte(f>>24), byte(f>>16), byte(f>>8), byte(f))
	}
	return append([]byte{descriptorFrequencyList, byte(len(body))}, body...)
}

func buildNITSection(networkID uint16, version byte, tsID, onid uint16, tsDescs []byte) []byte {
	tsLoop := append([]byte{byte(tsID >> 8), byte(tsID), byte(onid >> 8), byte(onid),
		byte((len(tsDescs)>>8)&0x0F), byte(len(tsDescs))}, tsDescs...)
	length := 13 + len(tsLoop) // network_id(2)+version(1)+secnum(1)+lastsecnum(1)+network_desc_len(2)+ts_loop_len(2)+tsLoop+crc(4)
	s := []byte{
		TableIDActual,
		0xB0 | byte((length>>8)&0x0F), byte(length),
		byte(networkID >> 8), byte(networkID),
		0xC1 | (version << 1),
		0x00, 0x00,
		0xF0, 0x00, // network_descriptors_length = 0
		byte((len(tsLoop)>>8)&0x0F), byte(len(tsLoop)),
	}
	s = append(s, tsLoop...)
	return crc.AppendCRC32(s)
}

func TestDecoder_lcnAndFrequency(t *testing.T) {
	d := New()
	var got *Table
	d.OnTable = func(tbl *Table) { got = tbl }

	lcn := buildLCNDescriptor([]LCNEntry{{ServiceID: 0x64, Visible: true, ChannelNum: 1}})
	freq := buildFreqDescriptor([]uint32{578000000})
	descs := append(append([]byte{}, lcn...), freq...)

	section := buildNITSection(0x233D, 0, 0x1001, 0x233D, descs)
	d.Feed(section)
	if got == nil {
		t.Fatal("expected table")
	}
	if len(got.Streams) != 1 {
		t.Fatalf("streams = %+v", got.Streams)
	}
	ts := got.Streams[0]
	if len(ts.LCNs) != 1 || ts.LCNs[0].ChannelNum != 1 || !ts.LCNs[0].Visible {
		t.Fatalf("lcns = %+v", ts.LCNs)
	}
	if len(ts.Frequencies) != 1 || ts.Frequencies[0] != 578000000 {
		t.Fatalf("freqs = %+v", ts.Frequencies)
	}
}
