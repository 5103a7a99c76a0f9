package atsc

import "time"

// gpsEpoch is the ATSC System Time Table epoch, 1980-01-06 00:00:00 UTC
// (GPS time zero).
var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// STT is a decoded System Time Table: wall-clock time, with the GPS-UTC
// leap-second offset already applied, plus the daylight-saving flag.
type STT struct {
	SystemTime time.Time // UTC, after applying the GPS-UTC offset
	DSStatus   bool      // daylight saving in effect
}

// STTDecoder parses STT sections (table_id 0xCD). STT carries no
// version number semantics worth deduplicating on (it is a clock, it
// changes every section), so every Feed call invokes OnTable.
type STTDecoder struct {
	// OnTable is invoked for every parsed STT section.
	OnTable func(*STT)
}

// NewSTTDecoder creates an STT decoder.
func NewSTTDecoder() *STTDecoder { return &STTDecoder{} }

// Feed parses one CRC-validated STT section.
func (d *STTDecoder) Feed(section []byte) {
	if len(section) < 17 || section[0] != TableIDSTT {
		return
	}
	// section[8] protocol_version
	systemTime := uint32(section[9])<<24 | uint32(section[10])<<16 | uint32(section[11])<<8 | uint32(section[12])
	gpsUTCOffset := section[13]
	dsStatus := section[14]&0x80 != 0

	t := gpsEpoch.Add(time.Duration(systemTime) * time.Second).Add(-time.Duration(gpsUTCOffset) * time.Second)
	stt := &STT{SystemTime: t, DSStatus: dsStatus}
	if d.OnTable != nil {
		d.OnTable(stt)
	}
}
