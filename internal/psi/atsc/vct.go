package atsc

// VCTEntry is one decoded virtual channel from a TVCT or CVCT, ATSC's
// analogue of a DVB SDT row.
type VCTEntry struct {
	ShortName   string
	MajorNumber uint16
	MinorNumber uint16
	SourceID    uint16
	ServiceType byte // 0x02 = ATSC_digital_television, 0x03 = ATSC_audio, 0x04 = ATSC_data_only
	ProgramNumber uint16
}

// VCT is a decoded virtual channel table.
type VCT struct {
	TransportStreamID uint16
	Version           int
	Cable             bool // true for CVCT (0xC9), false for TVCT (0xC8)
	Channels          []VCTEntry
}

// VCTDecoder parses VCT sections (table_id 0xC8 TVCT or 0xC9 CVCT).
type VCTDecoder struct {
	lastVersion int
	haveVersion bool
	// OnTable is invoked once per version change.
	OnTable func(*VCT)
}

// NewVCTDecoder creates a VCT decoder.
func NewVCTDecoder() *VCTDecoder { return &VCTDecoder{} }

// Feed parses one CRC-validated VCT section.
func (d *VCTDecoder) Feed(section []byte) {
	if len(section) < 14 {
		return
	}
	tableID := section[0]
	if tableID != TableIDTVCT && tableID != TableIDCVCT {
		return
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	total := 3 + sectionLength
	if total > len(section) {
		return
	}
	tsID := uint16(section[3])<<8 | uint16(section[4])
	version := int((section[5] >> 1) & 0x1F)
	if d.haveVersion && d.lastVersion == version {
		return
	}
	numChannels := int(section[9])
	off := 10

	var channels []VCTEntry
	for i := 0; i < numChannels && off+32 <= total-4; i++ {
		shortNameBytes := section[off : off+14]
		name := decodeSegment(0x00, shortNameBytes) // short_name is always UTF-16BE code pairs
		// 4 bits reserved, 10 bits major_channel_number, 10 bits minor_channel_number, packed across 3 bytes.
		maj := uint16(section[off+14]&0x0F)<<6 | uint16(section[off+15]>>2)
		min := uint16(section[off+15]&0x03)<<8 | uint16(section[off+16])
		sourceID := uint16(section[off+22])<<8 | uint16(section[off+23])
		serviceType := section[off+26] & 0x3F
		programNumber := uint16(section[off+28])<<8 | uint16(section[off+29])
		descLen := int(section[off+30]&0x03)<<8 | int(section[off+31])
		off += 32 + descLen
		channels = append(channels, VCTEntry{
			ShortName:     trimNulls(name),
			MajorNumber:   maj,
			MinorNumber:   min,
			SourceID:      sourceID,
			ServiceType:   serviceType,
			ProgramNumber: programNumber,
		})
	}

	d.lastVersion = version
	d.haveVersion = true
	vct := &VCT{TransportStreamID: tsID, Version: version, Cable: tableID == TableIDCVCT, Channels: channels}
	if d.OnTable != nil {
		d.OnTable(vct)
	}
}

func trimNulls(s string) string {
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}
