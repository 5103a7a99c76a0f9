// Package nit decodes the DVB Network Information Table, including the
// two descriptors the spec's distillation dropped but which a complete
// implementation needs for channel-list presentation: the logical
// channel number descriptor (tag 0x83) and the frequency list
// descriptor (tag 0x62), supplemented from
// original_source/src/standard/dvb/nitprocessor.c's registration of a
// "nit" event and its transport-stream-descriptor-loop parsing.
package nit

const (
	TableIDActual = 0x40
	TableIDOther  = 0x41

	descriptorLCN           = 0x83
	descriptorFrequencyList = 0x62
)

// LCNEntry is one service_id -> logical_channel_number mapping from an
// LCN descriptor.
type LCNEntry struct {
	ServiceID   uint16
	Visible     bool
	ChannelNum  uint16
}

// TransportStream is one entry in the NIT's transport_stream loop.
type TransportStream struct {
	TransportStreamID uint16
	OriginalNetworkID uint16
	Frequencies       []uint32 // from a frequency_list_descriptor, Hz or symbol-rate units per delivery system
	LCNs              []LCNEntry
}

// Table is a fully-reassembled NIT for one version.
type Table struct {
	NetworkID   uint16
	NetworkName string
	Version     int
	Actual      bool
	Streams     []TransportStream
}

type accumulator struct {
	version     int
	networkID   uint16
	actual      bool
	lastSection byte
	sections    map[byte][]TransportStream
	networkName string
}

// Decoder parses NIT sections (table_id 0x40 or 0x41).
type Decoder struct {
	acc *accumulator
	// OnTable is invoked once per completed version.
	OnTable func(*Table)
}

// New creates a NIT decoder.
func New() *Decoder { return &Decoder{} }

// Feed parses one CRC-validated NIT section.
func (d *Decoder) Feed(section []byte) {
	if len(section) < 11 {
		return
	}
	tableID := section[0]
	if tableID != TableIDActual && tableID != TableIDOther {
		return
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	total := 3 + sectionLength
	if total > len(section) {
		return
	}
	networkID := uint16(section[3])<<8 | uint16(section[4])
	version := int((section[5] >> 1) & 0x1F)
	sectionNumber := section[6]
	lastSectionNumber := section[7]
	networkDescLen := int(section[8]&0x0F)<<8 | int(section[9])
	networkDescStart := 10
	networkDescEnd := networkDescStart + networkDescLen
	if networkDescEnd+2 > total-4 {
		return
	}

	if d.acc == nil || d.acc.version != version || d.acc.networkID != networkID {
		d.acc = &accumulator{version: version, networkID: networkID, actual: tableID == TableIDActual, lastSection: lastSectionNumber, sections: map[byte][]TransportStream{}}
	}
	d.acc.networkName = networkNameFromDescriptors(section[networkDescStart:networkDescEnd])

	tsLoopLen := int(section[networkDescEnd]&0x0F)<<8 | int(section[networkDescEnd+1])
	tsLoopStart := networkDescEnd + 2
	tsLoopEnd := tsLoopStart + tsLoopLen
	if tsLoopEnd > total-4 {
		return
	}

	var streams []TransportStream
	for i := tsLoopStart; i+6 <= tsLoopEnd; {
		tsID := uint16(section[i])<<8 | uint16(section[i+1])
		onid := uint16(section[i+2])<<8 | uint16(section[i+3])
		descLen := int(section[i+4]&0x0F)<<8 | int(section[i+5])
		descStart := i + 6
		descEnd := descStart + descLen
		if descEnd > tsLoopEnd {
			break
		}
		descs := section[descStart:descEnd]
		ts := TransportStream{
			TransportStreamID: tsID,
			OriginalNetworkID: onid,
			Frequencies:       frequenciesFromDescriptors(descs),
			LCNs:              lcnsFromDescriptors(descs),
		}
		streams = append(streams, ts)
		i = descEnd
	}
	d.acc.sections[sectionNumber] = streams

	if len(d.acc.sections) != int(d.acc.lastSection)+1 {
		return
	}
	var all []TransportStream
	for i := byte(0); i <= d.acc.lastSection; i++ {
		all = append(all, d.acc.sections[i]...)
	}
	table := &Table{NetworkID: networkID, NetworkName: d.acc.networkName, Version: version, Actual: d.acc.actual, Streams: all}
	d.acc = nil
	if d.OnTable != nil {
		d.OnTable(table)
	}
}

func networkNameFromDescriptors(descs []byte) string {
	for i := 0; i+2 <= len(descs); {
		tag, l := descs[i], int(descs[i+1])
		if i+2+l > len(descs) {
			return ""
		}
		if tag == 0x40 { // network_name_descriptor
			return string(descs[i+2 : i+2+l])
		}
		i += 2 + l
	}
	return ""
}

func frequenciesFromDescriptors(descs []byte) []uint32 {
	var out []uint32
	for i := 0; i+2 <= len(descs); {
		tag, l := descs[i], int(descs[i+1])
		if i+2+l > len(descs) {
			return out
		}
		if tag == descriptorFrequencyList {
			body := descs[i+2 : i+2+l]
			for j := 1; j+4 <= len(body); j += 4 { // body[0] is coding_type
				freq := uint32(body[j])<<24 | uint32(body[j+1])<<16 | uint32(body[j+2])<<8 | uint32(body[j+3])
				out = append(out, freq)
			}
		}
		i += 2 + l
	}
	return out
}

func lcnsFromDescriptors(descs []byte) []LCNEntry {
	var out []LCNEntry
	for i := 0; i+2 <= len(descs); {
		tag, l := descs[i], int(descs[i+1])
		if i+2+l > len(descs) {
			return out
		}
		if tag == descriptorLCN {
			body := descs[i+2 : i+2+l]
			for j := 0; j+4 <= len(body); j += 4 {
				serviceID := uint16(body[j])<<8 | uint16(body[j+1])
				visible := body[j+2]&0x80 != 0
				channel := uint16(body[j+2]&0x03)<<8 | uint16(body[j+3])
				out = append(out, LCNEntry{ServiceID: serviceID, Visible: visible, ChannelNum: channel})
			}
		}
		i += 2 + l
	}
	return out
}
