// Package sdt decodes the DVB Service Description Table, per §4.5: "SDT
// updates service name (decoded from DVB character-set-prefixed bytes
// to UTF-8), service type, conditional-access flag, and sets
// network_id on the owning multiplex."
//
// Grounded on the teacher's internal/sdtprobe package for the section
// field layout (original_network_id, service_id, running_status,
// free_CA_mode, descriptors_loop_length, service_descriptor tag 0x48)
// — sdtprobe decoded this by hand via a one-shot HTTP probe; this
// decoder generalizes the same byte layout into the engine's normal
// section-demux pipeline via sidemux.Handler.
package sdt

import "github.com/snapetech/tsengine/internal/psi/dvbtext"

const (
	tableIDActual = 0x42
	tableIDOther  = 0x46

	descriptorService = 0x48
	descriptorCA       = 0x09
)

// Entry is one decoded SDT service row.
type Entry struct {
	ServiceID           uint16
	EITSchedule         bool
	EITPresentFollowing bool
	RunningStatus       int
	ConditionalAccess   bool
	ServiceType         byte
	ProviderName        string
	ServiceName         string
}

// Table is a fully-reassembled SDT for one version.
type Table struct {
	TransportStreamID  uint16
	OriginalNetworkID  uint16
	Version            int
	Actual             bool // true for actual_transport_stream SDT (0x42), false for other (0x46)
	Services           []Entry
}

type accumulator struct {
	version     int
	tsID        uint16
	onid        uint16
	actual      bool
	lastSection byte
	sections    map[byte][]Entry
}

// Decoder parses SDT sections (table_id 0x42 or 0x46).
type Decoder struct {
	acc *accumulator
	// OnTable is invoked once per completed version.
	OnTable func(*Table)
}

// New creates an SDT decoder.
func New() *Decoder { return &Decoder{} }

// Feed parses one CRC-validated SDT section.
func (d *Decoder) Feed(section []byte) {
	if len(section) < 11 {
		return
	}
	tableID := section[0]
	if tableID != tableIDActual && tableID != tableIDOther {
		return
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	total := 3 + sectionLength
	if total > len(section) {
		return
	}
	tsID := uint16(section[3])<<8 | uint16(section[4])
	version := int((section[5] >> 1) & 0x1F)
	sectionNumber := section[6]
	lastSectionNumber := section[7]
	onid := uint16(section[8])<<8 | uint16(section[9])
	// section[10] is reserved_future_use

	if d.acc == nil || d.acc.version != version || d.acc.tsID != tsID {
		d.acc = &accumulator{version: version, tsID: tsID, onid: onid, actual: tableID == tableIDActual, lastSection: lastSectionNumber, sections: map[byte][]Entry{}}
	}

	var entries []Entry
	for i := 11; i+5 <= total-4; {
		serviceID := uint16(section[i])<<8 | uint16(section[i+1])
		eitSched := section[i+2]&0x02 != 0
		eitPF := section[i+2]&0x01 != 0
		runningStatus := int(section[i+3] >> 5)
		freeCA := section[i+3]&0x10 != 0
		descLoopLen := int(section[i+3]&0x0F)<<8 | int(section[i+4])
		descStart := i + 5
		descEnd := descStart + descLoopLen
		if descEnd > total-4 {
			break
		}
		descs := section[descStart:descEnd]
		entry := Entry{
			ServiceID:           serviceID,
			EITSchedule:         eitSched,
			EITPresentFollowing: eitPF,
			RunningStatus:       runningStatus,
			ConditionalAccess:   freeCA || hasDescriptorTag(descs, descriptorCA),
		}
		if provider, name, svcType, ok := parseServiceDescriptor(descs); ok {
			entry.ProviderName = provider
			entry.ServiceName = name
			entry.ServiceType = svcType
		}
		entries = append(entries, entry)
		i = descEnd
	}
	d.acc.sections[sectionNumber] = entries

	if len(d.acc.sections) != int(d.acc.lastSection)+1 {
		return
	}
	var all []Entry
	for i := byte(0); i <= d.acc.lastSection; i++ {
		all = append(all, d.acc.sections[i]...)
	}
	table := &Table{TransportStreamID: tsID, OriginalNetworkID: onid, Version: version, Actual: d.acc.actual, Services: all}
	d.acc = nil
	if d.OnTable != nil {
		d.OnTable(table)
	}
}

func parseServiceDescriptor(descs []byte) (provider, name string, svcType byte, ok bool) {
	for i := 0; i+2 <= len(descs); {
		tag, l := descs[i], int(descs[i+1])
		if i+2+l > len(descs) {
			return "", "", 0, false
		}
		if tag == descriptorService && l >= 3 {
			body := descs[i+2 : i+2+l]
			svcType = body[0]
			providerLen := int(body[1])
			if 2+providerLen > len(body) {
				return "", "", 0, false
			}
			provider = dvbtext.Decode(body[2 : 2+providerLen])
			rest := body[2+providerLen:]
			if len(rest) < 1 {
				return provider, "", svcType, true
			}
			nameLen := int(rest[0])
			if 1+nameLen > len(rest) {
				return provider, "", svcType, true
			}
			name = dvbtext.Decode(rest[1 : 1+nameLen])
			return provider, name, svcType, true
		}
		i += 2 + l
	}
	return "", "", 0, false
}

func hasDescriptorTag(descs []byte, tag byte) bool {
	for i := 0; i+2 <= len(descs); {
		t, l := descs[i], int(descs[i+1])
		if i+2+l > len(descs) {
			return false
		}
		if t == tag {
			return true
		}
		i += 2 + l
	}
	return false
}
