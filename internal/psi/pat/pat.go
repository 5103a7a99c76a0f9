// Package pat decodes the MPEG-2 Program Association Table, accumulating
// sections of one version into a complete program list before emitting
// it, per §4.4: "decoders accumulate sections until last_section_number
// + 1 sections with the current version are present, then emit a fully
// parsed table once per version change."
//
// Grounded on the PAT section layout documented in the teacher's
// internal/tuner/psi_keepalive.go buildPATPacket comment (table_id=0x00,
// transport_stream_id, program_number -> PMT_PID entries) and on
// original_source's tuning.c TuneMultiplex, which reacts to the PAT's
// transport_stream_id once decoded.
package pat

// Program is one program_number -> PID mapping from a PAT. Per ISO/IEC
// 13818-1, program_number 0 denotes the network PID (NIT) rather than a
// service's PMT PID.
type Program struct {
	ProgramNumber uint16
	PID           uint16 // PMT PID, or the NIT PID when ProgramNumber == 0
}

// Table is a fully-reassembled PAT for one version.
type Table struct {
	TransportStreamID uint16
	Version           int
	Programs          []Program
}

// NITPID returns the NIT PID (program_number 0), if present.
func (t *Table) NITPID() (uint16, bool) {
	for _, p := range t.Programs {
		if p.ProgramNumber == 0 {
			return p.PID, true
		}
	}
	return 0, false
}

// PMTPID returns the PMT PID for a program number, if present.
func (t *Table) PMTPID(programNumber uint16) (uint16, bool) {
	for _, p := range t.Programs {
		if p.ProgramNumber == programNumber && programNumber != 0 {
			return p.PID, true
		}
	}
	return 0, false
}

// accumulator tracks in-progress section collection for one version.
type accumulator struct {
	version         int
	transportStream uint16
	lastSection     byte
	sections        map[byte][]Program
}

// Decoder parses PAT sections delivered by a sidemux.Demux (table_id
// 0x00) and emits a Table once all sections of a version have arrived.
type Decoder struct {
	acc *accumulator
	// OnTable is invoked once per completed version change. Set before
	// feeding sections.
	OnTable func(*Table)
}

// New creates a PAT decoder.
func New() *Decoder { return &Decoder{} }

// Feed parses one PAT section (as reassembled and CRC-validated by
// sidemux.Demux) and, once a version's sections are all present,
// invokes OnTable.
func (d *Decoder) Feed(section []byte) {
	if len(section) < 8 || section[0] != 0x00 {
		return
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	if 3+sectionLength > len(section) {
		return
	}
	transportStreamID := uint16(section[3])<<8 | uint16(section[4])
	version := int((section[5] >> 1) & 0x1F)
	sectionNumber := section[6]
	lastSectionNumber := section[7]

	if d.acc == nil || d.acc.version != version || d.acc.transportStream != transportStreamID {
		d.acc = &accumulator{version: version, transportStream: transportStreamID, lastSection: lastSectionNumber, sections: map[byte][]Program{}}
	}

	// Program loop: bytes [8 : 3+sectionLength-4), each entry 4 bytes.
	body := section[8 : 3+sectionLength-4]
	var programs []Program
	for i := 0; i+4 <= len(body); i += 4 {
		programNumber := uint16(body[i])<<8 | uint16(body[i+1])
		pid := uint16(body[i+2]&0x1F)<<8 | uint16(body[i+3])
		programs = append(programs, Program{ProgramNumber: programNumber, PID: pid})
	}
	d.acc.sections[sectionNumber] = programs

	if len(d.acc.sections) != int(d.acc.lastSection)+1 {
		return
	}
	var all []Program
	for i := byte(0); i <= d.acc.lastSection; i++ {
		all = append(all, d.acc.sections[i]...)
	}
	table := &Table{TransportStreamID: transportStreamID, Version: version, Programs: all}
	d.acc = nil
	if d.OnTable != nil {
		d.OnTable(table)
	}
}
