// Package pmt decodes the MPEG-2 Program Map Table for a single program,
// producing a model.ProgramInfo per §4.5's PMT handling: parse the
// elementary-stream loop, resolve descriptor-derived subtype info
// (language, subtitle presence), and hand the result to the caller for
// diffing against the cached program info.
//
// PMTs are single-section tables in every broadcast profile this engine
// targets (ISO/IEC 13818-1 permits more, but no deployed system uses
// them), so unlike pat.Decoder this decoder does not accumulate across
// sections — it decodes section 0 and emits immediately, matching
// spec.md's boundary case "PMT spanning two packets with
// payload-unit-start on the first" (a multi-packet PMT is still a
// single PMT *section*; reassembly is sidemux's job, not this
// decoder's).
package pmt

import "github.com/snapetech/tsengine/internal/model"

// Decoder parses PMT sections (table_id 0x02) for one program_number.
type Decoder struct {
	// OnProgram is invoked once per version change with the decoded
	// program info.
	OnProgram func(info *model.ProgramInfo, version int, pcrPID uint16)

	lastVersion int
	haveVersion bool
}

// New creates a PMT decoder.
func New() *Decoder { return &Decoder{} }

// Feed parses one CRC-validated PMT section.
func (d *Decoder) Feed(section []byte) {
	if len(section) < 12 || section[0] != 0x02 {
		return
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	total := 3 + sectionLength
	if total > len(section) {
		return
	}
	programNumber := uint16(section[3])<<8 | uint16(section[4])
	version := int((section[5] >> 1) & 0x1F)
	pcrPID := uint16(section[8]&0x1F)<<8 | uint16(section[9])
	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])
	if 12+programInfoLength > total-4 {
		return
	}

	if d.haveVersion && d.lastVersion == version {
		return
	}

	programDescriptors := section[12 : 12+programInfoLength]
	hasCA := hasCADescriptor(programDescriptors)

	esLoopStart := 12 + programInfoLength
	esLoopEnd := total - 4 // exclude CRC
	var pids []model.PIDInfo
	for i := esLoopStart; i+5 <= esLoopEnd; {
		streamType := section[i]
		pid := uint16(section[i+1]&0x1F)<<8 | uint16(section[i+2])
		esInfoLength := int(section[i+3]&0x0F)<<8 | int(section[i+4])
		descStart := i + 5
		descEnd := descStart + esInfoLength
		if descEnd > esLoopEnd {
			break
		}
		descriptors := append([]byte(nil), section[descStart:descEnd]...)
		if hasCADescriptor(descriptors) {
			hasCA = true
		}
		pids = append(pids, model.PIDInfo{
			PID:         pid,
			Type:        model.StreamType(streamType),
			Subtype:     languageFromDescriptors(descriptors),
			PMTVersion:  version,
			Descriptors: descriptors,
		})
		i = descEnd
	}

	d.lastVersion = version
	d.haveVersion = true

	info := &model.ProgramInfo{ServiceID: programNumber, PIDs: pids, ConditionalAccess: hasCA}
	if d.OnProgram != nil {
		d.OnProgram(info, version, pcrPID)
	}
}

// hasCADescriptor reports whether a descriptor loop contains a
// CA_descriptor (tag 0x09), which original_source's pmt.c checks in
// both the program-level and every stream-level descriptor loop: a
// service can be scrambled at the program level, per-stream, or both.
func hasCADescriptor(descs []byte) bool {
	for i := 0; i+2 <= len(descs); {
		tag, l := descs[i], int(descs[i+1])
		if i+2+l > len(descs) {
			return false
		}
		if tag == 0x09 {
			return true
		}
		i += 2 + l
	}
	return false
}

// languageFromDescriptors extracts the ISO-639 language code from an
// ISO_639_language_descriptor (tag 0x0A), if present.
func languageFromDescriptors(descs []byte) string {
	for i := 0; i+2 <= len(descs); {
		tag, l := descs[i], int(descs[i+1])
		if i+2+l > len(descs) {
			return ""
		}
		if tag == 0x0A && l >= 3 {
			return string(descs[i+2 : i+5])
		}
		i += 2 + l
	}
	return ""
}
