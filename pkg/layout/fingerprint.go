package layout

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint digests the placement decisions of the layout: every section
// header and program header and the file size. Contents are not hashed.
// Two layouts with the same fingerprint place the same sections at the same
// offsets and addresses.
func (l *Layout) Fingerprint() uint64 {
	d := xxhash.New()
	var buf []byte
	for i := range l.Sections {
		buf, _ = l.Codec.AppendSectionHeader(buf[:0], &l.Sections[i].Header)
		_, _ = d.Write(buf)
	}
	for i := range l.Progs {
		buf, _ = l.Codec.AppendProgHeader(buf[:0], &l.Progs[i])
		_, _ = d.Write(buf)
	}
	buf = binary.LittleEndian.AppendUint64(buf[:0], l.Size)
	buf = binary.LittleEndian.AppendUint64(buf, l.Shoff)
	buf = binary.LittleEndian.AppendUint64(buf, l.Phoff)
	_, _ = d.Write(buf)
	return d.Sum64()
}
