package section

import (
	"bytes"
	"fmt"
)

// StringTableReader resolves offsets into a string table.
type StringTableReader interface {
	String(offset uint32) (string, error)
}

// StringError reports a string table offset outside its table.
type StringError struct {
	File    string
	Section string
	Index   ID
	Offset  uint32
	Size    uint64
}

func (e *StringError) Error() string {
	return fmt.Sprintf("%s: invalid string offset %d >= %d for section `%s' (#%d)", e.File, e.Offset, e.Size, e.Section, e.Index)
}

// StringTable reads NUL-terminated strings out of a raw table.
type StringTable struct {
	data  []byte
	cache map[uint32]string

	file  string
	name  string
	index ID
}

func NewStringTable(data []byte) *StringTable {
	return &StringTable{data: data}
}

// NewFileStringTable is NewStringTable for a table read from file at the
// given section, which errors then name.
func NewFileStringTable(file, name string, index ID, data []byte) *StringTable {
	return &StringTable{data: data, file: file, name: name, index: index}
}

func (t *StringTable) Size() uint64 { return uint64(len(t.data)) }

// String returns the string starting at offset. Offset 0 is always the empty
// string. A string that runs off the end of the table ends there.
func (t *StringTable) String(offset uint32) (string, error) {
	if offset == 0 {
		return "", nil
	}
	if uint64(offset) >= uint64(len(t.data)) {
		return "", &StringError{File: t.file, Section: t.name, Index: t.index, Offset: offset, Size: uint64(len(t.data))}
	}
	if s, ok := t.cache[offset]; ok {
		return s, nil
	}
	b := t.data[offset:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	s := string(b)
	if t.cache == nil {
		t.cache = make(map[uint32]string)
	}
	t.cache[offset] = s
	return s, nil
}

// StringTableBuilder accumulates a deduplicated string table. Offset 0 holds
// the empty string.
type StringTableBuilder struct {
	buf     []byte
	offsets map[string]uint32
}

func NewStringTableBuilder() *StringTableBuilder {
	return &StringTableBuilder{
		buf:     []byte{0},
		offsets: map[string]uint32{"": 0},
	}
}

// Add returns the offset of s, appending it on first use.
func (b *StringTableBuilder) Add(s string) uint32 {
	if off, ok := b.offsets[s]; ok {
		return off
	}
	off := uint32(len(b.buf))
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
	b.offsets[s] = off
	return off
}

// Offset returns the offset of a previously added string.
func (b *StringTableBuilder) Offset(s string) (uint32, bool) {
	off, ok := b.offsets[s]
	return off, ok
}

func (b *StringTableBuilder) Len() int { return len(b.buf) }

func (b *StringTableBuilder) Bytes() []byte { return b.buf }
