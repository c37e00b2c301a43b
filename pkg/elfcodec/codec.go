// Package elfcodec converts ELF records between their on-disk byte layout and
// in-memory values.
//
// A Codec is bound to one class (32/64-bit) and one byte order for the whole
// file. Every decode checks the buffer length before touching it: a short
// buffer yields a *TruncatedError and no partially filled record.
package elfcodec

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrBadMagic     = errors.New("bad ELF magic")
	ErrUnknownClass = errors.New("unknown ELF class")
	ErrUnknownData  = errors.New("unknown ELF data encoding")
	ErrBadVersion   = errors.New("unsupported ELF version")
)

// TruncatedError reports a record that does not fit in the available bytes.
type TruncatedError struct {
	Record string
	Want   int
	Have   int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated %s: need %d bytes, have %d", e.Record, e.Want, e.Have)
}

// OverflowError reports a value that cannot be represented in the file class.
type OverflowError struct {
	Record string
	Field  string
	Value  uint64
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s.%s: value 0x%x does not fit in ELFCLASS32", e.Record, e.Field, e.Value)
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Codec encodes and decodes records for a single class and byte order.
type Codec struct {
	class elf.Class
	data  elf.Data
	order byteOrder
}

// New returns a codec for the given class and data encoding.
func New(class elf.Class, data elf.Data) (*Codec, error) {
	c := &Codec{class: class, data: data}
	switch class {
	case elf.ELFCLASS32, elf.ELFCLASS64:
	default:
		return nil, errors.Wrapf(ErrUnknownClass, "class %v", class)
	}
	switch data {
	case elf.ELFDATA2LSB:
		c.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		c.order = binary.BigEndian
	default:
		return nil, errors.Wrapf(ErrUnknownData, "data %v", data)
	}
	return c, nil
}

func (c *Codec) Class() elf.Class { return c.class }

func (c *Codec) Data() elf.Data { return c.data }

func (c *Codec) ByteOrder() binary.ByteOrder { return c.order }

func (c *Codec) is64() bool { return c.class == elf.ELFCLASS64 }

// FileHeaderSize is e_ehsize for the class.
func (c *Codec) FileHeaderSize() int {
	if c.is64() {
		return 64
	}
	return 52
}

// SectionHeaderSize is e_shentsize for the class.
func (c *Codec) SectionHeaderSize() int {
	if c.is64() {
		return 64
	}
	return 40
}

// ProgHeaderSize is e_phentsize for the class.
func (c *Codec) ProgHeaderSize() int {
	if c.is64() {
		return 56
	}
	return 32
}

// SymbolSize is the symbol table entry size for the class.
func (c *Codec) SymbolSize() int {
	if c.is64() {
		return 24
	}
	return 16
}

// ChdrSize is the compression header size for the class.
func (c *Codec) ChdrSize() int {
	if c.is64() {
		return 24
	}
	return 12
}

// AddrSize is the size of an address-sized word.
func (c *Codec) AddrSize() int {
	if c.is64() {
		return 8
	}
	return 4
}

// RelocationEntrySize returns the size of one REL or RELA entry.
func (c *Codec) RelocationEntrySize(typ elf.SectionType) int {
	n := 2 * c.AddrSize()
	if typ == elf.SHT_RELA {
		n += c.AddrSize()
	}
	return n
}

type decoder struct {
	b     []byte
	off   int
	order binary.ByteOrder
}

func (d *decoder) u8() uint8 {
	v := d.b[d.off]
	d.off++
	return v
}

func (d *decoder) u16() uint16 {
	v := d.order.Uint16(d.b[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	v := d.order.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	v := d.order.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

// word reads an address-sized field.
func (d *decoder) word(is64 bool) uint64 {
	if is64 {
		return d.u64()
	}
	return uint64(d.u32())
}

type encoder struct {
	b      []byte
	order  binary.AppendByteOrder
	is64   bool
	record string
	err    error
}

func (e *encoder) u8(v uint8) { e.b = append(e.b, v) }

func (e *encoder) u16(v uint16) { e.b = e.order.AppendUint16(e.b, v) }

func (e *encoder) u32(v uint32) { e.b = e.order.AppendUint32(e.b, v) }

func (e *encoder) u64(v uint64) { e.b = e.order.AppendUint64(e.b, v) }

// word writes an address-sized field, failing when a 32-bit file cannot hold it.
func (e *encoder) word(field string, v uint64) {
	if e.is64 {
		e.u64(v)
		return
	}
	if v > 0xffffffff && e.err == nil {
		e.err = &OverflowError{Record: e.record, Field: field, Value: v}
	}
	e.u32(uint32(v))
}

func (c *Codec) decoder(b []byte, record string, size int) (*decoder, error) {
	if len(b) < size {
		return nil, &TruncatedError{Record: record, Want: size, Have: len(b)}
	}
	return &decoder{b: b[:size], order: c.order}, nil
}

func (c *Codec) encoder(dst []byte, record string) *encoder {
	return &encoder{b: dst, order: c.order, is64: c.is64(), record: record}
}

// finish returns the encoded bytes or, on error, dst unchanged.
func (e *encoder) finish(dst []byte) ([]byte, error) {
	if e.err != nil {
		return dst, e.err
	}
	return e.b, nil
}
