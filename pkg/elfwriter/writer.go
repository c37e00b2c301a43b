// Package elfwriter streams a finalized layout to an io.Writer.
package elfwriter

import (
	"bufio"
	"debug/elf"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/grafana/elflayout/pkg/layout"
)

var ErrOverlap = errors.New("file ranges overlap")

type chunk struct {
	name string
	off  uint64
	size uint64
	data []byte
}

// Writer writes layouts. The first error is sticky: once a write fails
// every later call returns it.
type Writer struct {
	dst     *bufio.Writer
	off     uint64
	written int64
	err     error
	zeros   []byte
}

func New(w io.Writer) *Writer {
	return &Writer{dst: bufio.NewWriter(w), zeros: make([]byte, 4096)}
}

// Write is a convenience wrapper around New and WriteLayout.
func Write(w io.Writer, l *layout.Layout) (int64, error) {
	return New(w).WriteLayout(l)
}

// WriteLayout writes l in offset order, zero filling every gap. It returns
// the number of bytes written, which equals l.Size on success.
func (w *Writer) WriteLayout(l *layout.Layout) (int64, error) {
	if w.err != nil {
		return w.written, w.err
	}
	chunks, err := w.chunks(l)
	if err != nil {
		w.err = err
		return 0, err
	}
	for _, c := range chunks {
		if c.off < w.off {
			w.err = errors.Wrapf(ErrOverlap, "%s at %#x starts before %#x", c.name, c.off, w.off)
			break
		}
		w.pad(c.off - w.off)
		if uint64(len(c.data)) > c.size {
			w.err = errors.Errorf("%s has %d bytes of data, size %d", c.name, len(c.data), c.size)
			break
		}
		w.write(c.data)
		w.pad(c.size - uint64(len(c.data)))
		if w.err != nil {
			break
		}
	}
	if w.err == nil && w.off != l.Size {
		w.err = errors.Errorf("wrote %d bytes, layout size is %d", w.off, l.Size)
	}
	if w.err == nil {
		w.err = w.dst.Flush()
	}
	return w.written, w.err
}

func (w *Writer) chunks(l *layout.Layout) ([]chunk, error) {
	codec := l.Codec
	hdr, err := codec.AppendFileHeader(nil, &l.Header)
	if err != nil {
		return nil, errors.Wrap(err, "file header")
	}
	chunks := []chunk{{name: "file header", off: 0, size: uint64(len(hdr)), data: hdr}}

	if l.PhdrSlots > 0 {
		var phdrs []byte
		for i := range l.Progs {
			if phdrs, err = codec.AppendProgHeader(phdrs, &l.Progs[i]); err != nil {
				return nil, errors.Wrapf(err, "program header %d", i)
			}
		}
		chunks = append(chunks, chunk{
			name: "program headers",
			off:  l.Phoff,
			size: uint64(l.PhdrSlots) * uint64(codec.ProgHeaderSize()),
			data: phdrs,
		})
	}

	var shdrs []byte
	for i := range l.Sections {
		s := &l.Sections[i]
		if shdrs, err = codec.AppendSectionHeader(shdrs, &s.Header); err != nil {
			return nil, errors.Wrapf(err, "section header %d (%s)", i, s.Name)
		}
		if i == 0 || !fileBacked(s) || s.Header.Size == 0 {
			continue
		}
		chunks = append(chunks, chunk{name: s.Name, off: s.Header.Offset, size: s.Header.Size, data: s.Data})
	}
	chunks = append(chunks, chunk{name: "section headers", off: l.Shoff, size: uint64(len(shdrs)), data: shdrs})

	for _, z := range l.ZeroFill {
		chunks = append(chunks, chunk{name: "zero fill", off: z.Off, size: z.Size})
	}
	slices.SortStableFunc(chunks, func(a, b chunk) int {
		switch {
		case a.off < b.off:
			return -1
		case a.off > b.off:
			return 1
		}
		return 0
	})
	return chunks, nil
}

func fileBacked(s *layout.Placed) bool {
	return s.Header.Type != elf.SHT_NOBITS && s.Header.Type != elf.SHT_NULL
}

func (w *Writer) write(b []byte) {
	if w.err != nil || len(b) == 0 {
		return
	}
	n, err := w.dst.Write(b)
	w.off += uint64(n)
	w.written += int64(n)
	if err != nil {
		w.err = err
	}
}

func (w *Writer) pad(n uint64) {
	for n > 0 && w.err == nil {
		k := uint64(len(w.zeros))
		if n < k {
			k = n
		}
		w.write(w.zeros[:k])
		n -= k
	}
}
