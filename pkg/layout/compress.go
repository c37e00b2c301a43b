package layout

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/grafana/elflayout/pkg/elfcodec"
	"github.com/grafana/elflayout/pkg/section"
)

// Compressor produces a compressed payload for debug sections.
type Compressor interface {
	Type() elf.CompressionType
	Compress(w io.Writer, src []byte) error
}

type zlibCompressor struct {
	level int
}

// NewZlibCompressor returns a Compressor producing zlib streams.
func NewZlibCompressor(level int) Compressor {
	return zlibCompressor{level: level}
}

func (zlibCompressor) Type() elf.CompressionType { return elf.COMPRESS_ZLIB }

func (c zlibCompressor) Compress(w io.Writer, src []byte) error {
	zw, err := zlib.NewWriterLevel(w, c.level)
	if err != nil {
		return err
	}
	if _, err := zw.Write(src); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

const gnuMagic = "ZLIB"

// compressDebug rewrites eligible debug sections in place. A section is left
// alone when compression does not make it smaller. It must run before the
// section names are frozen because the GNU mode renames sections.
func compressDebug(cat *section.Catalog, codec *elfcodec.Codec, mode CompressMode, c Compressor) (int, error) {
	if mode == "" || mode == CompressNone || c == nil {
		return 0, nil
	}
	n := 0
	for _, s := range cat.Sections() {
		if !isDebug(s) || len(s.Data) == 0 {
			continue
		}
		var buf bytes.Buffer
		switch mode {
		case CompressZlib:
			hdr := elfcodec.Chdr{Type: c.Type(), Size: s.Size, Addralign: s.Align()}
			b, err := codec.AppendChdr(nil, &hdr)
			if err != nil {
				return n, errors.Wrapf(err, "compress %s", s.Name)
			}
			buf.Write(b)
		case CompressZlibGNU:
			buf.WriteString(gnuMagic)
			var size [8]byte
			binary.BigEndian.PutUint64(size[:], s.Size)
			buf.Write(size[:])
		}
		if err := c.Compress(&buf, s.Data); err != nil {
			return n, errors.Wrapf(err, "compress %s", s.Name)
		}
		if uint64(buf.Len()) >= s.Size {
			continue
		}
		s.Data = buf.Bytes()
		s.Size = uint64(buf.Len())
		if mode == CompressZlib {
			s.Flags |= elf.SHF_COMPRESSED
			s.Addralign = uint64(codec.AddrSize())
		} else {
			s.Name = ".zdebug_" + strings.TrimPrefix(s.Name, ".debug_")
			s.Addralign = 1
		}
		n++
	}
	return n, nil
}
