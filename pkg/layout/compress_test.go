package layout

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"io"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"

	"github.com/grafana/elflayout/pkg/section"
)

func debugObject() *Object {
	obj := textDataBSS()
	info := sec(".debug_info", elf.SHT_PROGBITS, 0, 0, 8192, 1)
	for i := range info.Data {
		info.Data[i] = byte(i % 7)
	}
	obj.Sections = append(obj.Sections,
		info,
		sec(".debug_tiny", elf.SHT_PROGBITS, 0, 0, 4, 1),
	)
	return obj
}

func inflate(t *testing.T, b []byte) []byte {
	t.Helper()
	r, err := zlib.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return out
}

func TestCompress_Zlib(t *testing.T) {
	obj := debugObject()
	cfg := DefaultConfig()
	cfg.CompressDebugSections = CompressZlib
	l := assign(t, obj, cfg)
	require.Equal(t, 1, l.Compressed)

	info := l.Lookup(5)
	require.NotNil(t, info)
	require.Equal(t, ".debug_info", info.Name)
	require.NotZero(t, info.Header.Flags&elf.SHF_COMPRESSED)
	require.Equal(t, uint64(8), info.Header.Addralign)
	require.Equal(t, uint64(len(info.Data)), info.Header.Size)

	chdr, err := l.Codec.DecodeChdr(info.Data)
	require.NoError(t, err)
	require.Equal(t, elf.COMPRESS_ZLIB, chdr.Type)
	require.Equal(t, uint64(8192), chdr.Size)
	require.Equal(t, obj.Sections[5].Data, inflate(t, info.Data[l.Codec.ChdrSize():]))

	// Not worth compressing.
	tiny := l.Lookup(6)
	require.Zero(t, tiny.Header.Flags&elf.SHF_COMPRESSED)
	require.Equal(t, uint64(4), tiny.Header.Size)
}

func TestCompress_ZlibGNU(t *testing.T) {
	obj := debugObject()
	cfg := DefaultConfig()
	cfg.CompressDebugSections = CompressZlibGNU
	l := assign(t, obj, cfg)

	info := l.Lookup(5)
	require.Equal(t, ".zdebug_info", info.Name)
	require.Zero(t, info.Header.Flags&elf.SHF_COMPRESSED)
	require.Equal(t, []byte("ZLIB"), info.Data[:4])
	require.Equal(t, uint64(8192), binary.BigEndian.Uint64(info.Data[4:12]))
	require.Equal(t, obj.Sections[5].Data, inflate(t, info.Data[12:]))

	// The renamed section is what the name table holds.
	shstrtab := section.NewStringTable(l.Sections[l.Header.Shstrndx].Data)
	name, err := shstrtab.String(info.Header.Name)
	require.NoError(t, err)
	require.Equal(t, ".zdebug_info", name)
}

func TestCompress_AlreadyCompressed(t *testing.T) {
	obj := debugObject()
	obj.Sections[5].Flags |= elf.SHF_COMPRESSED
	cfg := DefaultConfig()
	cfg.CompressDebugSections = CompressZlib
	l := assign(t, obj, cfg)
	require.Zero(t, l.Compressed)
}

type failingCompressor struct{}

func (failingCompressor) Type() elf.CompressionType { return elf.COMPRESS_ZLIB }

func (failingCompressor) Compress(io.Writer, []byte) error { return io.ErrShortWrite }

func TestCompress_CompressorError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressDebugSections = CompressZlib
	_, err := Assign(context.Background(), debugObject(), cfg, WithCompressor(failingCompressor{}))
	require.ErrorIs(t, err, io.ErrShortWrite)
}
