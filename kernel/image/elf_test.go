package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testProg struct {
	typ   elf.ProgType
	flags elf.ProgFlag
	vaddr uint64
	memsz uint64
	data  []byte
}

// buildELF assembles a minimal little-endian ELF64 executable with the
// given program headers and no section headers.
func buildELF(t *testing.T, class elf.Class, entry uint64, progs []testProg) []byte {
	const (
		headerSize = 64
		progSize   = 56
	)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(len(progs)),
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(class)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))

	off := uint64(headerSize + progSize*len(progs))
	var payload bytes.Buffer
	for _, p := range progs {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Prog64{
			Type:   uint32(p.typ),
			Flags:  uint32(p.flags),
			Off:    off + uint64(payload.Len()),
			Vaddr:  p.vaddr,
			Paddr:  p.vaddr,
			Filesz: uint64(len(p.data)),
			Memsz:  p.memsz,
			Align:  0x1000,
		}))
		payload.Write(p.data)
	}

	buf.Write(payload.Bytes())
	return buf.Bytes()
}

func TestFromELF(t *testing.T) {
	text := []byte{0xde, 0xad, 0xbe, 0xef}
	data := []byte("hello")

	raw := buildELF(t, elf.ELFCLASS64, 0x10000, []testProg{
		{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W, vaddr: 0x20000, memsz: 0x2000, data: data},
		{typ: elf.PT_NOTE, flags: elf.PF_R, vaddr: 0x30000, memsz: 0x10},
		{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, vaddr: 0x10000, memsz: uint64(len(text)), data: text},
		{typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: 0x40000},
	})

	img, err := FromELF(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, uintptr(0x10000), img.Entry)
	require.Len(t, img.Segments, 2)

	assert.Equal(t, Segment{Vaddr: 0x10000, MemSize: 4, Data: text, Perm: PermRead | PermExec}, img.Segments[0])
	assert.Equal(t, Segment{Vaddr: 0x20000, MemSize: 0x2000, Data: data, Perm: PermRead | PermWrite}, img.Segments[1])
}

func TestFromELFErrors(t *testing.T) {
	t.Run("not an ELF file", func(t *testing.T) {
		_, err := FromELF(bytes.NewReader([]byte("definitely not an elf")))
		assert.Error(t, err)
	})

	t.Run("32-bit class", func(t *testing.T) {
		raw := buildELF(t, elf.ELFCLASS64, 0, nil)
		raw[elf.EI_CLASS] = byte(elf.ELFCLASS32)
		_, err := FromELF(bytes.NewReader(raw))
		assert.Error(t, err)
	})

	t.Run("no loadable segments", func(t *testing.T) {
		raw := buildELF(t, elf.ELFCLASS64, 0, []testProg{
			{typ: elf.PT_NOTE, flags: elf.PF_R, vaddr: 0x1000, memsz: 4},
		})
		_, err := FromELF(bytes.NewReader(raw))
		assert.Equal(t, ErrEmpty, err)
	})

	t.Run("overlapping segments", func(t *testing.T) {
		raw := buildELF(t, elf.ELFCLASS64, 0, []testProg{
			{typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: 0x1000, memsz: 0x100},
			{typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: 0x1080, memsz: 0x100},
		})
		_, err := FromELF(bytes.NewReader(raw))
		assert.Equal(t, ErrOverlap, err)
	})
}
