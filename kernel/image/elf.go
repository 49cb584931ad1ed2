package image

import (
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

// FromELF builds an image from the PT_LOAD program headers of a 64-bit
// executable. Segments with a zero memory size are skipped.
func FromELF(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "parsing ELF header")
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, errors.Errorf("unsupported ELF class %s", f.Class)
	}
	if f.Type != elf.ET_EXEC {
		return nil, errors.Errorf("unsupported ELF type %s", f.Type)
	}

	img := &Image{Entry: uintptr(f.Entry)}
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		if prog.Filesz > prog.Memsz {
			return nil, errors.Errorf("program header %d: file size %d exceeds memory size %d", i, prog.Filesz, prog.Memsz)
		}

		data, err := io.ReadAll(io.LimitReader(prog.Open(), int64(prog.Filesz)))
		if err != nil {
			return nil, errors.Wrapf(err, "reading program header %d", i)
		}

		img.Segments = append(img.Segments, Segment{
			Vaddr:   uintptr(prog.Vaddr),
			MemSize: prog.Memsz,
			Data:    data,
			Perm:    permFromFlags(prog.Flags),
		})
	}

	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

func permFromFlags(flags elf.ProgFlag) Perm {
	var perm Perm
	if flags&elf.PF_R != 0 {
		perm |= PermRead
	}
	if flags&elf.PF_W != 0 {
		perm |= PermWrite
	}
	if flags&elf.PF_X != 0 {
		perm |= PermExec
	}
	return perm
}
