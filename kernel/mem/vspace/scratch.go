package vspace

import (
	"rootserver/kernel"
	"rootserver/kernel/bootinfo"
	"rootserver/kernel/cap"
	"rootserver/kernel/kobj"
	"rootserver/kernel/mem"
)

var (
	// ErrNoScratch is returned when the scratch address is not backed by a
	// frame of the root task image.
	ErrNoScratch = &kernel.Error{Module: "vspace", Message: "scratch address outside the root image"}

	// ErrScratchSize is returned when staged data does not fit a page.
	ErrScratchSize = &kernel.Error{Module: "vspace", Message: "staged data exceeds the page size"}
)

// Mapper is implemented by threads that can map frames.
type Mapper interface {
	FrameMap(frame, vspace cap.CPtr, vaddr uintptr, rights cap.Rights, attrs kobj.VMAttributes) *kernel.Error
	FrameUnmap(frame cap.CPtr) *kernel.Error
}

// RootMapper is implemented by the root thread. WriteVirtual writes into the
// root task's own address space.
type RootMapper interface {
	Mapper
	WriteVirtual(vaddr uintptr, p []byte) *kernel.Error
}

// ScratchPage is a page of the root task's address space whose backing
// frame was unmapped so that other frames can be mapped there temporarily
// and filled before they are handed to a child.
type ScratchPage struct {
	k      RootMapper
	vspace cap.CPtr
	page   Page

	// buf holds the page contents written by Stage.
	buf []byte
}

// AcquireScratch unmaps the root image frame that backs addr and returns a
// scratch page at that address. A zero addr selects the last page of the
// root image.
func AcquireScratch(k RootMapper, info *bootinfo.BootInfo, addr uintptr) (*ScratchPage, *kernel.Error) {
	if addr == 0 {
		addr = info.UserImageEnd() - uintptr(mem.PageSize)
	}

	frame, ok := info.UserImageFrame(addr)
	if !ok {
		return nil, ErrNoScratch
	}

	if err := k.FrameUnmap(frame); err != nil {
		return nil, err
	}

	return &ScratchPage{
		k:      k,
		vspace: bootinfo.SlotVSpace,
		page:   PageFromAddress(addr),
		buf:    make([]byte, mem.PageSize),
	}, nil
}

// Address returns the virtual address of the scratch page.
func (s *ScratchPage) Address() uintptr {
	return s.page.Address()
}

// Stage maps frame at the scratch address, copies contents to the start of
// the frame, zeroes the rest of the page and unmaps the frame again. The
// scratch page is free again once Stage returns, even on failure.
func (s *ScratchPage) Stage(frame cap.CPtr, contents []byte) *kernel.Error {
	if len(contents) > int(mem.PageSize) {
		return ErrScratchSize
	}

	if err := s.k.FrameMap(frame, s.vspace, s.Address(), cap.ReadWrite, kobj.AttrExecuteNever); err != nil {
		return err
	}

	mem.Memset(s.buf, 0)
	copy(s.buf, contents)

	err := s.k.WriteVirtual(s.Address(), s.buf)
	if unmapErr := s.k.FrameUnmap(frame); err == nil {
		err = unmapErr
	}
	return err
}
