// Package vspace builds the address spaces of the processes started by the
// root task.
//
// An address space is built in a single pass: the builder allocates a
// VSpace root and assigns it an ASID, installs the translation tables that
// cover the image, allocates one frame per image page, fills the frame
// through the root task's scratch page and finally maps the frame into the
// child with the permissions of the segments that touch the page. Frames
// are never shared between address spaces.
package vspace

import (
	"sort"

	"github.com/inconshreveable/log15"

	"rootserver/kernel"
	"rootserver/kernel/bootinfo"
	"rootserver/kernel/cap"
	"rootserver/kernel/image"
	"rootserver/kernel/kfmt"
	"rootserver/kernel/kobj"
	"rootserver/kernel/mem"
	"rootserver/kernel/mem/untyped"
)

var (
	// ErrAsidPoolExhausted is returned when the ASID pool has no free
	// entries for a new address space.
	ErrAsidPoolExhausted = &kernel.Error{Module: "vspace", Message: "ASID pool exhausted"}

	// ErrOverlap is returned when a page is mapped twice, either because
	// two segments overlap or because a fixed address collides with the
	// image.
	ErrOverlap = &kernel.Error{Module: "vspace", Message: "overlapping mapping"}
)

// Kernel is the set of invocations used to build an address space.
type Kernel interface {
	RootMapper
	ASIDPoolAssign(pool, vspace cap.CPtr) *kernel.Error
	PageTableMap(pt, vspace cap.CPtr, vaddr uintptr, attrs kobj.VMAttributes) *kernel.Error
}

// Allocator creates kernel objects from untyped memory.
type Allocator interface {
	AllocateFixed(kind cap.ObjectType) (untyped.Object, *kernel.Error)
}

// PageMapping describes a frame mapped into an address space.
type PageMapping struct {
	Page  Page
	Frame cap.CPtr
	Perm  image.Perm
}

// IPCBuffer is the frame a thread uses for message transfer together with
// the address it is mapped at.
type IPCBuffer struct {
	Frame cap.CPtr
	Addr  uintptr
}

// AddressSpace describes an address space built for a child process. All
// capabilities live in the root CNode.
type AddressSpace struct {
	// Root is the VSpace root capability.
	Root cap.CPtr

	// Tables lists the page tables installed into the VSpace in the order
	// they were mapped.
	Tables []cap.CPtr

	// Pages lists the image pages in ascending address order.
	Pages []PageMapping

	// Start and End delimit the page-aligned image footprint.
	Start, End uintptr

	// tables tracks the installed tables per level, keyed by the part of
	// the address that selects the table.
	tables [mem.PageLevels]map[uintptr]cap.CPtr
}

// Mapping returns the image page mapping that contains vaddr.
func (as *AddressSpace) Mapping(vaddr uintptr) (PageMapping, bool) {
	page := PageFromAddress(vaddr)
	i := sort.Search(len(as.Pages), func(i int) bool { return as.Pages[i].Page >= page })
	if i < len(as.Pages) && as.Pages[i].Page == page {
		return as.Pages[i], true
	}
	return PageMapping{}, false
}

// Builder constructs child address spaces. The builder owns the scratch
// page for its lifetime.
type Builder struct {
	alloc    Allocator
	kernel   Kernel
	scratch  *ScratchPage
	asidPool cap.CPtr

	// IPCBufferAddr is the address the IPC buffer is mapped at. When zero,
	// the buffer is placed in the first page after the image footprint.
	IPCBufferAddr uintptr

	log log15.Logger
}

// NewBuilder returns a builder that allocates objects from alloc, invokes
// them through k and stages image contents through scratch.
func NewBuilder(alloc Allocator, k Kernel, scratch *ScratchPage) *Builder {
	return &Builder{
		alloc:    alloc,
		kernel:   k,
		scratch:  scratch,
		asidPool: bootinfo.SlotASIDPool,
		log:      kfmt.Logger("vspace"),
	}
}

// pagePlan describes the contents and permissions of one image page.
type pagePlan struct {
	page Page
	perm image.Perm

	// contents is nil for pages without file bytes; retyped frames are
	// already zero.
	contents []byte
}

// Build constructs an address space holding img and maps an IPC buffer into
// it. img is validated first. A failure leaves the objects allocated so far
// behind; the address space is unusable.
func (b *Builder) Build(img *image.Image) (*AddressSpace, IPCBuffer, *kernel.Error) {
	if err := img.Validate(); err != nil {
		if err == image.ErrOverlap {
			return nil, IPCBuffer{}, ErrOverlap
		}
		return nil, IPCBuffer{}, err
	}

	as, err := b.newAddressSpace()
	if err != nil {
		return nil, IPCBuffer{}, err
	}

	as.Start, as.End = img.Footprint()

	ipcAddr := b.IPCBufferAddr
	if ipcAddr == 0 {
		ipcAddr = as.End
	}

	// Cover the footprint and the page after it, then the IPC buffer which
	// may live elsewhere.
	if err = b.ensureTables(as, as.Start, as.End+uintptr(mem.PageSize)); err != nil {
		return nil, IPCBuffer{}, err
	}
	if err = b.ensureTables(as, ipcAddr, ipcAddr+uintptr(mem.PageSize)); err != nil {
		return nil, IPCBuffer{}, err
	}

	for _, plan := range planPages(img) {
		if err = b.mapPage(as, plan); err != nil {
			return nil, IPCBuffer{}, err
		}
	}

	ipc, err := b.mapIPCBuffer(as, ipcAddr)
	if err != nil {
		return nil, IPCBuffer{}, err
	}

	b.log.Info("address space ready",
		"image", img.Name,
		"vspace", uint64(as.Root),
		"start", as.Start,
		"end", as.End,
		"pages", len(as.Pages),
		"tables", len(as.Tables),
		"ipc_buffer", ipc.Addr,
	)
	return as, ipc, nil
}

// newAddressSpace allocates a VSpace root and assigns it an ASID.
func (b *Builder) newAddressSpace() (*AddressSpace, *kernel.Error) {
	root, err := b.alloc.AllocateFixed(cap.TypeVSpace)
	if err != nil {
		return nil, err
	}

	if err = b.kernel.ASIDPoolAssign(b.asidPool, root.Cap); err != nil {
		if err == kobj.ErrDeleteFirst {
			return nil, ErrAsidPoolExhausted
		}
		return nil, err
	}

	as := &AddressSpace{Root: root.Cap}
	for level := 1; level < mem.PageLevels; level++ {
		as.tables[level] = make(map[uintptr]cap.CPtr)
	}
	return as, nil
}

// ensureTables installs the missing page tables for every address in
// [start, end).
func (b *Builder) ensureTables(as *AddressSpace, start, end uintptr) *kernel.Error {
	// Last-level tables cover the largest spans that need a table.
	step := uintptr(1) << mem.LevelSpanBits(mem.PageLevels-1)
	for vaddr := mem.AlignDown(start, mem.LevelSpanBits(mem.PageLevels-1)); vaddr < end; vaddr += step {
		if err := b.ensureTablesFor(as, vaddr); err != nil {
			return err
		}
		if vaddr+step < vaddr {
			break
		}
	}
	return nil
}

// ensureTablesFor installs the tables of every level below the VSpace root
// that translate vaddr. PageTableMap installs a table at the first level
// where the walk finds none, so the levels are filled top-down.
func (b *Builder) ensureTablesFor(as *AddressSpace, vaddr uintptr) *kernel.Error {
	for level := 1; level < mem.PageLevels; level++ {
		key := vaddr >> mem.LevelSpanBits(level)
		if _, ok := as.tables[level][key]; ok {
			continue
		}

		pt, err := b.alloc.AllocateFixed(cap.TypePageTable)
		if err != nil {
			return err
		}

		if err = b.kernel.PageTableMap(pt.Cap, as.Root, vaddr, kobj.AttrDefault); err != nil {
			return err
		}

		as.tables[level][key] = pt.Cap
		as.Tables = append(as.Tables, pt.Cap)
	}
	return nil
}

// planPages computes the contents and permissions of every page touched by
// the segments of a validated image. A page shared by two segments gets the
// union of their permissions.
func planPages(img *image.Image) []*pagePlan {
	var plans []*pagePlan
	byPage := make(map[Page]*pagePlan)

	for _, seg := range img.Segments {
		first, last := PageFromAddress(seg.Vaddr), PageFromAddress(seg.End()-1)
		for page := first; page <= last; page++ {
			plan, ok := byPage[page]
			if !ok {
				plan = &pagePlan{page: page}
				byPage[page] = plan
				plans = append(plans, plan)
			}
			plan.perm |= seg.Perm

			// Copy the file bytes that fall into this page.
			dataEnd := seg.Vaddr + uintptr(len(seg.Data))
			from, to := maxAddr(seg.Vaddr, page.Address()), minAddr(dataEnd, page.Address()+uintptr(mem.PageSize))
			if from >= to {
				continue
			}

			if plan.contents == nil {
				plan.contents = make([]byte, mem.PageSize)
			}
			copy(plan.contents[from-page.Address():], seg.Data[from-seg.Vaddr:to-seg.Vaddr])
		}
	}

	sort.Slice(plans, func(i, j int) bool { return plans[i].page < plans[j].page })
	return plans
}

// mapPage allocates a frame for plan, fills it and maps it into as.
func (b *Builder) mapPage(as *AddressSpace, plan *pagePlan) *kernel.Error {
	frame, err := b.alloc.AllocateFixed(cap.TypeFrame)
	if err != nil {
		return err
	}

	if plan.contents != nil {
		if err = b.scratch.Stage(frame.Cap, plan.contents); err != nil {
			return err
		}
	}

	rights, attrs := permToRights(plan.perm)
	if err = b.kernel.FrameMap(frame.Cap, as.Root, plan.page.Address(), rights, attrs); err != nil {
		if err == kobj.ErrDeleteFirst {
			return ErrOverlap
		}
		return err
	}

	as.Pages = append(as.Pages, PageMapping{Page: plan.page, Frame: frame.Cap, Perm: plan.perm})
	return nil
}

// mapIPCBuffer maps a fresh frame read/write and non-executable at addr.
func (b *Builder) mapIPCBuffer(as *AddressSpace, addr uintptr) (IPCBuffer, *kernel.Error) {
	frame, err := b.alloc.AllocateFixed(cap.TypeFrame)
	if err != nil {
		return IPCBuffer{}, err
	}

	if err = b.kernel.FrameMap(frame.Cap, as.Root, addr, cap.ReadWrite, kobj.AttrExecuteNever); err != nil {
		if err == kobj.ErrDeleteFirst {
			return IPCBuffer{}, ErrOverlap
		}
		return IPCBuffer{}, err
	}

	return IPCBuffer{Frame: frame.Cap, Addr: addr}, nil
}

// permToRights converts segment permissions to mapping rights and
// attributes.
func permToRights(perm image.Perm) (cap.Rights, kobj.VMAttributes) {
	var (
		rights cap.Rights
		attrs  = kobj.AttrDefault
	)
	if perm&image.PermRead != 0 {
		rights |= cap.RightRead
	}
	if perm&image.PermWrite != 0 {
		rights |= cap.RightWrite
	}
	if perm&image.PermExec == 0 {
		attrs |= kobj.AttrExecuteNever
	}
	return rights, attrs
}

func minAddr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

func maxAddr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}
