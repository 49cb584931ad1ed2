// Package untyped implements the root task's allocator for kernel objects.
//
// The allocator carves objects out of the untyped memory regions reported
// by the kernel at boot. Each region is treated as a bump allocator: its
// cursor only ever moves forward and allocated objects are never freed or
// moved. Every successful allocation consumes exactly one slot of the root
// CNode's empty slot range.
package untyped

import (
	"github.com/inconshreveable/log15"

	"rootserver/kernel"
	"rootserver/kernel/bootinfo"
	"rootserver/kernel/cap"
	"rootserver/kernel/kfmt"
	"rootserver/kernel/mem"
)

var (
	// ErrOutOfMemory is returned when no non-device region can fit the
	// requested object.
	ErrOutOfMemory = &kernel.Error{Module: "untyped", Message: "out of memory"}

	// ErrSlotExhausted is returned when the root CNode has no empty slots
	// left.
	ErrSlotExhausted = &kernel.Error{Module: "untyped", Message: "no free capability slots"}

	// ErrInvalidSize is returned when the requested size does not suit the
	// object kind.
	ErrInvalidSize = &kernel.Error{Module: "untyped", Message: "invalid object size"}
)

// Retyper is implemented by threads that can invoke untyped capabilities.
type Retyper interface {
	UntypedRetype(ut cap.CPtr, typ cap.ObjectType, sizeBits uint8, root cap.CPtr, index uint64, depth uint8, offset uint64, num int) *kernel.Error
}

// Region is an untyped memory region together with its allocation cursor.
type Region struct {
	Cap      cap.CPtr
	PhysAddr uintptr
	SizeBits uint8
	IsDevice bool

	// Cursor is the offset of the first unallocated byte. It never
	// exceeds the region size.
	Cursor uintptr
}

// Size returns the size of the region in bytes.
func (r *Region) Size() mem.Size {
	return mem.SizeFromBits(r.SizeBits)
}

// Free returns the number of bytes after the cursor.
func (r *Region) Free() mem.Size {
	return r.Size() - mem.Size(r.Cursor)
}

// fit returns the offset at which an object of 2^objBits bytes would be
// placed or false if it does not fit.
func (r *Region) fit(objBits uint8) (uintptr, bool) {
	if objBits > r.SizeBits {
		return 0, false
	}

	offset := mem.AlignUp(r.Cursor, objBits)
	if offset < r.Cursor || uint64(offset)+uint64(1)<<objBits > uint64(r.Size()) {
		return 0, false
	}
	return offset, true
}

// Object is a kernel object created by the allocator.
type Object struct {
	// Cap is the root CNode slot holding the full-rights capability.
	Cap  cap.CPtr
	Kind cap.ObjectType

	// SizeBits is log2 of the object size in bytes.
	SizeBits uint8

	// Region is the untyped capability the object was carved from and
	// Offset its position inside that region.
	Region cap.CPtr
	Offset uintptr
}

// Allocator hands out kernel objects from untyped memory. It is not safe for
// concurrent use.
type Allocator struct {
	kernel  Retyper
	root    cap.CPtr
	regions []*Region

	nextSlot cap.CPtr
	slots    bootinfo.SlotRegion

	log log15.Logger
}

// New returns an allocator for the untyped regions and the empty slot range
// described by info. Objects are created by invoking k.
func New(k Retyper, info *bootinfo.BootInfo) *Allocator {
	alloc := &Allocator{
		kernel:   k,
		root:     bootinfo.SlotCNode,
		nextSlot: info.Empty.Start,
		slots:    info.Empty,
		log:      kfmt.Logger("untyped"),
	}

	info.VisitUntyped(func(desc *bootinfo.UntypedDesc) bool {
		alloc.regions = append(alloc.regions, &Region{
			Cap:      desc.Cap,
			PhysAddr: desc.PhysAddr,
			SizeBits: desc.SizeBits,
			IsDevice: desc.IsDevice,
		})
		return true
	})

	return alloc
}

// AllocateFixed creates an object of a kind whose size is fixed by the
// kernel.
func (alloc *Allocator) AllocateFixed(kind cap.ObjectType) (Object, *kernel.Error) {
	if !kind.Valid() || kind.Variable() {
		return Object{}, ErrInvalidSize
	}
	return alloc.allocate(kind, 0)
}

// AllocateVariable creates an object of a variable-size kind. sizeBits is
// the size argument understood by the kernel: log2 of the size in bytes for
// untyped memory and log2 of the slot count for CNodes.
func (alloc *Allocator) AllocateVariable(kind cap.ObjectType, sizeBits uint8) (Object, *kernel.Error) {
	if !kind.Variable() || sizeBits < kind.MinSizeBits() || sizeBits > kind.MaxSizeBits() {
		return Object{}, ErrInvalidSize
	}
	return alloc.allocate(kind, sizeBits)
}

// allocate selects the first non-device region that fits the object, then
// retypes it into the next empty slot. Nothing changes on failure.
func (alloc *Allocator) allocate(kind cap.ObjectType, sizeBits uint8) (Object, *kernel.Error) {
	if alloc.nextSlot >= alloc.slots.End {
		return Object{}, ErrSlotExhausted
	}

	objBits := kind.ObjectBits(sizeBits)

	var (
		region *Region
		offset uintptr
	)
	for _, r := range alloc.regions {
		if r.IsDevice {
			continue
		}
		if off, ok := r.fit(objBits); ok {
			region, offset = r, off
			break
		}
	}

	if region == nil {
		alloc.log.Warn("allocation failed", "kind", kind, "size_bits", objBits)
		return Object{}, ErrOutOfMemory
	}

	slot := alloc.nextSlot
	if err := alloc.kernel.UntypedRetype(region.Cap, kind, sizeBits, alloc.root, 0, 0, uint64(slot), 1); err != nil {
		return Object{}, err
	}

	region.Cursor = offset + uintptr(1)<<objBits
	alloc.nextSlot++

	alloc.log.Debug("allocated object",
		"kind", kind,
		"size_bits", objBits,
		"slot", uint64(slot),
		"region", uint64(region.Cap),
		"offset", offset,
	)

	return Object{
		Cap:      slot,
		Kind:     kind,
		SizeBits: objBits,
		Region:   region.Cap,
		Offset:   offset,
	}, nil
}

// Regions returns a copy of the region table.
func (alloc *Allocator) Regions() []Region {
	out := make([]Region, 0, len(alloc.regions))
	for _, r := range alloc.regions {
		out = append(out, *r)
	}
	return out
}

// FreeSlots returns the number of empty root CNode slots left.
func (alloc *Allocator) FreeSlots() int {
	if alloc.nextSlot >= alloc.slots.End {
		return 0
	}
	return int(alloc.slots.End - alloc.nextSlot)
}

// LogRegions logs the untyped region map and the amount of free memory.
func (alloc *Allocator) LogRegions() {
	var free mem.Size
	for _, r := range alloc.regions {
		kind := "ram"
		if r.IsDevice {
			kind = "device"
		}
		alloc.log.Info("untyped region",
			"cap", uint64(r.Cap),
			"paddr", r.PhysAddr,
			"size", uint64(r.Size()),
			"type", kind,
			"cursor", r.Cursor,
		)

		if !r.IsDevice {
			free += r.Free()
		}
	}
	alloc.log.Info("untyped memory available", "free_kb", uint64(free/mem.Kb), "free_slots", alloc.FreeSlots())
}
