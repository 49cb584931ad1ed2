// Package bootinfo describes the resources that the kernel hands to the
// root task at cold start and the manifest used to describe a machine and
// its boot plan.
package bootinfo

import (
	"rootserver/kernel/cap"
	"rootserver/kernel/mem"
)

// Well-known slots of the root task's CNode.
const (
	SlotNull      = cap.CPtr(0)
	SlotTCB       = cap.CPtr(1)
	SlotCNode     = cap.CPtr(2)
	SlotVSpace    = cap.CPtr(3)
	SlotASIDPool  = cap.CPtr(6)
	SlotIPCBuffer = cap.CPtr(10)

	// FirstFreeSlot is the first slot not reserved for the initial caps.
	FirstFreeSlot = cap.CPtr(16)
)

// SlotRegion is a half-open range [Start, End) of root CNode slots.
type SlotRegion struct {
	Start, End cap.CPtr
}

// Len returns the number of slots in the region.
func (r SlotRegion) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End - r.Start)
}

// Contains returns true if slot lies within the region.
func (r SlotRegion) Contains(slot cap.CPtr) bool {
	return slot >= r.Start && slot < r.End
}

// UntypedDesc describes one untyped capability handed to the root task.
type UntypedDesc struct {
	// The slot holding the untyped capability.
	Cap cap.CPtr

	// The physical address of the region.
	PhysAddr uintptr

	// log2 of the region length.
	SizeBits uint8

	// Device regions may only be retyped into frames.
	IsDevice bool
}

// Size returns the region length in bytes.
func (d UntypedDesc) Size() mem.Size {
	return mem.SizeFromBits(d.SizeBits)
}

// UntypedVisitor is invoked by VisitUntyped for each untyped region. The
// visitor must return true to continue or false to abort the scan.
type UntypedVisitor func(*UntypedDesc) bool

// BootInfo is the resource manifest passed to the root task.
type BootInfo struct {
	// Radix of the root CNode. Root CPtrs are plain slot indices.
	RootCNodeBits uint8

	// Slots that hold no capability at boot.
	Empty SlotRegion

	// Frames backing the root task image, in virtual address order.
	UserImageFrames SlotRegion

	// Virtual address of the first user image frame.
	UserImageBase uintptr

	// Untyped memory, in the order reported by the kernel.
	Untyped []UntypedDesc
}

// VisitUntyped invokes visitor for each untyped region in order.
func (bi *BootInfo) VisitUntyped(visitor UntypedVisitor) {
	for i := range bi.Untyped {
		if !visitor(&bi.Untyped[i]) {
			return
		}
	}
}

// UserImageFrame returns the slot of the root image frame that backs the
// page containing vaddr.
func (bi *BootInfo) UserImageFrame(vaddr uintptr) (cap.CPtr, bool) {
	if vaddr < bi.UserImageBase {
		return cap.Null, false
	}

	index := cap.CPtr((vaddr >> mem.PageShift) - (bi.UserImageBase >> mem.PageShift))
	if index >= cap.CPtr(bi.UserImageFrames.Len()) {
		return cap.Null, false
	}

	return bi.UserImageFrames.Start + index, true
}

// UserImageEnd returns the first virtual address past the root image.
func (bi *BootInfo) UserImageEnd() uintptr {
	return bi.UserImageBase + uintptr(bi.UserImageFrames.Len())<<mem.PageShift
}
