package kobj

import (
	"rootserver/kernel"
	"rootserver/kernel/cap"
	"rootserver/kernel/mem"
)

// ObjectInfo describes where an object lives in physical memory.
type ObjectInfo struct {
	ID       cap.ObjectID
	Type     cap.ObjectType
	PhysAddr uintptr
	SizeBits uint8
}

// TCBInfo is a snapshot of a TCB's configuration and state.
type TCBInfo struct {
	State         ThreadState
	FaultEP       cap.CPtr
	CSpace        cap.Capability
	VSpace        cap.ObjectID
	IPCBufferAddr uintptr
	IPCBuffer     cap.ObjectID
	Registers     UserContext
	Fetches       []uintptr
	Fault         *kernel.Error
}

// Capability returns the capability stored at cptr in the root CSpace.
func (k *Kernel) Capability(cptr cap.CPtr) (cap.Capability, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.lookupCap(k.objects[k.rootTCB].tcb.cspace, cptr)
}

// Object describes the object referenced by cptr in the root CSpace.
func (k *Kernel) Object(cptr cap.CPtr) (ObjectInfo, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	c, err := k.lookupCap(k.objects[k.rootTCB].tcb.cspace, cptr)
	if err != nil {
		return ObjectInfo{}, err
	}

	obj := k.objects[c.Object]
	return ObjectInfo{ID: obj.id, Type: obj.typ, PhysAddr: obj.paddr, SizeBits: obj.sizeBits}, nil
}

// Slot returns the capability stored at index of the CNode referenced by
// cnode in the root CSpace.
func (k *Kernel) Slot(cnode cap.CPtr, index uint64) (cap.Capability, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	obj, err := k.rootLookup(cnode, cap.TypeCNode)
	if err != nil {
		return cap.Capability{}, err
	}

	if index >= uint64(1)<<obj.cnode.radix {
		return cap.Capability{}, ErrRangeError
	}
	return obj.cnode.slots[index], nil
}

// Watermark returns the allocation offset of the untyped referenced by ut.
func (k *Kernel) Watermark(ut cap.CPtr) (uintptr, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	obj, err := k.rootLookup(ut, cap.TypeUntyped)
	if err != nil {
		return 0, err
	}
	return obj.untyped.watermark, nil
}

// Mapping returns the translation for vaddr in the VSpace referenced by vs.
func (k *Kernel) Mapping(vs cap.CPtr, vaddr uintptr) (Mapping, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	vsObj, err := k.rootLookup(vs, cap.TypeVSpace)
	if err != nil {
		return Mapping{}, err
	}

	entry, err := k.translate(vsObj, vaddr)
	if err != nil {
		return Mapping{}, err
	}

	return Mapping{
		Frame:      entry.frame,
		PhysAddr:   k.objects[entry.frame].paddr + mem.PageOffset(vaddr),
		Rights:     entry.rights,
		Executable: entry.attrs&AttrExecuteNever == 0,
	}, nil
}

// ReadVirtual reads n bytes through the VSpace referenced by vs. Pages must
// be mapped readable.
func (k *Kernel) ReadVirtual(vs cap.CPtr, vaddr uintptr, n int) ([]byte, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	vsObj, err := k.rootLookup(vs, cap.TypeVSpace)
	if err != nil {
		return nil, err
	}
	return k.readVirtual(vsObj, vaddr, n, cap.RightRead)
}

// ASID returns the ASID assigned to the VSpace referenced by vs, or zero.
func (k *Kernel) ASID(vs cap.CPtr) (int, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	vsObj, err := k.rootLookup(vs, cap.TypeVSpace)
	if err != nil {
		return 0, err
	}
	return vsObj.table.asid, nil
}

// TCB returns a snapshot of the TCB referenced by tcb.
func (k *Kernel) TCB(tcb cap.CPtr) (TCBInfo, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	obj, err := k.rootLookup(tcb, cap.TypeTCB)
	if err != nil {
		return TCBInfo{}, err
	}

	state := obj.tcb
	return TCBInfo{
		State:         state.state,
		FaultEP:       state.faultEP,
		CSpace:        state.cspace,
		VSpace:        state.vspace,
		IPCBufferAddr: state.ipcAddr,
		IPCBuffer:     state.ipcBuffer,
		Registers:     state.regs,
		Fetches:       append([]uintptr(nil), state.fetches...),
		Fault:         state.fault,
	}, nil
}
