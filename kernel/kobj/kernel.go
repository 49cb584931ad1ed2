// Package kobj is an in-memory model of the microkernel that the root task
// drives. It implements the object invocations used during bootstrap
// (untyped retype, CNode mint/copy, page-table and frame mapping, ASID
// assignment, TCB configuration, notification signal/wait) with the same
// capability and rights checks as the real kernel, so that the bootstrap
// can be exercised and inspected on a host.
//
// All invocations are made by a Thread and address capabilities through
// that thread's CSpace. The Kernel itself offers inspection helpers that
// resolve capabilities in the root task's CSpace.
package kobj

import (
	"sync"

	"github.com/inconshreveable/log15"

	"rootserver/kernel"
	"rootserver/kernel/bootinfo"
	"rootserver/kernel/cap"
	"rootserver/kernel/kfmt"
	"rootserver/kernel/mem"
)

var (
	// ErrInvalidArgument is returned for out-of-range invocation arguments.
	ErrInvalidArgument = &kernel.Error{Module: "kobj", Message: "invalid argument"}

	// ErrFailedLookup is returned when a CPtr or a virtual address cannot
	// be resolved, e.g. when an intermediate translation table is missing.
	ErrFailedLookup = &kernel.Error{Module: "kobj", Message: "lookup failed"}

	// ErrDeleteFirst is returned when the target slot or mapping entry is
	// already occupied.
	ErrDeleteFirst = &kernel.Error{Module: "kobj", Message: "destination occupied"}

	// ErrNotEnoughMemory is returned when an untyped object cannot fit the
	// requested objects.
	ErrNotEnoughMemory = &kernel.Error{Module: "kobj", Message: "not enough memory"}

	// ErrRangeError is returned when a slot range falls outside a CNode.
	ErrRangeError = &kernel.Error{Module: "kobj", Message: "range error"}

	// ErrAlignment is returned for misaligned addresses.
	ErrAlignment = &kernel.Error{Module: "kobj", Message: "alignment error"}

	// ErrIllegalOperation is returned for invocations that are not valid
	// in the current object state.
	ErrIllegalOperation = &kernel.Error{Module: "kobj", Message: "illegal operation"}
)

// object is a kernel object. Exactly one of the type-specific fields is set.
type object struct {
	id       cap.ObjectID
	typ      cap.ObjectType
	sizeBits uint8
	paddr    uintptr

	untyped *untypedState
	cnode   *cnodeState
	ntfn    *notificationState
	tcb     *tcbState
	frame   *frameState
	table   *tableState
	pool    *asidPoolState
}

// Kernel holds the object store of the modelled kernel. It is safe for
// concurrent use by multiple threads.
type Kernel struct {
	mu sync.Mutex

	// signalled is broadcast whenever a notification becomes active.
	signalled *sync.Cond

	nextID  cap.ObjectID
	objects map[cap.ObjectID]*object

	rootTCB cap.ObjectID
	log     log15.Logger
}

// New creates a kernel model for machine and returns it together with the
// boot information handed to the root task. The root task owns a CNode of
// machine.RootCNodeBits slots, a VSpace with its image frames mapped at
// machine.ImageBase, an ASID pool and one untyped capability per region.
func New(machine bootinfo.Machine) (*Kernel, *bootinfo.BootInfo, *kernel.Error) {
	k := &Kernel{
		objects: make(map[cap.ObjectID]*object),
		nextID:  1,
		log:     kfmt.Logger("kobj"),
	}
	k.signalled = sync.NewCond(&k.mu)

	rootBits := machine.RootCNodeBits
	if rootBits == 0 || rootBits >= mem.WordBits {
		return nil, nil, ErrInvalidArgument
	}

	cnode := k.newObject(cap.TypeCNode, rootBits, 0)
	tcb := k.newObject(cap.TypeTCB, 0, 0)
	vspace := k.newObject(cap.TypeVSpace, 0, 0)
	pool := k.newObject(cap.TypeASIDPool, 0, 0)
	pool.pool.capacity = machine.ASIDPoolSize
	k.rootTCB = tcb.id

	cnodeCap := cap.Capability{
		Type:      cap.TypeCNode,
		Object:    cnode.id,
		Rights:    cap.AllRights,
		GuardSize: mem.WordBits - rootBits,
	}
	slots := cnode.cnode.slots
	slots[uint64(bootinfo.SlotTCB)] = capFor(tcb)
	slots[uint64(bootinfo.SlotCNode)] = cnodeCap
	slots[uint64(bootinfo.SlotVSpace)] = capFor(vspace)
	slots[uint64(bootinfo.SlotASIDPool)] = capFor(pool)

	if _, err := k.assignASID(pool, vspace); err != nil {
		return nil, nil, err
	}

	tcb.tcb.cspace = cnodeCap
	tcb.tcb.vspace = vspace.id
	tcb.tcb.configured = true
	tcb.tcb.state = ThreadRunning

	info := &bootinfo.BootInfo{
		RootCNodeBits: rootBits,
		UserImageBase: uintptr(machine.ImageBase),
	}

	next := uint64(bootinfo.FirstFreeSlot)
	capacity := uint64(1) << rootBits
	reserve := func() (uint64, *kernel.Error) {
		if next >= capacity {
			return 0, ErrRangeError
		}
		next++
		return next - 1, nil
	}

	// Map the root image frames; the kernel creates the tables it needs.
	info.UserImageFrames.Start = cap.CPtr(next)
	for i := 0; i < machine.ImagePages; i++ {
		slot, err := reserve()
		if err != nil {
			return nil, nil, err
		}

		frame := k.newObject(cap.TypeFrame, 0, 0)
		vaddr := uintptr(machine.ImageBase) + uintptr(i)<<mem.PageShift
		if err := k.mapFrameWithTables(vspace, frame, vaddr); err != nil {
			return nil, nil, err
		}
		slots[slot] = capFor(frame)
	}
	info.UserImageFrames.End = cap.CPtr(next)

	for _, region := range machine.Untyped {
		slot, err := reserve()
		if err != nil {
			return nil, nil, err
		}

		ut := k.newObject(cap.TypeUntyped, region.SizeBits, uintptr(region.PhysAddr))
		ut.untyped.device = region.Device
		slots[slot] = capFor(ut)

		info.Untyped = append(info.Untyped, bootinfo.UntypedDesc{
			Cap:      cap.CPtr(slot),
			PhysAddr: uintptr(region.PhysAddr),
			SizeBits: region.SizeBits,
			IsDevice: region.Device,
		})
	}

	info.Empty = bootinfo.SlotRegion{Start: cap.CPtr(next), End: cap.CPtr(capacity)}

	k.log.Debug("kernel model ready",
		"root_cnode_bits", rootBits,
		"untyped", len(info.Untyped),
		"image_frames", info.UserImageFrames.Len(),
		"empty", info.Empty.Len(),
	)

	return k, info, nil
}

// Root returns the root task thread.
func (k *Kernel) Root() *Thread {
	return &Thread{k: k, tcb: k.rootTCB}
}

// Thread returns a handle that invokes capabilities on behalf of the
// thread whose TCB capability is stored at tcb in the root CSpace.
func (k *Kernel) Thread(tcb cap.CPtr) (*Thread, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	obj, err := k.rootLookup(tcb, cap.TypeTCB)
	if err != nil {
		return nil, err
	}

	return &Thread{k: k, tcb: obj.id}, nil
}

// newObject creates an object of the given type. sizeBits is the
// caller-supplied size argument (radix for CNodes, size for untypeds).
func (k *Kernel) newObject(typ cap.ObjectType, sizeBits uint8, paddr uintptr) *object {
	obj := &object{
		id:       k.nextID,
		typ:      typ,
		sizeBits: typ.ObjectBits(sizeBits),
		paddr:    paddr,
	}
	k.nextID++

	switch typ {
	case cap.TypeUntyped:
		obj.untyped = &untypedState{}
	case cap.TypeCNode:
		obj.cnode = &cnodeState{
			radix: sizeBits,
			slots: make(map[uint64]cap.Capability),
		}
	case cap.TypeNotification:
		obj.ntfn = &notificationState{}
	case cap.TypeTCB:
		obj.tcb = &tcbState{state: ThreadInactive}
	case cap.TypeFrame, cap.TypeLargePage:
		obj.frame = &frameState{}
	case cap.TypePageTable:
		obj.table = newTable(-1)
	case cap.TypeVSpace:
		obj.table = newTable(0)
	case cap.TypeASIDPool:
		obj.pool = &asidPoolState{entries: make(map[int]cap.ObjectID)}
	}

	k.objects[obj.id] = obj
	return obj
}

// capFor returns a full-rights capability to obj.
func capFor(obj *object) cap.Capability {
	return cap.Capability{Type: obj.typ, Object: obj.id, Rights: cap.AllRights}
}

// rootLookup resolves cptr in the root CSpace and checks the object type.
func (k *Kernel) rootLookup(cptr cap.CPtr, typ cap.ObjectType) (*object, *kernel.Error) {
	c, err := k.lookupCap(k.objects[k.rootTCB].tcb.cspace, cptr)
	if err != nil {
		return nil, err
	}
	return k.objectOf(c, typ)
}

// objectOf returns the object referenced by c after checking its type.
func (k *Kernel) objectOf(c cap.Capability, typ cap.ObjectType) (*object, *kernel.Error) {
	if c.Type != typ {
		return nil, cap.ErrInvalidCapability
	}

	obj, ok := k.objects[c.Object]
	if !ok {
		return nil, cap.ErrInvalidCapability
	}
	return obj, nil
}
