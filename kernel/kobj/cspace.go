package kobj

import (
	"rootserver/kernel"
	"rootserver/kernel/cap"
	"rootserver/kernel/mem"
)

type cnodeState struct {
	radix uint8
	slots map[uint64]cap.Capability
}

type untypedState struct {
	device bool

	// watermark is the offset of the first free byte.
	watermark uintptr
}

// slotRef addresses a slot within a CNode object.
type slotRef struct {
	node  *object
	index uint64
}

func (s slotRef) get() cap.Capability {
	return s.node.cnode.slots[s.index]
}

func (s slotRef) set(c cap.Capability) {
	if c.IsNull() {
		delete(s.node.cnode.slots, s.index)
		return
	}
	s.node.cnode.slots[s.index] = c
}

func lowMask(bits uint8) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

// resolve walks the CSpace rooted at root, consuming depth bits of cptr.
// Each level consumes the guard of the capability used to reach it and the
// radix of the CNode. When exact is false, resolution stops early at the
// first slot that does not hold a CNode capability; when exact is true,
// all depth bits must be consumed. A cptr with bits set above depth is
// rejected with ErrRangeError.
func (k *Kernel) resolve(root cap.Capability, cptr uint64, depth uint8, exact bool) (slotRef, *kernel.Error) {
	if depth == 0 || depth > mem.WordBits {
		return slotRef{}, ErrFailedLookup
	}
	if cptr&^lowMask(depth) != 0 {
		return slotRef{}, ErrRangeError
	}

	c := root
	remaining := depth
	for {
		node, err := k.objectOf(c, cap.TypeCNode)
		if err != nil {
			return slotRef{}, ErrFailedLookup
		}

		radix := node.cnode.radix
		levelBits := c.GuardSize + radix
		if levelBits > remaining {
			return slotRef{}, ErrFailedLookup
		}

		guard := (cptr >> (remaining - c.GuardSize)) & lowMask(c.GuardSize)
		if guard != c.Guard {
			return slotRef{}, ErrFailedLookup
		}

		remaining -= levelBits
		ref := slotRef{node: node, index: (cptr >> remaining) & lowMask(radix)}
		if remaining == 0 {
			return ref, nil
		}

		next := ref.get()
		if next.Type != cap.TypeCNode {
			if exact {
				return slotRef{}, ErrFailedLookup
			}
			return ref, nil
		}
		c = next
	}
}

// lookupCap resolves an invocation CPtr and returns the capability stored
// at the slot it addresses. Empty slots yield ErrInvalidCapability.
func (k *Kernel) lookupCap(root cap.Capability, cptr cap.CPtr) (cap.Capability, *kernel.Error) {
	ref, err := k.resolve(root, uint64(cptr), mem.WordBits, false)
	if err != nil {
		return cap.Capability{}, err
	}

	c := ref.get()
	if c.IsNull() {
		return cap.Capability{}, cap.ErrInvalidCapability
	}
	return c, nil
}

// Thread invokes kernel objects on behalf of one TCB.
type Thread struct {
	k   *Kernel
	tcb cap.ObjectID
}

// self returns the TCB state of the invoking thread. Only running threads
// can invoke capabilities.
func (t *Thread) self() (*tcbState, *kernel.Error) {
	obj := t.k.objects[t.tcb]
	if obj.tcb.state != ThreadRunning {
		return nil, ErrIllegalOperation
	}
	return obj.tcb, nil
}

// lookup resolves cptr in the invoking thread's CSpace.
func (t *Thread) lookup(cptr cap.CPtr) (cap.Capability, *kernel.Error) {
	self, err := t.self()
	if err != nil {
		return cap.Capability{}, err
	}
	return t.k.lookupCap(self.cspace, cptr)
}

// lookupObject resolves cptr in the invoking thread's CSpace and checks
// the object type.
func (t *Thread) lookupObject(cptr cap.CPtr, typ cap.ObjectType) (cap.Capability, *object, *kernel.Error) {
	c, err := t.lookup(cptr)
	if err != nil {
		return cap.Capability{}, nil, err
	}

	obj, err := t.k.objectOf(c, typ)
	if err != nil {
		return cap.Capability{}, nil, err
	}
	return c, obj, nil
}

// cnodeSlot resolves (index, depth) relative to the CNode capability at
// service in the invoking thread's CSpace.
func (t *Thread) cnodeSlot(service cap.CPtr, slot cap.Slot) (slotRef, *kernel.Error) {
	c, _, err := t.lookupObject(service, cap.TypeCNode)
	if err != nil {
		return slotRef{}, err
	}
	return t.k.resolve(c, slot.Index, slot.Depth, true)
}

// CNodeMint derives a capability from the source slot into the empty
// destination slot with the given rights and badge. Both slots are
// addressed relative to CNode capabilities in the invoking thread's CSpace.
func (t *Thread) CNodeMint(destRoot cap.CPtr, dest cap.Slot, srcRoot cap.CPtr, src cap.Slot, rights cap.Rights, badge cap.Badge) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	return t.copyLocked(destRoot, dest, srcRoot, src, func(c cap.Capability) (cap.Capability, *kernel.Error) {
		return cap.Derive(c, rights, badge)
	})
}

// CNodeMutateGuard copies a CNode capability into the destination slot with
// the guard described by data.
func (t *Thread) CNodeMutateGuard(destRoot cap.CPtr, dest cap.Slot, srcRoot cap.CPtr, src cap.Slot, data cap.CNodeCapData) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	return t.copyLocked(destRoot, dest, srcRoot, src, func(c cap.Capability) (cap.Capability, *kernel.Error) {
		return cap.DeriveGuard(c, data)
	})
}

// CNodeCopy copies a capability into the destination slot, narrowed to
// rights.
func (t *Thread) CNodeCopy(destRoot cap.CPtr, dest cap.Slot, srcRoot cap.CPtr, src cap.Slot, rights cap.Rights) *kernel.Error {
	return t.CNodeMint(destRoot, dest, srcRoot, src, rights, 0)
}

// CNodeDelete empties a slot.
func (t *Thread) CNodeDelete(root cap.CPtr, slot cap.Slot) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	ref, err := t.cnodeSlot(root, slot)
	if err != nil {
		return err
	}
	ref.set(cap.Capability{})
	return nil
}

func (t *Thread) copyLocked(destRoot cap.CPtr, dest cap.Slot, srcRoot cap.CPtr, src cap.Slot, derive func(cap.Capability) (cap.Capability, *kernel.Error)) *kernel.Error {
	srcRef, err := t.cnodeSlot(srcRoot, src)
	if err != nil {
		return err
	}

	destRef, err := t.cnodeSlot(destRoot, dest)
	if err != nil {
		return err
	}

	if !destRef.get().IsNull() {
		return ErrDeleteFirst
	}

	derived, err := derive(srcRef.get())
	if err != nil {
		return err
	}

	destRef.set(derived)
	return nil
}

// UntypedRetype creates num objects of type typ from the untyped capability
// ut and stores full-rights capabilities to them in consecutive slots
// starting at offset within the destination CNode. The destination CNode is
// root itself when depth is zero, otherwise the CNode capability found at
// (index, depth) relative to root. Objects are placed at the untyped's
// watermark, rounded up to the object size.
func (t *Thread) UntypedRetype(ut cap.CPtr, typ cap.ObjectType, sizeBits uint8, root cap.CPtr, index uint64, depth uint8, offset uint64, num int) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	_, utObj, err := t.lookupObject(ut, cap.TypeUntyped)
	if err != nil {
		return err
	}

	if !typ.Valid() || num < 1 {
		return ErrInvalidArgument
	}

	if typ.Variable() && (sizeBits < typ.MinSizeBits() || sizeBits > typ.MaxSizeBits()) {
		return ErrInvalidArgument
	}

	if utObj.untyped.device && typ != cap.TypeFrame && typ != cap.TypeLargePage && typ != cap.TypeUntyped {
		return ErrInvalidArgument
	}

	rootCap, _, err := t.lookupObject(root, cap.TypeCNode)
	if err != nil {
		return err
	}

	destCap := rootCap
	if depth != 0 {
		ref, err := t.k.resolve(rootCap, index, depth, true)
		if err != nil {
			return err
		}
		destCap = ref.get()
	}

	destNode, err := t.k.objectOf(destCap, cap.TypeCNode)
	if err != nil {
		return err
	}

	if offset+uint64(num) > uint64(1)<<destNode.cnode.radix {
		return ErrRangeError
	}

	for i := uint64(0); i < uint64(num); i++ {
		if _, occupied := destNode.cnode.slots[offset+i]; occupied {
			return ErrDeleteFirst
		}
	}

	objBits := typ.ObjectBits(sizeBits)
	if objBits > utObj.sizeBits {
		return ErrNotEnoughMemory
	}

	start := mem.AlignUp(utObj.untyped.watermark, objBits)
	end := start + uintptr(num)<<objBits
	if end > uintptr(1)<<utObj.sizeBits || end < start {
		return ErrNotEnoughMemory
	}

	for i := 0; i < num; i++ {
		obj := t.k.newObject(typ, sizeBits, utObj.paddr+start+uintptr(i)<<objBits)
		destNode.cnode.slots[offset+uint64(i)] = capFor(obj)
		if typ == cap.TypeUntyped {
			obj.untyped.device = utObj.untyped.device
		}
	}
	utObj.untyped.watermark = end

	t.k.log.Debug("retype", "type", typ, "size_bits", objBits, "count", num, "paddr", utObj.paddr+start)
	return nil
}
