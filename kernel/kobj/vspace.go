package kobj

import (
	"rootserver/kernel"
	"rootserver/kernel/cap"
	"rootserver/kernel/mem"
)

// VMAttributes are the mapping attributes accepted by FrameMap and
// PageTableMap.
type VMAttributes uint8

const (
	// AttrExecuteNever prevents instruction fetches from the mapping.
	AttrExecuteNever VMAttributes = 1 << iota

	// AttrUncached disables caching for the mapping.
	AttrUncached

	// AttrDefault is the attribute set used for ordinary memory.
	AttrDefault VMAttributes = 0
)

// leaf is a frame entry in a last-level page table.
type leaf struct {
	frame  cap.ObjectID
	rights cap.Rights
	attrs  VMAttributes
}

// tableState is shared by VSpace roots (level 0) and page tables. A page
// table has no level until it is mapped.
type tableState struct {
	level  int
	mapped bool

	// vspace is the root the table is reachable from.
	vspace cap.ObjectID

	// asid is only used by VSpace roots; zero means unassigned.
	asid int

	tables map[uint16]cap.ObjectID
	leaves map[uint16]leaf
}

func newTable(level int) *tableState {
	return &tableState{
		level:  level,
		tables: make(map[uint16]cap.ObjectID),
		leaves: make(map[uint16]leaf),
	}
}

type frameState struct {
	data []byte

	mapped bool
	vspace cap.ObjectID
	vaddr  uintptr
}

type asidPoolState struct {
	capacity int
	entries  map[int]cap.ObjectID
}

// Mapping describes the leaf entry that translates a virtual page.
type Mapping struct {
	Frame      cap.ObjectID
	PhysAddr   uintptr
	Rights     cap.Rights
	Executable bool
}

// assignASID records vspace in the first free entry of pool and returns the
// assigned ASID. ASID 0 is never handed out.
func (k *Kernel) assignASID(pool, vspace *object) (int, *kernel.Error) {
	if vspace.table.asid != 0 {
		return 0, cap.ErrInvalidCapability
	}

	for i := 0; i < pool.pool.capacity; i++ {
		if _, used := pool.pool.entries[i]; used {
			continue
		}

		pool.pool.entries[i] = vspace.id
		vspace.table.asid = i + 1
		vspace.table.vspace = vspace.id
		return vspace.table.asid, nil
	}

	return 0, ErrDeleteFirst
}

// ASIDPoolAssign assigns the next free ASID of the pool to a VSpace. A
// VSpace must hold an ASID before anything can be mapped into it.
func (t *Thread) ASIDPoolAssign(pool, vspace cap.CPtr) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	_, poolObj, err := t.lookupObject(pool, cap.TypeASIDPool)
	if err != nil {
		return err
	}

	_, vsObj, err := t.lookupObject(vspace, cap.TypeVSpace)
	if err != nil {
		return err
	}

	asid, err := t.k.assignASID(poolObj, vsObj)
	if err != nil {
		return err
	}

	t.k.log.Debug("asid assigned", "asid", asid, "vspace", vsObj.id)
	return nil
}

// PageTableMap installs a page table into vspace at the first translation
// level where the walk for vaddr finds no table.
func (t *Thread) PageTableMap(pt, vspace cap.CPtr, vaddr uintptr, attrs VMAttributes) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	_, ptObj, err := t.lookupObject(pt, cap.TypePageTable)
	if err != nil {
		return err
	}

	_, vsObj, err := t.lookupObject(vspace, cap.TypeVSpace)
	if err != nil {
		return err
	}

	if ptObj.table.mapped || vsObj.table.asid == 0 {
		return cap.ErrInvalidCapability
	}

	table := vsObj.table
	for level := 0; level < mem.PageLevels-1; level++ {
		index := mem.LevelIndex(vaddr, level)
		next, ok := table.tables[index]
		if !ok {
			table.tables[index] = ptObj.id
			ptObj.table.level = level + 1
			ptObj.table.mapped = true
			ptObj.table.vspace = vsObj.id
			return nil
		}
		table = t.k.objects[next].table
	}

	return ErrDeleteFirst
}

// walkToLeafTable returns the last-level table for vaddr or
// ErrFailedLookup if an intermediate level is missing.
func (k *Kernel) walkToLeafTable(vs *object, vaddr uintptr) (*tableState, *kernel.Error) {
	table := vs.table
	for level := 0; level < mem.PageLevels-1; level++ {
		next, ok := table.tables[mem.LevelIndex(vaddr, level)]
		if !ok {
			return nil, ErrFailedLookup
		}
		table = k.objects[next].table
	}
	return table, nil
}

// FrameMap maps a frame into vspace at vaddr. The mapping rights are the
// requested rights masked by the rights of the frame capability. Every
// intermediate table must already be present.
func (t *Thread) FrameMap(frame, vspace cap.CPtr, vaddr uintptr, rights cap.Rights, attrs VMAttributes) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	frameCap, frameObj, err := t.lookupObject(frame, cap.TypeFrame)
	if err != nil {
		return err
	}

	_, vsObj, err := t.lookupObject(vspace, cap.TypeVSpace)
	if err != nil {
		return err
	}

	if vsObj.table.asid == 0 {
		return cap.ErrInvalidCapability
	}

	if !mem.IsAligned(vaddr, mem.PageShift) {
		return ErrAlignment
	}

	return t.k.mapFrame(vsObj, frameObj, vaddr, rights.Intersect(frameCap.Rights), attrs)
}

func (k *Kernel) mapFrame(vs, frame *object, vaddr uintptr, rights cap.Rights, attrs VMAttributes) *kernel.Error {
	if frame.frame.mapped {
		// Remapping at the same address only updates the rights.
		if frame.frame.vspace != vs.id || frame.frame.vaddr != vaddr {
			return cap.ErrInvalidCapability
		}
	}

	table, err := k.walkToLeafTable(vs, vaddr)
	if err != nil {
		return err
	}

	index := mem.LevelIndex(vaddr, mem.PageLevels-1)
	if existing, ok := table.leaves[index]; ok && existing.frame != frame.id {
		return ErrDeleteFirst
	}

	table.leaves[index] = leaf{frame: frame.id, rights: rights, attrs: attrs}
	frame.frame.mapped = true
	frame.frame.vspace = vs.id
	frame.frame.vaddr = vaddr
	return nil
}

// mapFrameWithTables is used while building the root task's own address
// space; the kernel allocates the tables itself.
func (k *Kernel) mapFrameWithTables(vs, frame *object, vaddr uintptr) *kernel.Error {
	table := vs.table
	for level := 0; level < mem.PageLevels-1; level++ {
		index := mem.LevelIndex(vaddr, level)
		next, ok := table.tables[index]
		if !ok {
			pt := k.newObject(cap.TypePageTable, 0, 0)
			pt.table.level = level + 1
			pt.table.mapped = true
			pt.table.vspace = vs.id
			table.tables[index] = pt.id
			next = pt.id
		}
		table = k.objects[next].table
	}

	return k.mapFrame(vs, frame, vaddr, cap.ReadWrite, AttrDefault)
}

// FrameUnmap removes the mapping of a frame. Unmapping a frame that is not
// mapped is a no-op.
func (t *Thread) FrameUnmap(frame cap.CPtr) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	_, frameObj, err := t.lookupObject(frame, cap.TypeFrame)
	if err != nil {
		return err
	}

	t.k.unmapFrame(frameObj)
	return nil
}

func (k *Kernel) unmapFrame(frame *object) {
	if !frame.frame.mapped {
		return
	}

	if table, err := k.walkToLeafTable(k.objects[frame.frame.vspace], frame.frame.vaddr); err == nil {
		delete(table.leaves, mem.LevelIndex(frame.frame.vaddr, mem.PageLevels-1))
	}
	frame.frame.mapped = false
}

// translate returns the leaf entry for vaddr in vs.
func (k *Kernel) translate(vs *object, vaddr uintptr) (leaf, *kernel.Error) {
	table, err := k.walkToLeafTable(vs, vaddr)
	if err != nil {
		return leaf{}, err
	}

	entry, ok := table.leaves[mem.LevelIndex(vaddr, mem.PageLevels-1)]
	if !ok {
		return leaf{}, ErrFailedLookup
	}
	return entry, nil
}

// accessVirtual visits the frame bytes that back [vaddr, vaddr+n) in vs,
// checking that each page is mapped with need. The visitor receives the
// frame contents for the page (allocating them if write is set) and the
// sub-range that overlaps the access.
func (k *Kernel) accessVirtual(vs *object, vaddr uintptr, n int, need cap.Rights, write bool, visit func(page []byte, done int)) *kernel.Error {
	for done := 0; done < n; {
		cur := vaddr + uintptr(done)
		entry, err := k.translate(vs, cur)
		if err != nil {
			return err
		}

		if !entry.rights.Has(need) {
			return cap.ErrRightsViolation
		}

		frame := k.objects[entry.frame].frame
		if frame.data == nil && write {
			frame.data = make([]byte, mem.PageSize)
		}

		offset := int(mem.PageOffset(cur))
		chunk := int(mem.PageSize) - offset
		if chunk > n-done {
			chunk = n - done
		}

		var page []byte
		if frame.data != nil {
			page = frame.data[offset : offset+chunk]
		}
		visit(page, done)
		done += chunk
	}
	return nil
}

func (k *Kernel) readVirtual(vs *object, vaddr uintptr, n int, need cap.Rights) ([]byte, *kernel.Error) {
	out := make([]byte, n)
	err := k.accessVirtual(vs, vaddr, n, need, false, func(page []byte, done int) {
		// Frames that were never written read back as zero.
		copy(out[done:], page)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (k *Kernel) writeVirtual(vs *object, vaddr uintptr, p []byte) *kernel.Error {
	return k.accessVirtual(vs, vaddr, len(p), cap.RightWrite, true, func(page []byte, done int) {
		copy(page, p[done:])
	})
}

// ReadVirtual reads n bytes from the invoking thread's address space.
func (t *Thread) ReadVirtual(vaddr uintptr, n int) ([]byte, *kernel.Error) {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	self, err := t.self()
	if err != nil {
		return nil, err
	}
	return t.k.readVirtual(t.k.objects[self.vspace], vaddr, n, cap.RightRead)
}

// WriteVirtual writes p into the invoking thread's address space. Every
// page touched must be mapped writable.
func (t *Thread) WriteVirtual(vaddr uintptr, p []byte) *kernel.Error {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()

	self, err := t.self()
	if err != nil {
		return err
	}
	return t.k.writeVirtual(t.k.objects[self.vspace], vaddr, p)
}
