package untyped

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootserver/kernel"
	"rootserver/kernel/bootinfo"
	"rootserver/kernel/cap"
	"rootserver/kernel/kobj"
	"rootserver/kernel/mem"
)

func newTestAllocator(t *testing.T, rootBits uint8, regions ...bootinfo.Region) (*Allocator, *kobj.Kernel) {
	k, info, err := kobj.New(bootinfo.Machine{
		RootCNodeBits: rootBits,
		ASIDPoolSize:  4,
		ImageBase:     0x400000,
		ImagePages:    1,
		Untyped:       regions,
	})
	require.Nil(t, err)
	return New(k.Root(), info), k
}

func TestAllocate(t *testing.T) {
	alloc, k := newTestAllocator(t, 10,
		bootinfo.Region{SizeBits: 12, Device: true, PhysAddr: 0x9000000},
		bootinfo.Region{SizeBits: 14, PhysAddr: 0x40000000},
		bootinfo.Region{SizeBits: 16, PhysAddr: 0x40010000},
	)

	type request struct {
		kind     cap.ObjectType
		sizeBits uint8
	}

	specs := []struct {
		req       request
		expBits   uint8
		expRegion int
		expOffset uintptr
	}{
		{request{cap.TypeNotification, 0}, 5, 1, 0},
		{request{cap.TypeTCB, 0}, 11, 1, 0x800},
		{request{cap.TypeCNode, 4}, 9, 1, 0x1000},
		{request{cap.TypeEndpoint, 0}, 4, 1, 0x1200},
		{request{cap.TypeFrame, 0}, 12, 1, 0x2000},
		{request{cap.TypePageTable, 0}, 12, 1, 0x3000},
		// The first ram region is now full.
		{request{cap.TypeVSpace, 0}, 12, 2, 0},
		{request{cap.TypeUntyped, 13}, 13, 2, 0x2000},
		{request{cap.TypeNotification, 0}, 5, 2, 0x4000},
	}

	regions := alloc.Regions()
	type extent struct{ start, end uintptr }
	var seen []extent

	for i, spec := range specs {
		var (
			obj Object
			err *kernel.Error
		)
		if spec.req.kind.Variable() {
			obj, err = alloc.AllocateVariable(spec.req.kind, spec.req.sizeBits)
		} else {
			obj, err = alloc.AllocateFixed(spec.req.kind)
		}
		require.Nil(t, err, "[spec %d]", i)

		assert.Equal(t, spec.req.kind, obj.Kind, "[spec %d]", i)
		assert.Equal(t, spec.expBits, obj.SizeBits, "[spec %d]", i)
		assert.Equal(t, regions[spec.expRegion].Cap, obj.Region, "[spec %d]", i)
		assert.Equal(t, spec.expOffset, obj.Offset, "[spec %d]", i)

		// The cursor sits right after the new object.
		cursor := alloc.Regions()[spec.expRegion].Cursor
		assert.Equal(t, spec.expOffset+uintptr(1)<<spec.expBits, cursor, "[spec %d]", i)

		info, kerr := k.Object(obj.Cap)
		require.Nil(t, kerr, "[spec %d]", i)
		assert.Equal(t, spec.req.kind, info.Type, "[spec %d]", i)
		assert.Equal(t, regions[spec.expRegion].PhysAddr+spec.expOffset, info.PhysAddr, "[spec %d]", i)
		assert.Equal(t, spec.expBits, info.SizeBits, "[spec %d]", i)

		ext := extent{info.PhysAddr, info.PhysAddr + uintptr(1)<<info.SizeBits}
		for _, other := range seen {
			assert.False(t, ext.start < other.end && other.start < ext.end, "[spec %d] overlaps %x-%x", i, other.start, other.end)
		}
		seen = append(seen, ext)
	}

	// Each allocation used one slot.
	assert.Equal(t, (1<<10)-int(alloc.slots.Start)-len(specs), alloc.FreeSlots())
}

func TestAllocateOutOfMemory(t *testing.T) {
	alloc, _ := newTestAllocator(t, 10,
		bootinfo.Region{SizeBits: 13, PhysAddr: 0x40000000},
		bootinfo.Region{SizeBits: 20, Device: true, PhysAddr: 0x9000000},
	)

	_, err := alloc.AllocateFixed(cap.TypeNotification)
	require.Nil(t, err)

	before := alloc.Regions()
	freeSlots := alloc.FreeSlots()

	specs := []struct {
		descr    string
		kind     cap.ObjectType
		sizeBits uint8
	}{
		{"larger than any region", cap.TypeUntyped, 14},
		{"fits only the device region", cap.TypeUntyped, 13},
		{"does not fit once aligned", cap.TypeCNode, 8},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			_, err := alloc.AllocateVariable(spec.kind, spec.sizeBits)
			assert.Equal(t, ErrOutOfMemory, err)
			assert.Equal(t, before, alloc.Regions())
			assert.Equal(t, freeSlots, alloc.FreeSlots())
		})
	}

	// Smaller objects still fit.
	_, err = alloc.AllocateFixed(cap.TypeTCB)
	assert.Nil(t, err)
}

func TestAllocateSlotExhausted(t *testing.T) {
	// A 32 slot root CNode leaves slots [18, 32) empty.
	alloc, _ := newTestAllocator(t, 5, bootinfo.Region{SizeBits: 16, PhysAddr: 0x40000000})
	require.Equal(t, 14, alloc.FreeSlots())

	for i := 0; i < 14; i++ {
		_, err := alloc.AllocateFixed(cap.TypeNotification)
		require.Nil(t, err, "allocation %d", i)
	}

	before := alloc.Regions()
	_, err := alloc.AllocateFixed(cap.TypeNotification)
	assert.Equal(t, ErrSlotExhausted, err)
	assert.Equal(t, before, alloc.Regions())
	assert.Zero(t, alloc.FreeSlots())
}

func TestAllocateInvalidSize(t *testing.T) {
	alloc, _ := newTestAllocator(t, 8, bootinfo.Region{SizeBits: 16, PhysAddr: 0x40000000})

	specs := []struct {
		descr string
		alloc func() (Object, *kernel.Error)
	}{
		{"fixed request for a cnode", func() (Object, *kernel.Error) { return alloc.AllocateFixed(cap.TypeCNode) }},
		{"fixed request for the null type", func() (Object, *kernel.Error) { return alloc.AllocateFixed(cap.TypeNull) }},
		{"variable request for a tcb", func() (Object, *kernel.Error) { return alloc.AllocateVariable(cap.TypeTCB, 11) }},
		{"cnode without slots", func() (Object, *kernel.Error) { return alloc.AllocateVariable(cap.TypeCNode, 0) }},
		{"untyped below the minimum", func() (Object, *kernel.Error) { return alloc.AllocateVariable(cap.TypeUntyped, 3) }},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			_, err := spec.alloc()
			assert.Equal(t, ErrInvalidSize, err)
		})
	}
}

type failingRetyper struct {
	calls int
	err   *kernel.Error
}

func (r *failingRetyper) UntypedRetype(_ cap.CPtr, _ cap.ObjectType, _ uint8, _ cap.CPtr, _ uint64, _ uint8, _ uint64, _ int) *kernel.Error {
	r.calls++
	return r.err
}

func TestAllocateKernelError(t *testing.T) {
	expErr := &kernel.Error{Module: "test", Message: "destination occupied"}
	retyper := &failingRetyper{err: expErr}

	alloc := New(retyper, &bootinfo.BootInfo{
		Empty:   bootinfo.SlotRegion{Start: 20, End: 30},
		Untyped: []bootinfo.UntypedDesc{{Cap: 16, SizeBits: 16, PhysAddr: 0x40000000}},
	})

	_, err := alloc.AllocateFixed(cap.TypeTCB)
	assert.Equal(t, expErr, err)
	assert.Equal(t, 1, retyper.calls)
	assert.Zero(t, alloc.Regions()[0].Cursor)
	assert.Equal(t, 10, alloc.FreeSlots())
}

func TestRegionAccounting(t *testing.T) {
	r := &Region{SizeBits: 12, Cursor: 0x100}
	assert.Equal(t, 4*mem.Kb, r.Size())
	assert.Equal(t, 4*mem.Kb-0x100, r.Free())

	_, ok := r.fit(13)
	assert.False(t, ok)

	off, ok := r.fit(10)
	assert.True(t, ok)
	assert.Equal(t, uintptr(0x400), off)
}

func TestLogRegions(t *testing.T) {
	alloc, _ := newTestAllocator(t, 8,
		bootinfo.Region{SizeBits: 12, Device: true, PhysAddr: 0x9000000},
		bootinfo.Region{SizeBits: 16, PhysAddr: 0x40000000},
	)
	assert.NotPanics(t, alloc.LogRegions)
}
