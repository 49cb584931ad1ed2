// Package cap defines the capability vocabulary shared by the kernel model
// and the bootstrap code: capability addresses, access rights, badges,
// object types and the rules for deriving one capability from another.
package cap

import "strconv"

// CPtr is a capability address. It is resolved against a CSpace root by
// consuming guard and radix bits from its most significant end.
type CPtr uint64

// Null is the capability address of the always-empty slot 0.
const Null = CPtr(0)

// Badge is the tag attached to an endpoint or notification capability when
// it is minted. Receivers observe the badges of the senders that signalled.
type Badge uint64

// Slot addresses a capability within a CNode: the index is interpreted
// using exactly depth bits.
type Slot struct {
	Index uint64
	Depth uint8
}

// CNodeCapData carries the guard that is installed on a CNode capability
// when it is used as a CSpace root. The guard consumes GuardSize bits of a
// CPtr before the CNode radix is applied.
type CNodeCapData struct {
	Guard     uint64
	GuardSize uint8
}

// ObjectType describes the kind of a kernel object.
type ObjectType uint8

// The object types known to the kernel model.
const (
	TypeNull ObjectType = iota
	TypeUntyped
	TypeTCB
	TypeEndpoint
	TypeNotification
	TypeCNode
	TypeFrame
	TypeLargePage
	TypePageTable
	TypeVSpace
	TypeASIDPool
)

// SlotBits is log2 of the size of one CNode slot.
const SlotBits = 5

const (
	// MinUntypedBits and MaxUntypedBits bound the size of untyped objects.
	MinUntypedBits = 4
	MaxUntypedBits = 47

	// MinCNodeRadix is the smallest CNode radix the kernel accepts.
	MinCNodeRadix = 1
)

var fixedObjectBits = [...]uint8{
	TypeTCB:          11,
	TypeEndpoint:     4,
	TypeNotification: 5,
	TypeFrame:        12,
	TypeLargePage:    21,
	TypePageTable:    12,
	TypeVSpace:       12,
	TypeASIDPool:     12,
}

var typeNames = [...]string{
	TypeNull:         "null",
	TypeUntyped:      "untyped",
	TypeTCB:          "tcb",
	TypeEndpoint:     "endpoint",
	TypeNotification: "notification",
	TypeCNode:        "cnode",
	TypeFrame:        "frame",
	TypeLargePage:    "large_page",
	TypePageTable:    "page_table",
	TypeVSpace:       "vspace",
	TypeASIDPool:     "asid_pool",
}

// String implements fmt.Stringer for ObjectType.
func (t ObjectType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Variable returns true if the object size is chosen by the caller.
func (t ObjectType) Variable() bool {
	return t == TypeUntyped || t == TypeCNode
}

// Valid returns true for every type except TypeNull and unknown values.
func (t ObjectType) Valid() bool {
	return t != TypeNull && int(t) < len(typeNames)
}

// FixedBits returns log2 of the object size for fixed-size types and 0 for
// variable-size or invalid types.
func (t ObjectType) FixedBits() uint8 {
	if t.Variable() || int(t) >= len(fixedObjectBits) {
		return 0
	}
	return fixedObjectBits[t]
}

// MinSizeBits returns the smallest size argument accepted for a
// variable-size type.
func (t ObjectType) MinSizeBits() uint8 {
	switch t {
	case TypeUntyped:
		return MinUntypedBits
	case TypeCNode:
		return MinCNodeRadix
	}
	return 0
}

// MaxSizeBits returns the largest size argument accepted for a
// variable-size type.
func (t ObjectType) MaxSizeBits() uint8 {
	switch t {
	case TypeUntyped:
		return MaxUntypedBits
	case TypeCNode:
		return MaxUntypedBits - SlotBits
	}
	return 0
}

// ObjectBits returns log2 of the number of bytes occupied by an object of
// this type created with the given size argument. For CNodes sizeBits is
// the radix; each slot takes 1<<SlotBits bytes.
func (t ObjectType) ObjectBits(sizeBits uint8) uint8 {
	switch t {
	case TypeUntyped:
		return sizeBits
	case TypeCNode:
		return sizeBits + SlotBits
	}
	return t.FixedBits()
}

// Badgeable returns true for the types whose capabilities carry a badge.
func (t ObjectType) Badgeable() bool {
	return t == TypeEndpoint || t == TypeNotification
}
