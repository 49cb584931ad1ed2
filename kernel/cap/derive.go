package cap

import "rootserver/kernel"

var (
	// ErrInvalidCapability is returned when a capability is null, has the
	// wrong type for an operation or cannot accept the requested badge.
	ErrInvalidCapability = &kernel.Error{Module: "cap", Message: "invalid capability"}

	// ErrRightsViolation is returned when an operation needs rights that
	// the capability does not hold, including derivations that would
	// widen rights.
	ErrRightsViolation = &kernel.Error{Module: "cap", Message: "rights violation"}
)

// ObjectID identifies a kernel object.
type ObjectID uint64

// Capability is the value stored in a CNode slot.
type Capability struct {
	Type   ObjectType
	Object ObjectID
	Rights Rights
	Badge  Badge

	// Guard data; only meaningful for CNode capabilities.
	Guard     uint64
	GuardSize uint8
}

// IsNull returns true for the empty capability.
func (c Capability) IsNull() bool {
	return c.Type == TypeNull
}

// Derive returns a copy of src restricted to rights and tagged with badge.
// The requested rights must be a subset of the source rights; derivation
// can only narrow. A zero badge keeps the source badge. A non-zero badge
// may only be attached to an unbadged endpoint or notification.
func Derive(src Capability, rights Rights, badge Badge) (Capability, *kernel.Error) {
	if src.IsNull() {
		return Capability{}, ErrInvalidCapability
	}

	if !rights.SubsetOf(src.Rights) {
		return Capability{}, ErrRightsViolation
	}

	derived := src
	derived.Rights = rights

	if badge != 0 {
		if !src.Type.Badgeable() || src.Badge != 0 {
			return Capability{}, ErrInvalidCapability
		}
		derived.Badge = badge
	}

	return derived, nil
}

// DeriveGuard returns a copy of a CNode capability that carries the guard
// described by data. Rights are preserved.
func DeriveGuard(src Capability, data CNodeCapData) (Capability, *kernel.Error) {
	if src.Type != TypeCNode {
		return Capability{}, ErrInvalidCapability
	}

	if data.GuardSize > 64 || (data.GuardSize < 64 && data.Guard>>data.GuardSize != 0) {
		return Capability{}, ErrInvalidCapability
	}

	derived := src
	derived.Guard = data.Guard
	derived.GuardSize = data.GuardSize
	return derived, nil
}
