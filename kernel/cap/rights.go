package cap

// Rights is a bitmask of the access rights held by a capability.
type Rights uint8

// The individual rights.
const (
	RightRead Rights = 1 << iota
	RightWrite
	RightGrant
	RightGrantReply
)

// Common rights combinations.
const (
	NoRights  Rights = 0
	ReadOnly         = RightRead
	WriteOnly        = RightWrite
	ReadWrite        = RightRead | RightWrite
	AllRights        = RightRead | RightWrite | RightGrant | RightGrantReply
)

// Has returns true if r holds every right in o.
func (r Rights) Has(o Rights) bool {
	return r&o == o
}

// SubsetOf returns true if r holds no right outside of o.
func (r Rights) SubsetOf(o Rights) bool {
	return r&^o == 0
}

// Intersect returns the rights held by both r and o.
func (r Rights) Intersect(o Rights) Rights {
	return r & o
}

// String renders the rights as a fixed-width "rwgG" mask with '-' for
// missing rights.
func (r Rights) String() string {
	out := []byte("----")
	for i, ch := range []byte("rwgG") {
		if r&(1<<uint(i)) != 0 {
			out[i] = ch
		}
	}
	return string(out)
}
