package mem

// AlignUp rounds v up to the next multiple of 2^bits.
func AlignUp(v uintptr, bits uint8) uintptr {
	mask := (uintptr(1) << bits) - 1
	return (v + mask) &^ mask
}

// AlignDown rounds v down to the previous multiple of 2^bits.
func AlignDown(v uintptr, bits uint8) uintptr {
	return v &^ ((uintptr(1) << bits) - 1)
}

// IsAligned returns true if v is a multiple of 2^bits.
func IsAligned(v uintptr, bits uint8) bool {
	return v&((uintptr(1)<<bits)-1) == 0
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(vaddr uintptr) uintptr {
	return vaddr & uintptr(PageSize-1)
}
