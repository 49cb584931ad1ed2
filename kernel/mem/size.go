package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// SizeFromBits returns the size of a naturally aligned block of 2^bits bytes.
func SizeFromBits(bits uint8) Size {
	return Size(1) << bits
}

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	return uint64(AlignUp(uintptr(s), PageShift) >> PageShift)
}
