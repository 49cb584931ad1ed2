package mem

const (
	// WordBits is the width of a machine word and of a capability address.
	WordBits = 64

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a virtual address to a page number (shift right by
	// PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the size of the smallest mappable frame (a granule).
	PageSize = Size(1 << PageShift)

	// PageLevels is the number of translation levels of a child address
	// space. Level 0 is the VSpace root; level PageLevels-1 holds leaf
	// frame entries.
	PageLevels = 4

	// LevelBits is the number of virtual address bits decoded by each level.
	LevelBits = 9
)

// LevelShifts defines the shift required to extract the table index for
// each translation level from a virtual address.
var LevelShifts = [PageLevels]uint8{39, 30, 21, 12}

// LevelIndex returns the table index that vaddr selects at the given level.
func LevelIndex(vaddr uintptr, level int) uint16 {
	return uint16((vaddr >> LevelShifts[level]) & ((1 << LevelBits) - 1))
}

// LevelSpanBits returns log2 of the number of bytes covered by one entry of
// a table installed at the given level. A table installed at level 1 is
// reached through a level 0 entry and therefore spans 1<<LevelShifts[0]
// bytes.
func LevelSpanBits(level int) uint8 {
	return LevelShifts[level-1]
}
