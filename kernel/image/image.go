// Package image describes the loadable images started by the root task.
package image

import (
	"sort"

	"rootserver/kernel"
	"rootserver/kernel/mem"
)

var (
	// ErrEmpty is returned for images without loadable segments.
	ErrEmpty = &kernel.Error{Module: "image", Message: "image has no loadable segments"}

	// ErrOverlap is returned when two segments share a byte.
	ErrOverlap = &kernel.Error{Module: "image", Message: "segments overlap"}

	// ErrInvalidSegment is returned for segments that carry more file bytes
	// than their memory size or that wrap the address space.
	ErrInvalidSegment = &kernel.Error{Module: "image", Message: "invalid segment"}
)

// Perm is a set of segment access permissions.
type Perm uint8

const (
	// PermRead allows loads from the segment.
	PermRead Perm = 1 << iota

	// PermWrite allows stores to the segment.
	PermWrite

	// PermExec allows instruction fetches from the segment.
	PermExec
)

// String implements fmt.Stringer for Perm using the familiar "rwx" notation.
func (p Perm) String() string {
	out := []byte("---")
	if p&PermRead != 0 {
		out[0] = 'r'
	}
	if p&PermWrite != 0 {
		out[1] = 'w'
	}
	if p&PermExec != 0 {
		out[2] = 'x'
	}
	return string(out)
}

// Segment is a contiguous virtual range of an image. Data holds the file
// bytes copied to the start of the range; the remaining MemSize-len(Data)
// bytes are zero.
type Segment struct {
	Vaddr   uintptr
	MemSize uint64
	Data    []byte
	Perm    Perm
}

// End returns the first address past the segment.
func (s Segment) End() uintptr {
	return s.Vaddr + uintptr(s.MemSize)
}

// Image is a program ready to be placed into an address space.
type Image struct {
	Name     string
	Entry    uintptr
	Segments []Segment
}

// Validate sorts the segments by address and checks that the image has at
// least one segment and that no two segments share a byte. Segments may
// share a page.
func (img *Image) Validate() *kernel.Error {
	if len(img.Segments) == 0 {
		return ErrEmpty
	}

	sort.SliceStable(img.Segments, func(i, j int) bool {
		return img.Segments[i].Vaddr < img.Segments[j].Vaddr
	})

	for i, seg := range img.Segments {
		if seg.MemSize == 0 || uint64(len(seg.Data)) > seg.MemSize || seg.End() < seg.Vaddr {
			return ErrInvalidSegment
		}

		if i > 0 && img.Segments[i-1].End() > seg.Vaddr {
			return ErrOverlap
		}
	}

	return nil
}

// Footprint returns the page-aligned virtual range [start, end) covered by
// the segments of a validated image.
func (img *Image) Footprint() (start, end uintptr) {
	if len(img.Segments) == 0 {
		return 0, 0
	}

	start = mem.AlignDown(img.Segments[0].Vaddr, mem.PageShift)
	for _, seg := range img.Segments {
		if segEnd := mem.AlignUp(seg.End(), mem.PageShift); segEnd > end {
			end = segEnd
		}
	}
	return start, end
}

// Size returns the number of bytes covered by the image footprint.
func (img *Image) Size() mem.Size {
	start, end := img.Footprint()
	return mem.Size(end - start)
}
