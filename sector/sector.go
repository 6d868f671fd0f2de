// Package sector defines the disk-image codecs' unit of storage: a
// fixed-size (or absent) byte buffer, opaque to every layer above it.
package sector

import "fmt"

// Sector owns a byte buffer of length 0 (not physically present on the
// image, reads as zero-filled) or exactly the geometry's sector size.
type Sector struct {
	data []byte
}

// Empty returns a Sector with no recorded data.
func Empty() Sector {
	return Sector{}
}

// New wraps an owned buffer. The caller must not retain data afterwards.
func New(data []byte) Sector {
	return Sector{data: data}
}

// IsEmpty reports whether the sector has no recorded data.
func (s Sector) IsEmpty() bool {
	return len(s.data) == 0
}

// Bytes returns the sector's raw payload, or nil when empty.
func (s Sector) Bytes() []byte {
	return s.data
}

// Len returns the number of payload bytes, 0 for an empty sector.
func (s Sector) Len() int {
	return len(s.data)
}

// Validate checks a sector against the sector-length contract (spec.md §8.3):
// it must be empty or exactly sectorSize bytes.
func Validate(s Sector, sectorSize int) error {
	if !s.IsEmpty() && len(s.data) != sectorSize {
		return fmt.Errorf("sector: invalid length %d (expected %d)", len(s.data), sectorSize)
	}
	return nil
}

// ReadInto copies the sector's payload into dst, zero-filling dst first if
// the sector is empty (dst must already be len == sectorSize).
func ReadInto(s Sector, dst []byte) {
	if s.IsEmpty() {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	copy(dst, s.data)
}
