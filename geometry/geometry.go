// Package geometry models the physical shape of a floppy disk and the
// bijective mapping between (track, head, sector) addresses and the linear
// sector positions the disk-image codecs and the CP/M volume operate on.
package geometry

import "fmt"

// ErrInvalidAddress is returned whenever a (track, head, sector) triple or a
// linear position falls outside the bounds of a Geometry.
var ErrInvalidAddress = fmt.Errorf("invalid sector address")

// validSectorSizes enumerates the sector sizes spec.md §3 allows.
var validSectorSizes = map[int]bool{
	128: true, 256: true, 512: true, 1024: true, 2048: true, 4096: true, 8192: true,
}

// Geometry is the immutable description of a floppy disk's physical layout.
type Geometry struct {
	Tracks           int
	Heads            int
	SectorsPerTrack  int // sectors per side, per track ("sectors_per_side_track" in spec.md)
	SectorSize       int
	sectorsPerCyl    int // SectorsPerTrack * Heads
	totalSectors     int
	totalBytes       int
}

// New validates and constructs a Geometry. Tracks must be in [1,255], Heads
// in {1,2}, and SectorSize one of the CP/M-family sizes.
func New(tracks, heads, sectorsPerTrack, sectorSize int) (Geometry, error) {
	if tracks < 1 || tracks > 255 {
		return Geometry{}, fmt.Errorf("geometry: invalid track count %d", tracks)
	}
	if heads != 1 && heads != 2 {
		return Geometry{}, fmt.Errorf("geometry: invalid head count %d", heads)
	}
	if sectorsPerTrack < 1 {
		return Geometry{}, fmt.Errorf("geometry: invalid sectors-per-track %d", sectorsPerTrack)
	}
	if !validSectorSizes[sectorSize] {
		return Geometry{}, fmt.Errorf("geometry: invalid sector size %d", sectorSize)
	}

	g := Geometry{
		Tracks:          tracks,
		Heads:           heads,
		SectorsPerTrack: sectorsPerTrack,
		SectorSize:      sectorSize,
	}
	g.sectorsPerCyl = sectorsPerTrack * heads
	g.totalSectors = tracks * g.sectorsPerCyl
	g.totalBytes = g.totalSectors * sectorSize

	return g, nil
}

// TotalSectors is tracks * heads * sectors_per_side_track.
func (g Geometry) TotalSectors() int {
	return g.totalSectors
}

// TotalBytes is TotalSectors * SectorSize.
func (g Geometry) TotalBytes() int {
	return g.totalBytes
}

// MaxPos is the highest valid linear position, or -1 for an empty geometry.
func (g Geometry) MaxPos() int {
	return g.totalSectors - 1
}

// Validate reports whether (track, head, sector) are all within bounds.
func (g Geometry) Validate(track, head, sector int) error {
	if track < 0 || track >= g.Tracks {
		return fmt.Errorf("%w: track %d (max %d)", ErrInvalidAddress, track, g.Tracks-1)
	}
	if head < 0 || head >= g.Heads {
		return fmt.Errorf("%w: head %d (max %d)", ErrInvalidAddress, head, g.Heads-1)
	}
	if sector < 0 || sector >= g.SectorsPerTrack {
		return fmt.Errorf("%w: sector %d (max %d)", ErrInvalidAddress, sector, g.SectorsPerTrack-1)
	}
	return nil
}

// Linearise flattens (track, head, sector) into a linear position.
func (g Geometry) Linearise(track, head, sector int) (int, error) {
	if err := g.Validate(track, head, sector); err != nil {
		return 0, err
	}
	return track*g.sectorsPerCyl + head*g.SectorsPerTrack + sector, nil
}

// Delinearise expands a linear position back into (track, head, sector).
func (g Geometry) Delinearise(pos int) (track, head, sector int, err error) {
	if pos < 0 || g.sectorsPerCyl == 0 {
		return 0, 0, 0, fmt.Errorf("%w: position %d", ErrInvalidAddress, pos)
	}
	track = pos / g.sectorsPerCyl
	residue := pos % g.sectorsPerCyl
	head = residue / g.SectorsPerTrack
	sector = residue % g.SectorsPerTrack
	if err := g.Validate(track, head, sector); err != nil {
		return 0, 0, 0, err
	}
	return track, head, sector, nil
}

// Address is a (track, head, sector) triple, independent of any Geometry.
type Address struct {
	Track  int
	Head   int
	Sector int
}
