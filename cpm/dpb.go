package cpm

// diskParameterBlock mirrors the CP/M "DPB" described in spec.md §4.5 (see
// https://www.seasip.info/Cpm/format22.html for the format this is drawn
// from). Of these fields the volume reads only off; cks_ is unused for
// fixed media and is not modelled.
type diskParameterBlock struct {
	spt  int  // records (128 bytes) per track
	bsh  int  // block shift
	blm  int  // block mask
	exm  int  // extent mask
	dsm  int  // (number of blocks) - 1
	drm  int  // (number of directory entries) - 1
	al0  byte // directory allocation bitmap, first byte
	al1  byte // directory allocation bitmap, second byte
	off  int  // reserved track count
}

// Variant selects between the two DPB/interleave/extent-numbering presets
// this volume supports.
type Variant int

const (
	// HC is the ICE Felix HC2000 format: no reserved boot tracks, and the
	// extent index lives entirely in ex_lo (no ex_hi split).
	HC Variant = iota
	// CPM22 is the CP/M 2.2 3.5" format: two reserved boot tracks, and the
	// extent index splits across ex_lo (mod 32) and ex_hi (div 32).
	CPM22
)

func (v Variant) String() string {
	if v == HC {
		return "hc"
	}
	return "cpm"
}

var dpbHC = diskParameterBlock{spt: 32, bsh: 4, blm: 15, exm: 0, dsm: 320, drm: 127, al0: 0xc0, al1: 0, off: 0}
var dpbCPM22 = diskParameterBlock{spt: 32, bsh: 4, blm: 15, exm: 0, dsm: 341, drm: 127, al0: 0xc0, al1: 0, off: 2}

func (v Variant) dpb() diskParameterBlock {
	if v == HC {
		return dpbHC
	}
	return dpbCPM22
}

// interleave16 and interleave9 are the static per-track logical-to-physical
// sector permutations named in spec.md §4.5.
var (
	interleave16 = []int{0, 2, 4, 6, 8, 10, 12, 14, 1, 3, 5, 7, 9, 11, 13, 15}
	interleave9  = []int{0, 2, 4, 6, 8, 1, 3, 5, 7}
)

func interleaveFor(sectorsPerTrack int) ([]int, bool) {
	switch sectorsPerTrack {
	case len(interleave16):
		return interleave16, true
	case len(interleave9):
		return interleave9, true
	default:
		return nil, false
	}
}

// extentIndex computes (exLo, exHi) for the extentth extent of a file under
// this variant, per spec.md §9 "HC vs CP/M extent numbering".
func (v Variant) extentIndex(extent int) (exLo, exHi byte) {
	if v == HC {
		return byte(extent), 0
	}
	return byte(extent % 32), byte(extent / 32)
}
