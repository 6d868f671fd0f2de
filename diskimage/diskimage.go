// Package diskimage defines the contract shared by the two container
// codecs (CPCEMU DSK/EXTENDED DSK and SYDEX IMD) and the format-detection
// dispatcher named in spec.md §6.
package diskimage

import (
	"bufio"
	"os"
	"regexp"

	"github.com/pkg/errors"

	"github.com/mdontu/fuse-spectrum/geometry"
	"github.com/mdontu/fuse-spectrum/sector"
)

// Image is the polymorphic disk backend contract (spec.md §2, §9
// "Polymorphic disk backend"). dsk.Image and imd.Image both satisfy it.
type Image interface {
	// Geometry reports the disk's physical layout.
	Geometry() geometry.Geometry

	// Read returns the sector stored at the given linear position, or an
	// empty Sector if nothing has been recorded there.
	Read(pos int) sector.Sector

	// Write stores sector at the given linear position. Implementations
	// must enforce the sector-length contract (spec.md §8.3) and set the
	// modified flag.
	Write(pos int, s sector.Sector) error

	// Save serialises the image back to path in its original container
	// format.
	Save(path string) error

	// Modified reports whether Write has been called since construction.
	Modified() bool
}

// Kind identifies a detected container format.
type Kind int

const (
	// Unknown is returned when neither DSK nor IMD tags are recognised.
	Unknown Kind = iota
	DSK
	IMD
)

var (
	dskStandardTag = []byte("MV - CPCEMU Disk-File\r\nDisk-Info\r\n")
	dskExtendedTag = []byte("EXTENDED CPC DSK File\r\nDisk-Info\r\n")
	imdTagPattern  = regexp.MustCompile(`IMD [0-9]\.[0-9]{2}: `)
)

// Detect sniffs path's leading bytes to choose a container codec, per
// spec.md §6: DSK by the first 34 bytes matching one of the two CPCEMU
// tags, IMD by a regex match in the first 10 bytes.
func Detect(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, errors.Wrapf(err, "diskimage: opening %q for detection", path)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	head := make([]byte, 34)
	n, _ := r.Read(head)
	head = head[:n]

	if matchesTag(head, dskStandardTag) || matchesTag(head, dskExtendedTag) {
		return DSK, nil
	}
	if len(head) >= 10 && imdTagPattern.Match(head[:10]) {
		return IMD, nil
	}

	return Unknown, errors.Errorf("diskimage: unrecognised container format for %q", path)
}

func matchesTag(head, tag []byte) bool {
	if len(head) < len(tag) {
		return false
	}
	for i, b := range tag {
		if head[i] != b {
			return false
		}
	}
	return true
}
