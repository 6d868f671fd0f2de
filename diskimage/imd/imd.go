// Package imd implements the SYDEX "IMD" disk-image container codec
// (spec.md §4.4).
package imd

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mdontu/fuse-spectrum/geometry"
	"github.com/mdontu/fuse-spectrum/sector"
)

// DataTransferRate is the IMD track-header "mode" byte.
type DataTransferRate byte

const (
	DTR500FM  DataTransferRate = 0
	DTR300FM  DataTransferRate = 1
	DTR250FM  DataTransferRate = 2
	DTR500MFM DataTransferRate = 3
	DTR300MFM DataTransferRate = 4
	DTR250MFM DataTransferRate = 5
)

const (
	headFlagCylinderMap = 0x80
	headFlagHeadMap     = 0x40
	headMask            = 0x01
)

var tagPattern = regexp.MustCompile(`^IMD [0-9]\.[0-9]{2}: `)

func ss2size(ss byte) (int, error) {
	if ss > 6 {
		return 0, fmt.Errorf("imd: invalid sector size code %d", ss)
	}
	return 128 << ss, nil
}

func size2ss(size int) (byte, error) {
	switch size {
	case 128:
		return 0, nil
	case 256:
		return 1, nil
	case 512:
		return 2, nil
	case 1024:
		return 3, nil
	case 2048:
		return 4, nil
	case 4096:
		return 5, nil
	case 8192:
		return 6, nil
	default:
		return 0, fmt.Errorf("imd: unsupported sector size %d", size)
	}
}

type track struct {
	Mode         DataTransferRate
	Cylinder     byte
	Head         byte
	NSectors     byte
	SSize        byte
	NumberingMap []byte
	CylinderMap  []byte
	HeadMap      []byte
	Sectors      []sector.Sector
}

type posRef struct {
	track, sector int
}

// Image is the in-memory representation of a loaded IMD file.
type Image struct {
	geom     geometry.Geometry
	tracks   []track
	sectors  map[int]posRef
	modified bool
	log      *logrus.Entry
}

// Open parses path as an IMD image.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "imd: reading %q", path)
	}
	return parse(data)
}

func parse(data []byte) (*Image, error) {
	img := &Image{
		sectors: map[int]posRef{},
		log:     logrus.WithField("codec", "imd"),
	}

	pos := 29 // fixed "IMD v.vv: dd/mm/yyyy hh:mm:ss" prefix
	if pos > len(data) {
		return nil, errors.New("imd: file too short for header")
	}

	idx := bytes.IndexByte(data[pos:], 0x1a)
	if idx < 0 {
		return nil, errors.New("imd: missing comment terminator")
	}
	pos += idx + 1

	for pos < len(data) {
		t := track{Mode: DataTransferRate(data[pos])}
		pos++

		if byte(t.Mode) > 5 {
			return nil, errors.Errorf("imd: invalid mode byte %d", t.Mode)
		}

		if pos+4 > len(data) {
			return nil, errors.New("imd: truncated track header")
		}
		t.Cylinder = data[pos]
		t.Head = data[pos+1]
		t.NSectors = data[pos+2]
		t.SSize = data[pos+3]
		pos += 4

		if t.SSize > 6 {
			return nil, errors.Errorf("imd: invalid sector size code %d", t.SSize)
		}

		n := int(t.NSectors)
		if pos+n > len(data) {
			return nil, errors.New("imd: truncated numbering map")
		}
		t.NumberingMap = append([]byte(nil), data[pos:pos+n]...)
		pos += n

		if t.Head&headFlagCylinderMap != 0 {
			if pos+n > len(data) {
				return nil, errors.New("imd: truncated cylinder map")
			}
			t.CylinderMap = append([]byte(nil), data[pos:pos+n]...)
			pos += n
		}
		if t.Head&headFlagHeadMap != 0 {
			if pos+n > len(data) {
				return nil, errors.New("imd: truncated head map")
			}
			t.HeadMap = append([]byte(nil), data[pos:pos+n]...)
			pos += n
		}

		sSize, err := ss2size(t.SSize)
		if err != nil {
			return nil, err
		}

		t.Sectors = make([]sector.Sector, n)
		for i := 0; i < n; i++ {
			if pos >= len(data) {
				return nil, errors.New("imd: truncated sector table")
			}
			hdr := data[pos]
			pos++

			switch {
			case hdr == 0:
				t.Sectors[i] = sector.Empty()
			case hdr&0x01 != 0:
				if pos+sSize > len(data) {
					return nil, errors.New("imd: truncated raw sector data")
				}
				buf := make([]byte, sSize)
				copy(buf, data[pos:pos+sSize])
				t.Sectors[i] = sector.New(buf)
				pos += sSize
			default:
				if pos >= len(data) {
					return nil, errors.New("imd: truncated compressed sector data")
				}
				fill := data[pos]
				pos++
				buf := make([]byte, sSize)
				for j := range buf {
					buf[j] = fill
				}
				t.Sectors[i] = sector.New(buf)
			}
		}

		img.tracks = append(img.tracks, t)
	}

	sort.SliceStable(img.tracks, func(i, j int) bool {
		return img.tracks[i].Cylinder < img.tracks[j].Cylinder
	})

	tracks, heads, sectorsCount, sectorSize := 0, 0, 0, 0
	for _, t := range img.tracks {
		if int(t.Cylinder) > tracks {
			tracks = int(t.Cylinder)
		}
		if int(t.Head&headMask) > heads {
			heads = int(t.Head & headMask)
		}

		if sectorsCount > 0 && sectorsCount != int(t.NSectors) {
			n0, n1 := 0, 0
			for _, tt := range img.tracks {
				if int(tt.NSectors) == sectorsCount {
					n0++
				}
				if int(tt.NSectors) == int(t.NSectors) {
					n1++
				}
			}
			img.log.Warnf("multiple sector counts per track are not supported (%d, %d)", sectorsCount, t.NSectors)
			if n0 < n1 {
				sectorsCount = int(t.NSectors)
			}
			img.log.Warnf("choosing the most common count: %d", sectorsCount)
		} else if int(t.NSectors) > sectorsCount {
			sectorsCount = int(t.NSectors)
		}

		size, err := ss2size(t.SSize)
		if err != nil {
			return nil, err
		}
		if size > sectorSize {
			sectorSize = size
		}
	}

	geom, err := geometry.New(tracks+1, heads+1, sectorsCount, sectorSize)
	if err != nil {
		return nil, errors.Wrap(err, "imd: deriving geometry")
	}
	img.geom = geom

	for ti, t := range img.tracks {
		for i := 0; i < int(t.NSectors); i++ {
			if i >= len(t.NumberingMap) {
				break
			}
			p, err := geom.Linearise(int(t.Cylinder), int(t.Head&headMask), int(t.NumberingMap[i])-1)
			if err != nil {
				img.log.WithFields(logrus.Fields{"cylinder": t.Cylinder, "head": t.Head, "numbering": t.NumberingMap[i]}).
					Warn("sector address outside derived geometry, skipping")
				continue
			}
			img.sectors[p] = posRef{track: ti, sector: i}
		}
	}

	return img, nil
}

// Geometry implements diskimage.Image.
func (img *Image) Geometry() geometry.Geometry {
	return img.geom
}

// Read implements diskimage.Image.
func (img *Image) Read(pos int) sector.Sector {
	ref, ok := img.sectors[pos]
	if !ok {
		return sector.Empty()
	}
	return img.tracks[ref.track].Sectors[ref.sector]
}

// Write implements diskimage.Image.
func (img *Image) Write(pos int, s sector.Sector) error {
	if pos > img.geom.MaxPos() {
		return errors.Errorf("imd: invalid sector position %d (max %d)", pos, img.geom.MaxPos())
	}
	if err := sector.Validate(s, img.geom.SectorSize); err != nil {
		return errors.Wrap(err, "imd: write")
	}

	if ref, ok := img.sectors[pos]; ok {
		img.tracks[ref.track].Sectors[ref.sector] = s
		img.modified = true
		return nil
	}

	tr, hd, sc, err := img.geom.Delinearise(pos)
	if err != nil {
		return errors.Wrap(err, "imd: write")
	}

	ssize, err := size2ss(s.Len())
	if err != nil {
		if s.IsEmpty() {
			ssize, _ = size2ss(img.geom.SectorSize)
		} else {
			return err
		}
	}

	t := track{
		Cylinder: byte(tr),
		Head:     byte(hd),
		NSectors: byte(img.geom.SectorsPerTrack),
		SSize:    ssize,
	}
	if len(img.tracks) == 0 {
		t.Mode = DTR250MFM
		t.NumberingMap = make([]byte, t.NSectors)
		for i := range t.NumberingMap {
			t.NumberingMap[i] = byte(i + 1)
		}
	} else {
		t.Mode = img.tracks[0].Mode
		t.NumberingMap = append([]byte(nil), img.tracks[0].NumberingMap...)
	}

	t.Sectors = make([]sector.Sector, t.NSectors)
	t.Sectors[sc] = s

	img.tracks = append(img.tracks, t)
	ti := len(img.tracks) - 1
	for i := 0; i < int(t.NSectors); i++ {
		if i >= len(t.NumberingMap) {
			break
		}
		p, err := img.geom.Linearise(tr, hd, int(t.NumberingMap[i])-1)
		if err != nil {
			continue
		}
		img.sectors[p] = posRef{track: ti, sector: i}
	}

	img.modified = true
	return nil
}

// Modified implements diskimage.Image.
func (img *Image) Modified() bool {
	return img.modified
}

// Save implements diskimage.Image, re-emitting the ASCII header with the
// current timestamp and this system's identifier, choosing the most
// compact per-sector encoding (spec.md §4.4 "save").
func (img *Image) Save(path string) error {
	var buf bytes.Buffer

	now := time.Now()
	fmt.Fprintf(&buf, "IMD 1.17: %s\r\nfuse-spectrum\x1a", now.Format("02/01/2006 15:04:05"))

	for _, t := range img.tracks {
		buf.WriteByte(byte(t.Mode))
		buf.WriteByte(t.Cylinder)
		buf.WriteByte(t.Head)
		buf.WriteByte(t.NSectors)
		buf.WriteByte(t.SSize)
		buf.Write(t.NumberingMap)

		if t.Head&headFlagCylinderMap != 0 {
			buf.Write(t.CylinderMap)
		}
		if t.Head&headFlagHeadMap != 0 {
			buf.Write(t.HeadMap)
		}

		for _, s := range t.Sectors {
			writeSector(&buf, s)
		}
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "imd: writing %q", path)
	}
	return nil
}

func writeSector(buf *bytes.Buffer, s sector.Sector) {
	if s.IsEmpty() {
		buf.WriteByte(0)
		return
	}

	data := s.Bytes()
	uniform := true
	for _, b := range data {
		if b != data[0] {
			uniform = false
			break
		}
	}

	if uniform {
		buf.WriteByte(2)
		buf.WriteByte(data[0])
		return
	}

	buf.WriteByte(1)
	buf.Write(data)
}

// Detect reports whether head (at least the first 10 bytes) matches the
// IMD signature regex.
func Detect(head []byte) bool {
	if len(head) > 10 {
		head = head[:10]
	}
	return tagPattern.Match(head)
}
