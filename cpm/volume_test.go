package cpm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mdontu/fuse-spectrum/geometry"
	"github.com/mdontu/fuse-spectrum/sector"
)

// memImage is a minimal in-memory diskimage.Image used to exercise Volume
// without a real container codec. Freshly "formatted" media fills every
// byte with the CP/M unused-data marker, matching how a real blank HC/CP/M
// disk looks before any file is created.
type memImage struct {
	geom     geometry.Geometry
	ssize    int
	data     []byte
	modified bool
}

func newMemImage(t *testing.T, tracks, heads, spt, ssize int) *memImage {
	t.Helper()
	geom, err := geometry.New(tracks, heads, spt, ssize)
	require.NoError(t, err)

	data := make([]byte, geom.TotalBytes())
	for i := range data {
		data[i] = 0xe5
	}
	return &memImage{geom: geom, ssize: ssize, data: data}
}

func (m *memImage) Geometry() geometry.Geometry { return m.geom }

func (m *memImage) Read(pos int) sector.Sector {
	off := pos * m.ssize
	buf := make([]byte, m.ssize)
	copy(buf, m.data[off:off+m.ssize])
	return sector.New(buf)
}

func (m *memImage) Write(pos int, s sector.Sector) error {
	if err := sector.Validate(s, m.ssize); err != nil {
		return err
	}
	off := pos * m.ssize
	copy(m.data[off:off+m.ssize], s.Bytes())
	m.modified = true
	return nil
}

func (m *memImage) Save(path string) error { return nil }

func (m *memImage) Modified() bool { return m.modified }

func newTestVolume(t *testing.T, variant Variant) *Volume {
	t.Helper()
	img := newMemImage(t, 12, 1, 16, 512)
	vol, err := NewVolume(img, variant)
	require.NoError(t, err)
	return vol
}

func TestNewVolumeStartsEmpty(t *testing.T) {
	vol := newTestVolume(t, HC)
	require.Empty(t, vol.ReadDir())
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	for _, variant := range []Variant{HC, CPM22} {
		vol := newTestVolume(t, variant)

		require.NoError(t, vol.Create("HELLO.TXT"))
		require.Contains(t, vol.ReadDir(), "HELLO.TXT")

		payload := []byte("hello from a CP/M file\n")
		n, err := vol.Write("HELLO.TXT", payload, 0)
		require.NoError(t, err)
		require.Equal(t, len(payload), n)

		info, err := vol.GetAttr("HELLO.TXT")
		require.NoError(t, err)
		require.Equal(t, "HELLO.TXT", info.Name)
		require.GreaterOrEqual(t, info.Size, int64(len(payload)))

		got := make([]byte, len(payload))
		n, err = vol.Read("HELLO.TXT", got, 0)
		require.NoError(t, err)
		require.Equal(t, len(payload), n)
		require.Equal(t, payload, got)
	}
}

func TestWriteAcrossMultipleBlocks(t *testing.T) {
	vol := newTestVolume(t, HC)
	require.NoError(t, vol.Create("BIG.DAT"))

	payload := make([]byte, blockSize*3+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := vol.Write("BIG.DAT", payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	n, err = vol.Read("BIG.DAT", got, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)
}

func TestCreateRejectsDuplicateAndSubdirectory(t *testing.T) {
	vol := newTestVolume(t, HC)
	require.NoError(t, vol.Create("DUP.TXT"))

	err := vol.Create("DUP.TXT")
	require.Error(t, err)
	require.Equal(t, Exists, KindOf(err))

	err = vol.Create("SUB/FILE.TXT")
	require.Error(t, err)
	require.Equal(t, NoEntry, KindOf(err))
}

func TestGetAttrMissingFile(t *testing.T) {
	vol := newTestVolume(t, HC)
	_, err := vol.GetAttr("NOPE.TXT")
	require.Error(t, err)
	require.Equal(t, NoEntry, KindOf(err))
}

func TestTruncateShrinkAndGrow(t *testing.T) {
	vol := newTestVolume(t, HC)
	require.NoError(t, vol.Create("FILE.DAT"))

	payload := make([]byte, 4000)
	_, err := vol.Write("FILE.DAT", payload, 0)
	require.NoError(t, err)

	require.NoError(t, vol.Truncate("FILE.DAT", 128))
	info, err := vol.GetAttr("FILE.DAT")
	require.NoError(t, err)
	require.LessOrEqual(t, info.Size, int64(256))

	require.NoError(t, vol.Truncate("FILE.DAT", 3000))
	info, err = vol.GetAttr("FILE.DAT")
	require.NoError(t, err)
	require.GreaterOrEqual(t, info.Size, int64(3000)-int64(recordSize))
}

func TestUnlinkRemovesFile(t *testing.T) {
	vol := newTestVolume(t, HC)
	require.NoError(t, vol.Create("GONE.TXT"))
	require.NoError(t, vol.Unlink("GONE.TXT"))

	require.NotContains(t, vol.ReadDir(), "GONE.TXT")
	_, err := vol.GetAttr("GONE.TXT")
	require.Error(t, err)
}

func TestUnlinkWipesDataBlocks(t *testing.T) {
	vol := newTestVolume(t, HC)
	require.NoError(t, vol.Create("SECRET.TXT"))

	payload := []byte("sensitive payload that must not survive unlink")
	_, err := vol.Write("SECRET.TXT", payload, 0)
	require.NoError(t, err)

	_, extents, err := vol.find("SECRET.TXT")
	require.NoError(t, err)
	block := int(vol.entries[extents[0]].AllocationUnits[0])

	require.NoError(t, vol.Unlink("SECRET.TXT"))

	data := vol.readBlock(block)
	for _, b := range data {
		require.Equal(t, byte(0xe5), b)
	}
}

func TestStatfsAccountsForUsedBlocks(t *testing.T) {
	vol := newTestVolume(t, HC)
	before := vol.Statfs()

	require.NoError(t, vol.Create("A.DAT"))
	_, err := vol.Write("A.DAT", make([]byte, blockSize), 0)
	require.NoError(t, err)

	after := vol.Statfs()
	require.Less(t, after.BlocksFree, before.BlocksFree)
	require.Less(t, after.FilesFree, before.FilesFree)
}
