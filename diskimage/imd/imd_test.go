package imd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mdontu/fuse-spectrum/geometry"
	"github.com/mdontu/fuse-spectrum/sector"
)

func newBlankImage(t *testing.T) *Image {
	t.Helper()
	geom, err := geometry.New(2, 1, 4, 512)
	require.NoError(t, err)
	return &Image{
		geom:    geom,
		sectors: map[int]posRef{},
		log:     logrus.WithField("codec", "imd"),
	}
}

func TestSS2SizeRoundTrip(t *testing.T) {
	sizes := []int{128, 256, 512, 1024, 2048, 4096, 8192}
	for _, size := range sizes {
		ss, err := size2ss(size)
		require.NoError(t, err)
		got, err := ss2size(ss)
		require.NoError(t, err)
		require.Equal(t, size, got)
	}

	_, err := size2ss(300)
	require.Error(t, err)

	_, err = ss2size(7)
	require.Error(t, err)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	img := newBlankImage(t)

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i * 3)
	}
	require.NoError(t, img.Write(0, sector.New(data)))
	require.True(t, img.Modified())
	require.Equal(t, data, img.Read(0).Bytes())
	require.True(t, img.Read(1).IsEmpty())
}

func TestSaveThenOpenRoundTrip(t *testing.T) {
	img := newBlankImage(t)

	for pos := 0; pos < img.Geometry().TotalSectors(); pos++ {
		buf := make([]byte, 512)
		for i := range buf {
			buf[i] = byte(pos - i)
		}
		require.NoError(t, img.Write(pos, sector.New(buf)))
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "image.imd")
	require.NoError(t, img.Save(path))

	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, img.Geometry(), reopened.Geometry())

	for pos := 0; pos < img.Geometry().TotalSectors(); pos++ {
		require.Equal(t, img.Read(pos).Bytes(), reopened.Read(pos).Bytes(), "sector %d", pos)
	}
}

func TestSaveCompressesUniformSectors(t *testing.T) {
	img := newBlankImage(t)

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = 0xe5
	}
	require.NoError(t, img.Write(0, sector.New(buf)))

	dir := t.TempDir()
	path := filepath.Join(dir, "uniform.imd")
	require.NoError(t, img.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Less(t, len(raw), len(buf))

	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, buf, reopened.Read(0).Bytes())
}

func TestDetect(t *testing.T) {
	require.True(t, Detect([]byte("IMD 1.17: some date\r\n")))
	require.False(t, Detect([]byte("MV - CPCEMU Disk-File")))
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "does-not-exist.imd"))
	require.Error(t, err)
}
