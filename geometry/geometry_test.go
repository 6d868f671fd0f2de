package geometry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidatesInputs(t *testing.T) {
	tests := []struct {
		name        string
		tracks      int
		heads       int
		spt         int
		sectorSize  int
		expectError bool
	}{
		{name: "valid 3.5in HC layout", tracks: 80, heads: 2, spt: 32, sectorSize: 512},
		{name: "valid single-sided", tracks: 40, heads: 1, spt: 9, sectorSize: 512},
		{name: "zero tracks", tracks: 0, heads: 2, spt: 32, sectorSize: 512, expectError: true},
		{name: "too many tracks", tracks: 256, heads: 2, spt: 32, sectorSize: 512, expectError: true},
		{name: "bad head count", tracks: 80, heads: 3, spt: 32, sectorSize: 512, expectError: true},
		{name: "zero sectors per track", tracks: 80, heads: 2, spt: 0, sectorSize: 512, expectError: true},
		{name: "unsupported sector size", tracks: 80, heads: 2, spt: 32, sectorSize: 300, expectError: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g, err := New(tc.tracks, tc.heads, tc.spt, tc.sectorSize)
			if tc.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.tracks*tc.heads*tc.spt, g.TotalSectors())
			require.Equal(t, g.TotalSectors()*tc.sectorSize, g.TotalBytes())
			require.Equal(t, g.TotalSectors()-1, g.MaxPos())
		})
	}
}

func TestLineariseDelineariseRoundTrip(t *testing.T) {
	g, err := New(80, 2, 32, 512)
	require.NoError(t, err)

	for track := 0; track < g.Tracks; track += 7 {
		for head := 0; head < g.Heads; head++ {
			for sector := 0; sector < g.SectorsPerTrack; sector += 5 {
				pos, err := g.Linearise(track, head, sector)
				require.NoError(t, err)

				gotTrack, gotHead, gotSector, err := g.Delinearise(pos)
				require.NoError(t, err)
				require.Equal(t, track, gotTrack)
				require.Equal(t, head, gotHead)
				require.Equal(t, sector, gotSector)
			}
		}
	}
}

func TestLineariseRejectsOutOfRangeAddress(t *testing.T) {
	g, err := New(80, 2, 32, 512)
	require.NoError(t, err)

	_, err = g.Linearise(80, 0, 0)
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = g.Linearise(0, 2, 0)
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = g.Linearise(0, 0, 32)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestDelineariseRejectsOutOfRangePosition(t *testing.T) {
	g, err := New(80, 2, 32, 512)
	require.NoError(t, err)

	_, _, _, err = g.Delinearise(-1)
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, _, _, err = g.Delinearise(g.MaxPos() + 1)
	require.ErrorIs(t, err, ErrInvalidAddress)
}
