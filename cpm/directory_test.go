package cpm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryEncodeDecodeRoundTrip(t *testing.T) {
	var e DirectoryEntry
	e.UserCode = 0
	e.setName("HELLO   TXT")
	e.ExLo = 3
	e.ExHi = 1
	e.RecordCount = 16
	e.AllocationUnits[0] = 42
	e.AllocationUnits[1] = 7

	buf := e.encode()
	require.Len(t, buf, entrySize)

	got := decodeEntry(buf)
	require.Equal(t, e, got)
}

func TestEntryClearProducesFreeSlot(t *testing.T) {
	var e DirectoryEntry
	e.setName("FOO     BAR")
	e.ExLo = 1
	e.AllocationUnits[0] = 5

	e.clear()

	require.True(t, e.free())
	require.False(t, e.hasExtent())
	require.Equal(t, 0, e.blocks())
	require.Equal(t, "", e.name())
}

func TestEntryHasExtent(t *testing.T) {
	var e DirectoryEntry
	require.False(t, e.hasExtent())

	e.ExLo = 1
	require.True(t, e.hasExtent())

	e = DirectoryEntry{}
	e.ExHi = 1
	require.True(t, e.hasExtent())
}

func TestEntryNameNormalisation(t *testing.T) {
	var e DirectoryEntry
	copy(e.Name[:], "A/B        ")
	for i, c := range e.Name {
		e.Name[i] = c | 0x80
	}
	require.Equal(t, "A?B", e.name())
}

func TestEntrySizeAndBlocks(t *testing.T) {
	var e DirectoryEntry
	e.RecordCount = 10
	require.Equal(t, 10*recordSize, e.size())

	e.AllocationUnits[0] = 1
	e.AllocationUnits[2] = 5
	require.Equal(t, 2, e.blocks())
}

func TestEntryFull(t *testing.T) {
	var e DirectoryEntry
	e.RecordCount = byte(maxAllocUnits * blockSize / recordSize)
	require.True(t, e.full())

	e.RecordCount--
	require.False(t, e.full())
}
