package sector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptySector(t *testing.T) {
	s := Empty()
	require.True(t, s.IsEmpty())
	require.Equal(t, 0, s.Len())
	require.Nil(t, s.Bytes())
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(Empty(), 512))
	require.NoError(t, Validate(New(make([]byte, 512)), 512))
	require.Error(t, Validate(New(make([]byte, 256)), 512))
}

func TestReadIntoZeroFillsEmptySector(t *testing.T) {
	dst := []byte{1, 2, 3, 4}
	ReadInto(Empty(), dst)
	require.Equal(t, []byte{0, 0, 0, 0}, dst)
}

func TestReadIntoCopiesPayload(t *testing.T) {
	dst := make([]byte, 4)
	ReadInto(New([]byte{9, 8, 7, 6}), dst)
	require.Equal(t, []byte{9, 8, 7, 6}, dst)
}
