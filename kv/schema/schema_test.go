package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashKeysRoundTrip(t *testing.T) {
	var h Hash
	for i := range h {
		h[i] = byte(i)
	}
	require.Equal(t, h[:], BlockKey(h))
	require.Equal(t, h[:], BlockIndexKey(h))
	require.Equal(t, h[:], TxKey(h))
	require.Equal(t, h[:], NTP1TxKey(h))

	parsed, ok := ParseHash(BlockKey(h))
	require.True(t, ok)
	require.Equal(t, h, parsed)
}

func TestParseHashRejectsWrongLength(t *testing.T) {
	_, ok := ParseHash([]byte("too short"))
	require.False(t, ok)
}

func TestStringKeyedIndexes(t *testing.T) {
	require.Equal(t, []byte("genesisHash"), MainKey("genesisHash"))
	require.Equal(t, []byte("NTP1"), NTP1TokenNameKey("NTP1"))
}

func TestAddressPubKeyKeyCopiesInput(t *testing.T) {
	addr := []byte{1, 2, 3}
	key := AddressPubKeyKey(addr)
	addr[0] = 0xff
	require.Equal(t, []byte{1, 2, 3}, key, "key must not alias the caller's slice")
}
