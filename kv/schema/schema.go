// Package schema gives every index a typed key-builder instead of making
// callers hand-roll byte slices.
package schema

// Hash is a 32-byte block or transaction hash.
type Hash [32]byte

// MainKey builds a key for the MAIN index, which holds a handful of
// singleton records (genesis hash, schema version, best-block pointer)
// addressed by a short ASCII name rather than a hash.
func MainKey(name string) []byte {
	return []byte(name)
}

// BlockIndexKey builds the BLOCKINDEX key for a block hash.
func BlockIndexKey(hash Hash) []byte {
	return hash[:]
}

// BlockKey builds the BLOCKS key for a block hash.
func BlockKey(hash Hash) []byte {
	return hash[:]
}

// TxKey builds the TX key for a transaction hash.
func TxKey(hash Hash) []byte {
	return hash[:]
}

// NTP1TxKey builds the NTP1TX key for a transaction hash.
func NTP1TxKey(hash Hash) []byte {
	return hash[:]
}

// NTP1TokenNameKey builds the NTP1TOKENNAMES key for a token symbol.
// Duplicate-keys are allowed on this index: more than one issuance event
// can use the same symbol.
func NTP1TokenNameKey(symbol string) []byte {
	return []byte(symbol)
}

// AddressPubKeyKey builds the ADDRSVSPUBKEYS key for an address, given as
// its raw (already-decoded) bytes rather than a fixed-width array, since
// address encodings vary in length across script/address versions.
// Duplicate-keys are allowed on this index: an address can be observed
// redeeming with more than one public key over its history.
func AddressPubKeyKey(address []byte) []byte {
	out := make([]byte, len(address))
	copy(out, address)
	return out
}

// ParseHash copies b into a Hash, reporting false if b isn't exactly 32
// bytes (e.g. a caller fed a corrupted or truncated stored key back in).
func ParseHash(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != len(h) {
		return h, false
	}
	copy(h[:], b)
	return h, true
}
