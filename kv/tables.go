package kv

import "sort"

// Index is a named, typed partition of the key-value store. The set of
// indexes is closed and fixed at compile time — see spec.md §3.
type Index uint8

const (
	// MAIN holds general chain/node metadata not covered by a more
	// specific index (genesis hash, schema version, best-block pointer).
	MAIN Index = iota
	// BLOCKINDEX maps block hash -> compact block-index record (height,
	// parent hash, chain-work), the structure used to walk and reorg the
	// best chain without touching full block bodies.
	BLOCKINDEX
	// BLOCKS maps block hash -> full serialized block.
	BLOCKS
	// TX maps transaction hash -> serialized transaction + containing
	// block hash, for transaction lookup independent of block scans.
	TX
	// NTP1TX maps transaction hash -> serialized NTP1 (token-protocol)
	// transaction metadata layered on top of the base transaction.
	NTP1TX
	// NTP1TOKENNAMES maps token symbol -> one entry per token-issuance
	// event using that symbol (duplicate-keys allowed: a symbol is not
	// unique across the chain's history, only per-issuance-transaction).
	NTP1TOKENNAMES
	// ADDRSVSPUBKEYS maps address -> one entry per public key ever seen
	// redeeming from that address (duplicate-keys allowed: an address can
	// be controlled by more than one observed public key over time, e.g.
	// after a multisig cosigner rotation).
	ADDRSVSPUBKEYS

	numIndexes
)

// indexNames is used only for diagnostics (logging, CLI output); the
// on-disk format and the public API never serialize these strings, the
// Index itself is the persisted identifier.
var indexNames = [numIndexes]string{
	MAIN:           "MAIN",
	BLOCKINDEX:     "BLOCKINDEX",
	BLOCKS:         "BLOCKS",
	TX:             "TX",
	NTP1TX:         "NTP1TX",
	NTP1TOKENNAMES: "NTP1TOKENNAMES",
	ADDRSVSPUBKEYS: "ADDRSVSPUBKEYS",
}

func (idx Index) String() string {
	if idx >= numIndexes {
		return "UNKNOWN"
	}
	return indexNames[idx]
}

// Valid reports whether idx is one of the seven closed-taxonomy indexes.
func (idx Index) Valid() bool {
	return idx < numIndexes
}

// duplicateAllowed is the fixed DuplicateKeysAllowed attribute per index,
// per spec.md §6: "The duplicate-allowed set is: NTP1TOKENNAMES,
// ADDRSVSPUBKEYS (others single-valued)."
var duplicateAllowed = [numIndexes]bool{
	NTP1TOKENNAMES: true,
	ADDRSVSPUBKEYS: true,
}

// DuplicateKeysAllowed reports whether idx stores an ordered sequence of
// values per key (true) or at most one value per key (false).
func DuplicateKeysAllowed(idx Index) bool {
	if !idx.Valid() {
		return false
	}
	return duplicateAllowed[idx]
}

// MaxDupValueBytes is the backend-imposed ceiling on a single value stored
// under a duplicate-allowed index (spec.md §3, resolved Open Question in
// §9: treated as a hard write-time error).
const MaxDupValueBytes = 508

// MaxKeyBytes and MinKeyBytes bound every key across every index.
const (
	MinKeyBytes = 1
	MaxKeyBytes = 511
)

// AllIndexes returns the seven indexes in a stable, sorted-by-name order —
// used by ReadAll-style callers that want deterministic iteration over the
// whole taxonomy (e.g. cmd/kvtool's `stat` and index-name parsing).
func AllIndexes() []Index {
	out := make([]Index, 0, numIndexes)
	for i := Index(0); i < numIndexes; i++ {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
