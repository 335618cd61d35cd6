package sequencer

import "encoding/binary"

// Key layout in pebble:
//
//	evt/{seq: 8 bytes big-endian}          -> CBOR event envelope
//	did/{did}\x00{seq: 8 bytes big-endian} -> empty (per-repo index)
//	meta/last_seq                          -> 8 bytes big-endian
//
// Big-endian seqs keep the event keyspace in seq order so range scans walk
// the log in delivery order.

var (
	evtPrefix  = []byte("evt/")
	didPrefix  = []byte("did/")
	lastSeqKey = []byte("meta/last_seq")
)

func keyEvent(seq int64) []byte {
	k := make([]byte, 0, len(evtPrefix)+8)
	k = append(k, evtPrefix...)
	return binary.BigEndian.AppendUint64(k, uint64(seq))
}

func seqFromEventKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[len(evtPrefix):]))
}

func keyRepoIndex(did string, seq int64) []byte {
	k := make([]byte, 0, len(didPrefix)+len(did)+1+8)
	k = append(k, didPrefix...)
	k = append(k, did...)
	k = append(k, 0x00)
	return binary.BigEndian.AppendUint64(k, uint64(seq))
}

func seqFromRepoIndexKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[len(k)-8:]))
}

// repoIndexBounds returns the [lower, upper) iterator bounds covering every
// index entry for one did.
func repoIndexBounds(did string) ([]byte, []byte) {
	low := make([]byte, 0, len(didPrefix)+len(did)+1)
	low = append(low, didPrefix...)
	low = append(low, did...)
	low = append(low, 0x00)

	hi := make([]byte, len(low))
	copy(hi, low)
	hi[len(hi)-1] = 0x01
	return low, hi
}

// eventBounds returns the [lower, upper) iterator bounds covering the whole
// event keyspace.
func eventBounds() ([]byte, []byte) {
	low := keyEvent(0)
	hi := keyEvent(-1) // max uint64
	return low, hi
}
