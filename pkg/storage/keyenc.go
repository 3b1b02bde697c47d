package storage

import "encoding/binary"

// EncodeUint64 big-endian encodes v so that byte-lexicographic order
// matches numeric order, the encoding every positional (log position,
// record id) key in this module relies on.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func DecodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// ConcatKeys length-prefixes and concatenates each part, the deterministic
// composite-key scheme §4.1 calls for so that no part's bytes can bleed
// into the next.
func ConcatKeys(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		var lp [4]byte
		binary.BigEndian.PutUint32(lp[:], uint32(len(p)))
		out = append(out, lp[:]...)
		out = append(out, p...)
	}
	return out
}
