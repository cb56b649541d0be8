// Package bin holds the big-endian integer helpers shared by the binary
// message codec.
package bin

import "encoding/binary"

// PutU32BE writes v into the first 4 bytes of b.
func PutU32BE(b []byte, v uint32) {
	binary.BigEndian.PutUint32(b, v)
}

// U32BE reads the first 4 bytes of b as a big-endian uint32.
func U32BE(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}
