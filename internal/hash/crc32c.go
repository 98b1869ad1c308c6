package hash

import (
	"encoding/hex"
	"hash"
	"hash/crc32"
)

// crc32cTable is pre-computed for CRC32-Castagnoli polynomial.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// NewCRC32C returns a new CRC32-Castagnoli hash.Hash32.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}

// Frame returns the 8-char lowercase hex checksum of payload, used as the
// prefix of every sidecar record line.
func Frame(payload []byte) string {
	sum := CRC32C(payload)
	var b [4]byte
	b[0] = byte(sum >> 24)
	b[1] = byte(sum >> 16)
	b[2] = byte(sum >> 8)
	b[3] = byte(sum)
	return hex.EncodeToString(b[:])
}

// VerifyFrame reports whether frame is the checksum of payload.
func VerifyFrame(frame string, payload []byte) bool {
	return len(frame) == 8 && frame == Frame(payload)
}
