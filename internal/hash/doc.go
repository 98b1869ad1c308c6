// Package hash provides the checksums and token hashes used by the engine.
//
// # CRC32-Castagnoli (CRC32C)
//
// Sidecar records in the mirror are framed with a CRC32C checksum so that a
// torn or bit-flipped tail is detected on replay:
//
//	line := hash.Frame(payload) + " " + string(payload)
//
// Go's crc32 package uses hardware instructions (SSE4.2, ARM CRC) when
// available.
//
// # Token hashing
//
// Token64 is FNV-1a followed by the splitmix64 finalizer. It is stable across
// processes and platforms, which the fingerprint service relies on: a
// fingerprint computed today must equal the one computed after a rebuild.
package hash
