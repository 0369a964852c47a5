// Package p4k implements the reader side of the P4K archive format: a
// ZIP64 variant with non-standard encryption, compression and extra
// fields (spec.md §4.3). It streams randomly from a memory-mapped file,
// decrypting and decompressing entries on demand.
package p4k

// Compression methods an Entry may declare.
const (
	MethodStore   = 0
	MethodDeflate = 8
	MethodZstd    = 100
)

// DefaultAESKey is the published default AES-128 key used to decrypt
// encrypted entries when Options.AESKey is left nil. Callers working
// against an archive encrypted with a different key must supply it.
var DefaultAESKey = [16]byte{
	0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07,
	0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F,
}

// Entry describes one archived file (spec.md §3).
type Entry struct {
	Name              string
	UncompressedSize  uint64
	CompressedSize    uint64
	LocalHeaderOffset uint64
	CompressionMethod uint16
	IsEncrypted       bool
	CRC32             uint32
}
