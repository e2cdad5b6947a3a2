package ext4

import "hash/crc32"

// ext4 metadata checksums use CRC32C (Castagnoli) seeded with the filesystem
// UUID. The kernel chains partial checksums, so helpers here take a running
// crc and feed more bytes through the same table.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func crc32c(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// csumSeed computes the per-filesystem checksum seed from the volume UUID.
func csumSeed(uuid [16]byte) uint32 {
	return crc32c(^uint32(0), uuid[:])
}
