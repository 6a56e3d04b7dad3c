package wire

import "hash/crc32"

// Checksum schemes, decided once for the whole protocol:
//
//   - Snapshot integrity footers use CRC32 with the reflected IEEE 802.3
//     polynomial 0xEDB88320 (init 0xFFFFFFFF, final inversion) — identical
//     to stdlib crc32.ChecksumIEEE.
//   - Every checksummed message uses CRC16/CCITT-FALSE (polynomial 0x1021,
//     init 0xFFFF, no reflection, no final xor) over all preceding bytes,
//     except MsgDebugControl which keeps the legacy single-byte XOR.
//
// Both sides of the link must agree on these; they are not negotiable.

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// CRC16 computes the CCITT-FALSE checksum of data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// CRC32 computes the snapshot footer checksum of data.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// XOR8 computes the single-byte XOR checksum used by MsgDebugControl.
func XOR8(data []byte) uint8 {
	var x uint8
	for _, b := range data {
		x ^= b
	}
	return x
}
