package ring

import "hash/crc32"

// crc16Table is the CRC-16/CCITT-FALSE table (poly 0x1021, init 0xFFFF),
// used to guard PCM codec frames (§4.F). Table-driven to match the style of
// the rest of this package's bit-twiddling helpers.
var crc16Table [256]uint16

func init() {
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// CRC16 computes CRC-16/CCITT-FALSE over buf.
func CRC16(buf []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range buf {
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// CRC32 is the IEEE CRC-32. Nothing in the receive pipeline calls it; the
// stdlib table-driven implementation already matches this package's
// conventions, so it is not reimplemented.
func CRC32(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}
