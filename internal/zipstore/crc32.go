package zipstore

// crcPolynomial is the reflected IEEE 802.3 polynomial used by ZIP and PNG.
const crcPolynomial = 0xEDB88320

// crcTable holds the byte-at-a-time lookup table, built once at package init.
var crcTable = makeCRCTable()

func makeCRCTable() *[256]uint32 {
	var t [256]uint32
	for i := range t {
		c := uint32(i)
		for k := 0; k < 8; k++ {
			if c&1 == 1 {
				c = crcPolynomial ^ (c >> 1)
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return &t
}

// Checksum returns the CRC-32 (ZIP/PNG variant) of b.
func Checksum(b []byte) uint32 {
	return Update(0, b)
}

// Update returns the result of adding the bytes in p to crc.
// Update(0, p) equals Checksum(p), and checksumming a buffer in pieces
// gives the same result as checksumming it whole.
func Update(crc uint32, p []byte) uint32 {
	c := ^crc
	for _, b := range p {
		c = crcTable[byte(c)^b] ^ (c >> 8)
	}
	return ^c
}
