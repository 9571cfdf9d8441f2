// Package crc implements CRC-16/CCITT-FALSE used by MDP frames:
// poly 0x1021, init 0xffff, MSB-first, no reflection, no final xor.
package crc

const CCITT_POLY uint16 = 0x1021
const CCITT_INIT uint16 = 0xffff

var ccittTable = func() (t [256]uint16) {
	for i := 0; i < 256; i++ {
		t[i] = CRC16_ccitt_reference(0, byte(i))
	}
	return
}()

// Bit by bit, slow. Used to build lookup table and in tests.
func CRC16_ccitt_reference(crc uint16, data byte) uint16 {
	crc ^= uint16(data) << 8
	for i := 0; i < 8; i++ {
		if (crc & 0x8000) != 0 {
			crc = (crc << 1) ^ CCITT_POLY
		} else {
			crc <<= 1
		}
	}
	return crc
}

func CRC16_ccitt_next(crc uint16, data byte) uint16 {
	return (crc << 8) ^ ccittTable[byte(crc>>8)^data]
}

func CRC16_ccitt_n(crc uint16, bs []byte) uint16 {
	for _, b := range bs {
		crc = (crc << 8) ^ ccittTable[byte(crc>>8)^b]
	}
	return crc
}

// Checksum16 is the frame checksum over exact payload bytes.
func Checksum16(bs []byte) uint16 { return CRC16_ccitt_n(CCITT_INIT, bs) }
