// Package crc implements the CRC primitives required by the openSAFETY
// frame codec: an 8-bit CRC for short subframes and two 16-bit CRCs for
// long subframes, selected by whether extended (40-bit) CT mode is active.
package crc

// CRC8 is the running state of an 8-bit CRC computation, polynomial 0x2F.
// Used on subframes whose payload length LE is <= 8 bytes.
type CRC8 uint8

// CRC16 is the running state of a 16-bit CRC computation. The same type
// is used for both the classic (0x5935) and extended (0x755B) polynomial;
// callers pick the table via [CRC16Classic] / [CRC16Extended].
type CRC16 uint16

const poly8 = 0x2F
const polyClassic = 0x5935
const polyExtended = 0x755B

var table8 = buildTable8(poly8)
var tableClassic = buildTable16(polyClassic)
var tableExtended = buildTable16(polyExtended)

func buildTable8(poly uint8) [256]uint8 {
	var table [256]uint8
	for i := range table {
		crc := uint8(i)
		for j := 0; j < 8; j++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

func buildTable16(poly uint16) [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

// Single feeds one byte into the CRC8 accumulator.
func (c *CRC8) Single(b byte) {
	*c = CRC8(table8[byte(*c)^b])
}

// Block feeds a byte slice into the CRC8 accumulator.
func (c *CRC8) Block(data []byte) {
	for _, b := range data {
		c.Single(b)
	}
}

// Compute8 returns the CRC8 (init value 0) of data in one call.
func Compute8(data []byte) uint8 {
	var c CRC8
	c.Block(data)
	return uint8(c)
}

func (c *CRC16) singleWithTable(b byte, table *[256]uint16) {
	*c = CRC16(table[byte(byte(*c>>8)^b)]) ^ CRC16(*c<<8)
}

// Single feeds one byte into the CRC16 accumulator using the classic
// (0x5935) polynomial. Use [CRC16.SingleExtended] for the 40-bit-CT mode.
func (c *CRC16) Single(b byte) {
	c.singleWithTable(b, &tableClassic)
}

// SingleExtended feeds one byte into the CRC16 accumulator using the
// extended (0x755B) polynomial.
func (c *CRC16) SingleExtended(b byte) {
	c.singleWithTable(b, &tableExtended)
}

// Block feeds a byte slice using the classic polynomial.
func (c *CRC16) Block(data []byte) {
	for _, b := range data {
		c.Single(b)
	}
}

// BlockExtended feeds a byte slice using the extended polynomial.
func (c *CRC16) BlockExtended(data []byte) {
	for _, b := range data {
		c.SingleExtended(b)
	}
}

// Compute16Classic returns the classic-polynomial CRC16 (init value 0) of
// data in one call.
func Compute16Classic(data []byte) uint16 {
	var c CRC16
	c.Block(data)
	return uint16(c)
}

// Compute16Extended returns the extended-polynomial CRC16 (init value 0)
// of data in one call.
func Compute16Extended(data []byte) uint16 {
	var c CRC16
	c.BlockExtended(data)
	return uint16(c)
}
