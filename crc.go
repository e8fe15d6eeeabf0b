package cyphal

// CRC is the CRC-16/CCITT-FALSE checksum protecting multi-frame CAN
// transfers and UDP datagram headers.
type CRC uint16

const crcInitial CRC = 0xffff

func newCRC() CRC { return crcInitial }

func (c CRC) AddByte(b byte) CRC {
	c ^= CRC(b) << 8
	for i := 0; i < 8; i++ {
		if c&0x8000 != 0 {
			c = (c << 1) ^ 0x1021
		} else {
			c <<= 1
		}
	}
	return c
}

func (c CRC) Add(data []byte) CRC {
	for _, b := range data {
		c = c.AddByte(b)
	}
	return c
}
