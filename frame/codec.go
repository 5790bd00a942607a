package frame

// Little-endian pack/unpack helpers for the wire formats in this package and
// in mailbox/coe/soe/foe, which all use EtherCAT's little-endian field order.

func putUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func uint16At(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func uint32At(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

func uint64At(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// PutUint16 writes v little-endian into b[0:2]. Exported for protocol
// packages (coe/soe/foe) that build mailbox payloads outside this package.
func PutUint16(b []byte, v uint16) { putUint16(b, v) }

// Uint16 reads a little-endian uint16 from b[0:2].
func Uint16(b []byte) uint16 { return uint16At(b) }

// PutUint32 writes v little-endian into b[0:4].
func PutUint32(b []byte, v uint32) { putUint32(b, v) }

// Uint32 reads a little-endian uint32 from b[0:4].
func Uint32(b []byte) uint32 { return uint32At(b) }

// PutUint64 writes v little-endian into b[0:8].
func PutUint64(b []byte, v uint64) { putUint64(b, v) }

// Uint64 reads a little-endian uint64 from b[0:8].
func Uint64(b []byte) uint64 { return uint64At(b) }
