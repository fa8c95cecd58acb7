package jit

// Arch describes a target architecture for the assembler. Each assembler
// backend writes into a Chunk through the byte/word/dword/qword appenders,
// which respect the architecture's native endianness.
type Arch struct {
	Name         string
	Bits         int
	LittleEndian bool
	NumRegs      int
}

// X64 is the only target currently implemented: x86-64 with SSE2 or better
// (doubles live in XMM registers).
var X64 = Arch{Name: "x64", Bits: 64, LittleEndian: true, NumRegs: 16}

// Chunk is a sequence of encoded machine instructions, stored as a byte
// array.
type Chunk struct {
	arch Arch
	code []byte
}

// NewChunk allocates a new, empty machine code chunk.
func NewChunk(arch Arch) *Chunk {
	return &Chunk{arch: arch, code: make([]byte, 0, 64)}
}

// Len returns the number of bytes emitted so far.
func (c *Chunk) Len() int {
	return len(c.code)
}

// Bytes returns the encoded machine code.
func (c *Chunk) Bytes() []byte {
	return c.code
}

// Append8 appends a byte to the chunk.
func (c *Chunk) Append8(b uint8) {
	c.code = append(c.code, b)
}

// Append16 appends a 16 bit value in the target's byte order.
func (c *Chunk) Append16(v uint16) {
	if c.arch.LittleEndian {
		c.Append8(uint8(v))
		c.Append8(uint8(v >> 8))
	} else {
		c.Append8(uint8(v >> 8))
		c.Append8(uint8(v))
	}
}

// Append32 appends a 32 bit value in the target's byte order.
func (c *Chunk) Append32(v uint32) {
	if c.arch.LittleEndian {
		c.Append8(uint8(v))
		c.Append8(uint8(v >> 8))
		c.Append8(uint8(v >> 16))
		c.Append8(uint8(v >> 24))
	} else {
		c.Append8(uint8(v >> 24))
		c.Append8(uint8(v >> 16))
		c.Append8(uint8(v >> 8))
		c.Append8(uint8(v))
	}
}

// Append64 appends a 64 bit value in the target's byte order.
func (c *Chunk) Append64(v uint64) {
	if c.arch.LittleEndian {
		c.Append32(uint32(v))
		c.Append32(uint32(v >> 32))
	} else {
		c.Append32(uint32(v >> 32))
		c.Append32(uint32(v))
	}
}

// Patch32 overwrites a previously emitted 32 bit value, for resolving
// forward references.
func (c *Chunk) Patch32(pos int, v uint32) {
	if c.arch.LittleEndian {
		c.code[pos] = uint8(v)
		c.code[pos+1] = uint8(v >> 8)
		c.code[pos+2] = uint8(v >> 16)
		c.code[pos+3] = uint8(v >> 24)
	} else {
		c.code[pos] = uint8(v >> 24)
		c.code[pos+1] = uint8(v >> 16)
		c.code[pos+2] = uint8(v >> 8)
		c.code[pos+3] = uint8(v)
	}
}
