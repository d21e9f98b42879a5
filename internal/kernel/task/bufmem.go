package task

// BufMemory is a plain byte-slice Memory, the address space of kernel
// tasks and test runners.
type BufMemory struct {
	buf []byte
}

func NewBufMemory(size int) *BufMemory {
	return &BufMemory{buf: make([]byte, size)}
}

func (m *BufMemory) Read(ptr, n uint32) ([]byte, bool) {
	end := uint64(ptr) + uint64(n)
	if end > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[ptr:end], true
}

func (m *BufMemory) Write(ptr uint32, b []byte) bool {
	end := uint64(ptr) + uint64(len(b))
	if end > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[ptr:end], b)
	return true
}

func (m *BufMemory) Size() uint32 { return uint32(len(m.buf)) }
