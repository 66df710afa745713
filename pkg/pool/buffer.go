package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// Buffers up to 64 KiB are pooled in power of two size classes.
const maxPooledBits = 16

var bufPools [maxPooledBits + 1]sync.Pool

func init() {
	for i := range bufPools {
		size := 1 << i
		bufPools[i].New = func() any {
			return &Buffer{b: make([]byte, size), class: i}
		}
	}
}

// Buffer is a pooled byte slice.
type Buffer struct {
	b     []byte
	n     int
	class int
}

// Bytes returns the buffer with the length requested in GetBuf.
func (b *Buffer) Bytes() []byte { return b.b[:b.n] }

// Release returns b to the pool. b must not be used afterwards.
func (b *Buffer) Release() {
	if b.class < 0 {
		return
	}
	bufPools[b.class].Put(b)
}

// GetBuf returns a buffer of length size.
func GetBuf(size int) *Buffer {
	if size < 0 {
		panic(fmt.Sprintf("pool: invalid buffer size %d", size))
	}
	c := sizeClass(size)
	if c > maxPooledBits {
		return &Buffer{b: make([]byte, size), n: size, class: -1}
	}
	buf := bufPools[c].Get().(*Buffer)
	buf.n = size
	return buf
}

func sizeClass(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len(uint(size - 1))
}
