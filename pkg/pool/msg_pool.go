package pool

import (
	"sync"

	"github.com/miekg/dns"
)

var msgPool = sync.Pool{
	New: func() any {
		return new(dns.Msg)
	},
}

// GetMsg returns an empty *dns.Msg from the pool.
// The caller MUST call ReleaseMsg after use.
func GetMsg() *dns.Msg {
	return msgPool.Get().(*dns.Msg)
}

// ReleaseMsg zeroes m and returns it to the pool.
func ReleaseMsg(m *dns.Msg) {
	*m = dns.Msg{}
	msgPool.Put(m)
}

// PackBuffer packs m into a pooled buffer. The returned slice is only
// valid until buf is released.
func PackBuffer(m *dns.Msg) (wire []byte, buf *Buffer, err error) {
	l := m.Len()
	buf = GetBuf(l + 1) // Len() may under-count by one with compression.
	wire, err = m.PackBuffer(buf.Bytes())
	if err != nil {
		buf.Release()
		return nil, nil, err
	}
	return wire, buf, nil
}
