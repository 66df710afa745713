package dnsutils

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/pmkol/dnsproxy/pkg/pool"
)

var errZeroLenMsg = errors.New("zero length msg")

// ReadRawMsgFromTCP reads one length-prefixed message from c.
// The returned buffer should be released by the caller.
func ReadRawMsgFromTCP(c io.Reader) (*pool.Buffer, error) {
	var h [2]byte
	if _, err := io.ReadFull(c, h[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(h[:])
	if length == 0 {
		return nil, errZeroLenMsg
	}

	buf := pool.GetBuf(int(length))
	if _, err := io.ReadFull(c, buf.Bytes()); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

// WriteRawMsgToTCP writes b with its 2 byte length header in one write.
func WriteRawMsgToTCP(c io.Writer, b []byte) (n int, err error) {
	if len(b) > 0xffff {
		return 0, ErrInvalidDNSMsg
	}
	buf := pool.GetBuf(len(b) + 2)
	defer buf.Release()
	wb := buf.Bytes()
	binary.BigEndian.PutUint16(wb[:2], uint16(len(b)))
	copy(wb[2:], b)
	return c.Write(wb)
}
