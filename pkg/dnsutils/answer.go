package dnsutils

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/miekg/dns"
)

var (
	ErrInvalidDNSMsg = errors.New("invalid dns message")
)

const (
	headerLen = 12

	// ptrToQuestion is a compression pointer to the question name,
	// which always starts right after the header.
	ptrToQuestion = 0xc000 | headerLen
)

// StaticAnswerA builds a single A record answer section whose owner name
// points at the question name.
func StaticAnswerA(addr netip.Addr, ttl uint32) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint16(b[0:2], ptrToQuestion)
	binary.BigEndian.PutUint16(b[2:4], dns.TypeA)
	binary.BigEndian.PutUint16(b[4:6], dns.ClassINET)
	binary.BigEndian.PutUint32(b[6:10], ttl)
	binary.BigEndian.PutUint16(b[10:12], 4)
	a4 := addr.As4()
	copy(b[12:16], a4[:])
	return b
}

// ExtractAnswer returns the answer section of a packed message carrying
// exactly one question. The returned slice aliases msg.
func ExtractAnswer(msg []byte) (answer []byte, count uint16, err error) {
	if len(msg) < headerLen {
		return nil, 0, ErrInvalidDNSMsg
	}
	if binary.BigEndian.Uint16(msg[4:6]) != 1 {
		return nil, 0, ErrInvalidDNSMsg
	}
	count = binary.BigEndian.Uint16(msg[6:8])

	off, err := skipName(msg, headerLen)
	if err != nil {
		return nil, 0, err
	}
	off += 4 // Type(2) + Class(2)
	if off > len(msg) {
		return nil, 0, ErrInvalidDNSMsg
	}

	start := off
	for i := 0; i < int(count); i++ {
		off, _, err = skipRR(msg, off)
		if err != nil {
			return nil, 0, err
		}
	}
	return msg[start:off], count, nil
}

// AnswerTTLOffsets returns the offsets of the TTL fields of the count
// records in answer. Compression pointers are not followed, so answer
// can be scanned on its own.
func AnswerTTLOffsets(answer []byte, count uint16) ([]int, error) {
	offsets := make([]int, 0, count)
	off := 0
	for i := 0; i < int(count); i++ {
		next, ttlOff, err := skipRR(answer, off)
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, ttlOff)
		off = next
	}
	return offsets, nil
}

// SubtractTTL subtracts delta from the TTL at every offset. TTLs never
// drop below 1.
func SubtractTTL(b []byte, offsets []int, delta uint32) {
	if delta == 0 {
		return
	}
	for _, off := range offsets {
		if off+4 > len(b) {
			continue
		}
		curr := binary.BigEndian.Uint32(b[off : off+4])
		if curr > delta {
			binary.BigEndian.PutUint32(b[off:off+4], curr-delta)
		} else {
			binary.BigEndian.PutUint32(b[off:off+4], 1)
		}
	}
}

// skipRR skips the record at off. It returns the offset of the next
// record and the offset of this record's TTL field.
func skipRR(msg []byte, off int) (next, ttlOff int, err error) {
	off, err = skipName(msg, off)
	if err != nil {
		return 0, 0, err
	}
	// Type(2) + Class(2) + TTL(4) + RDLength(2)
	if off+10 > len(msg) {
		return 0, 0, ErrInvalidDNSMsg
	}
	rdLen := int(binary.BigEndian.Uint16(msg[off+8 : off+10]))
	next = off + 10 + rdLen
	if next > len(msg) {
		return 0, 0, ErrInvalidDNSMsg
	}
	return next, off + 4, nil
}

func skipName(msg []byte, off int) (int, error) {
	for {
		if off >= len(msg) {
			return 0, ErrInvalidDNSMsg
		}
		c := msg[off]
		if c == 0 {
			return off + 1, nil
		}
		if c&0xC0 == 0xC0 { // Pointer
			if off+2 > len(msg) {
				return 0, ErrInvalidDNSMsg
			}
			return off + 2, nil
		}
		if c&0xC0 != 0 { // Restricted label type (RFC 1682/1035)
			return 0, ErrInvalidDNSMsg
		}
		l := int(c)
		if off+1+l > len(msg) {
			return 0, ErrInvalidDNSMsg
		}
		off += l + 1
	}
}
