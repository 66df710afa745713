package dnsutils

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

const (
	flagQR = 1 << 15
	flagTC = 1 << 9
	flagRD = 1 << 8
	flagRA = 1 << 7
)

// BuildResponse packs a reply to q whose answer section is answer,
// copied verbatim. q must carry one question with the same name layout
// the answer was packed against.
//
// If maxSize > 0 and the reply would exceed it, the answer is dropped
// and the TC bit is set.
func BuildResponse(q *dns.Msg, answer []byte, count uint16, maxSize int) ([]byte, error) {
	if len(q.Question) != 1 {
		return nil, ErrInvalidDNSMsg
	}
	qq := q.Question[0]

	b := make([]byte, headerLen+len(qq.Name)+2+4+len(answer))
	off, err := dns.PackDomainName(dns.Fqdn(qq.Name), b, headerLen, nil, false)
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(b[off:], qq.Qtype)
	binary.BigEndian.PutUint16(b[off+2:], qq.Qclass)
	off += 4

	flags := uint16(flagQR|flagRA) | uint16(q.Opcode&0xf)<<11
	if q.RecursionDesired {
		flags |= flagRD
	}
	if maxSize > 0 && off+len(answer) > maxSize {
		flags |= flagTC
		count = 0
		answer = nil
	}

	binary.BigEndian.PutUint16(b[0:2], q.Id)
	binary.BigEndian.PutUint16(b[2:4], flags)
	binary.BigEndian.PutUint16(b[4:6], 1)
	binary.BigEndian.PutUint16(b[6:8], count)
	binary.BigEndian.PutUint16(b[8:10], 0)
	binary.BigEndian.PutUint16(b[10:12], 0)

	n := copy(b[off:], answer)
	return b[:off+n], nil
}

// UDPSize returns the reply size the client accepts over UDP.
func UDPSize(m *dns.Msg) int {
	var s uint16
	if opt := m.IsEdns0(); opt != nil {
		s = opt.UDPSize()
	}
	if s < dns.MinMsgSize {
		s = dns.MinMsgSize
	}
	return int(s)
}
