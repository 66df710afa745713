package dnsutils

import (
	"strconv"

	"github.com/miekg/dns"
)

// NormalizeName turns a question name into a cache key: ASCII lower
// case, without the trailing root dot.
func NormalizeName(name string) string {
	if n := len(name); n > 1 && name[n-1] == '.' {
		name = name[:n-1]
	}
	b := []byte(nil)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if 'A' <= c && c <= 'Z' {
			if b == nil {
				b = []byte(name)
			}
			b[i] = c + ('a' - 'A')
		}
	}
	if b == nil {
		return name
	}
	return string(b)
}

// GetMinimalTTL returns the smallest TTL of the answer section, skipping
// OPT records. It returns 0 if there is no record.
func GetMinimalTTL(m *dns.Msg) uint32 {
	minTTL := ^uint32(0)
	hasRecord := false
	for _, rr := range m.Answer {
		hdr := rr.Header()
		if hdr.Rrtype == dns.TypeOPT {
			continue
		}
		hasRecord = true
		if hdr.Ttl < minTTL {
			minTTL = hdr.Ttl
		}
	}
	if !hasRecord {
		return 0
	}
	return minTTL
}

// ClampTTL bounds ttl to [min, max]. A zero bound is ignored.
func ClampTTL(ttl, min, max uint32) uint32 {
	if max > 0 && ttl > max {
		ttl = max
	}
	if min > 0 && ttl < min {
		ttl = min
	}
	return ttl
}

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}

// GenEmptyReply creates a reply to q with rcode and no records.
func GenEmptyReply(q *dns.Msg, rcode int) *dns.Msg {
	r := new(dns.Msg)
	r.SetRcode(q, rcode)
	r.RecursionAvailable = true
	return r
}
