package dnsutils

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packReply(t *testing.T, name string, rrs ...string) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(name, dns.TypeA)
	r := new(dns.Msg)
	r.SetReply(q)
	r.Compress = true
	for _, s := range rrs {
		rr, err := dns.NewRR(s)
		require.NoError(t, err)
		r.Answer = append(r.Answer, rr)
	}
	r.SetEdns0(1232, false)
	b, err := r.Pack()
	require.NoError(t, err)
	return b
}

func TestStaticAnswerA(t *testing.T) {
	b := StaticAnswerA(netip.MustParseAddr("10.0.0.1"), 86400)
	assert.Equal(t, []byte{
		0xc0, 0x0c, // name pointer
		0x00, 0x01, // A
		0x00, 0x01, // IN
		0x00, 0x01, 0x51, 0x80, // ttl
		0x00, 0x04, // rdlength
		10, 0, 0, 1,
	}, b)

	q := new(dns.Msg)
	q.SetQuestion("Host.Local.", dns.TypeA)
	wire, err := BuildResponse(q, b, 1, 0)
	require.NoError(t, err)
	r := new(dns.Msg)
	require.NoError(t, r.Unpack(wire))
	require.Len(t, r.Answer, 1)
	a := r.Answer[0].(*dns.A)
	assert.Equal(t, "Host.Local.", a.Hdr.Name)
	assert.Equal(t, "10.0.0.1", a.A.String())
	assert.Equal(t, uint32(86400), a.Hdr.Ttl)
}

func TestExtractAnswer(t *testing.T) {
	b := packReply(t, "example.com.",
		"example.com. 300 IN CNAME www.example.com.",
		"www.example.com. 60 IN A 1.2.3.4",
		"www.example.com. 120 IN A 5.6.7.8",
	)
	ans, count, err := ExtractAnswer(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), count)

	offsets, err := AnswerTTLOffsets(ans, count)
	require.NoError(t, err)
	require.Len(t, offsets, 3)
	var ttls []uint32
	for _, off := range offsets {
		ttls = append(ttls, binary.BigEndian.Uint32(ans[off:]))
	}
	assert.Equal(t, []uint32{300, 60, 120}, ttls)

	// The answer splices back behind a question of the same length.
	q := new(dns.Msg)
	q.SetQuestion("EXAMPLE.com.", dns.TypeA)
	q.Id = 7
	wire, err := BuildResponse(q, ans, count, 0)
	require.NoError(t, err)
	r := new(dns.Msg)
	require.NoError(t, r.Unpack(wire))
	require.Len(t, r.Answer, 3)
	assert.Equal(t, "www.example.com.", r.Answer[0].(*dns.CNAME).Target)
	assert.Equal(t, "5.6.7.8", r.Answer[2].(*dns.A).A.String())
	assert.Empty(t, r.Extra)
}

func TestExtractAnswer_invalid(t *testing.T) {
	good := packReply(t, "example.com.", "example.com. 60 IN A 1.2.3.4")

	tests := map[string][]byte{
		"empty":     nil,
		"header":    good[:11],
		"truncated": good[:len(good)-20],
		"qdcount": func() []byte {
			b := append([]byte(nil), good...)
			binary.BigEndian.PutUint16(b[4:6], 2)
			return b
		}(),
		"label": func() []byte {
			b := append([]byte(nil), good...)
			b[12] = 0x80 // reserved label type
			return b
		}(),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := ExtractAnswer(b)
			assert.ErrorIs(t, err, ErrInvalidDNSMsg)
		})
	}

	_, err := AnswerTTLOffsets([]byte{0xc0, 0x0c, 0, 1}, 1)
	assert.ErrorIs(t, err, ErrInvalidDNSMsg)
}

func TestSubtractTTL(t *testing.T) {
	b := packReply(t, "example.com.",
		"example.com. 300 IN A 1.2.3.4",
		"example.com. 10 IN A 1.2.3.5",
	)
	ans, count, err := ExtractAnswer(b)
	require.NoError(t, err)
	offsets, err := AnswerTTLOffsets(ans, count)
	require.NoError(t, err)

	SubtractTTL(ans, offsets, 0)
	assert.Equal(t, uint32(300), binary.BigEndian.Uint32(ans[offsets[0]:]))

	SubtractTTL(ans, offsets, 100)
	assert.Equal(t, uint32(200), binary.BigEndian.Uint32(ans[offsets[0]:]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(ans[offsets[1]:]))

	// Out of range offsets are ignored.
	SubtractTTL(ans, []int{len(ans) - 2}, 1)
}

func TestBuildResponse(t *testing.T) {
	ans := StaticAnswerA(netip.MustParseAddr("10.0.0.1"), 60)

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 1234
	q.RecursionDesired = false
	wire, err := BuildResponse(q, ans, 1, 512)
	require.NoError(t, err)
	r := new(dns.Msg)
	require.NoError(t, r.Unpack(wire))
	assert.Equal(t, uint16(1234), r.Id)
	assert.True(t, r.Response)
	assert.True(t, r.RecursionAvailable)
	assert.False(t, r.RecursionDesired)
	assert.False(t, r.Truncated)
	assert.Equal(t, dns.RcodeSuccess, r.Rcode)
	assert.Equal(t, q.Question, r.Question)

	// Too large for the client.
	wire, err = BuildResponse(q, ans, 1, 30)
	require.NoError(t, err)
	r = new(dns.Msg)
	require.NoError(t, r.Unpack(wire))
	assert.True(t, r.Truncated)
	assert.Empty(t, r.Answer)

	_, err = BuildResponse(new(dns.Msg), ans, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidDNSMsg)
}

func TestUDPSize(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	assert.Equal(t, dns.MinMsgSize, UDPSize(m))
	m.SetEdns0(4096, false)
	assert.Equal(t, 4096, UDPSize(m))

	m = new(dns.Msg)
	m.SetEdns0(100, false)
	assert.Equal(t, dns.MinMsgSize, UDPSize(m))
}
