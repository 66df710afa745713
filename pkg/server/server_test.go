package server

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go4.org/netipx"

	C "github.com/pmkol/dnsproxy/pkg/query_context"
	D "github.com/pmkol/dnsproxy/pkg/server/dns_handler"
)

// echoHandler replies with one A record holding the client address.
func echoHandler(protos chan<- string) D.Handler {
	return D.HandlerFunc(func(_ context.Context, req *dns.Msg, meta *C.RequestMeta) ([]byte, error) {
		if protos != nil {
			protos <- meta.GetProtocol()
		}
		r := new(dns.Msg)
		r.SetReply(req)
		a := meta.GetClientAddr().As4()
		r.Answer = append(r.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 1},
			A:   net.IP(a[:]),
		})
		return r.Pack()
	})
}

func mustIPSet(t *testing.T, prefixes ...string) *netipx.IPSet {
	t.Helper()
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		b.AddPrefix(netip.MustParsePrefix(p))
	}
	s, err := b.IPSet()
	require.NoError(t, err)
	return s
}

func TestServer_UDP(t *testing.T) {
	protos := make(chan string, 1)
	s := NewServer(ServerOpts{DNSHandler: echoHandler(protos)})
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeUDP(c) }()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	client := &dns.Client{Net: "udp", Timeout: time.Second}
	r, _, err := client.Exchange(q, c.LocalAddr().String())
	require.NoError(t, err)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "127.0.0.1", r.Answer[0].(*dns.A).A.String())
	assert.Equal(t, C.ProtocolUDP, <-protos)

	s.Close()
	assert.ErrorIs(t, <-errCh, ErrServerClosed)
	assert.True(t, s.Closed())
}

func TestServer_TCP(t *testing.T) {
	protos := make(chan string, 2)
	s := NewServer(ServerOpts{DNSHandler: echoHandler(protos), IdleTimeout: time.Second})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeTCP(l) }()

	conn, err := dns.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Two queries on one connection.
	for i := 0; i < 2; i++ {
		q := new(dns.Msg)
		q.SetQuestion("example.com.", dns.TypeA)
		require.NoError(t, conn.WriteMsg(q))
		r, err := conn.ReadMsg()
		require.NoError(t, err)
		assert.Equal(t, q.Id, r.Id)
		assert.Equal(t, C.ProtocolTCP, <-protos)
	}

	s.Close()
	assert.ErrorIs(t, <-errCh, ErrServerClosed)
}

func TestServer_Allowed(t *testing.T) {
	s := NewServer(ServerOpts{
		DNSHandler: echoHandler(nil),
		Allowed:    mustIPSet(t, "10.0.0.0/8"),
	})
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeUDP(c)
	defer s.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	client := &dns.Client{Net: "udp", Timeout: 200 * time.Millisecond}
	_, _, err = client.Exchange(q, c.LocalAddr().String())
	assert.Error(t, err)

	assert.True(t, s.allowed(netip.MustParseAddr("10.1.2.3")))
	assert.False(t, s.allowed(netip.MustParseAddr("127.0.0.1")))
}

func TestServer_missingHandler(t *testing.T) {
	s := NewServer(ServerOpts{})
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.ServeUDP(c), errMissingDNSHandler)
}

func TestWrapProxyProtocol(t *testing.T) {
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := WrapProxyProtocol(raw, mustIPSet(t, "127.0.0.1/32"))

	s := NewServer(ServerOpts{DNSHandler: echoHandler(nil)})
	go s.ServeTCP(l)
	defer s.Close()

	nc, err := net.Dial("tcp", raw.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	header := &proxyproto.Header{
		Version:           2,
		Command:           proxyproto.PROXY,
		TransportProtocol: proxyproto.TCPv4,
		SourceAddr:        &net.TCPAddr{IP: net.ParseIP("203.0.113.50"), Port: 54321},
		DestinationAddr:   &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 53},
	}
	_, err = header.WriteTo(nc)
	require.NoError(t, err)

	conn := &dns.Conn{Conn: nc}
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	require.NoError(t, conn.WriteMsg(q))
	r, err := conn.ReadMsg()
	require.NoError(t, err)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "203.0.113.50", r.Answer[0].(*dns.A).A.String())
}
