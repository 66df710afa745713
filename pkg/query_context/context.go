package query_context

import (
	"net/netip"
)

const (
	ProtocolUDP = "udp"
	ProtocolTCP = "tcp"
)

// RequestMeta represents some metadata about the request.
type RequestMeta struct {
	clientAddr netip.Addr
	protocol   string
}

func NewRequestMeta(addr netip.Addr, protocol string) *RequestMeta {
	meta := new(RequestMeta)
	meta.SetClientAddr(addr)
	meta.SetProtocol(protocol)
	return meta
}

func (m *RequestMeta) SetClientAddr(addr netip.Addr) {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	m.clientAddr = addr
}

func (m *RequestMeta) SetProtocol(protocol string) {
	m.protocol = protocol
}

func (m *RequestMeta) GetClientAddr() netip.Addr {
	return m.clientAddr
}

func (m *RequestMeta) GetProtocol() string {
	return m.protocol
}

// IsUDP reports whether replies to this request are size limited.
func (m *RequestMeta) IsUDP() bool {
	return m.protocol == ProtocolUDP
}
