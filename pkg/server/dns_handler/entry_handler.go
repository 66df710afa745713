package dns_handler

import (
	"context"

	"github.com/miekg/dns"

	C "github.com/pmkol/dnsproxy/pkg/query_context"
)

// Handler handles dns queries for the UDP and TCP servers.
type Handler interface {
	// ServeDNS returns the packed reply to req. The reply must carry
	// req's id. For udp requests it must fit the client's udp size.
	// An empty reply with a nil error means no reply is sent.
	ServeDNS(ctx context.Context, req *dns.Msg, meta *C.RequestMeta) ([]byte, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, req *dns.Msg, meta *C.RequestMeta) ([]byte, error)

func (f HandlerFunc) ServeDNS(ctx context.Context, req *dns.Msg, meta *C.RequestMeta) ([]byte, error) {
	return f(ctx, req, meta)
}
