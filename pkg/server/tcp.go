/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of dnsproxy.
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	proxyproto "github.com/pires/go-proxyproto"
	"go.uber.org/zap"
	"go4.org/netipx"

	"github.com/pmkol/dnsproxy/pkg/dnsutils"
	C "github.com/pmkol/dnsproxy/pkg/query_context"
)

const (
	defaultTCPIdleTimeout = time.Second * 10
	tcpFirstReadTimeout   = time.Millisecond * 500
	proxyHeaderTimeout    = time.Second * 5
)

func (s *Server) ServeTCP(l net.Listener) error {
	defer l.Close()

	if s.opts.DNSHandler == nil {
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(l, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(l, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		c, err := l.Accept()
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}

		go s.handleConnectionTcp(ctx, c)
	}
}

func (s *Server) handleConnectionTcp(ctx context.Context, c net.Conn) {
	defer c.Close()

	// With the PROXY protocol, RemoteAddr reads the header first.
	clientAddr := addrFromNet(c.RemoteAddr())
	if !s.allowed(clientAddr) {
		s.opts.Logger.Debug("connection from disallowed client", zap.Stringer("from", c.RemoteAddr()))
		return
	}

	if !s.trackCloser(c, true) {
		return
	}
	defer s.trackCloser(c, false)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	meta := C.NewRequestMeta(clientAddr, C.ProtocolTCP)

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultTCPIdleTimeout
	}

	c.SetReadDeadline(time.Now().Add(min(idleTimeout, tcpFirstReadTimeout)))

	for {
		buf, err := dnsutils.ReadRawMsgFromTCP(c)
		if err != nil {
			return
		}
		req := new(dns.Msg)
		err = req.Unpack(buf.Bytes())
		buf.Release()
		if err != nil {
			s.opts.Logger.Debug("invalid msg", zap.Error(err), zap.Stringer("from", c.RemoteAddr()))
			return
		}

		if err := s.handleQueryTcp(connCtx, c, req, meta, idleTimeout); err != nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(idleTimeout))
	}
}

func (s *Server) handleQueryTcp(ctx context.Context, c net.Conn, req *dns.Msg, meta *C.RequestMeta, timeout time.Duration) error {
	qCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r, err := s.opts.DNSHandler.ServeDNS(qCtx, req, meta)
	if err != nil {
		s.opts.Logger.Debug("handler err", zap.Error(err))
		return nil
	}
	if len(r) == 0 {
		return nil
	}

	if _, err := dnsutils.WriteRawMsgToTCP(c, r); err != nil {
		s.opts.Logger.Debug("failed to write response", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
		return err
	}
	return nil
}

// WrapProxyProtocol makes l accept the PROXY protocol. Connections from
// trusted sources must carry a header, others are served with their
// own address. A nil trusted set accepts a header from any source.
func WrapProxyProtocol(l net.Listener, trusted *netipx.IPSet) net.Listener {
	return &proxyproto.Listener{
		Listener:          l,
		ReadHeaderTimeout: proxyHeaderTimeout,
		ConnPolicy: func(opts proxyproto.ConnPolicyOptions) (proxyproto.Policy, error) {
			if trusted == nil {
				return proxyproto.USE, nil
			}
			if trusted.Contains(addrFromNet(opts.Upstream)) {
				return proxyproto.REQUIRE, nil
			}
			return proxyproto.IGNORE, nil
		},
	}
}
