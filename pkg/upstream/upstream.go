/*
 * Copyright (C) 2020-2025, pmkol
 *
 * This file is part of dnsproxy.
 *
 * dnsproxy is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * dnsproxy is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

var nopLogger = zap.NewNop()

// Upstream exchanges a query with one upstream server.
type Upstream interface {
	Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error)
	Address() string
}

type Opt struct {
	// Timeout limits one exchange. Default is 5s.
	Timeout time.Duration

	// Logger is the *zap.Logger for this upstream.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opt *Opt) init() {
	if opt.Timeout <= 0 {
		opt.Timeout = defaultTimeout
	}
	if opt.Logger == nil {
		opt.Logger = nopLogger
	}
}

// NewUpstream creates an Upstream for addr. Supported forms are
// "udp://host[:port]", "tcp://host[:port]" and "host[:port]" (udp).
// Port defaults to 53. A truncated udp reply is retried over tcp.
func NewUpstream(addr string, opt *Opt) (Upstream, error) {
	if opt == nil {
		opt = new(Opt)
	}
	opt.init()

	proto, host := "udp", addr
	if i := strings.Index(addr, "://"); i >= 0 {
		proto, host = addr[:i], addr[i+3:]
	}
	switch proto {
	case "udp", "tcp":
	default:
		return nil, fmt.Errorf("unsupported protocol %q", proto)
	}
	if len(host) == 0 {
		return nil, errors.New("empty upstream address")
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(strings.Trim(host, "[]"), "53")
	}

	u := &dnsUpstream{
		addr:   addr,
		dialTo: host,
		client: &dns.Client{Net: proto, Timeout: opt.Timeout},
		logger: opt.Logger,
	}
	if proto == "udp" {
		u.tcpClient = &dns.Client{Net: "tcp", Timeout: opt.Timeout}
	}
	return u, nil
}

type dnsUpstream struct {
	addr      string
	dialTo    string
	client    *dns.Client
	tcpClient *dns.Client // nil for tcp upstreams
	logger    *zap.Logger
}

func (u *dnsUpstream) Address() string {
	return u.addr
}

func (u *dnsUpstream) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	r, _, err := u.client.ExchangeContext(ctx, q, u.dialTo)
	if err != nil {
		return nil, err
	}
	if r.Truncated && u.tcpClient != nil {
		u.logger.Debug("truncated udp reply, retrying over tcp", zap.String("addr", u.addr), zap.String("qname", q.Question[0].Name))
		r, _, err = u.tcpClient.ExchangeContext(ctx, q, u.dialTo)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}
