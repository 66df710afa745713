package coremain

import (
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"

	"github.com/pmkol/dnsproxy/mlog"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Include  []string       `yaml:"include,omitempty"`
	Hosts    HostsConfig    `yaml:"hosts"`
	Cache    CacheConfig    `yaml:"cache"`
	Redis    RedisConfig    `yaml:"redis"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Servers  []ServerConfig `yaml:"servers"`
	Access   AccessConfig   `yaml:"access"`
	API      APIConfig      `yaml:"api"`
}

type HostsConfig struct {
	// File is a hosts-style file loaded once at startup. Optional.
	File string `yaml:"file"`
}

type CacheConfig struct {
	CleanInterval uint   `yaml:"clean_interval"` // (sec) Default is 60.
	MinTTL        uint32 `yaml:"min_ttl"`        // (sec)
	MaxTTL        uint32 `yaml:"max_ttl"`        // (sec) Default is 86400.
}

type RedisConfig struct {
	// URL is a redis url, e.g. "redis://127.0.0.1:6379/0".
	// Empty URL disables the redis cache.
	URL     string `yaml:"url"`
	Timeout uint   `yaml:"timeout"` // (ms) Default is 50.
}

type UpstreamConfig struct {
	// Addrs: "udp://host[:port]", "tcp://host[:port]" or "host[:port]".
	Addrs   []string `yaml:"addrs"`
	Timeout uint     `yaml:"timeout"` // (sec) Default is 5.
}

type ServerConfig struct {
	// Protocol: "", "udp" -> udp
	// "tcp" -> tcp
	Protocol string `yaml:"protocol"`

	// Addr: server "host:port" addr.
	// Addr cannot be empty.
	Addr string `yaml:"addr"`

	// ProxyProtocol accepts the PROXY protocol on tcp listeners.
	ProxyProtocol bool `yaml:"proxy_protocol"`

	// TrustedProxies must send a PROXY header. Others are served with
	// their own address. Empty means any source may send one.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`

	IdleTimeout uint `yaml:"idle_timeout"` // (sec) used by tcp as connection idle timeout.
}

type AccessConfig struct {
	// Allow is a list of ips or cidrs that may query the servers.
	// Empty means all clients are allowed.
	Allow []string `yaml:"allow,omitempty"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

func setDefaultNum[T uint | uint32](p *T, d T) {
	if *p == 0 {
		*p = d
	}
}

func (c *Config) init() {
	setDefaultNum(&c.Cache.CleanInterval, 60)
	setDefaultNum(&c.Cache.MaxTTL, 86400)
	setDefaultNum(&c.Redis.Timeout, 50)
	setDefaultNum(&c.Upstream.Timeout, 5)
}

func defaultConfig() *Config {
	return &Config{
		Log:   mlog.LogConfig{Level: "info"},
		Hosts: HostsConfig{File: "hosts"},
		Cache: CacheConfig{CleanInterval: 60, MaxTTL: 86400},
		Upstream: UpstreamConfig{
			Addrs:   []string{"udp://8.8.8.8", "udp://1.1.1.1"},
			Timeout: 5,
		},
		Servers: []ServerConfig{
			{Protocol: "udp", Addr: "127.0.0.1:53"},
			{Protocol: "tcp", Addr: "127.0.0.1:53", IdleTimeout: 10},
		},
		API: APIConfig{HTTP: "127.0.0.1:8080"},
	}
}

// buildIPSet builds an IPSet from ips and cidrs. Empty input gives a nil set.
func buildIPSet(s []string) (*netipx.IPSet, error) {
	if len(s) == 0 {
		return nil, nil
	}
	var b netipx.IPSetBuilder
	for _, e := range s {
		e = strings.TrimSpace(e)
		if strings.ContainsRune(e, '/') {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid cidr %q, %w", e, err)
			}
			b.AddPrefix(p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid ip %q, %w", e, err)
		}
		b.Add(addr.Unmap())
	}
	return b.IPSet()
}
