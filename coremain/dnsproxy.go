package coremain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go4.org/netipx"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/dnsproxy/mlog"
	"github.com/pmkol/dnsproxy/pkg/cache/redis_cache"
	"github.com/pmkol/dnsproxy/pkg/domain_cache"
	"github.com/pmkol/dnsproxy/pkg/proxy"
	"github.com/pmkol/dnsproxy/pkg/server"
	"github.com/pmkol/dnsproxy/pkg/upstream"
)

type DNSProxy struct {
	logger *zap.Logger

	cache   *domain_cache.ConcurrentStore
	l2      *redis_cache.RedisCache
	handler *proxy.Handler

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry
}

// newDNSProxy builds every component of cfg without starting any
// listener.
func newDNSProxy(cfg *Config, lg *zap.Logger) (*DNSProxy, error) {
	cfg.init()

	p := &DNSProxy{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
	}

	store := domain_cache.Init(cfg.Hosts.File, lg.Named("hosts"))
	p.cache = domain_cache.NewConcurrentStore(store, time.Duration(cfg.Cache.CleanInterval)*time.Second)

	if len(cfg.Redis.URL) > 0 {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		client := redis.NewClient(opt)
		p.l2, err = redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:        client,
			ClientCloser:  client,
			ClientTimeout: time.Duration(cfg.Redis.Timeout) * time.Millisecond,
			Logger:        lg.Named("redis"),
		})
		if err != nil {
			p.close()
			return nil, fmt.Errorf("failed to init redis cache, %w", err)
		}
	}

	upstreams := make([]upstream.Upstream, 0, len(cfg.Upstream.Addrs))
	for _, addr := range cfg.Upstream.Addrs {
		u, err := upstream.NewUpstream(addr, &upstream.Opt{
			Timeout: time.Duration(cfg.Upstream.Timeout) * time.Second,
			Logger:  lg.Named("upstream"),
		})
		if err != nil {
			p.close()
			return nil, fmt.Errorf("failed to init upstream %s, %w", addr, err)
		}
		upstreams = append(upstreams, u)
	}

	hOpts := proxy.HandlerOpts{
		Logger:       lg.Named("proxy"),
		Cache:        p.cache,
		Upstreams:    upstreams,
		MinTTL:       cfg.Cache.MinTTL,
		MaxTTL:       cfg.Cache.MaxTTL,
		QueryTimeout: time.Duration(cfg.Upstream.Timeout) * time.Second,
		MetricsReg:   p.GetMetricsReg(),
	}
	if p.l2 != nil {
		hOpts.L2 = p.l2
	}
	h, err := proxy.NewHandler(hOpts)
	if err != nil {
		p.close()
		return nil, fmt.Errorf("failed to init handler, %w", err)
	}
	p.handler = h

	p.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(p.metricsReg, promhttp.HandlerOpts{}))
	p.httpAPIMux.HandleFunc("/cache/stats", p.serveCacheStats)
	p.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	p.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	p.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	p.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	p.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return p, nil
}

// RunProxy runs the proxy described by cfg until ctx is done or a
// server fails.
func RunProxy(ctx context.Context, cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return errors.New("no server is configured")
	}

	p, err := newDNSProxy(cfg, lg)
	if err != nil {
		return err
	}
	defer p.close()

	allowed, err := buildIPSet(cfg.Access.Allow)
	if err != nil {
		return fmt.Errorf("invalid access list, %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	var servers []*server.Server
	var startErr error
	for i := range cfg.Servers {
		s, serve, err := p.startServer(&cfg.Servers[i], allowed)
		if err != nil {
			startErr = fmt.Errorf("failed to start server #%d, %w", i, err)
			cancel()
			break
		}
		servers = append(servers, s)
		g.Go(serve)
	}

	var httpServer *http.Server
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 && startErr == nil {
		httpServer = &http.Server{
			Addr:              httpAddr,
			Handler:           p.httpAPIMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			p.logger.Info("starting api http server", zap.String("addr", httpAddr))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api http server exited, %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		p.logger.Info("shutting down")
		for _, s := range servers {
			s.Close()
		}
		if httpServer != nil {
			httpServer.Close()
		}
		return nil
	})

	err = g.Wait()
	if startErr != nil {
		return startErr
	}
	return err
}

// startServer opens the listener of sc. serve blocks until the server is
// closed or fails.
func (p *DNSProxy) startServer(sc *ServerConfig, allowed *netipx.IPSet) (*server.Server, func() error, error) {
	if len(sc.Addr) == 0 {
		return nil, nil, errors.New("server addr is empty")
	}
	s := server.NewServer(server.ServerOpts{
		Logger:      p.logger.Named("server"),
		DNSHandler:  p.handler,
		Allowed:     allowed,
		IdleTimeout: time.Duration(sc.IdleTimeout) * time.Second,
	})

	var run func() error
	switch sc.Protocol {
	case "", "udp":
		c, err := net.ListenPacket("udp", sc.Addr)
		if err != nil {
			return nil, nil, err
		}
		run = func() error { return s.ServeUDP(c) }
	case "tcp":
		l, err := net.Listen("tcp", sc.Addr)
		if err != nil {
			return nil, nil, err
		}
		if sc.ProxyProtocol {
			trusted, err := buildIPSet(sc.TrustedProxies)
			if err != nil {
				l.Close()
				return nil, nil, fmt.Errorf("invalid trusted proxies, %w", err)
			}
			l = server.WrapProxyProtocol(l, trusted)
		}
		run = func() error { return s.ServeTCP(l) }
	default:
		return nil, nil, fmt.Errorf("unsupported protocol %q", sc.Protocol)
	}

	p.logger.Info("server started", zap.String("protocol", sc.Protocol), zap.String("addr", sc.Addr))
	return s, func() error {
		if err := run(); !errors.Is(err, server.ErrServerClosed) {
			return fmt.Errorf("server %s exited, %w", sc.Addr, err)
		}
		return nil
	}, nil
}

func (p *DNSProxy) serveCacheStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(p.cache.Stats()); err != nil {
		p.logger.Warn("failed to write cache stats", zap.Error(err))
	}
}

func (p *DNSProxy) close() {
	if p.cache != nil {
		p.cache.Close()
	}
	if p.l2 != nil {
		if err := p.l2.Close(); err != nil {
			p.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}

func (p *DNSProxy) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("dnsproxy_", p.metricsReg)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
