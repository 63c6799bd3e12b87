package ganko

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ConnectionPool hands out a shared transport per origin and accounts for
// connection reuse across in-flight requests. It never closes live sockets
// itself; Reset only clears the observability counters.
type ConnectionPool struct {
	cfg PoolConfig
	log *zap.Logger

	mu      sync.RWMutex
	origins map[string]*poolEntry
}

type poolEntry struct {
	client    *http.Client
	transport *http.Transport
	createdAt time.Time

	active atomic.Int64
	total  atomic.Int64
	reused atomic.Int64
	opened atomic.Int64
	http2  atomic.Int64
}

// TransportConfig is the resolved set of pooling parameters for one origin.
type TransportConfig struct {
	Origin              string
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	KeepAlive           time.Duration
	ForceHTTP2          bool
	DisableKeepAlives   bool
}

// PoolStats is an aggregate read-only snapshot across all origins.
type PoolStats struct {
	Origins           int
	ActiveConnections int64
	IdleConnections   int64
	TotalRequests     int64
	ReusedConnections int64
	ReuseRatio        float64
	HTTP2Usage        float64
}

func NewConnectionPool(cfg PoolConfig, log *zap.Logger) *ConnectionPool {
	return &ConnectionPool{
		cfg:     cfg.withDefaults(),
		log:     log,
		origins: make(map[string]*poolEntry),
	}
}

// ConfigFor returns the pooling parameters for an origin. Its only side
// effect is lazily initializing the origin's pool entry.
func (p *ConnectionPool) ConfigFor(originURL string) TransportConfig {
	origin := Origin(originURL)
	p.entry(origin)

	return TransportConfig{
		Origin:              origin,
		MaxIdleConns:        p.cfg.MaxIdleConns,
		MaxIdleConnsPerHost: p.cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     p.cfg.MaxConnsPerHost,
		IdleConnTimeout:     p.cfg.IdleConnTimeout,
		KeepAlive:           p.cfg.KeepAlive,
		ForceHTTP2:          p.cfg.ForceHTTP2,
		DisableKeepAlives:   p.cfg.DisableKeepAlives,
	}
}

// ClientFor returns the shared client for an origin, building its transport
// on first use so subsequent attempts reuse connections.
func (p *ConnectionPool) ClientFor(originURL string) *http.Client {
	return p.entry(Origin(originURL)).client
}

func (p *ConnectionPool) entry(origin string) *poolEntry {
	p.mu.RLock()
	e, ok := p.origins[origin]
	p.mu.RUnlock()

	if ok {
		return e
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok = p.origins[origin]; ok {
		return e
	}

	transport := &http.Transport{
		MaxIdleConns:        p.cfg.MaxIdleConns,
		MaxIdleConnsPerHost: p.cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     p.cfg.MaxConnsPerHost,
		IdleConnTimeout:     p.cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   p.cfg.ForceHTTP2,
		DisableKeepAlives:   p.cfg.DisableKeepAlives,
		DialContext: (&net.Dialer{
			KeepAlive: p.cfg.KeepAlive,
		}).DialContext,
	}

	e = &poolEntry{
		client:    &http.Client{Transport: transport},
		transport: transport,
		createdAt: time.Now(),
	}
	p.origins[origin] = e

	p.log.Debug("pool entry created", zap.String("origin", origin))

	return e
}

// RecordStart marks a request in flight against the origin.
func (p *ConnectionPool) RecordStart(originURL string) {
	p.entry(Origin(originURL)).active.Add(1)
}

// RecordCompletion accounts for one finished attempt against the origin.
func (p *ConnectionPool) RecordCompletion(originURL string, reused bool, proto string) {
	e := p.entry(Origin(originURL))

	e.active.Add(-1)
	e.total.Add(1)

	if reused {
		e.reused.Add(1)
	} else {
		e.opened.Add(1)
	}

	if proto == "HTTP/2.0" {
		e.http2.Add(1)
	}
}

// Stats returns an aggregate snapshot across all origins. Idle connections
// are an estimate derived from opened-versus-in-flight accounting; the
// transport does not expose its idle list.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{Origins: len(p.origins)}

	var http2 int64

	for _, e := range p.origins {
		active := e.active.Load()
		opened := e.opened.Load()

		stats.ActiveConnections += active
		stats.TotalRequests += e.total.Load()
		stats.ReusedConnections += e.reused.Load()
		http2 += e.http2.Load()

		if idle := opened - active; idle > 0 {
			idleCap := int64(p.cfg.MaxIdleConnsPerHost)
			if idleCap > 0 && idle > idleCap {
				idle = idleCap
			}
			stats.IdleConnections += idle
		}
	}

	if stats.TotalRequests > 0 {
		stats.ReuseRatio = float64(stats.ReusedConnections) / float64(stats.TotalRequests)
		stats.HTTP2Usage = float64(http2) / float64(stats.TotalRequests)
	}

	return stats
}

// Reset clears the completion counters. Live sockets are untouched: a fresh
// snapshot starts accumulating from zero. The in-flight gauge survives on
// purpose, so requests already started keep balanced start/completion
// accounting and the idle estimate settles once they finish.
func (p *ConnectionPool) Reset() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, e := range p.origins {
		e.total.Store(0)
		e.reused.Store(0)
		e.opened.Store(0)
		e.http2.Store(0)
	}
}
