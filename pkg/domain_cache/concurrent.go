package domain_cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultCleanerInterval = time.Minute

// ConcurrentStore serializes all access to a Store with a RWMutex.
// Search runs under the read lock, appends and sweeps under the write lock.
type ConcurrentStore struct {
	sync.RWMutex
	s *Store

	clock            clockwork.Clock
	closed           atomic.Bool
	closeCleanerChan chan struct{}
	cleanerDone      chan struct{}
	evicted          atomic.Uint64
}

// NewConcurrentStore wraps s. The caller must not use s directly
// afterwards. If cleanerInterval > 0 a goroutine calls Clean on every
// tick until Close is called.
func NewConcurrentStore(s *Store, cleanerInterval time.Duration) *ConcurrentStore {
	c := &ConcurrentStore{
		s:                s,
		clock:            s.clock,
		closeCleanerChan: make(chan struct{}),
		cleanerDone:      make(chan struct{}),
	}
	if cleanerInterval > 0 {
		go c.startCleaner(cleanerInterval)
	} else {
		close(c.cleanerDone)
	}
	return c
}

// Close stops the cleaner and waits for it to exit.
func (c *ConcurrentStore) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.closeCleanerChan)
	}
	<-c.cleanerDone
	return nil
}

func (c *ConcurrentStore) Search(domain string) *Entry {
	c.RLock()
	e := c.s.Search(domain)
	c.RUnlock()
	return e
}

func (c *ConcurrentStore) AppendStatic(domain string, answer []byte) InsertResult {
	c.Lock()
	r := c.s.AppendStatic(domain, answer)
	c.Unlock()
	return r
}

func (c *ConcurrentStore) AppendWildcard(prefix, suffix string, answer []byte) InsertResult {
	c.Lock()
	r := c.s.AppendWildcard(prefix, suffix, answer)
	c.Unlock()
	return r
}

func (c *ConcurrentStore) AppendDynamic(domain string, ttl uint32, answer []byte, answerCount uint16) InsertResult {
	c.Lock()
	r := c.s.AppendDynamic(domain, ttl, answer, answerCount)
	c.Unlock()
	return r
}

func (c *ConcurrentStore) Clean(now time.Time) int {
	c.Lock()
	n := c.s.Clean(now)
	c.Unlock()
	if n > 0 {
		c.evicted.Add(uint64(n))
	}
	return n
}

// Stats is a point-in-time view of the store counters.
type Stats struct {
	Entries  int    `json:"entries"`
	Exact    int    `json:"exact"`
	Wildcard int    `json:"wildcard"`
	Dynamic  int    `json:"dynamic"`
	Evicted  uint64 `json:"evicted"`
}

func (c *ConcurrentStore) Stats() Stats {
	c.RLock()
	st := Stats{
		Entries:  c.s.Len(),
		Exact:    c.s.ExactLen(),
		Wildcard: c.s.WildcardLen(),
		Dynamic:  c.s.DynamicLen(),
	}
	c.RUnlock()
	st.Evicted = c.evicted.Load()
	return st
}

func (c *ConcurrentStore) Len() int {
	c.RLock()
	n := c.s.Len()
	c.RUnlock()
	return n
}

func (c *ConcurrentStore) startCleaner(interval time.Duration) {
	defer close(c.cleanerDone)
	if interval <= 0 {
		interval = defaultCleanerInterval
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.Chan():
			c.Clean(c.clock.Now())
		}
	}
}
