package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type entry[V any] struct {
	key      string
	value    V
	stored   time.Time
	ttl      time.Duration
	useCount int
}

// Cache is a bounded LRU with per-entry TTL. Expired entries are evicted on
// access and by a background sweep.
type Cache[V any] struct {
	name      string
	items     map[string]*list.Element
	evictList *list.List
	mutex     sync.Mutex
	capacity  int
	clock     clock.Clock
	ctx       context.Context
	cancel    context.CancelFunc
	sweep     time.Duration
}

var (
	hits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_hits_total",
		Help: "Cache lookups served from memory",
	}, []string{"cache"})
	misses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_misses_total",
		Help: "Cache lookups that found nothing or an expired entry",
	}, []string{"cache"})
	size = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_cache_size",
		Help: "Entries currently held",
	}, []string{"cache"})
)

type Options struct {
	Capacity int
	Sweep    time.Duration
	Clock    clock.Clock
}

func New[V any](name string, opts Options) *Cache[V] {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.Sweep <= 0 {
		opts.Sweep = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Cache[V]{
		name:      name,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		capacity:  opts.Capacity,
		clock:     opts.Clock,
		ctx:       ctx,
		cancel:    cancel,
		sweep:     opts.Sweep,
	}
	go c.startCleanup()
	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var zero V
	element, exists := c.items[key]
	if !exists {
		misses.WithLabelValues(c.name).Inc()
		return zero, false
	}
	e := element.Value.(*entry[V])
	if c.expired(e, c.clock.Now()) {
		c.evictElement(element)
		misses.WithLabelValues(c.name).Inc()
		return zero, false
	}
	c.evictList.MoveToFront(element)
	e.useCount++
	hits.WithLabelValues(c.name).Inc()
	return e.value, true
}

// Set stores value under key. A zero ttl never expires.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if element, exists := c.items[key]; exists {
		c.evictList.MoveToFront(element)
		e := element.Value.(*entry[V])
		e.value = value
		e.stored = c.clock.Now()
		e.ttl = ttl
		return
	}

	element := c.evictList.PushFront(&entry[V]{key: key, value: value, stored: c.clock.Now(), ttl: ttl})
	c.items[key] = element
	size.WithLabelValues(c.name).Inc()

	if c.evictList.Len() > c.capacity {
		if last := c.evictList.Back(); last != nil {
			c.evictElement(last)
		}
	}
}

func (c *Cache[V]) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if element, exists := c.items[key]; exists {
		c.evictElement(element)
	}
}

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.stored) > e.ttl
}

func (c *Cache[V]) evictElement(element *list.Element) {
	c.evictList.Remove(element)
	delete(c.items, element.Value.(*entry[V]).key)
	size.WithLabelValues(c.name).Dec()
}

func (c *Cache[V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	size.WithLabelValues(c.name).Sub(float64(c.evictList.Len()))
	c.items = make(map[string]*list.Element)
	c.evictList.Init()
}

func (c *Cache[V]) Stop() {
	c.cancel()
}

func (c *Cache[V]) startCleanup() {
	ticker := c.clock.Ticker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupExpired()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Cache[V]) cleanupExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock.Now()
	for _, element := range c.items {
		if c.expired(element.Value.(*entry[V]), now) {
			c.evictElement(element)
		}
	}
}

func (c *Cache[V]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.evictList.Len()
}
