// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package caching implements the executor-side request cache (component F):
// in-flight deduplication keyed by (correlation data, request topic; the
// source id is not part of the key), pinned
// while Running, plus TTL-bounded equivalent-request reuse of a completed
// result, with time-based and cost-weighted eviction (spec §5).
package caching

import (
	"bytes"
	"sync"
	"time"

	"github.com/kestrelmq/protocol/internal/constants"
	"github.com/kestrelmq/protocol/internal/container"
	"github.com/kestrelmq/protocol/internal/wallclock"
	"github.com/kestrelmq/protocol/mqtt"
)

type (
	entry struct {
		req *mqtt.Message
		*result
		start    time.Time // time the entry was first requested
		reqTTL   time.Time // time the initial request expires
		cacheTTL time.Time // time the entry is fully evicted
	}

	result struct {
		cb   Callback
		end  time.Time
		refs int
		size int
	}

	// key identifies a cache entry by correlation data and topic. Topic is
	// included so a security policy keyed on topic can still be enforced
	// even though correlation data is already globally unique per request.
	key struct {
		c string
		t string
	}

	// Cache deduplicates concurrent and TTL-adjacent executions of
	// equivalent requests. A nil clock defaults to wallclock.Instance.
	Cache struct {
		clock Clock
		ttl   time.Duration
		bytes int

		// ignoreSource disables source-id comparison in equivalence checks
		// when the request topic carries no per-invoker token,
		// matching spec §5's note that dedup identity is scoped by
		// whatever the topic pattern actually partitions on.
		ignoreSource bool

		timeStore *container.PriorityMap[key, *entry, int64]
		costStore *container.PriorityMap[key, *entry, float64]

		mu sync.Mutex
	}

	// Callback computes the response for a request not already cached.
	Callback = func() (*mqtt.Message, error)

	// Clock abstracts time for deterministic tests.
	Clock interface{ Now() time.Time }
)

// Eviction bounds (spec §5: "a fixed aggregate cap on cache size and entry
// count, with cost-weighted-benefit eviction once either is reached").
const (
	FixedProcessingOverheadMs = 10
	FixedStorageOverheadBytes = 100
	MaxEntryCount             = 10000
	MaxAggregatePayloadBytes  = 10000000
)

type realClock struct{}

func (realClock) Now() time.Time { return wallclock.Instance.Now() }

// New creates a Cache. ttl is the equivalent-request reuse window applied
// after a result completes; ignoreSource scopes equivalence when the
// topic's executor identity is not partitioned per-invoker.
func New(clock Clock, ttl time.Duration, ignoreSource bool) *Cache {
	if clock == nil {
		clock = realClock{}
	}
	return &Cache{
		clock:        clock,
		ttl:          ttl,
		ignoreSource: ignoreSource,
		timeStore:    container.NewPriorityMap[key, *entry, int64](),
		costStore:    container.NewPriorityMap[key, *entry, float64](),
	}
}

// Exec returns the cached response for req, computing it with cb if
// necessary. A nil message with a nil error means the request should be
// silently dropped — either it duplicates one already running (spec §5:
// "pinned while Running"), or the original request has already expired.
func (c *Cache) Exec(req *mqtt.Message, cb Callback) (*mqtt.Message, error) {
	e := c.get(req, cb)
	if e == nil {
		return nil, nil
	}
	return e.cb()
}

// get finds or creates the entry for req without holding the lock across
// the (potentially slow) handler callback.
func (c *Cache) get(req *mqtt.Message, cb Callback) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := getKey(req)
	now := c.clock.Now().UTC()

	if cached, ok := c.timeStore.Get(id); ok {
		if cached.end.IsZero() || now.After(cached.reqTTL) {
			return nil
		}
		return cached
	}

	e := &entry{
		req:    req,
		start:  now,
		reqTTL: now.Add(time.Duration(req.MessageExpiry) * time.Second),
	}
	e.cacheTTL = e.reqTTL
	c.timeStore.Set(id, e, e.cacheTTL.UnixNano())

	if equiv, ok := c.costStore.Find(func(cached *entry) bool {
		return c.equivalentRequest(req, cached.req) &&
			now.Before(cached.end.Add(c.ttl))
	}); ok {
		e.result = equiv.result
		e.refs++
	} else {
		e.result = &result{
			cb: sync.OnceValues(func() (*mqtt.Message, error) {
				res, err := cb()
				return c.set(e, res, err, c.clock.Now().UTC())
			}),
		}
	}

	return e
}

func (c *Cache) set(e *entry, res *mqtt.Message, err error, now time.Time) (*mqtt.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := getKey(e.req)
	e.end = now

	if c.ttl > 0 && res != nil {
		if e.end.Add(c.ttl).After(e.cacheTTL) {
			e.cacheTTL = e.end.Add(c.ttl)
			c.timeStore.Set(id, e, e.cacheTTL.UnixNano())
		}
		c.costStore.Set(id, e, costWeightedBenefit(res, e.end.Sub(e.start)))
	} else {
		if e.end.After(e.cacheTTL) {
			c.timeStore.Delete(id)
			return nil, nil
		}
		e.req = nil
	}

	if res != nil {
		e.size = sizeOf(res)
		c.bytes += e.size
	}

	c.trim(now)

	return res, err
}

// trim first evicts everything past its cacheTTL, then — while the store
// is still over either bound — evicts the lowest cost-weighted-benefit
// entries until under both (spec §5).
func (c *Cache) trim(now time.Time) {
	for {
		id, e, ok := c.timeStore.Next()
		if !ok || now.Before(e.cacheTTL) {
			break
		}
		c.remove(id, e)
	}

	for c.timeStore.Len() >= MaxEntryCount || c.bytes >= MaxAggregatePayloadBytes {
		id, e, ok := c.costStore.Next()
		if !ok {
			break
		}

		if now.After(e.reqTTL) {
			c.remove(id, e)
		} else {
			// Still within its own request TTL: demote rather than
			// discard, keeping dedup-during-flight intact while giving
			// up the equivalent-request reuse slot.
			e.req = nil
			e.cacheTTL = e.reqTTL
			c.timeStore.Set(id, e, e.cacheTTL.UnixNano())
			c.costStore.Delete(id)
		}
	}
}

func (c *Cache) remove(id key, e *entry) {
	c.timeStore.Delete(id)
	c.costStore.Delete(id)
	e.refs--
	if e.refs < 0 {
		c.bytes -= e.size
	}
}

func sizeOf(res *mqtt.Message) int { return len(res.Payload) }

func costWeightedBenefit(msg *mqtt.Message, exec time.Duration) float64 {
	executionBypassBenefit := FixedProcessingOverheadMs + exec.Milliseconds()
	storageCost := FixedStorageOverheadBytes + sizeOf(msg)
	return float64(executionBypassBenefit) / float64(storageCost)
}

func getKey(msg *mqtt.Message) key {
	return key{string(msg.CorrelationData), msg.Topic}
}

// equivalentRequest reports whether req may reuse cached's already-computed
// result: same topic and payload, and matching user properties once
// ephemeral ones are ignored (spec §5, testable property 6).
func (c *Cache) equivalentRequest(req, cached *mqtt.Message) bool {
	if bytes.Equal(req.CorrelationData, cached.CorrelationData) {
		return false
	}
	if req.Topic != cached.Topic {
		return false
	}
	if len(req.UserProperties) != len(cached.UserProperties) {
		return false
	}
	if !bytes.Equal(req.Payload, cached.Payload) {
		return false
	}
	for k, v := range req.UserProperties {
		if c.ignoreMetadata(k) {
			continue
		}
		if v != cached.UserProperties[k] {
			return false
		}
	}
	return true
}

// ignoreMetadata excludes per-invocation metadata from equivalence checks:
// timestamps always differ, and source id is excluded when the topic isn't
// partitioned per source anyway.
func (c *Cache) ignoreMetadata(k string) bool {
	switch k {
	case constants.Timestamp:
		return true
	case constants.SourceID:
		return c.ignoreSource
	default:
		return false
	}
}
