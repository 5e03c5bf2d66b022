// Package resource caches fetched binary content behind blob handles.
//
// Each key has at most one entry. An entry is Pending while its fetch is in
// flight and Ready once a handle has been minted. Every entry carries the
// generation it was created at; a fetch only commits if the entry it started
// for is still present at the same generation, so Invalidate and Clear always
// win over a fetch that resolves later.
package resource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/chinmina/chinmina-gallery/internal/blob"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidated is delivered to callers awaiting a fetch whose entry was
// invalidated or cleared before the fetch resolved.
var ErrInvalidated = errors.New("resource invalidated while fetching")

// Key identifies a binary resource, e.g. an image id.
type Key string

// ConsumerRef identifies one holder of a reference to an entry. A consumer
// that calls Get repeatedly for the same key holds a single reference.
type ConsumerRef string

type State int

const (
	StatePending State = iota + 1
	StateReady
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Payload is fetched binary content.
type Payload struct {
	ContentType string
	Data        []byte
}

// Fetcher retrieves the content for a key.
type Fetcher func(ctx context.Context, key Key) (Payload, error)

// ReleasePolicy decides what happens when the last consumer releases a Ready
// entry.
type ReleasePolicy int

const (
	// ReleaseEager revokes the handle and drops the entry at zero consumers.
	ReleaseEager ReleasePolicy = iota
	// ReleaseDeferred keeps the handle until Invalidate or Clear.
	ReleaseDeferred
)

func (p ReleasePolicy) String() string {
	if p == ReleaseDeferred {
		return "deferred"
	}
	return "eager"
}

// ParseReleasePolicy reads a policy name as used in configuration.
func ParseReleasePolicy(s string) (ReleasePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "eager":
		return ReleaseEager, nil
	case "deferred":
		return ReleaseDeferred, nil
	default:
		return ReleaseEager, fmt.Errorf("unknown release policy %q", s)
	}
}

type entry struct {
	state      State
	generation uint64
	handle     *blob.Handle
	consumers  map[ConsumerRef]struct{}
}

// Cache is safe for concurrent use. No I/O happens while its lock is held.
type Cache struct {
	fetch    Fetcher
	registry *blob.Registry
	policy   ReleasePolicy

	group singleflight.Group

	mu         sync.Mutex
	entries    map[Key]*entry
	generation uint64
}

type Option func(*Cache)

func WithReleasePolicy(p ReleasePolicy) Option {
	return func(c *Cache) {
		c.policy = p
	}
}

// New creates a cache that mints handles for fetched content in registry.
func New(fetch Fetcher, registry *blob.Registry, opts ...Option) *Cache {
	initMetrics()

	c := &Cache{
		fetch:    fetch,
		registry: registry,
		entries:  make(map[Key]*entry),
	}
	for _, o := range opts {
		o(c)
	}

	return c
}

// Policy returns the configured release policy.
func (c *Cache) Policy() ReleasePolicy {
	return c.policy
}

// Get returns the handle for key, registering consumer as a holder.
//
// A Ready entry is served without a fetch. Concurrent callers for a Pending
// entry share the one in-flight fetch and receive the same handle or the
// same error. A failed fetch removes the entry so the next Get retries.
//
// The fetch is detached from ctx: if ctx ends first, Get returns ctx.Err()
// and drops the consumer's reference, but the fetch still completes and
// populates the cache.
func (c *Cache) Get(ctx context.Context, key Key, consumer ConsumerRef) (*blob.Handle, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.state == StateReady {
		e.consumers[consumer] = struct{}{}
		h := e.handle
		c.mu.Unlock()

		recordHit(ctx)
		return h, nil
	}
	if !ok {
		c.generation++
		e = &entry{
			state:      StatePending,
			generation: c.generation,
			consumers:  make(map[ConsumerRef]struct{}),
		}
		c.entries[key] = e
	}
	e.consumers[consumer] = struct{}{}
	gen := e.generation

	// Joining under the lock means a registered consumer is always attached
	// to the flight that resolves its entry. DoChan does not wait for load.
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey(key, gen), func() (any, error) {
		return c.load(detached, key, gen)
	})
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.drop(key, gen, consumer)
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*blob.Handle), nil
	}
}

// load performs the fetch for the entry created at gen and commits the result
// if that entry is still current.
func (c *Cache) load(ctx context.Context, key Key, gen uint64) (*blob.Handle, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.generation != gen {
		c.mu.Unlock()
		return nil, ErrInvalidated
	}
	if e.state == StateReady {
		// a previous flight for this generation already committed
		h := e.handle
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	payload, err := c.fetch(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok = c.entries[key]
	current := ok && e.generation == gen

	if err != nil {
		if current {
			delete(c.entries, key)
		}
		recordFetch(ctx, "error")
		log.Ctx(ctx).Debug().Err(err).Str("key", string(key)).Msg("resource fetch failed")
		return nil, err
	}

	if !current || e.state != StatePending {
		recordFetch(ctx, "discarded")
		log.Ctx(ctx).Debug().
			Str("key", string(key)).
			Uint64("generation", gen).
			Msg("resource fetch resolved after invalidation, discarding")
		return nil, ErrInvalidated
	}

	e.handle = c.registry.Mint(payload.ContentType, payload.Data)
	e.state = StateReady
	recordFetch(ctx, "success")

	return e.handle, nil
}

// drop removes a consumer that stopped waiting. Releasing applies the
// policy only to the entry that consumer joined.
func (c *Cache) drop(key Key, gen uint64, consumer ConsumerRef) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.generation != gen {
		c.mu.Unlock()
		return
	}
	revoke := c.releaseLocked(key, e, consumer)
	c.mu.Unlock()

	c.registry.Revoke(revoke)
}

// Release removes consumer's reference to key. Under ReleaseEager the last
// release of a Ready entry revokes its handle and removes the entry.
func (c *Cache) Release(key Key, consumer ConsumerRef) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	revoke := c.releaseLocked(key, e, consumer)
	c.mu.Unlock()

	if c.registry.Revoke(revoke) {
		log.Debug().Str("key", string(key)).Msg("resource released")
	}
}

// releaseLocked returns the handle to revoke, if any.
func (c *Cache) releaseLocked(key Key, e *entry, consumer ConsumerRef) *blob.Handle {
	delete(e.consumers, consumer)

	if len(e.consumers) > 0 || e.state != StateReady || c.policy != ReleaseEager {
		return nil
	}

	delete(c.entries, key)
	return e.handle
}

// Invalidate revokes the handle for key (if any) and removes the entry,
// forcing the next Get to fetch. An in-flight fetch for the entry is
// discarded when it resolves.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if !ok {
		return
	}

	c.registry.Revoke(e.handle)
	log.Debug().Str("key", string(key)).Str("state", e.state.String()).Msg("resource invalidated")
}

// Clear revokes every handle and empties the cache. In-flight fetches are
// discarded when they resolve.
func (c *Cache) Clear() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[Key]*entry)
	c.mu.Unlock()

	for _, e := range old {
		c.registry.Revoke(e.handle)
	}

	log.Debug().Int("entries", len(old)).Msg("resource cache cleared")
}

// Peek reports the state of the entry for key without affecting it.
func (c *Cache) Peek(key Key) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Consumers reports how many consumers hold the entry for key.
func (c *Cache) Consumers(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		return len(e.consumers)
	}
	return 0
}

// Len reports the number of entries, pending or ready.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func flightKey(key Key, gen uint64) string {
	return string(key) + "@" + strconv.FormatUint(gen, 10)
}
