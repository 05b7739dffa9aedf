// This code was adapted from https://github.com/dapr/kit/tree/v0.15.4/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

package musicgen

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	kclock "k8s.io/utils/clock"
)

// TrackCache stores generated tracks, keyed by prompt, for a limited time.
// Expired entries are periodically purged in background.
type TrackCache struct {
	m          *haxmap.Map[string, cachedTracks]
	clock      kclock.WithTicker
	stopped    atomic.Bool
	runningCh  chan struct{}
	stopCh     chan struct{}
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// TrackCacheOptions are options for NewTrackCache.
type TrackCacheOptions struct {
	// Initial size for the cache.
	// This is optional, and if empty will be left to the underlying library to decide.
	InitialSize int32

	// Interval to perform garbage collection.
	// This is optional, and defaults to 150s (2.5 minutes).
	CleanupInterval time.Duration

	// TTL used when Set is invoked with a TTL of 0.
	// This is optional, and defaults to 1 hour.
	DefaultTTL time.Duration

	// Maximum TTL value, if greater than 0
	MaxTTL time.Duration

	// Internal clock property, used for testing
	clock kclock.WithTicker
}

// NewTrackCache returns a new TrackCache.
func NewTrackCache(opts *TrackCacheOptions) *TrackCache {
	var m *haxmap.Map[string, cachedTracks]

	if opts == nil {
		opts = &TrackCacheOptions{}
	}

	if opts.InitialSize > 0 {
		m = haxmap.New[string, cachedTracks](uintptr(opts.InitialSize))
	} else {
		m = haxmap.New[string, cachedTracks]()
	}

	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 2*time.Minute + 30*time.Second
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.clock == nil {
		opts.clock = kclock.RealClock{}
	}

	c := &TrackCache{
		m:          m,
		clock:      opts.clock,
		defaultTTL: opts.DefaultTTL,
		maxTTL:     opts.MaxTTL,
		stopCh:     make(chan struct{}),
	}
	c.startBackgroundCleanup(opts.CleanupInterval)

	return c
}

// Get returns the tracks generated for a prompt key.
// Entries that have expired are not returned.
func (c *TrackCache) Get(key string) ([]Track, bool) {
	val, ok := c.m.Get(key)
	if !ok || !val.exp.After(c.clock.Now()) {
		return nil, false
	}
	return slices.Clone(val.tracks), true
}

// Set stores the tracks generated for a prompt key.
// A ttl of 0 means the default TTL.
func (c *TrackCache) Set(key string, tracks []Track, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if c.maxTTL > 0 && ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	c.m.Set(key, cachedTracks{
		tracks: slices.Clone(tracks),
		exp:    c.clock.Now().Add(ttl),
	})
}

// Delete removes the tracks for a prompt key.
func (c *TrackCache) Delete(key string) {
	c.m.Del(key)
}

// Len returns the number of entries in the cache, including expired ones not yet purged.
func (c *TrackCache) Len() int {
	return int(c.m.Len()) //nolint:gosec
}

// Cleanup removes all expired entries from the cache.
func (c *TrackCache) Cleanup() {
	now := c.clock.Now()

	// Collect the expired keys, then remove them in bulk
	// An entry that is refreshed after ForEach returns may be deleted anyways, which only causes one extra generation
	keys := make([]string, 0)
	c.m.ForEach(func(k string, v cachedTracks) bool {
		if !v.exp.After(now) {
			keys = append(keys, k)
		}
		return true
	})

	if len(keys) > 0 {
		c.m.Del(keys...)
	}
}

func (c *TrackCache) startBackgroundCleanup(d time.Duration) {
	c.runningCh = make(chan struct{})
	go func() {
		defer close(c.runningCh)

		t := c.clock.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-t.C():
				c.Cleanup()
			}
		}
	}()
}

// Stop the background cleanup.
func (c *TrackCache) Stop() {
	if c.stopped.CompareAndSwap(false, true) {
		close(c.stopCh)
	}
	<-c.runningCh
}

type cachedTracks struct {
	tracks []Track
	exp    time.Time
}
