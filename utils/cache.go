package utils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// LocalCache in-process key-value cache with per-entry retention
type LocalCache interface {
	/*
		Put add an entry to the cache

			@param ctxt context.Context - execution context
			@param key string - entry key
			@param value any - entry value
			@param ttl time.Duration - data retention before the entry expires
	*/
	Put(ctxt context.Context, key string, value any, ttl time.Duration) error

	/*
		Get fetch an entry from the cache

			@param ctxt context.Context - execution context
			@param key string - entry key
			@returns entry value
	*/
	Get(ctxt context.Context, key string) (any, error)

	/*
		Purge delete entries from the cache

			@param ctxt context.Context - execution context
			@param keys []string - list of entries by key to purge
	*/
	Purge(ctxt context.Context, keys []string) error

	/*
		Stop stop the cache retention enforcement process

			@param ctxt context.Context - execution context
	*/
	Stop(ctxt context.Context) error
}

// localCacheEntry wrapper structure holding one value with retention support
type localCacheEntry struct {
	expireAt time.Time
	value    any
}

// localCacheImpl implements LocalCache
type localCacheImpl struct {
	goutils.Component
	cache               map[string]localCacheEntry
	lock                sync.RWMutex
	retentionCheckTimer goutils.IntervalTimer
	wg                  sync.WaitGroup
}

/*
NewLocalCache define new local in-process cache

	@param parentContext context.Context - parent context from which a worker context is defined
	    for the data retention enforcement process
	@param retentionCheckInterval time.Duration - cache entry retention enforce interval
	@returns new LocalCache
*/
func NewLocalCache(
	parentContext context.Context, retentionCheckInterval time.Duration,
) (LocalCache, error) {
	logTags := log.Fields{
		"module":    "utils",
		"component": "local-cache",
	}

	instance := &localCacheImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		cache: make(map[string]localCacheEntry),
		lock:  sync.RWMutex{},
		wg:    sync.WaitGroup{},
	}

	timer, err := goutils.GetIntervalTimerInstance(parentContext, &instance.wg, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define support timer")
		return nil, err
	}
	instance.retentionCheckTimer = timer

	// Start interval timer to trigger the cache retention enforcement logic
	if err := timer.Start(retentionCheckInterval, func() error {
		currentTime := time.Now().UTC()
		return instance.purgeExpiredEntry(parentContext, currentTime)
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start support timer")
		return nil, err
	}

	return instance, nil
}

func (c *localCacheImpl) Put(
	ctxt context.Context, key string, value any, ttl time.Duration,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.cache[key] = localCacheEntry{expireAt: time.Now().UTC().Add(ttl), value: value}
	return nil
}

func (c *localCacheImpl) Get(ctxt context.Context, key string) (any, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	entry, ok := c.cache[key]
	if !ok {
		return nil, fmt.Errorf("cache key '%s' is unknown", key)
	}
	return entry.value, nil
}

func (c *localCacheImpl) Purge(ctxt context.Context, keys []string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, key := range keys {
		delete(c.cache, key)
	}

	return nil
}

func (c *localCacheImpl) Stop(ctxt context.Context) error {
	return c.retentionCheckTimer.Stop()
}

// purgeExpiredEntry purge expired cache entries
func (c *localCacheImpl) purgeExpiredEntry(
	ctxt context.Context, currentTime time.Time,
) error {
	logTags := c.GetLogTagsForContext(ctxt)

	c.lock.Lock()
	defer c.lock.Unlock()

	// Check for expired entries
	purgeKeys := []string{}
	for key, entry := range c.cache {
		if entry.expireAt.Before(currentTime) {
			purgeKeys = append(purgeKeys, key)
			log.
				WithFields(logTags).
				WithField("cache-key", key).
				Debug("Cache entry expired")
		}
	}

	// Purge expired entries
	for _, purgeKey := range purgeKeys {
		delete(c.cache, purgeKey)
	}

	if len(purgeKeys) > 0 {
		log.
			WithFields(logTags).
			Infof("Purged [%d] expired entries. [%d] remain in cache", len(purgeKeys), len(c.cache))
	}

	return nil
}
