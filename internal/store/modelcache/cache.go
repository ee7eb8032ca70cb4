// Package modelcache keeps resolved models in an in-process ristretto cache.
// Concurrent misses for the same id share one lookup.
package modelcache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"golang.org/x/sync/singleflight"
)

type Source interface {
	GetModel(ctx context.Context, id string) (*chat.Model, error)
}

const lookupTimeout = 5 * time.Second

type Cache struct {
	src   Source
	c     *ristretto.Cache[string, chat.Model]
	ttl   time.Duration
	group singleflight.Group
}

// New wraps src. Every model costs 1, so maxModels bounds the entry count.
func New(src Source, ttl time.Duration, maxModels int64) (*Cache, error) {
	if maxModels <= 0 {
		maxModels = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, chat.Model]{
		NumCounters: maxModels * 10,
		MaxCost:     maxModels,
		BufferItems: 64,
		// cost is an entry count, not bytes
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{src: src, c: c, ttl: ttl}, nil
}

func (c *Cache) GetModel(ctx context.Context, id string) (*chat.Model, error) {
	if m, ok := c.c.Get(id); ok {
		return &m, nil
	}
	v, err, _ := c.group.Do(id, func() (any, error) {
		// shared by every waiter; one caller going away must not fail the rest
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		m, err := c.src.GetModel(lctx, id)
		if err != nil {
			return nil, err
		}
		c.c.SetWithTTL(id, *m, 1, c.ttl)
		c.c.Wait()
		return *m, nil
	})
	if err != nil {
		return nil, err
	}
	m := v.(chat.Model)
	return &m, nil
}

func (c *Cache) Invalidate(id string) {
	c.c.Del(id)
}

func (c *Cache) Close() {
	c.c.Close()
}
