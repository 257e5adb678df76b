package cache

import (
	"sync"
	"time"
)

type item struct {
	value      interface{}
	expiration int64
}

// Memory is a TTL cache for hot in-process data. A zero TTL stores forever.
type Memory struct {
	items   sync.Map
	stopCh  chan struct{}
	started sync.Once
}

func NewMemory() *Memory {
	c := &Memory{stopCh: make(chan struct{})}
	go c.cleanupExpired()
	return c
}

func (c *Memory) Set(key string, value interface{}, ttl time.Duration) {
	expiration := int64(0)
	if ttl > 0 {
		expiration = time.Now().Add(ttl).UnixNano()
	}
	c.items.Store(key, &item{value: value, expiration: expiration})
}

func (c *Memory) Get(key string) (interface{}, bool) {
	v, exists := c.items.Load(key)
	if !exists {
		return nil, false
	}
	it := v.(*item)
	if it.expiration > 0 && time.Now().UnixNano() > it.expiration {
		c.items.Delete(key)
		return nil, false
	}
	return it.value, true
}

func (c *Memory) Delete(key string) {
	c.items.Delete(key)
}

func (c *Memory) Clear() {
	c.items.Range(func(key, value interface{}) bool {
		c.items.Delete(key)
		return true
	})
}

func (c *Memory) Stop() {
	c.started.Do(func() { close(c.stopCh) })
}

func (c *Memory) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now().UnixNano()
			c.items.Range(func(key, value interface{}) bool {
				it := value.(*item)
				if it.expiration > 0 && now > it.expiration {
					c.items.Delete(key)
				}
				return true
			})
		case <-c.stopCh:
			return
		}
	}
}
