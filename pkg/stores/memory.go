package stores

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryKV 进程内存储，ttl 为 0 时永不过期
type MemoryKV struct {
	c *gocache.Cache
}

func NewMemoryKV(ttl time.Duration) *MemoryKV {
	exp := gocache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		exp = ttl
		cleanup = 2 * ttl
	}
	return &MemoryKV{c: gocache.New(exp, cleanup)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	if err := validKey(key); err != nil {
		return err
	}
	m.c.SetDefault(key, value)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *MemoryKV) Close() error {
	m.c.Flush()
	return nil
}
