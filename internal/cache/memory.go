package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a process-local cache with per-entry expiry.
type Memory struct {
	data sync.Map
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, stop: make(chan struct{})}
}

// StartJanitor removes expired entries every interval until Close is called.
func (m *Memory) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.purge()
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errors.New("key cannot be empty")
	}
	v, ok := m.data.Load(key)
	if !ok {
		cacheMissesTotal.WithLabelValues("memory").Inc()
		return nil, false, nil
	}
	e := v.(*entry)
	if !m.now().Before(e.expiresAt) {
		m.data.CompareAndDelete(key, v)
		cacheMissesTotal.WithLabelValues("memory").Inc()
		return nil, false, nil
	}
	cacheHitsTotal.WithLabelValues("memory").Inc()
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	m.data.Store(key, &entry{value: append([]byte(nil), value...), expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	_, ok := m.data.LoadAndDelete(key)
	return ok, nil
}

func (m *Memory) purge() {
	now := m.now()
	m.data.Range(func(k, v any) bool {
		if !now.Before(v.(*entry).expiresAt) {
			m.data.CompareAndDelete(k, v)
		}
		return true
	})
}
