// Package cachetest provides an in-memory cache.Cache for tests.
package cachetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/internal/cache"
)

// MemCache ignores TTLs. Set Err to make every call fail.
type MemCache struct {
	mu       sync.Mutex
	Err      error
	Values   map[string][]byte
	Counters map[string]int64
}

func New() *MemCache {
	return &MemCache{Values: map[string][]byte{}, Counters: map[string]int64{}}
}

func (m *MemCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Values[key] = append([]byte{}, value...)
	return nil
}

func (m *MemCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, false, m.Err
	}
	v, ok := m.Values[key]
	return v, ok, nil
}

func (m *MemCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Values, key)
	return m.Err
}

func (m *MemCache) Ping(_ context.Context) error { return m.Err }

func (m *MemCache) SetScanStatus(ctx context.Context, scanID uuid.UUID, status string, ttl time.Duration) error {
	return m.Set(ctx, cache.ScanStatusKey(scanID), []byte(status), ttl)
}

func (m *MemCache) DeleteScanStatus(ctx context.Context, scanID uuid.UUID) error {
	return m.Delete(ctx, cache.ScanStatusKey(scanID))
}

func (m *MemCache) GetScanStatus(ctx context.Context, scanID uuid.UUID) (string, bool, error) {
	v, ok, err := m.Get(ctx, cache.ScanStatusKey(scanID))
	return string(v), ok, err
}

func (m *MemCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	m.Counters[key]++
	return m.Counters[key], nil
}

func (m *MemCache) Heartbeat(ctx context.Context, workerID string, at time.Time, ttl time.Duration) error {
	return m.Set(ctx, cache.HeartbeatKey(workerID), []byte(at.UTC().Format(time.RFC3339Nano)), ttl)
}

func (m *MemCache) ListHeartbeats(_ context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := map[string]time.Time{}
	for k, v := range m.Values {
		if !strings.HasPrefix(k, "heartbeat:") {
			continue
		}
		id, _ := cache.WorkerFromHeartbeatKey(k)
		at, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			continue
		}
		out[id] = at
	}
	return out, nil
}

var _ cache.Cache = (*MemCache)(nil)
