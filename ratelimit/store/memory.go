package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/opencomply/gateway/clock"
)

type memoryEntry struct {
	at     int64 // unix milliseconds
	member string
}

// Memory is the in-process fallback store. Expired entries are pruned lazily
// on every admission check for the key; a background sweep removes idle keys
// so the map cannot grow without bound.
type Memory struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string][]memoryEntry
	windows map[string]time.Duration
	seq     int64

	closeOnce sync.Once
	stopCh    chan struct{}
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source, for deterministic tests.
func WithClock(clk clock.Clock) MemoryOption {
	return func(m *Memory) { m.clk = clk }
}

// sweepInterval caps how often the background cleanup runs.
const sweepInterval = time.Minute

// NewMemory creates an in-memory store and starts its cleanup goroutine.
// Call Close to stop it.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clk:     clock.System(),
		entries: make(map[string][]memoryEntry),
		windows: make(map[string]time.Duration),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.sweep()
	return m
}

func (m *Memory) Admit(_ context.Context, key string, window time.Duration, limit int64) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now().UnixMilli()
	kept := m.pruneLocked(key, now-window.Milliseconds())
	m.windows[key] = window

	if int64(len(kept)) >= limit {
		resetAt := time.UnixMilli(now).Add(window)
		if len(kept) > 0 {
			resetAt = time.UnixMilli(kept[0].at).Add(window)
		}
		return Result{
			Allowed: false,
			Count:   int64(len(kept)),
			ResetAt: resetAt,
		}, nil
	}

	m.seq++
	member := strconv.FormatInt(m.seq, 10)
	kept = append(kept, memoryEntry{at: now, member: member})
	m.entries[key] = kept

	return Result{
		Allowed: true,
		Count:   int64(len(kept)),
		ResetAt: time.UnixMilli(kept[0].at).Add(window),
		Member:  member,
	}, nil
}

func (m *Memory) Forget(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[key]
	for i, e := range kept {
		if e.member == member {
			m.entries[key] = append(kept[:i:i], kept[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	delete(m.windows, key)
	return nil
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	return nil
}

// pruneLocked drops entries older than cutoff and returns the remainder.
// Entries are appended in timestamp order, so the scan stops at the first
// one still inside the window. Must be called with m.mu held.
func (m *Memory) pruneLocked(key string, cutoff int64) []memoryEntry {
	kept := m.entries[key]
	idx := 0
	for idx < len(kept) && kept[idx].at <= cutoff {
		idx++
	}
	if idx > 0 {
		kept = kept[idx:]
		m.entries[key] = kept
	}
	return kept
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := m.clk.Now().UnixMilli()
			m.mu.Lock()
			for key, window := range m.windows {
				kept := m.pruneLocked(key, now-window.Milliseconds())
				if len(kept) == 0 {
					delete(m.entries, key)
					delete(m.windows, key)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}
