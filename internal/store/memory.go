package store

import (
	"context"
	"path"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and by the handler's test mode.
// Expiring keys honor their TTL on read; pub/sub is a set of buffered
// channels, delivering at most once per pending wake-up like the real thing.
type Memory struct {
	mu     sync.Mutex
	kv     map[string]memVal
	hashes map[string]map[string]string
	subs   map[chan struct{}]string
}

type memVal struct {
	value   string
	expires time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		kv:     make(map[string]memVal),
		hashes: make(map[string]map[string]string),
		subs:   make(map[chan struct{}]string),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return "", false, nil
	}
	if !v.expires.IsZero() && time.Now().After(v.expires) {
		delete(m.kv, key)
		return "", false, nil
	}
	return v.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = memVal{value: value}
	return nil
}

func (m *Memory) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = memVal{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.hashes, key)
	return nil
}

func (m *Memory) Hash(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SetHashFields(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.kv {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range m.hashes {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) PublishCommand(ctx context.Context, raw []byte) (int64, error) {
	if err := m.Set(ctx, KeyCommand, string(raw)); err != nil {
		return 0, err
	}
	return m.notify(ChannelCommand), nil
}

func (m *Memory) SubscribeCommands(_ context.Context) (<-chan struct{}, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{}, 1)
	m.subs[ch] = ChannelCommand
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, ch)
	}
	return ch, cancel, nil
}

func (m *Memory) Publish(_ context.Context, channel string, _ []byte) error {
	m.notify(channel)
	return nil
}

func (m *Memory) notify(channel string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for ch, c := range m.subs {
		if c != channel {
			continue
		}
		n++
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return n
}
