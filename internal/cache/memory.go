package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind starts losing messages rather than blocking
// publishers.
const subscriberBuffer = 256

// Memory is a process-local Cache. It backs single-process deployments and
// tests; the interface boundary is where a networked cache would plug in.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
	sets   map[string]map[string]struct{}

	subMu  sync.RWMutex
	subs   map[string]map[int]chan []byte
	nextID int
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]string),
		sets:   make(map[string]map[string]struct{}),
		subs:   make(map[string]map[int]chan []byte),
	}
}

// Get returns the value for key and whether it was present.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set stores a value for key.
func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// SetNX stores a value only if the key is absent.
func (m *Memory) SetNX(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

// Incr atomically increments the integer at key and returns the new value.
func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cur int64
	if raw, ok := m.values[key]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: value %q is not an integer", key, raw)
		}
		cur = parsed
	}

	cur++
	m.values[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// Delete removes a key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.sets, key)
	return nil
}

// SAdd adds a member to the set at key.
func (m *Memory) SAdd(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

// SRem removes a member from the set at key.
func (m *Memory) SRem(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

// SMembers returns all members of the set at key.
func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

// Publish sends a payload to every subscriber of channel. A subscriber
// whose buffer is full misses the message; publishers never block.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published to channel. The returned
// cancel function releases the subscription; calling it twice is safe.
func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, subscriberBuffer)

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]chan []byte)
	}
	m.subs[channel][id] = ch
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs[channel], id)
			if len(m.subs[channel]) == 0 {
				delete(m.subs, channel)
			}
			m.subMu.Unlock()
			close(ch)
		})
	}

	return ch, cancel, nil
}

// Compile-time verification that Memory implements Cache.
var _ Cache = (*Memory)(nil)
