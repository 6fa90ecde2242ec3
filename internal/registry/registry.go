// Package registry resolves endpoint ids to their destination URL, secret and active flag.
// The engine never writes endpoints.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/austindbirch/harbor_dispatch/internal/delivery"
)

var ErrNotFound = errors.New("endpoint not found")

type Registry interface {
	Lookup(ctx context.Context, endpointID string) (delivery.Endpoint, error)
}

// Memory is a fixed in-process registry.
type Memory struct {
	mu        sync.RWMutex
	endpoints map[string]delivery.Endpoint
}

func NewMemory(endpoints ...delivery.Endpoint) *Memory {
	m := &Memory{endpoints: make(map[string]delivery.Endpoint, len(endpoints))}
	for _, ep := range endpoints {
		m.endpoints[ep.ID] = ep
	}
	return m
}

func (m *Memory) Put(ep delivery.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[ep.ID] = ep
}

func (m *Memory) Lookup(_ context.Context, endpointID string) (delivery.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[endpointID]
	if !ok {
		return delivery.Endpoint{}, ErrNotFound
	}
	return ep, nil
}
