// Package streamcfg maps event types to the subscriber streams that
// want them. Projections register their interest here; the broker
// resolves it on every ingress event.
package streamcfg

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registration declares a subscriber stream's event-type interest.
type Registration struct {
	ID        string
	Events    []uint32
	Timestamp time.Time
}

// Config is the stream-configuration contract.
type Config interface {
	// SaveStream upserts the registration keyed by ID.
	SaveStream(ctx context.Context, reg Registration) error

	// FindStreams returns the ids of every registration whose event
	// set contains the type, sorted ascending.
	FindStreams(ctx context.Context, eventType uint32) ([]string, error)
}

// Memory is an in-memory Config.
type Memory struct {
	mu      sync.RWMutex
	streams map[string]Registration
}

func NewMemory() *Memory {
	return &Memory{streams: make(map[string]Registration)}
}

func (m *Memory) SaveStream(ctx context.Context, reg Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg.Timestamp.IsZero() {
		reg.Timestamp = time.Now()
	}
	m.streams[reg.ID] = reg
	return nil
}

func (m *Memory) FindStreams(ctx context.Context, eventType uint32) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, reg := range m.streams {
		for _, t := range reg.Events {
			if t == eventType {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}
