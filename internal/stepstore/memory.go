package stepstore

import (
	"context"
	"sync"
	"time"

	"github.com/m3rciful/liteim/internal/idgen"
)

// Memory is an in-process Store for development and tests. Partials are lost on restart.
type Memory struct {
	mu       sync.RWMutex
	partials map[string]*Partial
	now      func() time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{partials: make(map[string]*Partial), now: time.Now}
}

// Get returns a copy of the owner's partial.
func (m *Memory) Get(_ context.Context, ownerID string) (*Partial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.partials[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// Create replaces the owner's partial.
func (m *Memory) Create(_ context.Context, ownerID, command string) (*Partial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	p := &Partial{ID: idgen.NewAt(now), OwnerID: ownerID, Command: command, CreatedAt: now}
	m.partials[ownerID] = p
	return p.Clone(), nil
}

// SetFields upserts step values on the owner's partial.
func (m *Memory) SetFields(_ context.Context, ownerID string, fields ...Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partials[ownerID]
	if !ok {
		return ErrNotFound
	}
	for _, f := range fields {
		p.Set(f.Step, f.Value)
	}
	return nil
}

// Unset removes steps from the owner's partial.
func (m *Memory) Unset(_ context.Context, ownerID string, steps ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partials[ownerID]
	if !ok {
		return ErrNotFound
	}
	p.Unset(steps...)
	return nil
}

// Clear drops the owner's partial.
func (m *Memory) Clear(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.partials, ownerID)
	return nil
}
