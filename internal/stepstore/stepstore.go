// Package stepstore persists in-progress conversations ("partials"), one per owner.
//
// A partial records which command owns the conversation and the ordered list of
// step values captured so far. Stores never interpret step names; ordering and
// validation belong to the conversation engine.
package stepstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the owner has no partial.
var ErrNotFound = errors.New("stepstore: partial not found")

// Field is one captured step value.
type Field struct {
	Step  string `db:"step"`
	Value string `db:"value"`
}

// Partial is one owner's in-progress command.
type Partial struct {
	ID        string
	OwnerID   string
	Command   string
	Fields    []Field
	CreatedAt time.Time
}

// Value returns the captured value for step.
func (p *Partial) Value(step string) (string, bool) {
	if p == nil {
		return "", false
	}
	for _, f := range p.Fields {
		if f.Step == step {
			return f.Value, true
		}
	}
	return "", false
}

// Has reports whether step has been captured.
func (p *Partial) Has(step string) bool {
	_, ok := p.Value(step)
	return ok
}

// Set mirrors a SetFields call on the in-memory copy.
func (p *Partial) Set(step, value string) {
	for i := range p.Fields {
		if p.Fields[i].Step == step {
			p.Fields[i].Value = value
			return
		}
	}
	p.Fields = append(p.Fields, Field{Step: step, Value: value})
}

// Unset mirrors an Unset call on the in-memory copy.
func (p *Partial) Unset(steps ...string) {
	kept := p.Fields[:0]
	for _, f := range p.Fields {
		if !contains(steps, f.Step) {
			kept = append(kept, f)
		}
	}
	p.Fields = kept
}

// Clone returns a deep copy.
func (p *Partial) Clone() *Partial {
	if p == nil {
		return nil
	}
	c := *p
	c.Fields = append([]Field(nil), p.Fields...)
	return &c
}

// Store is the persistence contract used by the dispatcher and engine.
type Store interface {
	// Get returns the owner's partial or ErrNotFound.
	Get(ctx context.Context, ownerID string) (*Partial, error)
	// Create replaces any existing partial of the owner with an empty one for command.
	Create(ctx context.Context, ownerID, command string) (*Partial, error)
	// SetFields upserts step values. New steps are appended after existing ones.
	SetFields(ctx context.Context, ownerID string, fields ...Field) error
	// Unset removes the given steps. Missing steps are ignored.
	Unset(ctx context.Context, ownerID string, steps ...string) error
	// Clear deletes the owner's partial. Clearing a missing partial is not an error.
	Clear(ctx context.Context, ownerID string) error
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
