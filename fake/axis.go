package fake

import (
	"context"
	"sync"

	"github.com/beamkit/regulation"
)

// Axis is an in-memory motor axis that moves instantly, accepted as an
// external device by inputs and outputs.
type Axis struct {
	mu  sync.Mutex
	pos float64
}

// NewAxis returns an axis parked at pos.
func NewAxis(pos float64) *Axis {
	return &Axis{pos: pos}
}

// Position returns the current axis position.
func (a *Axis) Position(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos, nil
}

// Move jumps the axis to pos.
func (a *Axis) Move(ctx context.Context, pos float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pos = pos
	return nil
}

// Stop does nothing; moves are instantaneous.
func (a *Axis) Stop(ctx context.Context) error { return nil }

// State reports READY.
func (a *Axis) State(ctx context.Context) (regulation.State, error) {
	return regulation.StateReady, nil
}
