package regulation

import "context"

// State describes the condition of a device or of the Loop's pseudo axis.
type State string

// Device and axis states.
const (
	StateReady   State = "READY"
	StateRunning State = "RUNNING"
	StateMoving  State = "MOVING"
	StateAlarm   State = "ALARM"
	StateFault   State = "FAULT"
)

// Axis is the motion capability consumed by the regulation engine. A Loop
// exposes itself through this interface so a generic scan engine can drive it
// like any motor axis, and an ExternalInput/ExternalOutput can be bound to a
// real axis.
type Axis interface {
	Position(ctx context.Context) (float64, error)
	Move(ctx context.Context, pos float64) error
	Stop(ctx context.Context) error
	State(ctx context.Context) (State, error)
}

// SamplingCounter is the instantaneous-value capability consumed for history
// and plotting, and accepted as an ExternalInput device.
type SamplingCounter interface {
	Name() string
	Unit() string
	Read(ctx context.Context) (float64, error)
}

// DeviceRegistry is notified of parent/child relationships between a
// controller and the objects bound to it. Purely informational; the default
// used by BaseController is a no-op.
type DeviceRegistry interface {
	RegisterLink(parent, child Object)
}

type noopRegistry struct{}

func (noopRegistry) RegisterLink(parent, child Object) {}
