package regulation

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
)

// Object is anything a Controller can own: an Input, an Output or a Loop.
type Object interface {
	Name() string
}

// Controller is the capability surface a regulation controller exposes for its
// Inputs, Outputs and Loops. A hardware adapter embeds BaseController and
// overrides the subset its device implements; everything left over answers
// ErrUnsupported so the Loop and Output fall back to their software
// equivalents. Unsupported answers are expected control flow (see
// ErrUnsupported); any other error is a genuine failure and propagates.
type Controller interface {
	Name() string

	// Initialize is called exactly once by Setup before any object bound to
	// the controller is handed to a caller.
	Initialize(ctx context.Context) error
	InitializeInput(ctx context.Context, in *Input) error
	InitializeOutput(ctx context.Context, out *Output) error
	InitializeLoop(ctx context.Context, l *Loop) error

	// RegisterObject stores an object under its name; Object retrieves it.
	RegisterObject(obj Object)
	Object(name string) Object

	ReadInput(ctx context.Context, in *Input) (float64, error)
	StateInput(ctx context.Context, in *Input) (State, error)

	ReadOutput(ctx context.Context, out *Output) (float64, error)
	StateOutput(ctx context.Context, out *Output) (State, error)
	SetOutputValue(ctx context.Context, out *Output, value float64) error

	Kp(ctx context.Context, l *Loop) (float64, error)
	SetKp(ctx context.Context, l *Loop, kp float64) error
	Ki(ctx context.Context, l *Loop) (float64, error)
	SetKi(ctx context.Context, l *Loop, ki float64) error
	Kd(ctx context.Context, l *Loop) (float64, error)
	SetKd(ctx context.Context, l *Loop, kd float64) error

	// SamplingFrequency is the PID sample frequency in Hz.
	SamplingFrequency(ctx context.Context, l *Loop) (float64, error)
	SetSamplingFrequency(ctx context.Context, l *Loop, hz float64) error

	// PIDRange bounds the abstract PID output, usually [0,1] for
	// uni-directional actuation or [-1,1] for bi-directional.
	PIDRange(ctx context.Context, l *Loop) (low, high float64, err error)
	SetPIDRange(ctx context.Context, l *Loop, low, high float64) error

	StartRegulation(ctx context.Context, l *Loop) error
	StopRegulation(ctx context.Context, l *Loop) error

	Setpoint(ctx context.Context, l *Loop) (float64, error)
	SetSetpoint(ctx context.Context, l *Loop, sp float64) error
	WorkingSetpoint(ctx context.Context, l *Loop) (float64, error)

	StartRamp(ctx context.Context, l *Loop, sp float64) error
	StopRamp(ctx context.Context, l *Loop) error
	IsRamping(ctx context.Context, l *Loop) (bool, error)
	Ramprate(ctx context.Context, l *Loop) (float64, error)
	SetRamprate(ctx context.Context, l *Loop, rate float64) error

	StartOutputRamp(ctx context.Context, out *Output, value float64) error
	StopOutputRamp(ctx context.Context, out *Output) error
	OutputIsRamping(ctx context.Context, out *Output) (bool, error)
	OutputWorkingSetpoint(ctx context.Context, out *Output) (float64, error)
	OutputRamprate(ctx context.Context, out *Output) (float64, error)
	SetOutputRamprate(ctx context.Context, out *Output, rate float64) error
}

// BaseController implements the Controller registry plus all-unsupported
// capability defaults. Concrete controllers embed a *BaseController and
// override what their hardware can do.
type BaseController struct {
	name     string
	logger   golog.Logger
	registry DeviceRegistry

	mu      sync.Mutex
	objects map[string]Object
}

// BaseControllerOption configures a BaseController.
type BaseControllerOption func(*BaseController)

// WithDeviceRegistry makes the controller notify reg of every object bound to
// it.
func WithDeviceRegistry(reg DeviceRegistry) BaseControllerOption {
	return func(b *BaseController) {
		b.registry = reg
	}
}

// NewBaseController returns a controller base with an empty object registry.
func NewBaseController(name string, logger golog.Logger, opts ...BaseControllerOption) *BaseController {
	b := &BaseController{
		name:     name,
		logger:   logger,
		registry: noopRegistry{},
		objects:  map[string]Object{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the controller name.
func (b *BaseController) Name() string {
	return b.name
}

// Logger returns the controller logger.
func (b *BaseController) Logger() golog.Logger {
	return b.logger
}

// RegisterObject stores obj under its name and reports the parent/child link
// to the device registry.
func (b *BaseController) RegisterObject(obj Object) {
	b.mu.Lock()
	b.objects[obj.Name()] = obj
	b.mu.Unlock()
	b.registry.RegisterLink(b, obj)
}

// Object returns the object registered under name, or nil.
func (b *BaseController) Object(name string) Object {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[name]
}

// Initialize does nothing by default.
func (b *BaseController) Initialize(ctx context.Context) error { return nil }

// InitializeInput does nothing by default.
func (b *BaseController) InitializeInput(ctx context.Context, in *Input) error { return nil }

// InitializeOutput does nothing by default.
func (b *BaseController) InitializeOutput(ctx context.Context, out *Output) error { return nil }

// InitializeLoop does nothing by default.
func (b *BaseController) InitializeLoop(ctx context.Context, l *Loop) error { return nil }

// ReadInput is unsupported by default.
func (b *BaseController) ReadInput(ctx context.Context, in *Input) (float64, error) {
	return 0, Unsupported("read input")
}

// StateInput is unsupported by default.
func (b *BaseController) StateInput(ctx context.Context, in *Input) (State, error) {
	return StateFault, Unsupported("state input")
}

// ReadOutput is unsupported by default.
func (b *BaseController) ReadOutput(ctx context.Context, out *Output) (float64, error) {
	return 0, Unsupported("read output")
}

// StateOutput is unsupported by default.
func (b *BaseController) StateOutput(ctx context.Context, out *Output) (State, error) {
	return StateFault, Unsupported("state output")
}

// SetOutputValue is unsupported by default.
func (b *BaseController) SetOutputValue(ctx context.Context, out *Output, value float64) error {
	return Unsupported("set output value")
}

// Kp is unsupported by default.
func (b *BaseController) Kp(ctx context.Context, l *Loop) (float64, error) {
	return 0, Unsupported("get kp")
}

// SetKp is unsupported by default.
func (b *BaseController) SetKp(ctx context.Context, l *Loop, kp float64) error {
	return Unsupported("set kp")
}

// Ki is unsupported by default.
func (b *BaseController) Ki(ctx context.Context, l *Loop) (float64, error) {
	return 0, Unsupported("get ki")
}

// SetKi is unsupported by default.
func (b *BaseController) SetKi(ctx context.Context, l *Loop, ki float64) error {
	return Unsupported("set ki")
}

// Kd is unsupported by default.
func (b *BaseController) Kd(ctx context.Context, l *Loop) (float64, error) {
	return 0, Unsupported("get kd")
}

// SetKd is unsupported by default.
func (b *BaseController) SetKd(ctx context.Context, l *Loop, kd float64) error {
	return Unsupported("set kd")
}

// SamplingFrequency is unsupported by default.
func (b *BaseController) SamplingFrequency(ctx context.Context, l *Loop) (float64, error) {
	return 0, Unsupported("get sampling frequency")
}

// SetSamplingFrequency is unsupported by default.
func (b *BaseController) SetSamplingFrequency(ctx context.Context, l *Loop, hz float64) error {
	return Unsupported("set sampling frequency")
}

// PIDRange is unsupported by default.
func (b *BaseController) PIDRange(ctx context.Context, l *Loop) (float64, float64, error) {
	return 0, 0, Unsupported("get pid range")
}

// SetPIDRange is unsupported by default.
func (b *BaseController) SetPIDRange(ctx context.Context, l *Loop, low, high float64) error {
	return Unsupported("set pid range")
}

// StartRegulation is unsupported by default.
func (b *BaseController) StartRegulation(ctx context.Context, l *Loop) error {
	return Unsupported("start regulation")
}

// StopRegulation is unsupported by default.
func (b *BaseController) StopRegulation(ctx context.Context, l *Loop) error {
	return Unsupported("stop regulation")
}

// Setpoint is unsupported by default.
func (b *BaseController) Setpoint(ctx context.Context, l *Loop) (float64, error) {
	return 0, Unsupported("get setpoint")
}

// SetSetpoint is unsupported by default.
func (b *BaseController) SetSetpoint(ctx context.Context, l *Loop, sp float64) error {
	return Unsupported("set setpoint")
}

// WorkingSetpoint is unsupported by default.
func (b *BaseController) WorkingSetpoint(ctx context.Context, l *Loop) (float64, error) {
	return 0, Unsupported("get working setpoint")
}

// StartRamp is unsupported by default.
func (b *BaseController) StartRamp(ctx context.Context, l *Loop, sp float64) error {
	return Unsupported("start ramp")
}

// StopRamp is unsupported by default.
func (b *BaseController) StopRamp(ctx context.Context, l *Loop) error {
	return Unsupported("stop ramp")
}

// IsRamping is unsupported by default.
func (b *BaseController) IsRamping(ctx context.Context, l *Loop) (bool, error) {
	return false, Unsupported("is ramping")
}

// Ramprate is unsupported by default.
func (b *BaseController) Ramprate(ctx context.Context, l *Loop) (float64, error) {
	return 0, Unsupported("get ramprate")
}

// SetRamprate is unsupported by default.
func (b *BaseController) SetRamprate(ctx context.Context, l *Loop, rate float64) error {
	return Unsupported("set ramprate")
}

// StartOutputRamp is unsupported by default.
func (b *BaseController) StartOutputRamp(ctx context.Context, out *Output, value float64) error {
	return Unsupported("start output ramp")
}

// StopOutputRamp is unsupported by default.
func (b *BaseController) StopOutputRamp(ctx context.Context, out *Output) error {
	return Unsupported("stop output ramp")
}

// OutputIsRamping is unsupported by default.
func (b *BaseController) OutputIsRamping(ctx context.Context, out *Output) (bool, error) {
	return false, Unsupported("output is ramping")
}

// OutputWorkingSetpoint is unsupported by default.
func (b *BaseController) OutputWorkingSetpoint(ctx context.Context, out *Output) (float64, error) {
	return 0, Unsupported("get output working setpoint")
}

// OutputRamprate is unsupported by default.
func (b *BaseController) OutputRamprate(ctx context.Context, out *Output) (float64, error) {
	return 0, Unsupported("get output ramprate")
}

// SetOutputRamprate is unsupported by default.
func (b *BaseController) SetOutputRamprate(ctx context.Context, out *Output, rate float64) error {
	return Unsupported("set output ramprate")
}
