package regulation

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Input wraps a read-only process-variable source accessed through the
// regulation controller, such as a sensor plugged on one of its channels.
type Input struct {
	name    string
	channel string
	unit    string
	logger  golog.Logger

	mu       sync.Mutex
	ctrl     Controller
	allow    func() bool
	lastVal  float64
	haveLast bool
}

// NewInput returns an Input bound to ctrl.
func NewInput(ctrl Controller, cfg InputConfig, logger golog.Logger) *Input {
	return &Input{
		name:    cfg.Name,
		channel: cfg.Channel,
		unit:    cfg.Unit,
		logger:  logger,
		ctrl:    ctrl,
	}
}

// Name returns the input name.
func (in *Input) Name() string { return in.name }

// Channel returns the controller channel the input reads from.
func (in *Input) Channel() string { return in.channel }

// Unit returns the input unit.
func (in *Input) Unit() string { return in.unit }

// Controller returns the owning controller, nil if not attached yet.
func (in *Input) Controller() Controller {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ctrl
}

func (in *Input) baseInput() *Input { return in }

// attachController lazily binds an externally constructed input to the
// controller of the loop adopting it. Only a nil controller is replaced.
func (in *Input) attachController(ctrl Controller) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ctrl == nil {
		in.ctrl = ctrl
	}
}

// SetAllowRegulationHook installs the hook consulted by the regulation task
// before computing a new output from this input. While the hook returns false,
// regulation pauses and Read serves the last known value.
func (in *Input) SetAllowRegulationHook(allow func() bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.allow = allow
}

// AllowRegulation reports whether the regulation task may currently compute a
// new output from this input.
func (in *Input) AllowRegulation() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.allow == nil || in.allow()
}

// Read returns the process value in input units. While AllowRegulation is
// false the last known value keeps being served so cached consumers stay
// valid.
func (in *Input) Read(ctx context.Context) (float64, error) {
	in.logger.Debugw("input read", "input", in.name)
	in.mu.Lock()
	ctrl := in.ctrl
	if in.allow != nil && !in.allow() && in.haveLast {
		v := in.lastVal
		in.mu.Unlock()
		return v, nil
	}
	in.mu.Unlock()

	if ctrl == nil {
		return 0, errors.Errorf("input %q is not attached to a controller", in.name)
	}
	v, err := ctrl.ReadInput(ctx, in)
	if err != nil {
		return 0, err
	}
	in.mu.Lock()
	in.lastVal = v
	in.haveLast = true
	in.mu.Unlock()
	return v, nil
}

// State returns the input device state.
func (in *Input) State(ctx context.Context) (State, error) {
	in.logger.Debugw("input state", "input", in.name)
	in.mu.Lock()
	ctrl := in.ctrl
	in.mu.Unlock()
	if ctrl == nil {
		return StateFault, errors.Errorf("input %q is not attached to a controller", in.name)
	}
	return ctrl.StateInput(ctx, in)
}

// Counter returns a sampling-counter view over the input value.
func (in *Input) Counter() SamplingCounter {
	return deviceCounter{name: in.name, unit: in.unit, read: in.Read}
}

// ExternalInput reads the process value directly from a foreign device instead
// of going through the controller. Supported devices are an Axis (its
// position) and a SamplingCounter (its instantaneous value).
type ExternalInput struct {
	*Input
	axis    Axis
	counter SamplingCounter
}

// NewExternalInput returns an input reading from device, which must be an Axis
// or a SamplingCounter.
func NewExternalInput(ctrl Controller, cfg InputConfig, device interface{}, logger golog.Logger) (*ExternalInput, error) {
	ext := &ExternalInput{Input: NewInput(ctrl, cfg, logger)}
	switch dev := device.(type) {
	case Axis:
		ext.axis = dev
	case SamplingCounter:
		ext.counter = dev
	default:
		return nil, errors.Errorf(
			"input %q: unsupported external device type %T, must be an Axis or a SamplingCounter", cfg.Name, device)
	}
	return ext, nil
}

// Read returns the foreign device value in input units.
func (in *ExternalInput) Read(ctx context.Context) (float64, error) {
	in.logger.Debugw("external input read", "input", in.name)
	in.mu.Lock()
	if in.allow != nil && !in.allow() && in.haveLast {
		v := in.lastVal
		in.mu.Unlock()
		return v, nil
	}
	in.mu.Unlock()

	var (
		v   float64
		err error
	)
	if in.axis != nil {
		v, err = in.axis.Position(ctx)
	} else {
		v, err = in.counter.Read(ctx)
	}
	if err != nil {
		return 0, err
	}
	in.mu.Lock()
	in.lastVal = v
	in.haveLast = true
	in.mu.Unlock()
	return v, nil
}

// State returns the foreign device state; a counter is always READY.
func (in *ExternalInput) State(ctx context.Context) (State, error) {
	in.logger.Debugw("external input state", "input", in.name)
	if in.axis != nil {
		return in.axis.State(ctx)
	}
	return StateReady, nil
}

// Counter returns a sampling-counter view over the external device value.
func (in *ExternalInput) Counter() SamplingCounter {
	return deviceCounter{name: in.name, unit: in.unit, read: in.Read}
}

// deviceCounter adapts a read function to the SamplingCounter collaborator
// interface so counting and plotting consumers can sample Inputs, Outputs and
// Loops like any other data source.
type deviceCounter struct {
	name string
	unit string
	read func(ctx context.Context) (float64, error)
}

func (c deviceCounter) Name() string { return c.name }

func (c deviceCounter) Unit() string { return c.unit }

func (c deviceCounter) Read(ctx context.Context) (float64, error) { return c.read(ctx) }
