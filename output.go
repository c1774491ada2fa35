package regulation

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Output wraps an actuator accessed through the regulation controller, such as
// a heater plugged on one of its channels. Values are clamped to the
// configured limits, then reach the device through a ramp (hardware ramping
// when the controller supports it, a SoftRamp otherwise; with a zero ramp rate
// the value is written immediately).
type Output struct {
	name    string
	channel string
	unit    string
	logger  golog.Logger
	ctrl    Controller

	mu   sync.Mutex
	low  *float64
	high *float64

	ramp *ramp

	// write performs the final device write; ExternalOutput redirects it to a
	// foreign device.
	write func(ctx context.Context, value float64) error
	// read returns the current device value; ExternalOutput redirects it.
	read func(ctx context.Context) (float64, error)
}

// NewOutput returns an Output bound to ctrl.
func NewOutput(ctrl Controller, cfg OutputConfig, logger golog.Logger, opts ...SoftRampOption) *Output {
	o := &Output{
		name:    cfg.Name,
		channel: cfg.Channel,
		unit:    cfg.Unit,
		logger:  logger,
		ctrl:    ctrl,
		low:     cfg.LowLimit,
		high:    cfg.HighLimit,
	}
	o.write = func(ctx context.Context, value float64) error {
		return ctrl.SetOutputValue(ctx, o, value)
	}
	o.read = func(ctx context.Context) (float64, error) {
		return ctrl.ReadOutput(ctx, o)
	}
	soft := NewSoftRamp(
		func(ctx context.Context) (float64, error) { return o.read(ctx) },
		func(ctx context.Context, value float64) error { return o.write(ctx, value) },
		logger,
		opts...,
	)
	soft.SetRate(cfg.Ramprate)
	o.ramp = newRamp(soft, hwRampOps{
		start:           func(ctx context.Context, v float64) error { return ctrl.StartOutputRamp(ctx, o, v) },
		stop:            func(ctx context.Context) error { return ctrl.StopOutputRamp(ctx, o) },
		isRamping:       func(ctx context.Context) (bool, error) { return ctrl.OutputIsRamping(ctx, o) },
		rate:            func(ctx context.Context) (float64, error) { return ctrl.OutputRamprate(ctx, o) },
		setRate:         func(ctx context.Context, v float64) error { return ctrl.SetOutputRamprate(ctx, o, v) },
		workingSetpoint: func(ctx context.Context) (float64, error) { return ctrl.OutputWorkingSetpoint(ctx, o) },
	}, func(ctx context.Context) (float64, error) { return o.read(ctx) })
	return o
}

// Name returns the output name.
func (o *Output) Name() string { return o.name }

// Channel returns the controller channel the output drives.
func (o *Output) Channel() string { return o.channel }

// Unit returns the output unit.
func (o *Output) Unit() string { return o.unit }

// Controller returns the owning controller.
func (o *Output) Controller() Controller { return o.ctrl }

func (o *Output) baseOutput() *Output { return o }

// Limits returns the clamp bounds in output units; either bound may be nil.
// The low limit corresponds to 0% power on the output, the high limit to 100%.
func (o *Output) Limits() (low, high *float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.low, o.high
}

// Read returns the current value of the output device in output units.
func (o *Output) Read(ctx context.Context) (float64, error) {
	o.logger.Debugw("output read", "output", o.name)
	return o.read(ctx)
}

// State returns the output device state.
func (o *Output) State(ctx context.Context) (State, error) {
	o.logger.Debugw("output state", "output", o.name)
	return o.ctrl.StateOutput(ctx, o)
}

// SetValue clamps value to the configured limits and starts ramping the
// device toward it.
func (o *Output) SetValue(ctx context.Context, value float64) error {
	o.logger.Debugw("output set value", "output", o.name, "value", value)
	return o.ramp.Start(ctx, o.clamp(value))
}

// SetPower converts a power value, as produced by a PID algorithm, into
// output units and starts ramping the device toward it.
func (o *Output) SetPower(ctx context.Context, power float64) error {
	o.logger.Debugw("output set power", "output", o.name, "power", power)
	return o.SetValue(ctx, o.PowerToUnit(power))
}

// PowerToUnit converts a power value into output units: power 0 maps to the
// low limit, power 1 to the high limit. With a missing or degenerate limit the
// power value passes through unchanged.
func (o *Output) PowerToUnit(power float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.low == nil || o.high == nil || *o.high == *o.low {
		return power
	}
	return power*(*o.high-*o.low) + *o.low
}

// UnitToPower is the inverse of PowerToUnit, converting a value in output
// units back into a power value.
func (o *Output) UnitToPower(value float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.low == nil || o.high == nil || *o.high == *o.low {
		return value
	}
	return (value - *o.low) / (*o.high - *o.low)
}

// IsRamping reports whether the active ramp path is ramping; false if no ramp
// was ever started on this output.
func (o *Output) IsRamping(ctx context.Context) (bool, error) {
	return o.ramp.IsRamping(ctx)
}

// StopRamping halts whichever ramp path is active; a no-op if no ramp was
// ever started.
func (o *Output) StopRamping(ctx context.Context) error {
	return o.ramp.Stop(ctx)
}

// WorkingSetpoint returns the instantaneous intermediate target of the output
// ramp, or the device value if no ramp was ever started.
func (o *Output) WorkingSetpoint(ctx context.Context) (float64, error) {
	return o.ramp.WorkingSetpoint(ctx)
}

// Ramprate returns the output ramp rate in output units per second.
func (o *Output) Ramprate(ctx context.Context) (float64, error) {
	return o.ramp.Rate(ctx)
}

// SetRamprate sets the output ramp rate in output units per second; zero
// makes writes immediate.
func (o *Output) SetRamprate(ctx context.Context, rate float64) error {
	return o.ramp.SetRate(ctx, rate)
}

// Counter returns a sampling-counter view over the output device value.
func (o *Output) Counter() SamplingCounter {
	return deviceCounter{name: o.name, unit: o.unit, read: o.Read}
}

func (o *Output) clamp(value float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.low != nil && value < *o.low {
		value = *o.low
	}
	if o.high != nil && value > *o.high {
		value = *o.high
	}
	return value
}

// ExternalOutputMode selects how an ExternalOutput drives its axis.
type ExternalOutputMode string

// Axis drive modes.
const (
	ExternalOutputRelative ExternalOutputMode = "relative"
	ExternalOutputAbsolute ExternalOutputMode = "absolute"
)

// ExternalOutput drives a foreign Axis instead of a controller channel, moving
// it by (relative mode) or to (absolute mode) each ramped value.
type ExternalOutput struct {
	*Output
	axis Axis
	mode ExternalOutputMode
}

// NewExternalOutput returns an output driving device, which must be an Axis.
func NewExternalOutput(
	ctrl Controller,
	cfg OutputConfig,
	device interface{},
	mode ExternalOutputMode,
	logger golog.Logger,
	opts ...SoftRampOption,
) (*ExternalOutput, error) {
	axis, ok := device.(Axis)
	if !ok {
		return nil, errors.Errorf("output %q: unsupported external device type %T, must be an Axis", cfg.Name, device)
	}
	if mode == "" {
		mode = ExternalOutputRelative
	}
	if mode != ExternalOutputRelative && mode != ExternalOutputAbsolute {
		return nil, errors.Errorf("output %q: unknown external output mode %q", cfg.Name, mode)
	}
	ext := &ExternalOutput{Output: NewOutput(ctrl, cfg, logger, opts...), axis: axis, mode: mode}
	ext.write = func(ctx context.Context, value float64) error {
		if ext.mode == ExternalOutputAbsolute {
			return axis.Move(ctx, value)
		}
		pos, err := axis.Position(ctx)
		if err != nil {
			return err
		}
		return axis.Move(ctx, pos+value)
	}
	ext.read = func(ctx context.Context) (float64, error) {
		return axis.Position(ctx)
	}
	return ext, nil
}

// State returns the axis state.
func (o *ExternalOutput) State(ctx context.Context) (State, error) {
	o.logger.Debugw("external output state", "output", o.name)
	return o.axis.State(ctx)
}
