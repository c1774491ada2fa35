package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/beamkit/regulation"
)

// Regulator mimics a hardware regulation controller with a native PID and a
// native setpoint ramp per loop: every capability answers from device-side
// state instead of ErrUnsupported, so the engine's hardware paths get
// exercised. Process and output values live in per-channel registers that
// tests read and write directly.
type Regulator struct {
	*regulation.BaseController

	clk clock.Clock

	mu      sync.Mutex
	inputs  map[string]float64
	outputs map[string]float64
	loops   map[string]*hwLoop
}

// hwLoop is the device-side state of one regulated loop.
type hwLoop struct {
	kp, ki, kd    float64
	freq          float64
	pidLow, pidHi float64
	rate          float64
	setpoint      float64
	rampStart     float64
	rampStartedAt time.Time
	ramping       bool
	regulating    bool
}

// NewRegulator returns a hardware-like controller keeping time on clk (the
// wall clock when nil).
func NewRegulator(name string, logger golog.Logger, clk clock.Clock, opts ...regulation.BaseControllerOption) *Regulator {
	if clk == nil {
		clk = clock.New()
	}
	return &Regulator{
		BaseController: regulation.NewBaseController(name, logger, opts...),
		clk:            clk,
		inputs:         map[string]float64{},
		outputs:        map[string]float64{},
		loops:          map[string]*hwLoop{},
	}
}

// SetProcessValue sets the register served by ReadInput for channel.
func (r *Regulator) SetProcessValue(channel string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[channel] = v
}

func (r *Regulator) loop(name string) *hwLoop {
	l, ok := r.loops[name]
	if !ok {
		l = &hwLoop{freq: 10, pidHi: 1}
		r.loops[name] = l
	}
	return l
}

// advanceRamp computes the current working setpoint of l. Callers hold r.mu.
func (r *Regulator) advanceRamp(l *hwLoop) float64 {
	if !l.ramping || l.rate <= 0 {
		return l.setpoint
	}
	elapsed := r.clk.Now().Sub(l.rampStartedAt).Seconds()
	span := l.setpoint - l.rampStart
	travelled := l.rate * elapsed
	if travelled >= math.Abs(span) {
		l.ramping = false
		return l.setpoint
	}
	if span < 0 {
		travelled = -travelled
	}
	return l.rampStart + travelled
}

// ReadInput serves the process-value register of the input channel.
func (r *Regulator) ReadInput(ctx context.Context, in *regulation.Input) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.inputs[in.Channel()]
	if !ok {
		return 0, errors.Errorf("regulator %q has no input channel %q", r.Name(), in.Channel())
	}
	return v, nil
}

// StateInput reports READY.
func (r *Regulator) StateInput(ctx context.Context, in *regulation.Input) (regulation.State, error) {
	return regulation.StateReady, nil
}

// ReadOutput serves the output register of the output channel.
func (r *Regulator) ReadOutput(ctx context.Context, out *regulation.Output) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[out.Channel()], nil
}

// StateOutput reports READY.
func (r *Regulator) StateOutput(ctx context.Context, out *regulation.Output) (regulation.State, error) {
	return regulation.StateReady, nil
}

// SetOutputValue stores value in the output register of the output channel.
func (r *Regulator) SetOutputValue(ctx context.Context, out *regulation.Output, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[out.Channel()] = value
	return nil
}

// Kp returns the device-side proportional coefficient.
func (r *Regulator) Kp(ctx context.Context, l *regulation.Loop) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loop(l.Name()).kp, nil
}

// SetKp stores the proportional coefficient device-side.
func (r *Regulator) SetKp(ctx context.Context, l *regulation.Loop, kp float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loop(l.Name()).kp = kp
	return nil
}

// Ki returns the device-side integral coefficient.
func (r *Regulator) Ki(ctx context.Context, l *regulation.Loop) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loop(l.Name()).ki, nil
}

// SetKi stores the integral coefficient device-side.
func (r *Regulator) SetKi(ctx context.Context, l *regulation.Loop, ki float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loop(l.Name()).ki = ki
	return nil
}

// Kd returns the device-side derivative coefficient.
func (r *Regulator) Kd(ctx context.Context, l *regulation.Loop) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loop(l.Name()).kd, nil
}

// SetKd stores the derivative coefficient device-side.
func (r *Regulator) SetKd(ctx context.Context, l *regulation.Loop, kd float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loop(l.Name()).kd = kd
	return nil
}

// SamplingFrequency returns the device-side PID frequency.
func (r *Regulator) SamplingFrequency(ctx context.Context, l *regulation.Loop) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loop(l.Name()).freq, nil
}

// SetSamplingFrequency stores the PID frequency device-side.
func (r *Regulator) SetSamplingFrequency(ctx context.Context, l *regulation.Loop, hz float64) error {
	if hz <= 0 {
		return errors.Errorf("regulator %q: sampling frequency must be > 0, got %v", r.Name(), hz)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loop(l.Name()).freq = hz
	return nil
}

// PIDRange returns the device-side PID output range.
func (r *Regulator) PIDRange(ctx context.Context, l *regulation.Loop) (float64, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hw := r.loop(l.Name())
	return hw.pidLow, hw.pidHi, nil
}

// SetPIDRange stores the PID output range device-side.
func (r *Regulator) SetPIDRange(ctx context.Context, l *regulation.Loop, low, high float64) error {
	if low >= high {
		return errors.Errorf("regulator %q: empty pid range [%v, %v]", r.Name(), low, high)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	hw := r.loop(l.Name())
	hw.pidLow, hw.pidHi = low, high
	return nil
}

// StartRegulation marks the loop regulating device-side.
func (r *Regulator) StartRegulation(ctx context.Context, l *regulation.Loop) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loop(l.Name()).regulating = true
	return nil
}

// StopRegulation marks the loop idle device-side.
func (r *Regulator) StopRegulation(ctx context.Context, l *regulation.Loop) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loop(l.Name()).regulating = false
	return nil
}

// IsRegulating reports the device-side regulation flag, for tests.
func (r *Regulator) IsRegulating(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loop(name).regulating
}

// Setpoint returns the device-side target setpoint.
func (r *Regulator) Setpoint(ctx context.Context, l *regulation.Loop) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loop(l.Name()).setpoint, nil
}

// SetSetpoint jumps the device-side setpoint without ramping.
func (r *Regulator) SetSetpoint(ctx context.Context, l *regulation.Loop, sp float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	hw := r.loop(l.Name())
	hw.setpoint = sp
	hw.ramping = false
	return nil
}

// WorkingSetpoint returns the instantaneous target of the native ramp.
func (r *Regulator) WorkingSetpoint(ctx context.Context, l *regulation.Loop) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advanceRamp(r.loop(l.Name())), nil
}

// StartRamp starts the native setpoint ramp from the current working
// setpoint toward sp; with a zero rate the setpoint jumps.
func (r *Regulator) StartRamp(ctx context.Context, l *regulation.Loop, sp float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	hw := r.loop(l.Name())
	from := r.advanceRamp(hw)
	hw.setpoint = sp
	if hw.rate <= 0 {
		hw.ramping = false
		return nil
	}
	hw.rampStart = from
	hw.rampStartedAt = r.clk.Now()
	hw.ramping = true
	return nil
}

// StopRamp freezes the native ramp at its current working setpoint.
func (r *Regulator) StopRamp(ctx context.Context, l *regulation.Loop) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	hw := r.loop(l.Name())
	hw.setpoint = r.advanceRamp(hw)
	hw.ramping = false
	return nil
}

// IsRamping reports whether the native ramp is still travelling.
func (r *Regulator) IsRamping(ctx context.Context, l *regulation.Loop) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hw := r.loop(l.Name())
	r.advanceRamp(hw)
	return hw.ramping, nil
}

// Ramprate returns the native ramp rate.
func (r *Regulator) Ramprate(ctx context.Context, l *regulation.Loop) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loop(l.Name()).rate, nil
}

// SetRamprate stores the native ramp rate; zero disables ramping.
func (r *Regulator) SetRamprate(ctx context.Context, l *regulation.Loop, rate float64) error {
	if rate < 0 {
		return errors.Errorf("regulator %q: ramprate must be >= 0, got %v", r.Name(), rate)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loop(l.Name()).rate = rate
	return nil
}
