package regulation

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// WaitMode selects how scan readiness of the Loop's pseudo axis is decided.
type WaitMode string

// Wait modes.
const (
	// WaitModeRamp reports MOVING while a setpoint ramp is active.
	WaitModeRamp WaitMode = "ramp"
	// WaitModeDeadband reports MOVING until the process value has dwelled
	// inside the deadband for at least the deadband time.
	WaitModeDeadband WaitMode = "deadband"
)

// LoopInput is what a Loop consumes from its process-variable source.
// Implemented by Input and ExternalInput.
type LoopInput interface {
	Object
	Unit() string
	Read(ctx context.Context) (float64, error)
	State(ctx context.Context) (State, error)
	AllowRegulation() bool
	Counter() SamplingCounter
}

// LoopOutput is what a Loop consumes from its actuator. Implemented by Output
// and ExternalOutput.
type LoopOutput interface {
	Object
	Unit() string
	Read(ctx context.Context) (float64, error)
	State(ctx context.Context) (State, error)
	SetValue(ctx context.Context, value float64) error
	IsRamping(ctx context.Context) (bool, error)
	StopRamping(ctx context.Context) error
	WorkingSetpoint(ctx context.Context) (float64, error)
	Limits() (low, high *float64)
	Counter() SamplingCounter
}

// Loop drives one closed regulation process: read the Input, compare to the
// setpoint, have the controller (hardware or software) compute a corrective
// value and apply it to the Output. Setting a setpoint starts regulation
// (idempotently) and ramps the working setpoint toward the target.
type Loop struct {
	name   string
	input  LoopInput
	output LoopOutput
	ctrl   Controller
	logger golog.Logger
	clk    clock.Clock

	mu             sync.Mutex
	deadband       float64
	deadbandTime   time.Duration
	idleFactor     float64
	waitMode       WaitMode
	rampFromPV     bool
	setpoint       float64
	haveSetpoint   bool
	inDeadband     bool
	enteredAt      time.Time
	firstScanMove  bool
	historySamples *historyBuffer

	ramp *ramp
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopClock substitutes the wall clock, for tests.
func WithLoopClock(clk clock.Clock) LoopOption {
	return func(l *Loop) {
		l.clk = clk
	}
}

// NewLoop returns a Loop owning in and out, both fixed for the Loop lifetime.
// Externally constructed inputs and outputs are lazily attached to ctrl.
func NewLoop(ctrl Controller, cfg LoopConfig, in LoopInput, out LoopOutput, logger golog.Logger, opts ...LoopOption) *Loop {
	l := &Loop{
		name:           cfg.Name,
		input:          in,
		output:         out,
		ctrl:           ctrl,
		logger:         logger,
		clk:            clock.New(),
		deadband:       cfg.Deadband,
		deadbandTime:   time.Duration(cfg.DeadbandTime * float64(time.Second)),
		idleFactor:     defaultIdleFactor,
		waitMode:       WaitMode(cfg.WaitMode),
		rampFromPV:     cfg.RampFromPV,
		firstScanMove:  true,
		historySamples: newHistoryBuffer(defaultHistorySize),
	}
	if l.waitMode == "" {
		l.waitMode = WaitModeRamp
	}
	for _, opt := range opts {
		opt(l)
	}
	if att, ok := in.(interface{ attachController(Controller) }); ok {
		att.attachController(ctrl)
	}

	soft := NewSoftRamp(
		func(ctx context.Context) (float64, error) { return l.input.Read(ctx) },
		func(ctx context.Context, value float64) error { return l.pushWorkingSetpoint(ctx, value) },
		logger,
		WithRampClock(l.clk),
	)
	soft.SetRate(cfg.Ramprate)
	l.ramp = newRamp(soft, hwRampOps{
		start:           func(ctx context.Context, v float64) error { return ctrl.StartRamp(ctx, l, v) },
		stop:            func(ctx context.Context) error { return ctrl.StopRamp(ctx, l) },
		isRamping:       func(ctx context.Context) (bool, error) { return ctrl.IsRamping(ctx, l) },
		rate:            func(ctx context.Context) (float64, error) { return ctrl.Ramprate(ctx, l) },
		setRate:         func(ctx context.Context, v float64) error { return ctrl.SetRamprate(ctx, l, v) },
		workingSetpoint: func(ctx context.Context) (float64, error) { return ctrl.WorkingSetpoint(ctx, l) },
	}, func(ctx context.Context) (float64, error) {
		// Constant-setpoint hardware with no working-setpoint concept: serve
		// the cached last setpoint instead of polling the device.
		return l.Setpoint(), nil
	})
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Input returns the loop input.
func (l *Loop) Input() LoopInput { return l.input }

// Output returns the loop output.
func (l *Loop) Output() LoopOutput { return l.output }

// Controller returns the owning controller.
func (l *Loop) Controller() Controller { return l.ctrl }

// Setpoint returns the last requested target value in input units.
func (l *Loop) Setpoint() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setpoint
}

// SetSetpoint records value as the new target, makes sure the regulation
// process is running (idempotent) and starts ramping toward the target. With
// ramp-from-PV enabled and the process value outside the deadband, the current
// process value is pushed as the setpoint baseline first, so the ramp departs
// from where the process actually is rather than from a stale setpoint.
func (l *Loop) SetSetpoint(ctx context.Context, value float64) error {
	l.logger.Debugw("loop set setpoint", "loop", l.name, "setpoint", value)

	l.mu.Lock()
	l.inDeadband = false
	firstTarget := !l.haveSetpoint
	rampFromPV := l.rampFromPV
	prev := l.setpoint
	l.mu.Unlock()

	if err := l.startRegulation(ctx); err != nil {
		return err
	}

	// The deadband check runs against the setpoint still in effect, not the
	// incoming target: a process sitting on its current setpoint ramps from
	// there, wherever the new target lands.
	if rampFromPV && !firstTarget {
		pv, err := l.input.Read(ctx)
		if err != nil {
			return errors.Wrapf(err, "loop %q could not read process value", l.name)
		}
		if math.Abs(pv-prev) > l.Deadband() {
			if err := l.ctrl.SetSetpoint(ctx, l, pv); err != nil && !IsUnsupported(err) {
				return err
			}
		}
	}

	if err := l.ramp.Start(ctx, value); err != nil {
		return err
	}

	l.mu.Lock()
	l.setpoint = value
	l.haveSetpoint = true
	l.mu.Unlock()
	return nil
}

// startRegulation asks the controller to run the regulation process. A
// controller without the capability regulates natively and the gap is
// ignored.
func (l *Loop) startRegulation(ctx context.Context) error {
	if err := l.ctrl.StartRegulation(ctx, l); err != nil && !IsUnsupported(err) {
		return err
	}
	return nil
}

// Stop halts the setpoint ramp. The regulation process keeps running.
func (l *Loop) Stop(ctx context.Context) error {
	l.logger.Debugw("loop stop", "loop", l.name)
	return l.ramp.Stop(ctx)
}

// Abort halts the setpoint ramp and drives the output to its zero-power
// value. The regulation process keeps running.
func (l *Loop) Abort(ctx context.Context) error {
	l.logger.Debugw("loop abort", "loop", l.name)
	if err := l.ramp.Stop(ctx); err != nil {
		return err
	}
	return l.output.SetValue(ctx, l.zeroPowerValue(ctx))
}

// Close stops ramping and regulation, releasing background tasks.
func (l *Loop) Close(ctx context.Context) error {
	var err error
	err = multierr.Combine(err, l.ramp.Stop(ctx))
	if serr := l.ctrl.StopRegulation(ctx, l); serr != nil && !IsUnsupported(serr) {
		err = multierr.Combine(err, serr)
	}
	return err
}

// zeroPowerValue maps PID zero to output units, the value written on Abort.
func (l *Loop) zeroPowerValue(ctx context.Context) float64 {
	v, err := l.PowerToUnit(ctx, 0)
	if err != nil {
		return 0
	}
	return v
}

// WorkingSetpoint returns the instantaneous intermediate target: the
// hardware's native working setpoint when supported, else the soft ramp's
// working point, else the cached last setpoint.
func (l *Loop) WorkingSetpoint(ctx context.Context) (float64, error) {
	return l.ramp.WorkingSetpoint(ctx)
}

// IsRamping reports whether a setpoint ramp is active.
func (l *Loop) IsRamping(ctx context.Context) (bool, error) {
	return l.ramp.IsRamping(ctx)
}

// Ramprate returns the setpoint ramp rate in input units per second.
func (l *Loop) Ramprate(ctx context.Context) (float64, error) {
	return l.ramp.Rate(ctx)
}

// SetRamprate sets the setpoint ramp rate in input units per second; zero
// disables ramping.
func (l *Loop) SetRamprate(ctx context.Context, rate float64) error {
	return l.ramp.SetRate(ctx, rate)
}

// pushWorkingSetpoint forwards a soft-ramp working point to the controller.
func (l *Loop) pushWorkingSetpoint(ctx context.Context, value float64) error {
	if err := l.ctrl.SetSetpoint(ctx, l, value); err != nil && !IsUnsupported(err) {
		return err
	}
	return nil
}

// Kp returns the PID proportional coefficient.
func (l *Loop) Kp(ctx context.Context) (float64, error) { return l.ctrl.Kp(ctx, l) }

// SetKp sets the PID proportional coefficient.
func (l *Loop) SetKp(ctx context.Context, kp float64) error { return l.ctrl.SetKp(ctx, l, kp) }

// Ki returns the PID integral coefficient.
func (l *Loop) Ki(ctx context.Context) (float64, error) { return l.ctrl.Ki(ctx, l) }

// SetKi sets the PID integral coefficient.
func (l *Loop) SetKi(ctx context.Context, ki float64) error { return l.ctrl.SetKi(ctx, l, ki) }

// Kd returns the PID derivative coefficient.
func (l *Loop) Kd(ctx context.Context) (float64, error) { return l.ctrl.Kd(ctx, l) }

// SetKd sets the PID derivative coefficient.
func (l *Loop) SetKd(ctx context.Context, kd float64) error { return l.ctrl.SetKd(ctx, l, kd) }

// SamplingFrequency returns the PID sampling frequency in Hz.
func (l *Loop) SamplingFrequency(ctx context.Context) (float64, error) {
	return l.ctrl.SamplingFrequency(ctx, l)
}

// SetSamplingFrequency sets the PID sampling frequency in Hz.
func (l *Loop) SetSamplingFrequency(ctx context.Context, hz float64) error {
	return l.ctrl.SetSamplingFrequency(ctx, l, hz)
}

// PIDRange returns the abstract PID output range.
func (l *Loop) PIDRange(ctx context.Context) (low, high float64, err error) {
	return l.ctrl.PIDRange(ctx, l)
}

// SetPIDRange sets the abstract PID output range.
func (l *Loop) SetPIDRange(ctx context.Context, low, high float64) error {
	return l.ctrl.SetPIDRange(ctx, l, low, high)
}

// Deadband returns the tolerance window around the setpoint used to decide
// scan readiness, in input units.
func (l *Loop) Deadband() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deadband
}

// SetDeadband sets the deadband in input units.
func (l *Loop) SetDeadband(db float64) error {
	if db < 0 {
		return errors.Errorf("loop %q: deadband must be >= 0, got %v", l.name, db)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadband = db
	return nil
}

// DeadbandTime returns how long the process value must dwell inside the
// deadband before the loop reports READY.
func (l *Loop) DeadbandTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deadbandTime
}

// SetDeadbandTime sets the deadband dwell time.
func (l *Loop) SetDeadbandTime(d time.Duration) error {
	if d < 0 {
		return errors.Errorf("loop %q: deadband time must be >= 0, got %v", l.name, d)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadbandTime = d
	return nil
}

// DeadbandIdleFactor returns the fraction of the deadband within which the
// regulation task suppresses output writes.
func (l *Loop) DeadbandIdleFactor() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idleFactor
}

// SetDeadbandIdleFactor sets the idleband fraction, clamped to [0, 1].
func (l *Loop) SetDeadbandIdleFactor(f float64) {
	f = math.Max(0, math.Min(1, f))
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idleFactor = f
}

// WaitMode returns the scan-readiness mode.
func (l *Loop) WaitMode() WaitMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitMode
}

// SetWaitMode sets the scan-readiness mode.
func (l *Loop) SetWaitMode(m WaitMode) error {
	if m != WaitModeRamp && m != WaitModeDeadband {
		return errors.Errorf("loop %q: unknown wait mode %q", l.name, m)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waitMode = m
	return nil
}

// IsInDeadband reports whether the current process value lies within
// setpoint +/- deadband.
func (l *Loop) IsInDeadband(ctx context.Context) (bool, error) {
	pv, err := l.input.Read(ctx)
	if err != nil {
		return false, err
	}
	return l.inBand(pv, 1), nil
}

// IsInIdleband reports whether the current process value lies within
// setpoint +/- deadband*idleFactor, the window in which the regulation task
// suppresses output writes.
func (l *Loop) IsInIdleband(ctx context.Context) (bool, error) {
	pv, err := l.input.Read(ctx)
	if err != nil {
		return false, err
	}
	return l.inIdleband(pv), nil
}

func (l *Loop) inIdleband(pv float64) bool {
	l.mu.Lock()
	factor := l.idleFactor
	l.mu.Unlock()
	return l.inBand(pv, factor)
}

func (l *Loop) inBand(pv, factor float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return math.Abs(pv-l.setpoint) <= l.deadband*factor
}

// PowerToUnit maps an abstract PID value onto the output's physical range. If
// either output limit is absent the value passes through unchanged.
func (l *Loop) PowerToUnit(ctx context.Context, power float64) (float64, error) {
	low, high := l.output.Limits()
	if low == nil || high == nil {
		return power, nil
	}
	pidLow, pidHigh, err := l.PIDRange(ctx)
	if err != nil {
		if IsUnsupported(err) {
			return power, nil
		}
		return 0, err
	}
	if pidHigh == pidLow {
		return power, nil
	}
	a := (*high - *low) / (pidHigh - pidLow)
	b := *low - a*pidLow
	return power*a + b, nil
}

// History returns a snapshot of the samples recorded by the regulation task.
func (l *Loop) History() []HistorySample {
	return l.historySamples.Snapshot()
}

// ClearHistory drops all recorded samples.
func (l *Loop) ClearHistory() {
	l.historySamples.Clear()
}

// HistorySize returns the capacity of the history buffer.
func (l *Loop) HistorySize() int {
	return l.historySamples.Size()
}

// SetHistorySize resizes the history buffer, keeping the newest samples.
func (l *Loop) SetHistorySize(n int) {
	l.historySamples.Resize(n)
}

// recordHistory appends one regulation sample.
func (l *Loop) recordHistory(input, output, setpoint float64) {
	l.historySamples.Append(input, output, setpoint)
}

// Counter returns a sampling-counter view over the loop setpoint.
func (l *Loop) Counter() SamplingCounter {
	return deviceCounter{
		name: l.name,
		unit: l.input.Unit(),
		read: func(ctx context.Context) (float64, error) { return l.Setpoint(), nil },
	}
}

// Counters returns the standard counter set of the loop: its input, its
// output and its setpoint.
func (l *Loop) Counters() []SamplingCounter {
	return []SamplingCounter{l.input.Counter(), l.output.Counter(), l.Counter()}
}
