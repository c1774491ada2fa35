package regulation

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// SoftController backs software PID regulation for any number of Loops. It is
// the controller to use when the hardware has no internal PID, or to override
// it. PID coefficients, sampling frequency, PID range and setpoint are all
// served from each loop's software PID; ramping capabilities stay unsupported
// so Loops and Outputs fall back to their SoftRamps.
//
// A concrete software controller embeds *SoftController and implements the
// device I/O: ReadInput, StateInput, ReadOutput, StateOutput, SetOutputValue.
type SoftController struct {
	*BaseController

	mu    sync.Mutex
	loops map[string]*SoftLoop
}

// NewSoftController returns a SoftController with no loops attached.
func NewSoftController(name string, logger golog.Logger, opts ...BaseControllerOption) *SoftController {
	return &SoftController{
		BaseController: NewBaseController(name, logger, opts...),
		loops:          map[string]*SoftLoop{},
	}
}

// CreateLoop builds a SoftLoop bound to ctrl (the outermost controller
// implementation) and adopts it for software regulation. Setup calls this in
// place of NewLoop whenever the controller is software-regulated.
func (sc *SoftController) CreateLoop(
	ctx context.Context,
	ctrl Controller,
	cfg LoopConfig,
	in LoopInput,
	out LoopOutput,
	opts ...LoopOption,
) (*SoftLoop, error) {
	sl := NewSoftLoop(ctrl, cfg, in, out, sc.Logger(), opts...)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if _, ok := sc.loops[sl.Name()]; ok {
		return nil, errors.Errorf("loop %q is already managed by controller %q", sl.Name(), sc.Name())
	}
	sc.loops[sl.Name()] = sl
	return sl, nil
}

// softLoop resolves the SoftLoop adopted for l.
func (sc *SoftController) softLoop(l *Loop) (*SoftLoop, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sl, ok := sc.loops[l.Name()]
	if !ok {
		return nil, errors.Errorf("loop %q is not managed by controller %q", l.Name(), sc.Name())
	}
	return sl, nil
}

// Kp returns the PID proportional coefficient.
func (sc *SoftController) Kp(ctx context.Context, l *Loop) (float64, error) {
	sl, err := sc.softLoop(l)
	if err != nil {
		return 0, err
	}
	return sl.pid.Kp(), nil
}

// SetKp sets the PID proportional coefficient.
func (sc *SoftController) SetKp(ctx context.Context, l *Loop, kp float64) error {
	sl, err := sc.softLoop(l)
	if err != nil {
		return err
	}
	sl.pid.SetKp(kp)
	return nil
}

// Ki returns the PID integral coefficient.
func (sc *SoftController) Ki(ctx context.Context, l *Loop) (float64, error) {
	sl, err := sc.softLoop(l)
	if err != nil {
		return 0, err
	}
	return sl.pid.Ki(), nil
}

// SetKi sets the PID integral coefficient.
func (sc *SoftController) SetKi(ctx context.Context, l *Loop, ki float64) error {
	sl, err := sc.softLoop(l)
	if err != nil {
		return err
	}
	sl.pid.SetKi(ki)
	return nil
}

// Kd returns the PID derivative coefficient.
func (sc *SoftController) Kd(ctx context.Context, l *Loop) (float64, error) {
	sl, err := sc.softLoop(l)
	if err != nil {
		return 0, err
	}
	return sl.pid.Kd(), nil
}

// SetKd sets the PID derivative coefficient.
func (sc *SoftController) SetKd(ctx context.Context, l *Loop, kd float64) error {
	sl, err := sc.softLoop(l)
	if err != nil {
		return err
	}
	sl.pid.SetKd(kd)
	return nil
}

// SamplingFrequency returns the PID sampling frequency in Hz.
func (sc *SoftController) SamplingFrequency(ctx context.Context, l *Loop) (float64, error) {
	sl, err := sc.softLoop(l)
	if err != nil {
		return 0, err
	}
	return 1 / sl.pid.SampleTime().Seconds(), nil
}

// SetSamplingFrequency sets the PID sampling frequency in Hz.
func (sc *SoftController) SetSamplingFrequency(ctx context.Context, l *Loop, hz float64) error {
	sl, err := sc.softLoop(l)
	if err != nil {
		return err
	}
	if hz <= 0 {
		return errors.Errorf("loop %q: sampling frequency must be > 0, got %v", l.Name(), hz)
	}
	sl.pid.SetSampleTime(time.Duration(float64(time.Second) / hz))
	return nil
}

// PIDRange returns the PID output limits.
func (sc *SoftController) PIDRange(ctx context.Context, l *Loop) (float64, float64, error) {
	sl, err := sc.softLoop(l)
	if err != nil {
		return 0, 0, err
	}
	low, high := sl.pid.OutputLimits()
	return low, high, nil
}

// SetPIDRange sets the PID output limits.
func (sc *SoftController) SetPIDRange(ctx context.Context, l *Loop, low, high float64) error {
	sl, err := sc.softLoop(l)
	if err != nil {
		return err
	}
	sl.pid.SetOutputLimits(low, high)
	return nil
}

// Setpoint returns the PID setpoint. While a soft ramp is active this is the
// working setpoint being pushed by the ramp.
func (sc *SoftController) Setpoint(ctx context.Context, l *Loop) (float64, error) {
	sl, err := sc.softLoop(l)
	if err != nil {
		return 0, err
	}
	return sl.pid.Setpoint(), nil
}

// SetSetpoint sets the PID setpoint without starting regulation.
func (sc *SoftController) SetSetpoint(ctx context.Context, l *Loop, sp float64) error {
	sl, err := sc.softLoop(l)
	if err != nil {
		return err
	}
	sl.pid.SetSetpoint(sp)
	return nil
}

// ApplyProportionalOnMeasurement selects whether the proportional term is
// computed on the measurement instead of the error, which removes overshoot
// in some systems.
func (sc *SoftController) ApplyProportionalOnMeasurement(ctx context.Context, l *Loop, enabled bool) error {
	sl, err := sc.softLoop(l)
	if err != nil {
		return err
	}
	sl.pid.SetProportionalOnMeasurement(enabled)
	return nil
}

// StartRegulation spawns the loop's regulation task; a no-op when running.
func (sc *SoftController) StartRegulation(ctx context.Context, l *Loop) error {
	sl, err := sc.softLoop(l)
	if err != nil {
		return err
	}
	return sl.StartRegulation(ctx)
}

// StopRegulation stops the loop's regulation task.
func (sc *SoftController) StopRegulation(ctx context.Context, l *Loop) error {
	sl, err := sc.softLoop(l)
	if err != nil {
		return err
	}
	return sl.StopRegulation(ctx)
}

// Close stops every adopted regulation task.
func (sc *SoftController) Close(ctx context.Context) error {
	sc.mu.Lock()
	loops := make([]*SoftLoop, 0, len(sc.loops))
	for _, sl := range sc.loops {
		loops = append(loops, sl)
	}
	sc.mu.Unlock()
	var err error
	for _, sl := range loops {
		err = multierr.Combine(err, sl.Close(ctx))
	}
	return err
}
