package regulation

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const defaultPIDSampleTime = 100 * time.Millisecond

// PID is the software regulation algorithm used when no hardware PID exists.
// The proportional term works on the error, or directly on the measurement
// when proportional-on-measurement is enabled (which removes overshoot in some
// systems). The integral term and the final output are clamped to the output
// limits; the derivative term works on the measurement to avoid derivative
// kick on setpoint changes.
type PID struct {
	mu sync.Mutex

	kp, ki, kd float64
	setpoint   float64
	sampleTime time.Duration
	outMin     float64
	outMax     float64
	propOnMeas bool
	clk        clock.Clock

	proportional float64
	integral     float64
	lastInput    float64
	haveInput    bool
	lastOutput   float64
	haveOutput   bool
	lastTime     time.Time
}

// PIDConfig sets the initial PID state.
type PIDConfig struct {
	Kp, Ki, Kd    float64
	Setpoint      float64
	SampleTime    time.Duration
	OutputLow     float64
	OutputHigh    float64
	PropOnMeasure bool
	Clock         clock.Clock
}

// NewPID returns a PID with the given coefficients and limits.
func NewPID(cfg PIDConfig) *PID {
	p := &PID{
		kp:         cfg.Kp,
		ki:         cfg.Ki,
		kd:         cfg.Kd,
		setpoint:   cfg.Setpoint,
		sampleTime: cfg.SampleTime,
		outMin:     cfg.OutputLow,
		outMax:     cfg.OutputHigh,
		propOnMeas: cfg.PropOnMeasure,
		clk:        cfg.Clock,
	}
	if p.sampleTime <= 0 {
		p.sampleTime = defaultPIDSampleTime
	}
	if p.clk == nil {
		p.clk = clock.New()
	}
	return p
}

// Compute advances the controller with a new measurement and returns the
// corrective value clamped to the output limits. Calls closer together than
// the sample time return the previous output unchanged.
func (p *PID) Compute(input float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	dt := p.sampleTime
	if !p.lastTime.IsZero() {
		elapsed := now.Sub(p.lastTime)
		if p.haveOutput && elapsed < p.sampleTime {
			return p.lastOutput
		}
		if elapsed > 0 {
			dt = elapsed
		}
	}

	err := p.setpoint - input
	dInput := 0.0
	if p.haveInput {
		dInput = input - p.lastInput
	}

	if p.propOnMeas {
		p.proportional -= p.kp * dInput
	} else {
		p.proportional = p.kp * err
	}

	p.integral += p.ki * err * dt.Seconds()
	p.integral = p.clamp(p.integral)

	derivative := -p.kd * dInput / dt.Seconds()

	out := p.clamp(p.proportional + p.integral + derivative)

	p.lastInput = input
	p.haveInput = true
	p.lastOutput = out
	p.haveOutput = true
	p.lastTime = now
	return out
}

// Reset clears the accumulated state, keeping coefficients and limits.
func (p *PID) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proportional = 0
	p.integral = 0
	p.haveInput = false
	p.haveOutput = false
	p.lastTime = time.Time{}
}

func (p *PID) clamp(v float64) float64 {
	if v > p.outMax {
		return p.outMax
	}
	if v < p.outMin {
		return p.outMin
	}
	return v
}

// Kp returns the proportional coefficient.
func (p *PID) Kp() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kp
}

// SetKp sets the proportional coefficient.
func (p *PID) SetKp(kp float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kp = kp
}

// Ki returns the integral coefficient.
func (p *PID) Ki() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ki
}

// SetKi sets the integral coefficient.
func (p *PID) SetKi(ki float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ki = ki
}

// Kd returns the derivative coefficient.
func (p *PID) Kd() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kd
}

// SetKd sets the derivative coefficient.
func (p *PID) SetKd(kd float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kd = kd
}

// Setpoint returns the target value.
func (p *PID) Setpoint() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setpoint
}

// SetSetpoint sets the target value.
func (p *PID) SetSetpoint(sp float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setpoint = sp
}

// SampleTime returns the period between two PID computations.
func (p *PID) SampleTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sampleTime
}

// SetSampleTime sets the period between two PID computations.
func (p *PID) SetSampleTime(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sampleTime = d
}

// OutputLimits returns the clamp applied to the integral term and the output.
func (p *PID) OutputLimits() (low, high float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outMin, p.outMax
}

// SetOutputLimits sets the output clamp and re-clamps the integral term.
func (p *PID) SetOutputLimits(low, high float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outMin, p.outMax = low, high
	p.integral = p.clamp(p.integral)
}

// SetProportionalOnMeasurement selects whether the proportional term is
// computed on the measurement instead of the error.
func (p *PID) SetProportionalOnMeasurement(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.propOnMeas = enabled
}

// ProportionalOnMeasurement reports the proportional term mode.
func (p *PID) ProportionalOnMeasurement() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.propOnMeas
}
