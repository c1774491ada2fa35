package regulation

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

const (
	regulationStopTimeout    = 2 * time.Second
	defaultMaxAttempts       = 3
	defaultSamplingFrequency = 10.0
	defaultPIDRangeLow       = 0.0
	defaultPIDRangeHigh      = 1.0
)

// SoftLoop is a Loop that regulates in software: it owns a PID and a
// concurrent regulation task used when the controller has no native PID. The
// task reads the input, computes the corrective value, maps it to output
// units and writes it to the output unless the process value sits inside the
// idleband.
//
// Transient read and write failures are retried up to the configured attempt
// budget; exhausting either budget terminates the task fatally, observable
// through WaitRegulation.
type SoftLoop struct {
	*Loop
	pid *PID

	taskMu      sync.Mutex
	maxAttempts int
	running     bool
	cancel      func()
	done        chan struct{}
	workers     sync.WaitGroup
	regErr      error

	cacheMu    sync.Mutex
	lastInput  float64
	haveInput  bool
	lastOutput float64
	haveOutput bool
}

// NewSoftLoop returns a software-regulated Loop configured from cfg.
func NewSoftLoop(ctrl Controller, cfg LoopConfig, in LoopInput, out LoopOutput, logger golog.Logger, opts ...LoopOption) *SoftLoop {
	sl := &SoftLoop{
		Loop:        NewLoop(ctrl, cfg, in, out, logger, opts...),
		maxAttempts: defaultMaxAttempts,
	}
	if cfg.MaxAttemptsBeforeFailure != nil {
		sl.maxAttempts = *cfg.MaxAttemptsBeforeFailure
	}

	frequency := cfg.Frequency
	if frequency <= 0 {
		frequency = defaultSamplingFrequency
	}
	pidLow, pidHigh := defaultPIDRangeLow, defaultPIDRangeHigh
	if cfg.LowLimit != nil {
		pidLow = *cfg.LowLimit
	}
	if cfg.HighLimit != nil {
		pidHigh = *cfg.HighLimit
	}
	sl.pid = NewPID(PIDConfig{
		Kp:         cfg.P,
		Ki:         cfg.I,
		Kd:         cfg.D,
		SampleTime: time.Duration(float64(time.Second) / frequency),
		OutputLow:  pidLow,
		OutputHigh: pidHigh,
		Clock:      sl.clk,
	})
	return sl
}

// PID returns the software PID of the loop.
func (sl *SoftLoop) PID() *PID {
	return sl.pid
}

// MaxAttemptsBeforeFailure returns the transient-failure budget of the
// regulation task.
func (sl *SoftLoop) MaxAttemptsBeforeFailure() int {
	sl.taskMu.Lock()
	defer sl.taskMu.Unlock()
	return sl.maxAttempts
}

// SetMaxAttemptsBeforeFailure sets the transient-failure budget.
func (sl *SoftLoop) SetMaxAttemptsBeforeFailure(n int) error {
	if n < 0 {
		return errors.Errorf("loop %q: max attempts must be >= 0, got %d", sl.name, n)
	}
	sl.taskMu.Lock()
	defer sl.taskMu.Unlock()
	sl.maxAttempts = n
	return nil
}

// IsRegulating reports whether the regulation task is live.
func (sl *SoftLoop) IsRegulating() bool {
	sl.taskMu.Lock()
	defer sl.taskMu.Unlock()
	return sl.running
}

// StartRegulation spawns the regulation task. Starting a running loop is a
// no-op.
func (sl *SoftLoop) StartRegulation(ctx context.Context) error {
	sl.taskMu.Lock()
	defer sl.taskMu.Unlock()
	if sl.running {
		return nil
	}
	sl.logger.Debugw("starting regulation", "loop", sl.name)
	cancelCtx, cancel := context.WithCancel(context.Background())
	sl.cancel = cancel
	done := make(chan struct{})
	sl.done = done
	sl.running = true
	sl.regErr = nil
	sl.workers.Add(1)
	goutils.ManagedGo(func() {
		defer close(done)
		err := sl.regulate(cancelCtx)
		sl.taskMu.Lock()
		sl.regErr = err
		sl.running = false
		sl.taskMu.Unlock()
		if err != nil {
			sl.logger.Errorw("regulation task failed", "loop", sl.name, "error", err)
		}
	}, sl.workers.Done)
	return nil
}

// StopRegulation signals the regulation task and waits up to two seconds for
// it to end; exceeding the timeout abandons the wait without error.
func (sl *SoftLoop) StopRegulation(ctx context.Context) error {
	sl.taskMu.Lock()
	if !sl.running {
		sl.taskMu.Unlock()
		return nil
	}
	cancel := sl.cancel
	done := sl.done
	sl.taskMu.Unlock()

	sl.logger.Debugw("stopping regulation", "loop", sl.name)
	cancel()
	select {
	case <-done:
	case <-time.After(regulationStopTimeout):
		sl.logger.Warnw("regulation task did not stop in time, abandoning wait",
			"loop", sl.name, "timeout", regulationStopTimeout)
	case <-ctx.Done():
	}
	return nil
}

// WaitRegulation blocks until the regulation task ends and returns its
// terminal error, nil after a clean stop. It returns immediately when no task
// was ever started.
func (sl *SoftLoop) WaitRegulation(ctx context.Context) error {
	sl.taskMu.Lock()
	done := sl.done
	sl.taskMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return sl.RegulationErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegulationErr returns the terminal error of the last regulation task, nil
// while running or after a clean stop.
func (sl *SoftLoop) RegulationErr() error {
	sl.taskMu.Lock()
	defer sl.taskMu.Unlock()
	return sl.regErr
}

// LastInput returns the last process value observed by the regulation task.
func (sl *SoftLoop) LastInput() (float64, bool) {
	sl.cacheMu.Lock()
	defer sl.cacheMu.Unlock()
	return sl.lastInput, sl.haveInput
}

// LastOutput returns the last value the regulation task wrote to the output.
func (sl *SoftLoop) LastOutput() (float64, bool) {
	sl.cacheMu.Lock()
	defer sl.cacheMu.Unlock()
	return sl.lastOutput, sl.haveOutput
}

// CurrentInput returns the cached process value while the loop regulates,
// avoiding extra hardware traffic, and reads the input directly otherwise.
func (sl *SoftLoop) CurrentInput(ctx context.Context) (float64, error) {
	if sl.IsRegulating() {
		if v, ok := sl.LastInput(); ok {
			return v, nil
		}
	}
	return sl.input.Read(ctx)
}

// CurrentOutput returns the cached output value while the loop regulates and
// reads the output directly otherwise.
func (sl *SoftLoop) CurrentOutput(ctx context.Context) (float64, error) {
	if sl.IsRegulating() {
		if v, ok := sl.LastOutput(); ok {
			return v, nil
		}
	}
	return sl.output.Read(ctx)
}

// Close stops ramping and the regulation task.
func (sl *SoftLoop) Close(ctx context.Context) error {
	rerr := sl.ramp.Stop(ctx)
	serr := sl.StopRegulation(ctx)
	if rerr != nil {
		return rerr
	}
	return serr
}

// regulate is the regulation task body. It returns nil on cooperative stop
// and the fatal error once a retry budget is exhausted.
func (sl *SoftLoop) regulate(ctx context.Context) error {
	readFailures := 0
	writeFailures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if sl.input.AllowRegulation() {
			pv, err := sl.input.Read(ctx)
			if err != nil {
				readFailures++
				sl.logger.Debugw("regulation input read failed",
					"loop", sl.name, "attempt", readFailures, "error", err)
				if readFailures > sl.MaxAttemptsBeforeFailure() {
					return errors.Wrapf(err, "loop %q: input read failed %d times", sl.name, readFailures)
				}
			} else {
				readFailures = 0
				sl.cacheMu.Lock()
				sl.lastInput = pv
				sl.haveInput = true
				sl.cacheMu.Unlock()

				power := sl.pid.Compute(pv)
				if !sl.inIdleband(pv) {
					value, err := sl.PowerToUnit(ctx, power)
					if err == nil {
						err = sl.output.SetValue(ctx, value)
					}
					if err != nil {
						writeFailures++
						sl.logger.Debugw("regulation output write failed",
							"loop", sl.name, "attempt", writeFailures, "error", err)
						if writeFailures > sl.MaxAttemptsBeforeFailure() {
							return errors.Wrapf(err, "loop %q: output write failed %d times", sl.name, writeFailures)
						}
					} else {
						writeFailures = 0
						sl.cacheMu.Lock()
						sl.lastOutput = value
						sl.haveOutput = true
						sl.cacheMu.Unlock()
					}
				}

				outWsp, _ := sl.LastOutput()
				if wsp, err := sl.output.WorkingSetpoint(ctx); err == nil {
					outWsp = wsp
				}
				sl.recordHistory(pv, outWsp, sl.Setpoint())
			}
		}

		if !goutils.SelectContextOrWait(ctx, sl.pid.SampleTime()) {
			return nil
		}
	}
}
