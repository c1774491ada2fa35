package regulation

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"
)

const (
	defaultRampPollTime = 20 * time.Millisecond
	rampStopTimeout     = 2 * time.Second
)

// SoftRamp generates a time-linear intermediate value between the current
// value and a target value at a configured rate, pushing the working point to
// a setter callback on every tick. A rate of zero disables ramping: the target
// is pushed immediately and no task is spawned.
//
// There is never more than one tick task per SoftRamp; calling Start while a
// ramp is active only redirects the running task to the new target. The task
// recomputes its ramp line before stepping whenever the target changed, so a
// mid-ramp setpoint change redirects smoothly instead of racing.
type SoftRamp struct {
	logger golog.Logger
	clk    clock.Clock

	// get reads the value the ramp starts from; set pushes each working point.
	get func(ctx context.Context) (float64, error)
	set func(ctx context.Context, value float64) error

	mu       sync.Mutex
	rate     float64
	pollTime time.Duration

	target     float64
	newTarget  float64
	working    float64
	hasWorking bool

	startTime  time.Time
	startValue float64
	direction  float64

	running bool
	cancel  func()
	done    chan struct{}
	workers sync.WaitGroup
}

// SoftRampOption configures a SoftRamp.
type SoftRampOption func(*SoftRamp)

// WithRampClock substitutes the wall clock, for tests.
func WithRampClock(clk clock.Clock) SoftRampOption {
	return func(r *SoftRamp) {
		r.clk = clk
	}
}

// NewSoftRamp returns a ramp generator reading its start value through get and
// pushing working points through set.
func NewSoftRamp(
	get func(ctx context.Context) (float64, error),
	set func(ctx context.Context, value float64) error,
	logger golog.Logger,
	opts ...SoftRampOption,
) *SoftRamp {
	r := &SoftRamp{
		logger:   logger,
		clk:      clock.New(),
		get:      get,
		set:      set,
		pollTime: defaultRampPollTime,
		target:   math.NaN(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rate returns the ramp rate in units per second.
func (r *SoftRamp) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// SetRate sets the ramp rate in units per second. Zero disables ramping. A
// running ramp observes the change on its next tick.
func (r *SoftRamp) SetRate(rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate = rate
}

// PollTime returns the tick period of the ramp task.
func (r *SoftRamp) PollTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pollTime
}

// SetPollTime sets the tick period of the ramp task.
func (r *SoftRamp) SetPollTime(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollTime = d
}

// WorkingPoint returns the last value pushed by the ramp and whether a ramp
// ever pushed one.
func (r *SoftRamp) WorkingPoint() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.working, r.hasWorking
}

// IsRamping reports whether a ramp task is live.
func (r *SoftRamp) IsRamping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start makes target the new ramp destination. With a zero rate the working
// point jumps to target synchronously; otherwise a tick task is spawned unless
// one is already running, in which case the running task redirects.
func (r *SoftRamp) Start(ctx context.Context, target float64) error {
	r.mu.Lock()
	r.newTarget = target
	if r.rate == 0 {
		r.target = target
		r.working = target
		r.hasWorking = true
		r.mu.Unlock()
		return r.set(ctx, target)
	}
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	cancelCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done
	r.workers.Add(1)
	r.mu.Unlock()

	goutils.ManagedGo(func() {
		defer close(done)
		r.tick(cancelCtx)
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}, r.workers.Done)
	return nil
}

// Stop signals the tick task and waits up to rampStopTimeout for it to end.
// Exceeding the timeout is logged and abandoned, not an error: the task is
// expected to observe the signal on its next sleep boundary.
func (r *SoftRamp) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(rampStopTimeout):
		r.logger.Warnw("ramp task did not stop in time, abandoning wait", "timeout", rampStopTimeout)
	case <-ctx.Done():
	}
}

// tick runs the ramp line until the target is reached or the task is
// cancelled. The pushed sequence approaches the target monotonically and the
// final pushed value is the target exactly, independent of tick jitter.
func (r *SoftRamp) tick(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.calcRampLine(ctx); err != nil {
			r.logger.Errorw("ramp could not read start value", "error", err)
			return
		}

		if !goutils.SelectContextOrWait(ctx, r.PollTime()) {
			return
		}

		r.mu.Lock()
		rate := r.rate
		target := r.target
		start := r.startValue
		dir := r.direction
		dt := r.clk.Now().Sub(r.startTime).Seconds()
		r.mu.Unlock()

		if rate == 0 {
			// The rate was zeroed while this ramp was active.
			r.push(ctx, target)
			return
		}
		value := start + dir*rate*dt
		if (dir > 0 && value <= target) || (dir < 0 && value >= target) {
			if !r.push(ctx, value) {
				return
			}
			continue
		}
		r.push(ctx, target)
		return
	}
}

// calcRampLine recomputes the ramp line when a fresh target was requested
// since the line was last computed.
func (r *SoftRamp) calcRampLine(ctx context.Context) error {
	r.mu.Lock()
	if r.newTarget == r.target {
		r.mu.Unlock()
		return nil
	}
	newTarget := r.newTarget
	r.mu.Unlock()

	start, err := r.get(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.startTime = r.clk.Now()
	r.startValue = start
	if newTarget >= start {
		r.direction = 1
	} else {
		r.direction = -1
	}
	r.target = newTarget
	return nil
}

func (r *SoftRamp) push(ctx context.Context, value float64) bool {
	r.mu.Lock()
	r.working = value
	r.hasWorking = true
	r.mu.Unlock()
	if err := r.set(ctx, value); err != nil {
		r.logger.Errorw("ramp could not push working point", "value", value, "error", err)
		return false
	}
	return true
}

// hwRampOps are the hardware-side operations a ramp dispatcher negotiates
// with. Each may answer ErrUnsupported.
type hwRampOps struct {
	start           func(ctx context.Context, value float64) error
	stop            func(ctx context.Context) error
	isRamping       func(ctx context.Context) (bool, error)
	rate            func(ctx context.Context) (float64, error)
	setRate         func(ctx context.Context, rate float64) error
	workingSetpoint func(ctx context.Context) (float64, error)
}

// ramp dispatches ramping either to the hardware controller or to a SoftRamp.
// Which implementation serves is unknown until the first Start call: the
// hardware path is tried first and the decision recorded in useSoft
// (tri-state nil/false/true). Before any ramp was ever started, queries answer
// from the fallback callback and Stop is a no-op.
type ramp struct {
	soft     *SoftRamp
	hw       hwRampOps
	fallback func(ctx context.Context) (float64, error)

	mu      sync.Mutex
	useSoft *bool
}

func newRamp(soft *SoftRamp, hw hwRampOps, fallback func(ctx context.Context) (float64, error)) *ramp {
	return &ramp{soft: soft, hw: hw, fallback: fallback}
}

func (r *ramp) decided() (useSoft, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.useSoft == nil {
		return false, false
	}
	return *r.useSoft, true
}

func (r *ramp) record(useSoft bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.useSoft = &useSoft
}

// Start ramps toward value, negotiating the implementation on first use.
func (r *ramp) Start(ctx context.Context, value float64) error {
	err := r.hw.start(ctx, value)
	switch {
	case err == nil:
		r.record(false)
		return nil
	case IsUnsupported(err):
		r.record(true)
		return r.soft.Start(ctx, value)
	default:
		return err
	}
}

// Stop halts whichever ramp path is active.
func (r *ramp) Stop(ctx context.Context) error {
	if err := r.hw.stop(ctx); !IsUnsupported(err) {
		return err
	}
	r.soft.Stop(ctx)
	return nil
}

// IsRamping reports the active path's ramping status, false if no ramp was
// ever started.
func (r *ramp) IsRamping(ctx context.Context) (bool, error) {
	useSoft, known := r.decided()
	if !known {
		return false, nil
	}
	if useSoft {
		return r.soft.IsRamping(), nil
	}
	return r.hw.isRamping(ctx)
}

// WorkingSetpoint returns the instantaneous intermediate target of the active
// path, or the fallback value if no ramp was ever started.
func (r *ramp) WorkingSetpoint(ctx context.Context) (float64, error) {
	useSoft, known := r.decided()
	if !known {
		return r.fallback(ctx)
	}
	if useSoft {
		if wp, ok := r.soft.WorkingPoint(); ok {
			return wp, nil
		}
		return r.fallback(ctx)
	}
	return r.hw.workingSetpoint(ctx)
}

// Rate returns the hardware ramp rate when supported, else the soft rate.
func (r *ramp) Rate(ctx context.Context) (float64, error) {
	rate, err := r.hw.rate(ctx)
	if err == nil {
		return rate, nil
	}
	if IsUnsupported(err) {
		return r.soft.Rate(), nil
	}
	return 0, err
}

// SetRate updates the soft rate and mirrors it to the hardware when
// supported.
func (r *ramp) SetRate(ctx context.Context, rate float64) error {
	r.soft.SetRate(rate)
	if err := r.hw.setRate(ctx, rate); err != nil && !IsUnsupported(err) {
		return err
	}
	return nil
}
