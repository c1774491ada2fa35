package regulation

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// AxisPosition returns the process value as the pseudo-axis position.
func (l *Loop) AxisPosition(ctx context.Context) (float64, error) {
	return l.input.Read(ctx)
}

// AxisMove sets the loop setpoint as if moving an axis to a position.
func (l *Loop) AxisMove(ctx context.Context, pos float64) error {
	l.mu.Lock()
	l.firstScanMove = false
	l.mu.Unlock()
	return l.SetSetpoint(ctx, pos)
}

// AxisStop sets the setpoint to the current process value as if stopping a
// move, and re-arms the first-move readiness of the deadband state machine.
func (l *Loop) AxisStop(ctx context.Context) error {
	pv, err := l.input.Read(ctx)
	if err != nil {
		return errors.Wrapf(err, "loop %q could not read process value", l.name)
	}
	l.mu.Lock()
	l.firstScanMove = true
	l.mu.Unlock()
	return l.SetSetpoint(ctx, pv)
}

// AxisState returns the loop state as if it were a motion axis, so a generic
// scan engine can wait on it.
//
// In ramp mode the axis is MOVING while a setpoint ramp is alive, READY
// otherwise. In deadband mode the axis is READY once the process value has
// stayed inside the deadband for at least the deadband time; any excursion
// outside the band resets the dwell timer. Before the first move the axis is
// READY unconditionally, so a first scan step is never blocked.
func (l *Loop) AxisState(ctx context.Context) (State, error) {
	if l.WaitMode() == WaitModeRamp {
		ramping, err := l.IsRamping(ctx)
		if err != nil {
			return StateFault, err
		}
		if ramping {
			return StateMoving, nil
		}
		return StateReady, nil
	}

	l.mu.Lock()
	first := l.firstScanMove
	l.mu.Unlock()
	if first {
		return StateReady, nil
	}

	inBand, err := l.IsInDeadband(ctx)
	if err != nil {
		return StateFault, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !inBand {
		l.inDeadband = false
		l.enteredAt = time.Time{}
		return StateMoving, nil
	}
	if !l.inDeadband {
		l.inDeadband = true
		l.enteredAt = l.clk.Now()
		return StateMoving, nil
	}
	if l.clk.Now().Sub(l.enteredAt) >= l.deadbandTime {
		return StateReady, nil
	}
	return StateMoving, nil
}

// Axis returns a view of the loop satisfying the Axis collaborator interface.
func (l *Loop) Axis() Axis {
	return loopAxis{l}
}

type loopAxis struct {
	loop *Loop
}

func (a loopAxis) Position(ctx context.Context) (float64, error) { return a.loop.AxisPosition(ctx) }

func (a loopAxis) Move(ctx context.Context, pos float64) error { return a.loop.AxisMove(ctx, pos) }

func (a loopAxis) Stop(ctx context.Context) error { return a.loop.AxisStop(ctx) }

func (a loopAxis) State(ctx context.Context) (State, error) { return a.loop.AxisState(ctx) }
