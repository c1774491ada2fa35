// Package main runs a software-regulated thermostat against a simulated
// thermal plant, driving the setpoint up and printing the regulation history.
package main

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"github.com/beamkit/regulation"
	"github.com/beamkit/regulation/fake"
)

var logger = golog.NewDevelopmentLogger("thermostat")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	cfgPath := "thermostat.yaml"
	if len(args) > 1 {
		cfgPath = args[1]
	}
	cfg, err := regulation.DecodeFile(cfgPath)
	if err != nil {
		return err
	}

	ctrl := fake.NewController("sample", logger)
	ctrl.AddPlant("A", fake.NewPlant(fake.PlantConfig{
		Ambient:     20,
		HeatingRate: 1,
		CoolingRate: 0.05,
	}))
	if err := regulation.Setup(ctx, ctrl, cfg); err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(ctrl.Close(context.Background()))
	}()

	loop, err := regulation.SoftLoopByName(ctrl, "heater")
	if err != nil {
		return err
	}

	const target = 35.0
	logger.Infow("ramping to target", "target", target)
	if err := loop.SetSetpoint(ctx, target); err != nil {
		return err
	}

	for {
		state, err := loop.AxisState(ctx)
		if err != nil {
			return err
		}
		pv, err := loop.CurrentInput(ctx)
		if err != nil {
			return err
		}
		wsp, err := loop.WorkingSetpoint(ctx)
		if err != nil {
			return err
		}
		logger.Infow("regulating", "state", state, "temperature", pv, "working_setpoint", wsp)
		if state == regulation.StateReady {
			break
		}
		if !goutils.SelectContextOrWait(ctx, time.Second) {
			return ctx.Err()
		}
	}

	logger.Infow("target reached, last samples follow")
	history := loop.History()
	start := 0
	if len(history) > 10 {
		start = len(history) - 10
	}
	for _, s := range history[start:] {
		logger.Infow("sample", "n", s.N, "input", s.Input, "output", s.Output, "setpoint", s.Setpoint)
	}
	return nil
}
