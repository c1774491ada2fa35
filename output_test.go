package regulation

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
)

func TestOutputClampsToLimits(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newMemController(logger)
	out := NewOutput(ctrl, OutputConfig{
		Name: "out", Channel: "power",
		LowLimit: floatPtr(0), HighLimit: floatPtr(100),
	}, logger)
	ctx := context.Background()

	test.That(t, out.SetValue(ctx, 150), test.ShouldBeNil)
	test.That(t, ctrl.get("power"), test.ShouldEqual, 100.0)
	test.That(t, out.SetValue(ctx, -20), test.ShouldBeNil)
	test.That(t, ctrl.get("power"), test.ShouldEqual, 0.0)
	test.That(t, out.SetValue(ctx, 42), test.ShouldBeNil)
	test.That(t, ctrl.get("power"), test.ShouldEqual, 42.0)

	low, high := out.Limits()
	test.That(t, *low, test.ShouldEqual, 0.0)
	test.That(t, *high, test.ShouldEqual, 100.0)
}

func TestOutputSoftRamp(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newMemController(logger)
	out := NewOutput(ctrl, OutputConfig{
		Name: "out", Channel: "power", Ramprate: 500,
	}, logger)
	ctx := context.Background()

	test.That(t, out.SetValue(ctx, 10), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		ramping, err := out.IsRamping(ctx)
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, ramping, test.ShouldBeFalse)
	})
	test.That(t, ctrl.get("power"), test.ShouldEqual, 10.0)

	wsp, err := out.WorkingSetpoint(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, wsp, test.ShouldEqual, 10.0)

	rate, err := out.Ramprate(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rate, test.ShouldEqual, 500.0)
	test.That(t, out.SetRamprate(ctx, 0), test.ShouldBeNil)
	test.That(t, out.SetValue(ctx, 4), test.ShouldBeNil)
	test.That(t, ctrl.get("power"), test.ShouldEqual, 4.0)
}

func TestOutputSetPowerMapsToLimits(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newMemController(logger)
	out := NewOutput(ctrl, OutputConfig{
		Name: "out", Channel: "power",
		LowLimit: floatPtr(10), HighLimit: floatPtr(50),
	}, logger)
	ctx := context.Background()

	test.That(t, out.PowerToUnit(0), test.ShouldEqual, 10.0)
	test.That(t, out.PowerToUnit(1), test.ShouldEqual, 50.0)
	test.That(t, out.PowerToUnit(0.25), test.ShouldEqual, 20.0)
	test.That(t, out.UnitToPower(20), test.ShouldEqual, 0.25)
	test.That(t, out.UnitToPower(out.PowerToUnit(0.6)), test.ShouldAlmostEqual, 0.6)

	test.That(t, out.SetPower(ctx, 0.5), test.ShouldBeNil)
	test.That(t, ctrl.get("power"), test.ShouldEqual, 30.0)

	// Power values beyond the nominal range still clamp to the limits.
	test.That(t, out.SetPower(ctx, 1.5), test.ShouldBeNil)
	test.That(t, ctrl.get("power"), test.ShouldEqual, 50.0)
}

func TestOutputSetPowerWithoutLimits(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newMemController(logger)
	out := NewOutput(ctrl, OutputConfig{Name: "out", Channel: "power"}, logger)
	ctx := context.Background()

	// With no limits the power value passes through unconverted.
	test.That(t, out.PowerToUnit(0.7), test.ShouldEqual, 0.7)
	test.That(t, out.UnitToPower(0.7), test.ShouldEqual, 0.7)
	test.That(t, out.SetPower(ctx, 0.7), test.ShouldBeNil)
	test.That(t, ctrl.get("power"), test.ShouldEqual, 0.7)
}

func TestOutputReadAndCounter(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newMemController(logger)
	ctrl.set("power", 33)
	out := NewOutput(ctrl, OutputConfig{Name: "out", Channel: "power", Unit: "%"}, logger)
	ctx := context.Background()

	v, err := out.Read(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 33.0)

	c := out.Counter()
	test.That(t, c.Name(), test.ShouldEqual, "out")
	test.That(t, c.Unit(), test.ShouldEqual, "%")
	v, err = c.Read(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 33.0)
}

func TestExternalOutputAbsolute(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newMemController(logger)
	axis := &testAxis{pos: 2}
	out, err := NewExternalOutput(ctrl, OutputConfig{Name: "out"}, axis, ExternalOutputAbsolute, logger)
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()

	test.That(t, out.SetValue(ctx, 9), test.ShouldBeNil)
	pos, err := axis.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldEqual, 9.0)

	v, err := out.Read(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 9.0)
}

func TestExternalOutputRelative(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newMemController(logger)
	axis := &testAxis{pos: 10}
	// The empty mode defaults to relative.
	out, err := NewExternalOutput(ctrl, OutputConfig{Name: "out"}, axis, "", logger)
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()

	test.That(t, out.SetValue(ctx, 2.5), test.ShouldBeNil)
	pos, err := axis.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldEqual, 12.5)

	test.That(t, out.SetValue(ctx, -1), test.ShouldBeNil)
	pos, err = axis.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldEqual, 11.5)
}

func TestExternalOutputRejectsBadDevice(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newMemController(logger)
	_, err := NewExternalOutput(ctrl, OutputConfig{Name: "out"}, 42, ExternalOutputAbsolute, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewExternalOutput(ctrl, OutputConfig{Name: "out"}, &testAxis{}, "sideways", logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown external output mode")
}
