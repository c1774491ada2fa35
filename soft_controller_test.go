package regulation

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestSoftControllerServesPIDParameters(t *testing.T) {
	ctrl, _, sl := softRig(t, LoopConfig{
		Name: "l", Input: "in", Output: "out",
		P: 2, I: 0.5, D: 0.1, Frequency: 20,
		LowLimit: floatPtr(0), HighLimit: floatPtr(1),
	})
	ctx := context.Background()

	kp, err := sl.Kp(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kp, test.ShouldEqual, 2.0)
	ki, err := sl.Ki(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ki, test.ShouldEqual, 0.5)
	kd, err := sl.Kd(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kd, test.ShouldEqual, 0.1)

	test.That(t, sl.SetKp(ctx, 3), test.ShouldBeNil)
	test.That(t, sl.PID().Kp(), test.ShouldEqual, 3.0)
	test.That(t, sl.SetKi(ctx, 1), test.ShouldBeNil)
	test.That(t, sl.SetKd(ctx, 0), test.ShouldBeNil)

	hz, err := sl.SamplingFrequency(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, hz, test.ShouldEqual, 20.0)
	test.That(t, sl.SetSamplingFrequency(ctx, 0), test.ShouldNotBeNil)
	test.That(t, sl.SetSamplingFrequency(ctx, 50), test.ShouldBeNil)
	test.That(t, sl.PID().SampleTime(), test.ShouldEqual, 20*time.Millisecond)

	low, high, err := sl.PIDRange(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, low, test.ShouldEqual, 0.0)
	test.That(t, high, test.ShouldEqual, 1.0)
	test.That(t, sl.SetPIDRange(ctx, -1, 1), test.ShouldBeNil)
	low, high, err = sl.PIDRange(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, low, test.ShouldEqual, -1.0)
	test.That(t, high, test.ShouldEqual, 1.0)

	test.That(t, ctrl.SetSetpoint(ctx, sl.Loop, 33), test.ShouldBeNil)
	sp, err := ctrl.Setpoint(ctx, sl.Loop)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sp, test.ShouldEqual, 33.0)
	test.That(t, sl.PID().Setpoint(), test.ShouldEqual, 33.0)

	test.That(t, ctrl.ApplyProportionalOnMeasurement(ctx, sl.Loop, true), test.ShouldBeNil)
	test.That(t, sl.PID().ProportionalOnMeasurement(), test.ShouldBeTrue)
}

func TestSoftControllerRejectsDuplicateLoop(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newSoftMemController(logger)
	ctx := context.Background()
	cfg := LoopConfig{Name: "l", Input: "in", Output: "out"}
	in := NewInput(ctrl, InputConfig{Name: "in", Channel: "pv"}, logger)
	out := NewOutput(ctrl, OutputConfig{Name: "out", Channel: "power"}, logger)

	_, err := ctrl.CreateLoop(ctx, ctrl, cfg, in, out)
	test.That(t, err, test.ShouldBeNil)
	_, err = ctrl.CreateLoop(ctx, ctrl, cfg, in, out)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already managed")
}

func TestSoftControllerRejectsUnmanagedLoop(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newSoftMemController(logger)
	in := NewInput(ctrl, InputConfig{Name: "in", Channel: "pv"}, logger)
	out := NewOutput(ctrl, OutputConfig{Name: "out", Channel: "power"}, logger)
	l := NewLoop(ctrl, LoopConfig{Name: "stray", Input: "in", Output: "out"}, in, out, logger)

	_, err := ctrl.Kp(context.Background(), l)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, IsUnsupported(err), test.ShouldBeFalse)
}

func TestSoftControllerClose(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newSoftMemController(logger)
	ctx := context.Background()

	var loops []*SoftLoop
	for _, name := range []string{"a", "b"} {
		in := NewInput(ctrl, InputConfig{Name: "in-" + name, Channel: "pv"}, logger)
		out := NewOutput(ctrl, OutputConfig{Name: "out-" + name, Channel: "power-" + name}, logger)
		sl, err := ctrl.CreateLoop(ctx, ctrl, LoopConfig{
			Name: name, Input: in.Name(), Output: out.Name(), P: 1, Frequency: 100,
		}, in, out)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sl.StartRegulation(ctx), test.ShouldBeNil)
		loops = append(loops, sl)
	}

	test.That(t, ctrl.Close(ctx), test.ShouldBeNil)
	for _, sl := range loops {
		test.That(t, sl.IsRegulating(), test.ShouldBeFalse)
	}
}

func TestBaseControllerDefaultsAreUnsupported(t *testing.T) {
	logger := golog.NewTestLogger(t)
	base := NewBaseController("bare", logger)
	ctx := context.Background()

	_, err := base.Kp(ctx, nil)
	test.That(t, IsUnsupported(err), test.ShouldBeTrue)
	err = base.StartRamp(ctx, nil, 0)
	test.That(t, IsUnsupported(err), test.ShouldBeTrue)
	_, err = base.ReadInput(ctx, nil)
	test.That(t, IsUnsupported(err), test.ShouldBeTrue)
	err = base.StartRegulation(ctx, nil)
	test.That(t, IsUnsupported(err), test.ShouldBeTrue)

	test.That(t, IsUnsupported(nil), test.ShouldBeFalse)
	test.That(t, IsUnsupported(errors.New("boom")), test.ShouldBeFalse)
	test.That(t, IsUnsupported(errors.Wrap(Unsupported("op"), "outer")), test.ShouldBeTrue)
}

func TestBaseControllerRegistry(t *testing.T) {
	logger := golog.NewTestLogger(t)

	type link struct{ parent, child string }
	var links []link
	reg := registryFunc(func(parent, child Object) {
		links = append(links, link{parent.Name(), child.Name()})
	})
	base := NewBaseController("bare", logger, WithDeviceRegistry(reg))

	in := NewInput(base, InputConfig{Name: "in", Channel: "pv"}, logger)
	base.RegisterObject(in)
	test.That(t, base.Object("in"), test.ShouldEqual, in)
	test.That(t, base.Object("missing"), test.ShouldBeNil)
	test.That(t, links, test.ShouldResemble, []link{{"bare", "in"}})
}

// registryFunc adapts a function to the DeviceRegistry interface.
type registryFunc func(parent, child Object)

func (f registryFunc) RegisterLink(parent, child Object) { f(parent, child) }
