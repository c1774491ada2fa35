package regulation

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func validConfig() Config {
	return Config{
		Inputs:  []InputConfig{{Name: "in", Channel: "pv"}},
		Outputs: []OutputConfig{{Name: "out", Channel: "power", LowLimit: floatPtr(0), HighLimit: floatPtr(100)}},
		Loops: []LoopConfig{{
			Name: "l", Input: "in", Output: "out",
			P: 1, I: 0.2, Frequency: 10, Deadband: 0.5, DeadbandTime: 2,
		}},
	}
}

func TestConfigValidate(t *testing.T) {
	test.That(t, func() error { cfg := validConfig(); return cfg.Validate("test") }(), test.ShouldBeNil)

	for _, tc := range []struct {
		name    string
		mutate  func(cfg *Config)
		summary string
	}{
		{
			"missing input name",
			func(cfg *Config) { cfg.Inputs[0].Name = "" },
			`"name" is required`,
		},
		{
			"input without source",
			func(cfg *Config) { cfg.Inputs[0].Channel = "" },
			"needs a channel or a device",
		},
		{
			"inverted output limits",
			func(cfg *Config) { cfg.Outputs[0].LowLimit = floatPtr(200) },
			"inverted limits",
		},
		{
			"negative output ramprate",
			func(cfg *Config) { cfg.Outputs[0].Ramprate = -1 },
			"negative ramprate",
		},
		{
			"empty pid range",
			func(cfg *Config) {
				cfg.Loops[0].LowLimit = floatPtr(1)
				cfg.Loops[0].HighLimit = floatPtr(1)
			},
			"empty pid range",
		},
		{
			"negative deadband",
			func(cfg *Config) { cfg.Loops[0].Deadband = -1 },
			"negative deadband",
		},
		{
			"bad wait mode",
			func(cfg *Config) { cfg.Loops[0].WaitMode = "sideways" },
			"unknown wait mode",
		},
		{
			"unknown input reference",
			func(cfg *Config) { cfg.Loops[0].Input = "ghost" },
			"unknown input",
		},
		{
			"unknown output reference",
			func(cfg *Config) { cfg.Loops[0].Output = "ghost" },
			"unknown output",
		},
		{
			"name collision across kinds",
			func(cfg *Config) { cfg.Outputs[0].Name = "in"; cfg.Loops[0].Output = "in" },
			"collides",
		},
		{
			"negative failure budget",
			func(cfg *Config) { cfg.Loops[0].MaxAttemptsBeforeFailure = intPtr(-1) },
			"negative failure budget",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate("test")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.summary)
		})
	}
}

func TestConfigRejectsSharedOutput(t *testing.T) {
	cfg := validConfig()
	cfg.Inputs = append(cfg.Inputs, InputConfig{Name: "in2", Channel: "pv2"})
	cfg.Loops = append(cfg.Loops, LoopConfig{Name: "l2", Input: "in2", Output: "out"})
	err := cfg.Validate("test")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "single writer")
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := DecodeYAML([]byte(`
inputs:
  - name: sample_in
    channel: A
    unit: degC
outputs:
  - name: sample_out
    channel: A
    unit: "%"
    low_limit: 0
    high_limit: 100
    ramprate: 5
loops:
  - name: sample
    input: sample_in
    output: sample_out
    P: 0.8
    I: 0.3
    D: 0.05
    frequency: 10
    low_limit: 0
    high_limit: 1
    deadband: 0.5
    deadband_time: 3
    ramprate: 2.5
    wait_mode: deadband
    ramp_from_pv: true
    max_attempts_before_failure: 5
`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Validate("test"), test.ShouldBeNil)

	test.That(t, len(cfg.Inputs), test.ShouldEqual, 1)
	test.That(t, cfg.Inputs[0].Unit, test.ShouldEqual, "degC")
	test.That(t, *cfg.Outputs[0].HighLimit, test.ShouldEqual, 100.0)
	test.That(t, cfg.Outputs[0].Ramprate, test.ShouldEqual, 5.0)

	lc := cfg.Loops[0]
	test.That(t, lc.P, test.ShouldEqual, 0.8)
	test.That(t, lc.I, test.ShouldEqual, 0.3)
	test.That(t, lc.D, test.ShouldEqual, 0.05)
	test.That(t, *lc.HighLimit, test.ShouldEqual, 1.0)
	test.That(t, lc.Deadband, test.ShouldEqual, 0.5)
	test.That(t, lc.DeadbandTime, test.ShouldEqual, 3.0)
	test.That(t, lc.Ramprate, test.ShouldEqual, 2.5)
	test.That(t, lc.WaitMode, test.ShouldEqual, string(WaitModeDeadband))
	test.That(t, lc.RampFromPV, test.ShouldBeTrue)
	test.That(t, *lc.MaxAttemptsBeforeFailure, test.ShouldEqual, 5)
}

func TestDecodeYAMLRejectsGarbage(t *testing.T) {
	_, err := DecodeYAML([]byte("inputs: [not: [valid"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSetupBuildsObjectTree(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newSoftMemController(logger)
	ctx := context.Background()
	ctrl.mem.set("pv", 20)

	test.That(t, Setup(ctx, ctrl, validConfig()), test.ShouldBeNil)

	in, err := InputByName(ctrl, "in")
	test.That(t, err, test.ShouldBeNil)
	v, err := in.Read(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 20.0)

	out, err := OutputByName(ctrl, "out")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.SetValue(ctx, 30), test.ShouldBeNil)
	test.That(t, ctrl.mem.get("power"), test.ShouldEqual, 30.0)

	// A software-regulated controller gets SoftLoops out of Setup.
	sl, err := SoftLoopByName(ctrl, "l")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sl.PID().Kp(), test.ShouldEqual, 1.0)
	test.That(t, sl.Deadband(), test.ShouldEqual, 0.5)

	l, err := LoopByName(ctrl, "l")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, l, test.ShouldEqual, sl.Loop)

	_, err = LoopByName(ctrl, "in")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, sl.Close(ctx), test.ShouldBeNil)
}

func TestSetupPlainControllerBuildsLoops(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newMemController(logger)
	ctx := context.Background()

	test.That(t, Setup(ctx, ctrl, validConfig()), test.ShouldBeNil)
	l, err := LoopByName(ctrl, "l")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, l.Name(), test.ShouldEqual, "l")
	_, err = SoftLoopByName(ctrl, "l")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSetupExternalDevices(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newSoftMemController(logger)
	ctx := context.Background()

	axis := &testAxis{pos: 7}
	cfg := Config{
		Inputs:  []InputConfig{{Name: "pos", Device: "motor"}},
		Outputs: []OutputConfig{{Name: "drive", Device: "motor", Mode: string(ExternalOutputAbsolute)}},
	}
	err := Setup(ctx, ctrl, cfg, WithDevices(map[string]interface{}{"motor": axis}))
	test.That(t, err, test.ShouldBeNil)

	in, err := InputByName(ctrl, "pos")
	test.That(t, err, test.ShouldBeNil)
	v, err := in.Read(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 7.0)

	out, err := OutputByName(ctrl, "drive")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.SetValue(ctx, 11), test.ShouldBeNil)
	pos, err := axis.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldEqual, 11.0)
}

func TestSetupUnknownDevice(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctrl := newSoftMemController(logger)
	cfg := Config{Inputs: []InputConfig{{Name: "pos", Device: "ghost"}}}
	err := Setup(context.Background(), ctrl, cfg)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown device")
}
