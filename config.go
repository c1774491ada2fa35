package regulation

import (
	"context"
	"os"

	"github.com/edaniels/golog"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gopkg.in/yaml.v3"
)

// InputConfig declares an Input. Device, when set, names an external device
// (an Axis or a SamplingCounter supplied through WithDevices) read directly
// instead of going through the controller.
type InputConfig struct {
	Name    string `json:"name"`
	Channel string `json:"channel,omitempty"`
	Unit    string `json:"unit,omitempty"`
	Device  string `json:"device,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *InputConfig) Validate(path string) error {
	if cfg.Name == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if cfg.Channel == "" && cfg.Device == "" {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("input %q needs a channel or a device", cfg.Name))
	}
	return nil
}

// OutputConfig declares an Output. The limits clamp every written value; the
// low limit corresponds to 0% power, the high limit to 100%. A zero ramprate
// makes writes immediate. Device, when set, names an external Axis driven in
// the given mode (relative by default).
type OutputConfig struct {
	Name      string   `json:"name"`
	Channel   string   `json:"channel,omitempty"`
	Unit      string   `json:"unit,omitempty"`
	LowLimit  *float64 `json:"low_limit,omitempty"`
	HighLimit *float64 `json:"high_limit,omitempty"`
	Ramprate  float64  `json:"ramprate,omitempty"`
	Device    string   `json:"device,omitempty"`
	Mode      string   `json:"mode,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *OutputConfig) Validate(path string) error {
	if cfg.Name == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if cfg.Channel == "" && cfg.Device == "" {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("output %q needs a channel or a device", cfg.Name))
	}
	if cfg.LowLimit != nil && cfg.HighLimit != nil && *cfg.LowLimit > *cfg.HighLimit {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("output %q has inverted limits [%v, %v]", cfg.Name, *cfg.LowLimit, *cfg.HighLimit))
	}
	if cfg.Ramprate < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("output %q has a negative ramprate", cfg.Name))
	}
	return nil
}

// LoopConfig declares a regulation Loop. LowLimit/HighLimit bound the
// abstract PID output (usually [0,1] or [-1,1]); Frequency is the PID
// sampling frequency in Hz; DeadbandTime is in seconds.
type LoopConfig struct {
	Name                     string   `json:"name"`
	Input                    string   `json:"input"`
	Output                   string   `json:"output"`
	P                        float64  `json:"P"`
	I                        float64  `json:"I"`
	D                        float64  `json:"D"`
	LowLimit                 *float64 `json:"low_limit,omitempty"`
	HighLimit                *float64 `json:"high_limit,omitempty"`
	Frequency                float64  `json:"frequency,omitempty"`
	Deadband                 float64  `json:"deadband,omitempty"`
	DeadbandTime             float64  `json:"deadband_time,omitempty"`
	Ramprate                 float64  `json:"ramprate,omitempty"`
	WaitMode                 string   `json:"wait_mode,omitempty"`
	RampFromPV               bool     `json:"ramp_from_pv,omitempty"`
	MaxAttemptsBeforeFailure *int     `json:"max_attempts_before_failure,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *LoopConfig) Validate(path string) error {
	if cfg.Name == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if cfg.Input == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "input")
	}
	if cfg.Output == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "output")
	}
	if cfg.LowLimit != nil && cfg.HighLimit != nil && *cfg.LowLimit >= *cfg.HighLimit {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("loop %q has an empty pid range [%v, %v]", cfg.Name, *cfg.LowLimit, *cfg.HighLimit))
	}
	if cfg.Frequency < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("loop %q has a negative sampling frequency", cfg.Name))
	}
	if cfg.Deadband < 0 || cfg.DeadbandTime < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("loop %q has a negative deadband or deadband time", cfg.Name))
	}
	if cfg.Ramprate < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("loop %q has a negative ramprate", cfg.Name))
	}
	switch WaitMode(cfg.WaitMode) {
	case "", WaitModeRamp, WaitModeDeadband:
	default:
		return goutils.NewConfigValidationError(path,
			errors.Errorf("loop %q has unknown wait mode %q", cfg.Name, cfg.WaitMode))
	}
	if cfg.MaxAttemptsBeforeFailure != nil && *cfg.MaxAttemptsBeforeFailure < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("loop %q has a negative failure budget", cfg.Name))
	}
	return nil
}

// Config is the declarative object tree bound to one controller.
type Config struct {
	Inputs  []InputConfig  `json:"inputs,omitempty"`
	Outputs []OutputConfig `json:"outputs,omitempty"`
	Loops   []LoopConfig   `json:"loops,omitempty"`
}

// Validate checks every object and the references between them. Two loops
// writing the same output are rejected: outputs have a single writer, checked
// here at configuration time since nothing enforces it at run time.
func (cfg *Config) Validate(path string) error {
	names := map[string]string{}
	claim := func(name, kind string) error {
		if prev, ok := names[name]; ok {
			return goutils.NewConfigValidationError(path,
				errors.Errorf("%s %q collides with a %s of the same name", kind, name, prev))
		}
		names[name] = kind
		return nil
	}

	inputs := map[string]bool{}
	for i := range cfg.Inputs {
		if err := cfg.Inputs[i].Validate(path); err != nil {
			return err
		}
		if err := claim(cfg.Inputs[i].Name, "input"); err != nil {
			return err
		}
		inputs[cfg.Inputs[i].Name] = true
	}
	outputs := map[string]bool{}
	for i := range cfg.Outputs {
		if err := cfg.Outputs[i].Validate(path); err != nil {
			return err
		}
		if err := claim(cfg.Outputs[i].Name, "output"); err != nil {
			return err
		}
		outputs[cfg.Outputs[i].Name] = true
	}

	writers := map[string]string{}
	for i := range cfg.Loops {
		lc := &cfg.Loops[i]
		if err := lc.Validate(path); err != nil {
			return err
		}
		if err := claim(lc.Name, "loop"); err != nil {
			return err
		}
		if !inputs[lc.Input] {
			return goutils.NewConfigValidationError(path,
				errors.Errorf("loop %q references unknown input %q", lc.Name, lc.Input))
		}
		if !outputs[lc.Output] {
			return goutils.NewConfigValidationError(path,
				errors.Errorf("loop %q references unknown output %q", lc.Name, lc.Output))
		}
		if other, ok := writers[lc.Output]; ok {
			return goutils.NewConfigValidationError(path,
				errors.Errorf("output %q is written by loops %q and %q, outputs have a single writer",
					lc.Output, other, lc.Name))
		}
		writers[lc.Output] = lc.Name
	}
	return nil
}

// DecodeMap converts a loader-provided attribute tree into a Config.
func DecodeMap(attributes map[string]interface{}) (Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return Config{}, errors.Wrap(err, "cannot decode regulation config")
	}
	return cfg, nil
}

// DecodeYAML parses a declarative YAML controller tree.
func DecodeYAML(data []byte) (Config, error) {
	var attributes map[string]interface{}
	if err := yaml.Unmarshal(data, &attributes); err != nil {
		return Config{}, errors.Wrap(err, "cannot parse regulation config")
	}
	return DecodeMap(attributes)
}

// DecodeFile parses a declarative YAML controller tree from a file.
func DecodeFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := DecodeYAML(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config file %q", path)
	}
	return cfg, nil
}

// SoftRegulator is satisfied by controllers that regulate in software;
// SoftController provides it. Setup builds SoftLoops instead of plain Loops
// for such controllers.
type SoftRegulator interface {
	Controller
	CreateLoop(
		ctx context.Context,
		ctrl Controller,
		cfg LoopConfig,
		in LoopInput,
		out LoopOutput,
		opts ...LoopOption,
	) (*SoftLoop, error)
}

type setupOptions struct {
	devices  map[string]interface{}
	loopOpts []LoopOption
}

// SetupOption configures Setup.
type SetupOption func(*setupOptions)

// WithDevices supplies the external devices referenced by input/output
// configs, keyed by the config's device name.
func WithDevices(devices map[string]interface{}) SetupOption {
	return func(o *setupOptions) {
		o.devices = devices
	}
}

// WithLoopOptions forwards options to every loop built by Setup.
func WithLoopOptions(opts ...LoopOption) SetupOption {
	return func(o *setupOptions) {
		o.loopOpts = append(o.loopOpts, opts...)
	}
}

// Setup initializes ctrl once and builds the declared Inputs, Outputs and
// Loops, registering each under its name. Objects are retrieved afterwards
// with ctrl.Object or the *ByName helpers. Capability gaps while applying
// loop parameters are tolerated: such hardware keeps its native settings.
func Setup(ctx context.Context, ctrl Controller, cfg Config, opts ...SetupOption) error {
	var options setupOptions
	for _, opt := range opts {
		opt(&options)
	}
	if err := cfg.Validate(ctrl.Name()); err != nil {
		return err
	}
	if err := ctrl.Initialize(ctx); err != nil {
		return errors.Wrapf(err, "controller %q initialization failed", ctrl.Name())
	}
	logger := loggerOf(ctrl)

	for _, ic := range cfg.Inputs {
		var (
			in  LoopInput
			err error
		)
		if ic.Device != "" {
			dev, ok := options.devices[ic.Device]
			if !ok {
				return errors.Errorf("input %q references unknown device %q", ic.Name, ic.Device)
			}
			in, err = NewExternalInput(ctrl, ic, dev, logger)
			if err != nil {
				return err
			}
		} else {
			in = NewInput(ctrl, ic, logger)
		}
		if err := initializeInput(ctx, ctrl, in); err != nil {
			return err
		}
		ctrl.RegisterObject(in)
	}

	for _, oc := range cfg.Outputs {
		var (
			out LoopOutput
			err error
		)
		if oc.Device != "" {
			dev, ok := options.devices[oc.Device]
			if !ok {
				return errors.Errorf("output %q references unknown device %q", oc.Name, oc.Device)
			}
			out, err = NewExternalOutput(ctrl, oc, dev, ExternalOutputMode(oc.Mode), logger)
			if err != nil {
				return err
			}
		} else {
			out = NewOutput(ctrl, oc, logger)
		}
		if err := initializeOutput(ctx, ctrl, out); err != nil {
			return err
		}
		ctrl.RegisterObject(out)
	}

	for _, lc := range cfg.Loops {
		in, ok := ctrl.Object(lc.Input).(LoopInput)
		if !ok {
			return errors.Errorf("loop %q: object %q is not an input", lc.Name, lc.Input)
		}
		out, ok := ctrl.Object(lc.Output).(LoopOutput)
		if !ok {
			return errors.Errorf("loop %q: object %q is not an output", lc.Name, lc.Output)
		}

		var loop *Loop
		if sr, ok := ctrl.(SoftRegulator); ok {
			sl, err := sr.CreateLoop(ctx, ctrl, lc, in, out, options.loopOpts...)
			if err != nil {
				return err
			}
			if err := ctrl.InitializeLoop(ctx, sl.Loop); err != nil {
				return errors.Wrapf(err, "loop %q initialization failed", lc.Name)
			}
			ctrl.RegisterObject(sl)
			loop = sl.Loop
		} else {
			loop = NewLoop(ctrl, lc, in, out, logger, options.loopOpts...)
			if err := ctrl.InitializeLoop(ctx, loop); err != nil {
				return errors.Wrapf(err, "loop %q initialization failed", lc.Name)
			}
			ctrl.RegisterObject(loop)
		}
		if err := applyLoopConfig(ctx, ctrl, loop, lc); err != nil {
			return err
		}
	}
	return nil
}

func initializeInput(ctx context.Context, ctrl Controller, in LoopInput) error {
	base, ok := in.(interface{ baseInput() *Input })
	if !ok {
		return nil
	}
	if err := ctrl.InitializeInput(ctx, base.baseInput()); err != nil {
		return errors.Wrapf(err, "input %q initialization failed", in.Name())
	}
	return nil
}

func initializeOutput(ctx context.Context, ctrl Controller, out LoopOutput) error {
	base, ok := out.(interface{ baseOutput() *Output })
	if !ok {
		return nil
	}
	if err := ctrl.InitializeOutput(ctx, base.baseOutput()); err != nil {
		return errors.Wrapf(err, "output %q initialization failed", out.Name())
	}
	return nil
}

// applyLoopConfig pushes the declared loop parameters through the capability
// surface. Gaps are expected on hardware without the matching knob.
func applyLoopConfig(ctx context.Context, ctrl Controller, loop *Loop, lc LoopConfig) error {
	tolerate := func(err error) error {
		if err != nil && !IsUnsupported(err) {
			return errors.Wrapf(err, "loop %q: applying config failed", lc.Name)
		}
		return nil
	}
	if err := tolerate(ctrl.SetKp(ctx, loop, lc.P)); err != nil {
		return err
	}
	if err := tolerate(ctrl.SetKi(ctx, loop, lc.I)); err != nil {
		return err
	}
	if err := tolerate(ctrl.SetKd(ctx, loop, lc.D)); err != nil {
		return err
	}
	if lc.Frequency > 0 {
		if err := tolerate(ctrl.SetSamplingFrequency(ctx, loop, lc.Frequency)); err != nil {
			return err
		}
	}
	if lc.LowLimit != nil && lc.HighLimit != nil {
		if err := tolerate(ctrl.SetPIDRange(ctx, loop, *lc.LowLimit, *lc.HighLimit)); err != nil {
			return err
		}
	}
	if lc.Ramprate > 0 {
		if err := tolerate(loop.SetRamprate(ctx, lc.Ramprate)); err != nil {
			return err
		}
	}
	return nil
}

func loggerOf(ctrl Controller) golog.Logger {
	if lg, ok := ctrl.(interface{ Logger() golog.Logger }); ok {
		return lg.Logger()
	}
	return golog.Global()
}

// LoopByName resolves a registered Loop (or the Loop inside a SoftLoop).
func LoopByName(ctrl Controller, name string) (*Loop, error) {
	switch obj := ctrl.Object(name).(type) {
	case *SoftLoop:
		return obj.Loop, nil
	case *Loop:
		return obj, nil
	default:
		return nil, errors.Errorf("no loop named %q on controller %q", name, ctrl.Name())
	}
}

// SoftLoopByName resolves a registered SoftLoop.
func SoftLoopByName(ctrl Controller, name string) (*SoftLoop, error) {
	if sl, ok := ctrl.Object(name).(*SoftLoop); ok {
		return sl, nil
	}
	return nil, errors.Errorf("no soft loop named %q on controller %q", name, ctrl.Name())
}

// InputByName resolves a registered input.
func InputByName(ctrl Controller, name string) (LoopInput, error) {
	if in, ok := ctrl.Object(name).(LoopInput); ok {
		return in, nil
	}
	return nil, errors.Errorf("no input named %q on controller %q", name, ctrl.Name())
}

// OutputByName resolves a registered output.
func OutputByName(ctrl Controller, name string) (LoopOutput, error) {
	if out, ok := ctrl.Object(name).(LoopOutput); ok {
		return out, nil
	}
	return nil, errors.Errorf("no output named %q on controller %q", name, ctrl.Name())
}
