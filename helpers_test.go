package regulation

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// memController is a bare controller with in-memory channel registers and no
// regulation, ramping or PID capability, so every engine path falls back to
// its software implementation.
type memController struct {
	*BaseController

	mu      sync.Mutex
	values  map[string]float64
	readErr map[string]error
	writes  map[string]int
	reads   map[string]int
}

func newMemController(logger golog.Logger) *memController {
	return &memController{
		BaseController: NewBaseController("mem", logger),
		values:         map[string]float64{},
		readErr:        map[string]error{},
		writes:         map[string]int{},
		reads:          map[string]int{},
	}
}

func (c *memController) set(channel string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[channel] = v
}

func (c *memController) get(channel string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[channel]
}

func (c *memController) failReads(channel string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.readErr, channel)
		return
	}
	c.readErr[channel] = err
}

func (c *memController) readCount(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[channel]
}

func (c *memController) writeCount(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[channel]
}

func (c *memController) ReadInput(ctx context.Context, in *Input) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads[in.Channel()]++
	if err := c.readErr[in.Channel()]; err != nil {
		return 0, err
	}
	return c.values[in.Channel()], nil
}

func (c *memController) StateInput(ctx context.Context, in *Input) (State, error) {
	return StateReady, nil
}

func (c *memController) ReadOutput(ctx context.Context, out *Output) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[out.Channel()], nil
}

func (c *memController) StateOutput(ctx context.Context, out *Output) (State, error) {
	return StateReady, nil
}

func (c *memController) SetOutputValue(ctx context.Context, out *Output, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[out.Channel()] = value
	c.writes[out.Channel()]++
	return nil
}

// softMemController is memController's shape on top of SoftController, for
// software-regulated loops.
type softMemController struct {
	*SoftController
	mem *memController
}

func newSoftMemController(logger golog.Logger) *softMemController {
	return &softMemController{
		SoftController: NewSoftController("softmem", logger),
		mem:            newMemController(logger),
	}
}

func (c *softMemController) ReadInput(ctx context.Context, in *Input) (float64, error) {
	return c.mem.ReadInput(ctx, in)
}

func (c *softMemController) StateInput(ctx context.Context, in *Input) (State, error) {
	return c.mem.StateInput(ctx, in)
}

func (c *softMemController) ReadOutput(ctx context.Context, out *Output) (float64, error) {
	return c.mem.ReadOutput(ctx, out)
}

func (c *softMemController) StateOutput(ctx context.Context, out *Output) (State, error) {
	return c.mem.StateOutput(ctx, out)
}

func (c *softMemController) SetOutputValue(ctx context.Context, out *Output, value float64) error {
	return c.mem.SetOutputValue(ctx, out, value)
}

// testAxis moves instantly and remembers its position.
type testAxis struct {
	mu  sync.Mutex
	pos float64
}

func (a *testAxis) Position(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos, nil
}

func (a *testAxis) Move(ctx context.Context, pos float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pos = pos
	return nil
}

func (a *testAxis) Stop(ctx context.Context) error { return nil }

func (a *testAxis) State(ctx context.Context) (State, error) { return StateReady, nil }

// testCounter serves a settable value.
type testCounter struct {
	mu  sync.Mutex
	val float64
	err error
}

func (c *testCounter) Name() string { return "counter" }

func (c *testCounter) Unit() string { return "u" }

func (c *testCounter) Read(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return c.val, nil
}

func (c *testCounter) setValue(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = v
}

var errBroken = errors.New("device unreachable")

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
