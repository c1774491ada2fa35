// Package fake provides in-memory regulation controllers backed by a
// simulated thermal plant, used in tests and demos.
package fake

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/beamkit/regulation"
)

// Controller is a software-regulated controller whose channels are Plants:
// inputs read a plant temperature, outputs apply power to a plant. All PID
// work happens in the embedded SoftController.
type Controller struct {
	*regulation.SoftController

	mu       sync.Mutex
	plants   map[string]*Plant
	readErrs map[string]error
}

// NewController returns a fake controller with no plants attached.
func NewController(name string, logger golog.Logger, opts ...regulation.BaseControllerOption) *Controller {
	return &Controller{
		SoftController: regulation.NewSoftController(name, logger, opts...),
		plants:         map[string]*Plant{},
		readErrs:       map[string]error{},
	}
}

// AddPlant attaches a plant under a channel name shared by the input reading
// it and the output heating it.
func (c *Controller) AddPlant(channel string, p *Plant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plants[channel] = p
}

// Plant returns the plant attached to channel, nil if none.
func (c *Controller) Plant(channel string) *Plant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plants[channel]
}

// FailReads makes every read on channel return err until cleared with a nil
// err, to exercise the regulation failure budget.
func (c *Controller) FailReads(channel string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.readErrs, channel)
		return
	}
	c.readErrs[channel] = err
}

func (c *Controller) plant(channel string) (*Plant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErrs[channel]; err != nil {
		return nil, err
	}
	p, ok := c.plants[channel]
	if !ok {
		return nil, errors.Errorf("controller %q has no plant on channel %q", c.Name(), channel)
	}
	return p, nil
}

// ReadInput returns the plant temperature on the input channel.
func (c *Controller) ReadInput(ctx context.Context, in *regulation.Input) (float64, error) {
	p, err := c.plant(in.Channel())
	if err != nil {
		return 0, err
	}
	return p.Temperature(), nil
}

// StateInput reports READY; plants never fault.
func (c *Controller) StateInput(ctx context.Context, in *regulation.Input) (regulation.State, error) {
	if _, err := c.plant(in.Channel()); err != nil {
		return regulation.StateFault, err
	}
	return regulation.StateReady, nil
}

// ReadOutput returns the power currently applied to the plant on the output
// channel.
func (c *Controller) ReadOutput(ctx context.Context, out *regulation.Output) (float64, error) {
	p, err := c.plant(out.Channel())
	if err != nil {
		return 0, err
	}
	return p.Power(), nil
}

// StateOutput reports READY.
func (c *Controller) StateOutput(ctx context.Context, out *regulation.Output) (regulation.State, error) {
	if _, err := c.plant(out.Channel()); err != nil {
		return regulation.StateFault, err
	}
	return regulation.StateReady, nil
}

// SetOutputValue applies value as the plant power on the output channel.
func (c *Controller) SetOutputValue(ctx context.Context, out *regulation.Output, value float64) error {
	p, err := c.plant(out.Channel())
	if err != nil {
		return err
	}
	p.SetPower(value)
	return nil
}
