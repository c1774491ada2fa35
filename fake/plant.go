package fake

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Plant simulates one thermal channel: a body heated proportionally to the
// applied power and leaking toward ambient. State advances lazily from the
// elapsed clock time on every access, so a mock clock fully controls the
// simulation in tests.
type Plant struct {
	mu sync.Mutex

	clk     clock.Clock
	temp    float64
	ambient float64
	// heatingRate is degrees per second at full power.
	heatingRate float64
	// coolingRate is the leak fraction toward ambient per second.
	coolingRate float64
	power       float64
	last        time.Time
}

// PlantConfig parameterizes a Plant.
type PlantConfig struct {
	Ambient     float64
	HeatingRate float64
	CoolingRate float64
	Clock       clock.Clock
}

// NewPlant returns a Plant at ambient temperature with zero power applied.
func NewPlant(cfg PlantConfig) *Plant {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Plant{
		clk:         clk,
		temp:        cfg.Ambient,
		ambient:     cfg.Ambient,
		heatingRate: cfg.HeatingRate,
		coolingRate: cfg.CoolingRate,
		last:        clk.Now(),
	}
}

// advance integrates the plant up to now. Callers hold p.mu.
func (p *Plant) advance() {
	now := p.clk.Now()
	dt := now.Sub(p.last).Seconds()
	p.last = now
	if dt <= 0 {
		return
	}
	p.temp += p.heatingRate * p.power * dt
	if p.coolingRate > 0 {
		// Exponential leak toward ambient, stable for any dt.
		p.temp = p.ambient + (p.temp-p.ambient)*math.Exp(-p.coolingRate*dt)
	}
}

// Temperature returns the current plant temperature.
func (p *Plant) Temperature() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.temp
}

// SetTemperature forces the plant temperature, for test setup.
func (p *Plant) SetTemperature(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	p.temp = t
}

// Power returns the currently applied power.
func (p *Plant) Power() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.power
}

// SetPower applies a new power level, integrating the plant up to now first.
func (p *Plant) SetPower(power float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	p.power = power
}
