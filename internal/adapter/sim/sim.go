// Package sim provides a simulated diagnostic adapter that formats its
// readings the way adapter firmware does ("850 rpm").
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"obd2relay/internal/adapter"
	"obd2relay/internal/models"
)

// ErrInjected is returned by FetchMany when a failure is injected.
var ErrInjected = errors.New("simulated fetch failure")

const nnbsp = "\u202f"

// Config tunes the simulated vehicle.
type Config struct {
	VIN      string
	Protocol string
	// Unsupported makes Connect end in UnsupportedProtocol.
	Unsupported bool
	// Latency delays every fetch; the delay honours the context.
	Latency time.Duration
	// Overrides replace the generated response of a quantity.
	Overrides map[adapter.Quantity]string
}

// Adapter is an in-process adapter.Adapter.
type Adapter struct {
	cfg    Config
	states chan models.AdapterState

	mu         sync.Mutex
	identified bool
	connected  bool
	closed     bool
	tick       int
	failNext   int
	fetchCalls int
}

// New returns a disconnected simulator.
func New(cfg Config) *Adapter {
	if cfg.VIN == "" {
		cfg.VIN = "WVWZZZ1JZXW000001"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "ISO 15765-4 (CAN 11/500)"
	}
	return &Adapter{
		cfg:    cfg,
		states: make(chan models.AdapterState, 16),
	}
}

func (a *Adapter) States() <-chan models.AdapterState {
	return a.states
}

// Connect walks through Discovering to Connected, or to UnsupportedProtocol
// when configured so.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.emit(ctx, models.AdapterDiscovering); err != nil {
		return err
	}

	a.mu.Lock()
	a.identified = true
	a.connected = !a.cfg.Unsupported
	a.mu.Unlock()

	if a.cfg.Unsupported {
		return a.emit(ctx, models.AdapterUnsupportedProtocol)
	}
	return a.emit(ctx, models.AdapterConnected)
}

// Disconnect reports the link as gone and closes the state channel.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.connected = false
	a.closed = true

	select {
	case a.states <- models.AdapterGone:
	default:
	}
	close(a.states)
	return nil
}

// FailNext makes the next n calls to FetchMany fail.
func (a *Adapter) FailNext(n int) {
	a.mu.Lock()
	a.failNext = n
	a.mu.Unlock()
}

// FetchCalls reports how many times FetchMany has been called.
func (a *Adapter) FetchCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCalls
}

func (a *Adapter) FetchMany(ctx context.Context, qs []adapter.Quantity) ([]string, error) {
	a.mu.Lock()
	a.fetchCalls++
	identified, connected := a.identified, a.connected
	failing := a.failNext > 0
	if failing {
		a.failNext--
	}
	tick := a.tick
	a.tick++
	a.mu.Unlock()

	if !identified {
		return nil, adapter.ErrNotConnected
	}

	if a.cfg.Latency > 0 {
		t := time.NewTimer(a.cfg.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if failing {
		return nil, ErrInjected
	}

	out := make([]string, len(qs))
	for i, q := range qs {
		// Identification stays readable on an unsupported protocol.
		if !connected && q != adapter.VIN && q != adapter.Protocol {
			return nil, adapter.ErrNotConnected
		}
		out[i] = a.format(q, tick)
	}
	return out, nil
}

func (a *Adapter) format(q adapter.Quantity, tick int) string {
	if v, ok := a.cfg.Overrides[q]; ok {
		return v
	}

	switch q {
	case adapter.RPM:
		return fmt.Sprintf("%d%srpm", 800+(tick%20)*50, nnbsp)
	case adapter.Odometer:
		return fmt.Sprintf("%.1f%skm", 120000+float64(tick)*0.1, nnbsp)
	case adapter.FuelRate:
		return fmt.Sprintf("%.2f%sL/h", 1.2+float64(tick%10)*0.1, nnbsp)
	case adapter.CoolantTemp:
		return fmt.Sprintf("%d%s°C", 60+min(tick, 30), nnbsp)
	case adapter.FuelLevel:
		return fmt.Sprintf("%.1f%s%%", max(62.0-float64(tick)*0.01, 0), nnbsp)
	case adapter.EngineLoad:
		return fmt.Sprintf("%.1f%s%%", 20+float64(tick%5)*2.5, nnbsp)
	case adapter.VIN:
		return a.cfg.VIN
	case adapter.Protocol:
		return a.cfg.Protocol
	default:
		return "NO DATA"
	}
}

func (a *Adapter) emit(ctx context.Context, s models.AdapterState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("simulator already disconnected")
	}
	select {
	case a.states <- s:
		return nil
	default:
		return errors.New("state channel full")
	}
}
