// Package poller drives the diagnostic adapter: it follows the adapter's
// connection state and, while connected, fetches a batch of readings on a
// fixed interval and appends them to the store as samples.
package poller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"obd2relay/internal/adapter"
	"obd2relay/internal/metrics"
	"obd2relay/internal/models"
	"obd2relay/internal/parser"
)

// State is the poller's view of the adapter session.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Unsupported
	Gone
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Unsupported:
		return "unsupported"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

var allStates = []State{Idle, Connecting, Connected, Unsupported, Gone}

// Appender stores a finished sample. It reports false when the sample was
// rejected.
type Appender interface {
	Append(s models.TelemetrySample) bool
}

// DeviceRecorder receives what the poller learns about the adapter.
type DeviceRecorder interface {
	SetDeviceState(s models.AdapterState)
	SetIdentity(vin, protocol string)
}

// CapacitySource returns the configured tank capacity in liters.
type CapacitySource interface {
	TankCapacity(ctx context.Context) (float64, error)
}

// SamplePublisher is handed every stored sample.
type SamplePublisher interface {
	PublishSample(s models.TelemetrySample)
}

// Config holds poll timing.
type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration
}

// Defaults
const (
	DefaultInterval     = 300 * time.Millisecond
	DefaultFetchTimeout = 2 * time.Second
)

// Poller owns the single poll task. Only one batched fetch is ever in flight.
type Poller struct {
	adapter    adapter.Adapter
	store      Appender
	device     DeviceRecorder
	capacity   CapacitySource
	location   LocationSource
	publishers []SamplePublisher

	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New wires a poller. capacity and location may be nil.
func New(
	a adapter.Adapter,
	store Appender,
	device DeviceRecorder,
	capacity CapacitySource,
	location LocationSource,
	cfg Config,
	logger zerolog.Logger,
	m *metrics.Metrics,
	publishers ...SamplePublisher,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	p := &Poller{
		adapter:    a,
		store:      store,
		device:     device,
		capacity:   capacity,
		location:   location,
		publishers: publishers,
		cfg:        cfg,
		logger:     logger.With().Str("component", "poller").Logger(),
		metrics:    m,
		now:        time.Now,
	}
	p.setState(Idle)
	return p
}

// State returns the current session state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run feeds adapter state changes into HandleAdapterState until ctx is done
// or the adapter closes its state channel. A closed channel counts as Gone.
// Any running poll loop is stopped before Run returns.
func (p *Poller) Run(ctx context.Context) {
	defer p.stopLoop()

	states := p.adapter.States()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				p.logger.Info().Msg("adapter state channel closed")
				if p.State() != Gone {
					p.HandleAdapterState(ctx, models.AdapterGone)
				}
				return
			}
			p.HandleAdapterState(ctx, s)
		}
	}
}

// HandleAdapterState advances the state machine. ctx bounds the lifetime of
// a poll loop started by a Connected event.
func (p *Poller) HandleAdapterState(ctx context.Context, s models.AdapterState) {
	p.device.SetDeviceState(s)
	p.logger.Info().Str("adapter_state", s.String()).Msg("adapter state changed")

	switch s {
	case models.AdapterDiscovering:
		p.setState(Connecting)

	case models.AdapterConnected:
		p.stopLoop()
		p.setState(Connected)
		p.startLoop(ctx)

	case models.AdapterGone:
		p.setState(Gone)
		p.stopLoop()

	case models.AdapterUnsupportedProtocol:
		p.setState(Unsupported)
		p.stopLoop()
		// Best effort, so the protocol can be reported.
		p.identify(ctx)
		p.logger.Warn().Msg("adapter protocol unsupported, not polling")

	case models.AdapterDisconnected:
		p.setState(Idle)
		p.stopLoop()
	}
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()

	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		p.metrics.AdapterState.WithLabelValues(st.String()).Set(v)
	}
}

func (p *Poller) startLoop(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.loopDone = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.identify(ctx)
		p.loop(ctx)
	}()
}

// stopLoop cancels the running loop and waits for it to exit, so no cycle
// starts after it returns.
func (p *Poller) stopLoop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.loopDone
	p.cancel, p.loopDone = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Debug().Msg("poll loop stopped")
}

func (p *Poller) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// Checked again in case cancellation raced with the timer.
		if ctx.Err() != nil {
			return
		}
		p.cycle(ctx)
		timer.Reset(p.cfg.Interval)
	}
}

func (p *Poller) identify(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	resp, err := p.adapter.FetchMany(fctx, []adapter.Quantity{adapter.VIN, adapter.Protocol})
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to identify adapter")
		return
	}

	var vin, protocol string
	if len(resp) > 0 {
		vin = strings.TrimSpace(resp[0])
	}
	if len(resp) > 1 {
		protocol = strings.TrimSpace(resp[1])
	}
	p.device.SetIdentity(vin, protocol)
	p.logger.Info().Str("vin", vin).Str("protocol", protocol).Msg("adapter identified")
}

func (p *Poller) cycle(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	resp, err := p.adapter.FetchMany(fctx, adapter.PollSet)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.FetchErrors.Inc()
		p.logger.Warn().Err(err).Msg("adapter fetch failed")
		return
	}

	in := p.decode(resp)
	in.CaptureTime = p.now()
	if p.location != nil {
		in.Location = p.location.Location()
	}
	if p.capacity != nil {
		c, err := p.capacity.TankCapacity(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Float64("capacity_l", c).Msg("tank capacity unreadable, using fallback")
		}
		in.TankCapacityL = models.Float(c)
	}

	sample := models.NewTelemetrySample(in)
	p.metrics.PollCycles.Inc()
	if !p.store.Append(sample) {
		return
	}
	for _, pub := range p.publishers {
		pub.PublishSample(sample)
	}
}

// decode parses each response independently; a field that fails to parse is
// left absent.
func (p *Poller) decode(resp []string) models.SampleInput {
	var in models.SampleInput

	for i, q := range adapter.PollSet {
		if i >= len(resp) {
			p.parseFailed(q, "", nil)
			continue
		}
		raw := resp[i]

		switch q {
		case adapter.RPM, adapter.CoolantTemp:
			v, err := parser.ParseInt(raw, q.Unit())
			if err != nil {
				p.parseFailed(q, raw, err)
				continue
			}
			if q == adapter.RPM {
				in.EngineRPM = models.Int(v)
			} else {
				in.CoolantTempC = models.Int(v)
			}

		default:
			v, err := parser.ParseFloat(raw, q.Unit())
			if err != nil {
				p.parseFailed(q, raw, err)
				continue
			}
			switch q {
			case adapter.Odometer:
				in.OdometerKm = models.Float(v)
			case adapter.FuelRate:
				in.FuelRateLPerHour = models.Float(v)
			case adapter.FuelLevel:
				in.FuelLevelPercent = models.Float(v)
			case adapter.EngineLoad:
				in.EngineLoadPct = models.Float(v)
			}
		}
	}
	return in
}

func (p *Poller) parseFailed(q adapter.Quantity, raw string, err error) {
	p.metrics.ParseFailures.WithLabelValues(q.String()).Inc()
	p.logger.Debug().Err(err).Str("field", q.String()).Str("raw", raw).Msg("reading unavailable")
}
