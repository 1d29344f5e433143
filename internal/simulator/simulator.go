// Package simulator fabricates plausible device telemetry on a fixed
// interval for demo deployments without live devices.
package simulator

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/telemetry"
)

// Emitter receives every fabricated record.
type Emitter func(telemetry.Record)

type Config struct {
	Interval  time.Duration
	OriginLat float64
	OriginLon float64
	MaxDrift  float64
}

func DefaultConfig() Config {
	return Config{
		Interval:  2 * time.Second,
		OriginLat: 40.7128,
		OriginLon: -74.0060,
		MaxDrift:  0.0005,
	}
}

type Option func(*Simulator)

func WithClock(c clockwork.Clock) Option { return func(s *Simulator) { s.clock = c } }

func WithRand(r *rand.Rand) Option { return func(s *Simulator) { s.rnd = r } }

func WithLogger(l *slog.Logger) Option { return func(s *Simulator) { s.logger = l } }

type Simulator struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	ticker clockwork.Ticker
	done   chan struct{}
	once   sync.Once
}

func (r *run) stop() {
	r.once.Do(func() {
		r.ticker.Stop()
		close(r.done)
	})
}

func New(cfg Config, opts ...Option) *Simulator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxDrift <= 0 {
		cfg.MaxDrift = def.MaxDrift
	}
	if cfg.OriginLat == 0 && cfg.OriginLon == 0 {
		cfg.OriginLat, cfg.OriginLon = def.OriginLat, def.OriginLon
	}
	s := &Simulator{
		cfg:  cfg,
		runs: make(map[string]*run),
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	if s.logger == nil {
		s.logger = observability.Discard()
	}
	s.logger = s.logger.With("component", "simulator")
	return s
}

// Start begins emitting records for deviceID. A device already running is
// restarted rather than doubled. The returned cancel only stops this run.
func (s *Simulator) Start(deviceID string, emit Emitter) (cancel func()) {
	r := &run{
		ticker: s.clock.NewTicker(s.cfg.Interval),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if prev, ok := s.runs[deviceID]; ok {
		prev.stop()
	}
	s.runs[deviceID] = r
	s.mu.Unlock()

	s.logger.Debug("simulation started", "device_id", deviceID, "interval", s.cfg.Interval)
	go s.loop(deviceID, r, emit)

	return func() { s.stopRun(deviceID, r) }
}

func (s *Simulator) loop(deviceID string, r *run, emit Emitter) {
	lat, lon := s.cfg.OriginLat, s.cfg.OriginLon
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.Chan():
		}
		// a tick can race with stop; never emit for a stopped run
		select {
		case <-r.done:
			return
		default:
		}
		lat += s.drift()
		lon += s.drift()
		rec := s.sample(deviceID, lat, lon)
		observability.SimulatedTicks.Inc()
		if emit != nil {
			emit(rec)
		}
	}
}

func (s *Simulator) stopRun(deviceID string, r *run) {
	s.mu.Lock()
	if cur, ok := s.runs[deviceID]; ok && cur == r {
		delete(s.runs, deviceID)
	}
	s.mu.Unlock()
	r.stop()
}

func (s *Simulator) Stop(deviceID string) {
	s.mu.Lock()
	r, ok := s.runs[deviceID]
	delete(s.runs, deviceID)
	s.mu.Unlock()
	if ok {
		r.stop()
		s.logger.Debug("simulation stopped", "device_id", deviceID)
	}
}

func (s *Simulator) StopAll() {
	s.mu.Lock()
	runs := s.runs
	s.runs = make(map[string]*run)
	s.mu.Unlock()
	for _, r := range runs {
		r.stop()
	}
}

func (s *Simulator) Running(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[deviceID]
	return ok
}

func (s *Simulator) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// MaxDrift is the largest per-tick change applied to latitude or longitude.
func (s *Simulator) MaxDrift() float64 { return s.cfg.MaxDrift }

func (s *Simulator) drift() float64 {
	return (s.float() - 0.5) * 2 * s.cfg.MaxDrift
}

func (s *Simulator) sample(deviceID string, lat, lon float64) telemetry.Record {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	temp := between(s.rnd, 15, 35)
	fuel := between(s.rnd, 10, 100)
	return telemetry.Record{
		DeviceID:           deviceID,
		Timestamp:          s.clock.Now(),
		Latitude:           lat,
		Longitude:          lon,
		Altitude:           between(s.rnd, 0, 100),
		Speed:              between(s.rnd, 0, 80),
		Heading:            between(s.rnd, 0, 360),
		SatelliteCount:     4 + s.rnd.IntN(9),
		HorizontalDilution: between(s.rnd, 0.5, 2.5),
		IgnitionOn:         s.rnd.Float64() < 0.8,
		Voltage:            between(s.rnd, 12, 14.5),
		Temperature:        &temp,
		FuelLevel:          &fuel,
	}
}

func (s *Simulator) float() float64 {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.rnd.Float64()
}

func between(r *rand.Rand, lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}
