// Package demo animates a synthetic fleet for the map page when no live or
// simulated subscription exists.
package demo

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/telemetry"
)

const (
	DefaultInterval = 3 * time.Second
	// StepDegrees bounds the per-tick random walk of each coordinate.
	StepDegrees = 0.001
	seedSpread  = 0.02
)

// Point is one trail entry.
type Point struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type Vehicle struct {
	ID          string    `json:"id"`
	Latitude    float64   `json:"lat"`
	Longitude   float64   `json:"lng"`
	Speed       float64   `json:"speed"`
	Heading     float64   `json:"heading"`
	Status      string    `json:"status"`
	LastUpdate  time.Time `json:"lastUpdate"`
	PathHistory []Point   `json:"pathHistory"`
}

type Config struct {
	Vehicles  []string
	Interval  time.Duration
	CenterLat float64
	CenterLon float64
}

type Option func(*Tracker)

func WithClock(c clockwork.Clock) Option { return func(t *Tracker) { t.clock = c } }

func WithRand(r *rand.Rand) Option { return func(t *Tracker) { t.rnd = r } }

func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

type vehicleState struct {
	v    Vehicle
	path *telemetry.History[Point]
}

// Tracker random-walks a fixed set of vehicles around a center point.
type Tracker struct {
	cfg    Config
	clock  clockwork.Clock
	rnd    *rand.Rand
	logger *slog.Logger

	mu       sync.RWMutex
	vehicles map[string]*vehicleState
}

func New(cfg Config, opts ...Option) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	t := &Tracker{cfg: cfg, vehicles: make(map[string]*vehicleState, len(cfg.Vehicles))}
	for _, o := range opts {
		o(t)
	}
	if t.clock == nil {
		t.clock = clockwork.NewRealClock()
	}
	if t.rnd == nil {
		t.rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 42))
	}
	if t.logger == nil {
		t.logger = observability.Discard()
	}
	t.logger = t.logger.With("component", "demo")

	now := t.clock.Now()
	for _, id := range cfg.Vehicles {
		st := &vehicleState{
			v: Vehicle{
				ID:        id,
				Latitude:  cfg.CenterLat + (t.rnd.Float64()-0.5)*seedSpread,
				Longitude: cfg.CenterLon + (t.rnd.Float64()-0.5)*seedSpread,
				Status:    "idle",
			},
			path: telemetry.NewHistory[Point](telemetry.DefaultPathLimit),
		}
		st.v.LastUpdate = now
		st.path.Push(Point{Latitude: st.v.Latitude, Longitude: st.v.Longitude, Timestamp: now})
		t.vehicles[id] = st
	}
	return t
}

// Run moves every vehicle once per interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	t.logger.Info("demo tracking started", "vehicles", len(t.cfg.Vehicles), "interval", t.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.Chan():
			t.Step(now)
		}
	}
}

// Step advances every vehicle by one random-walk step.
func (t *Tracker) Step(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.vehicles {
		st.v.Latitude += (t.rnd.Float64() - 0.5) * 2 * StepDegrees
		st.v.Longitude += (t.rnd.Float64() - 0.5) * 2 * StepDegrees
		st.v.Speed = t.rnd.Float64() * 80
		st.v.Heading = t.rnd.Float64() * 360
		st.v.Status = status(st.v.Speed)
		st.v.LastUpdate = now
		st.path.Push(Point{Latitude: st.v.Latitude, Longitude: st.v.Longitude, Timestamp: now})
	}
}

func status(speed float64) string {
	switch {
	case speed < 1:
		return "idle"
	case speed < 10:
		return "slow"
	default:
		return "moving"
	}
}

// Vehicles returns a copy of every vehicle ordered by id.
func (t *Tracker) Vehicles() []Vehicle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Vehicle, 0, len(t.vehicles))
	for _, st := range t.vehicles {
		v := st.v
		v.PathHistory = st.path.Entries()
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) Vehicle(id string) (Vehicle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.vehicles[id]
	if !ok {
		return Vehicle{}, false
	}
	v := st.v
	v.PathHistory = st.path.Entries()
	return v, true
}
