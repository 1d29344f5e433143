package tracking

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"fleet-tracker/internal/simulator"
	"fleet-tracker/internal/telemetry"
)

func recvRecord(t *testing.T, ch <-chan telemetry.Record) telemetry.Record {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telemetry")
	}
	return telemetry.Record{}
}

func TestEndToEndSimulatedTracking(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sim := simulator.New(simulator.DefaultConfig(),
		simulator.WithClock(fc), simulator.WithRand(rand.New(rand.NewPCG(7, 7))))
	svc := NewService(&fakeTransport{}, sim)

	tr := NewTracker(context.Background(), svc, WithSource(SourceSimulated))
	defer tr.Close()
	updates, stop := tr.Watch(8)
	defer stop()

	if err := tr.StartTracking("X"); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}

	prevLat, prevLon := simulator.DefaultConfig().OriginLat, simulator.DefaultConfig().OriginLon
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := fc.BlockUntilContext(ctx, 1); err != nil {
			cancel()
			t.Fatalf("simulator timer not armed: %v", err)
		}
		cancel()
		fc.Advance(2 * time.Second)

		r := recvRecord(t, updates)
		if math.Abs(r.Latitude-prevLat) > sim.MaxDrift() || math.Abs(r.Longitude-prevLon) > sim.MaxDrift() {
			t.Fatalf("tick %d moved beyond drift bound: (%v,%v) -> (%v,%v)", i, prevLat, prevLon, r.Latitude, r.Longitude)
		}
		prevLat, prevLon = r.Latitude, r.Longitude
	}

	select {
	case r := <-updates:
		t.Fatalf("unexpected fourth record: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	st := tr.Snapshot()
	if !st.IsTracking || st.DeviceID != "X" {
		t.Fatalf("state: %+v", st)
	}
	if len(st.PathHistory) != 3 {
		t.Fatalf("path history: want 3, got %d", len(st.PathHistory))
	}
	if st.Telemetry == nil || st.Telemetry.Latitude != prevLat {
		t.Fatalf("latest telemetry should be the last record, got %+v", st.Telemetry)
	}
}

func TestStopTrackingTwice(t *testing.T) {
	gen := newFakeGenerator()
	svc := NewService(&fakeTransport{}, gen)
	tr := NewTracker(context.Background(), svc)
	defer tr.Close()

	if err := tr.StartTracking("X"); err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	gen.emit("X", telemetry.Record{DeviceID: "X"})

	tr.StopTracking()
	tr.StopTracking()

	st := tr.Snapshot()
	if st.IsTracking || st.Telemetry != nil || len(st.PathHistory) != 0 {
		t.Fatalf("state not cleared: %+v", st)
	}
	if gen.isRunning("X") {
		t.Fatal("simulation should stop with tracking")
	}
}

func TestStartTrackingLiveWithoutConnection(t *testing.T) {
	ft := &fakeTransport{connectErr: errOffline}
	svc := NewService(ft, newFakeGenerator())
	tr := NewTracker(context.Background(), svc, WithSource(SourceLive))
	defer tr.Close()

	err := tr.StartTracking("X")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
	st := tr.Snapshot()
	if st.IsTracking || st.IsConnected {
		t.Fatalf("tracking must be rolled back: %+v", st)
	}
	if st.Error == "" {
		t.Fatal("error should be exposed for the view")
	}
	if svc.Subscribed("X") {
		t.Fatal("no subscription should exist")
	}
}

func TestStartTrackingSwitchesVehicle(t *testing.T) {
	gen := newFakeGenerator()
	svc := NewService(&fakeTransport{}, gen)
	tr := NewTracker(context.Background(), svc)
	defer tr.Close()

	_ = tr.StartTracking("A")
	gen.emit("A", telemetry.Record{DeviceID: "A"})
	_ = tr.StartTracking("B")

	if gen.isRunning("A") || svc.Subscribed("A") {
		t.Fatal("previous vehicle should be released")
	}
	st := tr.Snapshot()
	if st.DeviceID != "B" || len(st.PathHistory) != 0 {
		t.Fatalf("history should restart for the new vehicle: %+v", st)
	}

	// a late record from the old vehicle is ignored
	svc.HandleRecord(telemetry.Record{DeviceID: "A"})
	if n := len(tr.Snapshot().PathHistory); n != 0 {
		t.Fatalf("stale record appended, history=%d", n)
	}
}

func TestCloseDuringStartTracking(t *testing.T) {
	tests := []struct {
		name string
		hook func(g *fakeGenerator, close func())
	}{
		{"while releasing previous vehicle", func(g *fakeGenerator, close func()) {
			g.onStop = func(id string) {
				if id == "A" {
					close()
				}
			}
		}},
		{"while subscribing new vehicle", func(g *fakeGenerator, close func()) {
			g.onStart = func(id string) {
				if id == "B" {
					close()
				}
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := newFakeGenerator()
			svc := NewService(&fakeTransport{}, gen)
			tr := NewTracker(context.Background(), svc)

			if err := tr.StartTracking("A"); err != nil {
				t.Fatalf("StartTracking(A): %v", err)
			}
			tt.hook(gen, tr.Close)

			if err := tr.StartTracking("B"); !errors.Is(err, ErrTrackerClosed) {
				t.Fatalf("want ErrTrackerClosed, got %v", err)
			}
			if gen.isRunning("B") || svc.Subscribed("B") {
				t.Fatal("closed tracker left a subscription behind")
			}
			if st := tr.Snapshot(); st.IsTracking || st.DeviceID != "" {
				t.Fatalf("closed tracker reports tracking: %+v", st)
			}
		})
	}
}

func TestPathHistoryIsCapped(t *testing.T) {
	gen := newFakeGenerator()
	svc := NewService(&fakeTransport{}, gen)
	tr := NewTracker(context.Background(), svc, WithPathLimit(5))
	defer tr.Close()

	_ = tr.StartTracking("X")
	for i := 0; i < 8; i++ {
		gen.emit("X", telemetry.Record{DeviceID: "X", Speed: float64(i)})
	}
	path := tr.Snapshot().PathHistory
	if len(path) != 5 || path[0].Speed != 3 || path[4].Speed != 7 {
		t.Fatalf("want speeds 3..7, got %+v", path)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	gen := newFakeGenerator()
	svc := NewService(&fakeTransport{}, gen)
	tr := NewTracker(context.Background(), svc)
	defer tr.Close()

	fuel := 50.0
	_ = tr.StartTracking("X")
	gen.emit("X", telemetry.Record{DeviceID: "X", FuelLevel: &fuel})

	st := tr.Snapshot()
	*st.PathHistory[0].FuelLevel = 1
	*st.Telemetry.FuelLevel = 1

	again := tr.Snapshot()
	if *again.PathHistory[0].FuelLevel != 50 || *again.Telemetry.FuelLevel != 50 {
		t.Fatal("snapshot shares memory with tracker state")
	}
}

func TestGetHistoricalDataErrorIsKept(t *testing.T) {
	svc := NewService(&fakeTransport{}, newFakeGenerator())
	tr := NewTracker(context.Background(), svc)
	defer tr.Close()

	_, err := tr.GetHistoricalData(context.Background(), "", time.Now().Add(-time.Hour), time.Now())
	if !errors.Is(err, ErrNotTracking) {
		t.Fatalf("want ErrNotTracking, got %v", err)
	}
	if tr.Snapshot().Error == "" {
		t.Fatal("history error should be stored")
	}
}

func TestCloseReleasesService(t *testing.T) {
	ft := &fakeTransport{}
	svc := NewService(ft, newFakeGenerator())
	a := NewTracker(context.Background(), svc)
	b := NewTracker(context.Background(), svc)

	updates, _ := a.Watch(1)
	a.Close()
	a.Close()

	if _, ok := <-updates; ok {
		t.Fatal("watch channel should close with the tracker")
	}
	if !ft.IsConnected() {
		t.Fatal("closing one tracker must not disconnect the shared transport")
	}
	if err := a.StartTracking("X"); !errors.Is(err, ErrTrackerClosed) {
		t.Fatalf("want ErrTrackerClosed, got %v", err)
	}

	b.Close()
	if ft.IsConnected() {
		t.Fatal("last tracker should disconnect the transport")
	}
}
