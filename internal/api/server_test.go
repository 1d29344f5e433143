package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"fleet-tracker/internal/demo"
	"fleet-tracker/internal/simulator"
	"fleet-tracker/internal/telemetry"
	"fleet-tracker/internal/tracking"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	fail      bool

	// when set, Connect signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (f *fakeTransport) Connect(context.Context, string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("endpoint down")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SendSubscription(string) error   { return nil }
func (f *fakeTransport) SendUnsubscription(string) error { return nil }

type fixture struct {
	srv   *Server
	http  *httptest.Server
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T, transport *fakeTransport, opts ...Option) *fixture {
	t.Helper()
	fc := clockwork.NewFakeClock()
	sim := simulator.New(simulator.DefaultConfig(),
		simulator.WithClock(fc), simulator.WithRand(rand.New(rand.NewPCG(1, 2))))
	svc := tracking.NewService(transport, sim)
	srv := NewServer(Config{DefaultSource: tracking.SourceSimulated, PathLimit: 50}, svc, opts...)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Stop(context.Background())
	})
	return &fixture{srv: srv, http: hs, clock: fc}
}

func (f *fixture) do(t *testing.T, method, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

// tick fires the simulator timer of one tracked vehicle.
func (f *fixture) tick(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("simulator not armed: %v", err)
	}
	f.clock.Advance(simulator.DefaultConfig().Interval)
}

func (f *fixture) waitTelemetry(t *testing.T, id string) tracking.State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body := f.do(t, http.MethodGet, "/api/vehicles/"+id+"/tracking")
		var st tracking.State
		_ = json.Unmarshal(body, &st)
		if st.Telemetry != nil {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("no telemetry for %s", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTrackingLifecycle(t *testing.T) {
	f := newFixture(t, &fakeTransport{})

	resp, body := f.do(t, http.MethodPost, "/api/vehicles/TRK-1/tracking?source=simulated")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}
	var st tracking.State
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !st.IsTracking || st.DeviceID != "TRK-1" || st.Source != "simulated" {
		t.Fatalf("state: %+v", st)
	}

	f.tick(t)
	st = f.waitTelemetry(t, "TRK-1")
	if len(st.PathHistory) != 1 || st.Telemetry.DeviceID != "TRK-1" {
		t.Fatalf("after one tick: %+v", st)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/vehicles/TRK-1/tracking")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop: %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/vehicles/TRK-1/tracking")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stopped vehicle should be gone, got %d", resp.StatusCode)
	}
}

func TestStartTrackingErrors(t *testing.T) {
	f := newFixture(t, &fakeTransport{fail: true})

	for _, tc := range []struct {
		name   string
		path   string
		status int
	}{
		{"unknown source", "/api/vehicles/A/tracking?source=satellite", http.StatusBadRequest},
		{"live while offline", "/api/vehicles/A/tracking?source=live", http.StatusServiceUnavailable},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, tc.path)
			if resp.StatusCode != tc.status {
				t.Fatalf("want %d, got %d %s", tc.status, resp.StatusCode, body)
			}
			if !strings.Contains(string(body), "error") {
				t.Fatalf("error should be reported: %s", body)
			}
		})
	}
}

func TestSlowConnectDoesNotBlockOtherRequests(t *testing.T) {
	ft := &fakeTransport{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, ft)
	var once sync.Once
	unblock := func() { once.Do(func() { close(ft.release) }) }
	t.Cleanup(unblock)

	started := make(chan int, 1)
	go func() {
		resp, err := http.Post(f.http.URL+"/api/vehicles/A/tracking", "", nil)
		if err != nil {
			started <- 0
			return
		}
		resp.Body.Close()
		started <- resp.StatusCode
	}()

	select {
	case <-ft.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("start tracking never reached the transport")
	}

	client := &http.Client{Timeout: time.Second}
	for _, tc := range []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"get other vehicle", http.MethodGet, "/api/vehicles/B/tracking", http.StatusNotFound},
		{"stop other vehicle", http.MethodDelete, "/api/vehicles/B/tracking", http.StatusNoContent},
		{"get connecting vehicle", http.MethodGet, "/api/vehicles/A/tracking", http.StatusNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, f.http.URL+tc.path, nil)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				t.Fatalf("request blocked behind a connecting tracker: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("want %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}

	unblock()
	select {
	case code := <-started:
		if code != http.StatusOK {
			t.Fatalf("start tracking: want 200, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start tracking did not finish after connect returned")
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t, &fakeTransport{})
	for _, tc := range []struct {
		name   string
		query  string
		status int
	}{
		{"default window", "", http.StatusOK},
		{"explicit window", "?start=2024-05-01T10:00:00Z&end=2024-05-01T11:00:00Z", http.StatusOK},
		{"bad start", "?start=yesterday", http.StatusBadRequest},
		{"inverted", "?start=2024-05-01T11:00:00Z&end=2024-05-01T10:00:00Z", http.StatusBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodGet, "/api/vehicles/A/history"+tc.query)
			if resp.StatusCode != tc.status {
				t.Fatalf("want %d, got %d %s", tc.status, resp.StatusCode, body)
			}
			if tc.status == http.StatusOK && strings.TrimSpace(string(body)) != "[]" {
				t.Fatalf("stub history should be empty, got %s", body)
			}
		})
	}
}

func TestDemoVehiclesAndFeed(t *testing.T) {
	d := demo.New(demo.Config{Vehicles: []string{"VAN-1", "CAR-2"}, CenterLat: 19.4, CenterLon: -99.1})
	f := newFixture(t, &fakeTransport{}, WithDemo(d))

	resp, body := f.do(t, http.MethodGet, "/api/demo/vehicles")
	var vs []demo.Vehicle
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &vs) != nil || len(vs) != 2 || vs[0].ID != "CAR-2" {
		t.Fatalf("demo vehicles: %d %s", resp.StatusCode, body)
	}

	f.do(t, http.MethodPost, "/api/vehicles/TRK-1/tracking")
	f.tick(t)
	f.waitTelemetry(t, "TRK-1")

	resp, body = f.do(t, http.MethodGet, "/api/feed/vehicle-positions?demo=1")
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-protobuf" {
		t.Fatalf("content type: %s", ct)
	}
	var feed gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(body, &feed); err != nil {
		t.Fatalf("unmarshal feed: %v", err)
	}
	if feed.GetHeader().GetIncrementality() != gtfsrtpb.FeedHeader_FULL_DATASET || len(feed.GetEntity()) != 3 {
		t.Fatalf("feed: %v", &feed)
	}
	if feed.GetEntity()[0].GetVehicle().GetVehicle().GetId() != "TRK-1" {
		t.Fatalf("tracked vehicle should come first: %v", feed.GetEntity()[0])
	}

	_, body = f.do(t, http.MethodGet, "/api/feed/vehicle-positions?format=json")
	var jsonFeed gtfsrtpb.FeedMessage
	if err := protojson.Unmarshal(body, &jsonFeed); err != nil {
		t.Fatalf("json feed: %v", err)
	}
	if len(jsonFeed.GetEntity()) != 1 {
		t.Fatalf("demo fleet is opt-in, got %d entities", len(jsonFeed.GetEntity()))
	}
}

func TestStream(t *testing.T) {
	f := newFixture(t, &fakeTransport{})

	resp, _ := f.do(t, http.MethodGet, "/api/vehicles/TRK-1/stream")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("untracked stream: %d", resp.StatusCode)
	}

	f.do(t, http.MethodPost, "/api/vehicles/TRK-1/tracking")
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/vehicles/TRK-1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	f.tick(t)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var rec telemetry.Record
	if err := conn.ReadJSON(&rec); err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.DeviceID != "TRK-1" || rec.SatelliteCount < 4 {
		t.Fatalf("record: %+v", rec)
	}
}

type latestMap map[string]telemetry.Record

func (m latestMap) Latest(_ context.Context, ids []string) (map[string]telemetry.Record, error) {
	out := map[string]telemetry.Record{}
	for _, id := range ids {
		if r, ok := m[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func TestLatest(t *testing.T) {
	f := newFixture(t, &fakeTransport{}, WithLatest(latestMap{"A": {DeviceID: "A", Speed: 12}}))

	resp, body := f.do(t, http.MethodGet, "/api/vehicles/latest?ids=A,%20B")
	var got map[string]telemetry.Record
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &got) != nil {
		t.Fatalf("latest: %d %s", resp.StatusCode, body)
	}
	if len(got) != 1 || got["A"].Speed != 12 {
		t.Fatalf("latest: %+v", got)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/vehicles/latest")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing ids: %d", resp.StatusCode)
	}
}
