package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeEmptyIOElements(t *testing.T) {
	f := VendorFrame{
		IMEI:       "356307042441013",
		Latitude:   19.4326,
		Longitude:  -99.1332,
		Angle:      274,
		Satellites: 9,
		Speed:      42,
		IOElements: map[string]any{},
	}

	r := Decode(f)

	if r.DeviceID != f.IMEI {
		t.Fatalf("device id: want %q, got %q", f.IMEI, r.DeviceID)
	}
	if r.Heading != 274 {
		t.Fatalf("heading: want 274, got %v", r.Heading)
	}
	if r.HorizontalDilution != 0 || r.Voltage != 0 || r.IgnitionOn {
		t.Fatalf("defaults: want hdop=0 voltage=0 ignition=false, got %+v", r)
	}
	if r.Temperature != nil || r.FuelLevel != nil {
		t.Fatalf("temperature/fuel should be absent, got %v %v", r.Temperature, r.FuelLevel)
	}
}

func TestDecodeIOElements(t *testing.T) {
	tests := []struct {
		name     string
		io       map[string]any
		ignition bool
		hdop     float64
		voltage  float64
		temp     *float64
		fuel     *float64
	}{
		{
			name:     "bool ignition",
			io:       map[string]any{"ignition": true, "hdop": 0.9, "voltage": 12.6},
			ignition: true, hdop: 0.9, voltage: 12.6,
		},
		{
			name:     "numeric ignition",
			io:       map[string]any{"ignition": float64(1)},
			ignition: true,
		},
		{
			name: "zero ignition",
			io:   map[string]any{"ignition": float64(0)},
		},
		{
			name:     "optional sensors",
			io:       map[string]any{"temperature": 21.5, "fuelLevel": float64(64)},
			temp:     ptr(21.5),
			fuel:     ptr(64),
		},
		{
			name: "nil io map",
			io:   nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := Decode(VendorFrame{IMEI: "1", IOElements: tc.io})
			if r.IgnitionOn != tc.ignition {
				t.Errorf("ignition: want %v, got %v", tc.ignition, r.IgnitionOn)
			}
			if r.HorizontalDilution != tc.hdop {
				t.Errorf("hdop: want %v, got %v", tc.hdop, r.HorizontalDilution)
			}
			if r.Voltage != tc.voltage {
				t.Errorf("voltage: want %v, got %v", tc.voltage, r.Voltage)
			}
			if !samePtr(r.Temperature, tc.temp) {
				t.Errorf("temperature: want %v, got %v", tc.temp, r.Temperature)
			}
			if !samePtr(r.FuelLevel, tc.fuel) {
				t.Errorf("fuel: want %v, got %v", tc.fuel, r.FuelLevel)
			}
		})
	}
}

func TestParseFrame(t *testing.T) {
	payload := []byte(`{"imei":"862462030000001","timestamp":1700000000000,"priority":1,
		"longitude":-99.1332,"latitude":19.4326,"altitude":2240,"angle":90,"satellites":11,"speed":35,
		"ioElements":{"hdop":1.1,"ignition":true,"voltage":13.2}}`)

	r, err := ParseFrame(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("timestamp: got %v", r.Timestamp)
	}
	if r.Altitude != 2240 || r.Heading != 90 || r.SatelliteCount != 11 || r.Speed != 35 {
		t.Errorf("gps fields not mapped: %+v", r)
	}
	if !r.IgnitionOn || r.Voltage != 13.2 || r.HorizontalDilution != 1.1 {
		t.Errorf("io fields not mapped: %+v", r)
	}
}

func TestParseFrameRFC3339Timestamp(t *testing.T) {
	r, err := ParseFrame([]byte(`{"imei":"1","timestamp":"2024-03-01T10:00:00Z","ioElements":{}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !r.Timestamp.Equal(want) {
		t.Fatalf("timestamp: want %v, got %v", want, r.Timestamp)
	}
}

func TestParseFrameErrors(t *testing.T) {
	if _, err := ParseFrame([]byte(`{not json`)); err == nil {
		t.Error("malformed json should fail")
	}
	if _, err := ParseFrame([]byte(`{"latitude":1}`)); !errors.Is(err, ErrMissingIMEI) {
		t.Errorf("want ErrMissingIMEI, got %v", err)
	}
}

func TestFrameTimeRoundTrip(t *testing.T) {
	f := VendorFrame{IMEI: "1", Timestamp: FrameTime{time.UnixMilli(1700000000123).UTC()}}
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back VendorFrame
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Timestamp.Equal(f.Timestamp.Time) {
		t.Fatalf("want %v, got %v", f.Timestamp.Time, back.Timestamp.Time)
	}
}

func ptr(v float64) *float64 { return &v }

func samePtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
