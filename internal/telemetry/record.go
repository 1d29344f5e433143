package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Record is one normalized GPS/vehicle-sensor reading.
type Record struct {
	DeviceID           string    `json:"deviceId"`
	Timestamp          time.Time `json:"timestamp"`
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	Altitude           float64   `json:"altitude"`
	Speed              float64   `json:"speed"`
	Heading            float64   `json:"heading"`
	SatelliteCount     int       `json:"satelliteCount"`
	HorizontalDilution float64   `json:"horizontalDilution"`
	IgnitionOn         bool      `json:"ignitionOn"`
	Voltage            float64   `json:"voltage"`

	Temperature *float64 `json:"temperature,omitempty"`
	FuelLevel   *float64 `json:"fuelLevel,omitempty"`
}

// VendorFrame is the raw device payload as it arrives over the transport.
type VendorFrame struct {
	IMEI       string         `json:"imei"`
	Timestamp  FrameTime      `json:"timestamp"`
	Priority   int            `json:"priority"`
	Longitude  float64        `json:"longitude"`
	Latitude   float64        `json:"latitude"`
	Altitude   float64        `json:"altitude"`
	Angle      float64        `json:"angle"`
	Satellites int            `json:"satellites"`
	Speed      float64        `json:"speed"`
	IOElements map[string]any `json:"ioElements"`
}

// IO element keys understood by Decode.
const (
	IOHDOP        = "hdop"
	IOIgnition    = "ignition"
	IOVoltage     = "voltage"
	IOTemperature = "temperature"
	IOFuelLevel   = "fuelLevel"
)

// FrameTime accepts epoch milliseconds or an RFC 3339 string and always
// marshals back to epoch milliseconds.
type FrameTime struct {
	time.Time
}

func (t FrameTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

func (t *FrameTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("frame timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("frame timestamp: %w", err)
	}
	if ms == 0 {
		t.Time = time.Time{}
		return nil
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}
