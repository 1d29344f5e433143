package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var ErrMissingIMEI = errors.New("telemetry: frame without imei")

// ParseFrame unmarshals a vendor frame and decodes it into a Record.
func ParseFrame(payload []byte) (Record, error) {
	var f VendorFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Record{}, fmt.Errorf("parse vendor frame: %w", err)
	}
	if f.IMEI == "" {
		return Record{}, ErrMissingIMEI
	}
	return Decode(f), nil
}

// Decode maps a vendor frame onto a Record. Missing numeric io elements
// become 0, a missing ignition becomes false, and temperature/fuel stay nil.
func Decode(f VendorFrame) Record {
	r := Record{
		DeviceID:       f.IMEI,
		Timestamp:      f.Timestamp.Time,
		Latitude:       f.Latitude,
		Longitude:      f.Longitude,
		Altitude:       f.Altitude,
		Speed:          f.Speed,
		Heading:        f.Angle,
		SatelliteCount: f.Satellites,
	}

	r.HorizontalDilution, _ = ioNumber(f.IOElements, IOHDOP)
	r.IgnitionOn = ioBool(f.IOElements, IOIgnition)
	r.Voltage, _ = ioNumber(f.IOElements, IOVoltage)

	if v, ok := ioNumber(f.IOElements, IOTemperature); ok {
		r.Temperature = &v
	}
	if v, ok := ioNumber(f.IOElements, IOFuelLevel); ok {
		r.FuelLevel = &v
	}
	return r
}

func ioNumber(io map[string]any, key string) (float64, bool) {
	raw, ok := io[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	case string:
		n, err := strconv.ParseFloat(v, 64)
		return n, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// devices report ignition either as a boolean or as a 0/1 io value
func ioBool(io map[string]any, key string) bool {
	raw, ok := io[key]
	if !ok || raw == nil {
		return false
	}
	if b, ok := raw.(bool); ok {
		return b
	}
	n, ok := ioNumber(io, key)
	return ok && n != 0
}
