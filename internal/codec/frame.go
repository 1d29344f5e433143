package codec

import (
	"strconv"

	"fleet-tracker/internal/codec/fmxxx"
	"fleet-tracker/internal/telemetry"
)

// ToVendorFrame converts one AVL record into the JSON frame published to
// dashboards. Ignition, voltage, hdop, temperature and fuel level are
// scaled to engineering units; other known ids keep their raw value under
// their fmxxx name, unknown ids under "io<id>".
func ToVendorFrame(imei string, rec AVLRecord) telemetry.VendorFrame {
	f := telemetry.VendorFrame{
		IMEI:       imei,
		Timestamp:  telemetry.FrameTime{Time: rec.Timestamp},
		Priority:   int(rec.Priority),
		Longitude:  rec.GPS.Longitude,
		Latitude:   rec.GPS.Latitude,
		Altitude:   float64(rec.GPS.Altitude),
		Angle:      float64(rec.GPS.Angle),
		Satellites: rec.GPS.Satellites,
		Speed:      float64(rec.GPS.Speed),
		IOElements: make(map[string]any, len(rec.IO)),
	}

	for id, el := range rec.IO {
		switch id {
		case fmxxx.Ignition:
			f.IOElements[telemetry.IOIgnition] = el.Value != 0
		case fmxxx.ExtVolt:
			f.IOElements[telemetry.IOVoltage] = float64(el.Value) / 1000
		case fmxxx.GnssHDOP:
			f.IOElements[telemetry.IOHDOP] = float64(el.Value) / 10
		case fmxxx.DallasTemp1:
			f.IOElements[telemetry.IOTemperature] = float64(signed(el)) / 10
		case fmxxx.FuelLevelPct:
			f.IOElements[telemetry.IOFuelLevel] = float64(el.Value)
		default:
			if el.Raw != nil {
				continue
			}
			key := fmxxx.Name(id)
			if key == "" {
				key = "io" + strconv.Itoa(int(id))
			}
			f.IOElements[key] = el.Value
		}
	}
	return f
}

// signed reinterprets a fixed-size value as two's complement.
func signed(el IOElement) int64 {
	switch el.Size {
	case 1:
		return int64(int8(el.Value))
	case 2:
		return int64(int16(el.Value))
	case 4:
		return int64(int32(el.Value))
	}
	return int64(el.Value)
}
