package pipeline

import (
	"time"

	"fleet-tracker/internal/telemetry"
)

const (
	MsgBuffered = 0
	MsgLive     = 1
)

// bufferedAfter is how old a record may be before it counts as replayed
// from the device buffer.
const bufferedAfter = 120 * time.Second

// Envelope is what sinks receive.
type Envelope struct {
	telemetry.Record
	MsgType    int       `json:"msgType"` // 1=live, 0=buffer
	Fix        int       `json:"fix"`     // 1 when sats>3 and coords valid
	ReceivedAt time.Time `json:"receivedAt"`
}

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}

func CalcFix(sats int, lat, lon float64) int {
	if sats > 3 && coordsValid(lat, lon) {
		return 1
	}
	return 0
}

func DecideMsgType(now, ts time.Time) int {
	if !ts.IsZero() && now.Sub(ts) > bufferedAfter {
		return MsgBuffered
	}
	return MsgLive
}

func NewEnvelope(r telemetry.Record, now time.Time) Envelope {
	return Envelope{
		Record:     r,
		MsgType:    DecideMsgType(now, r.Timestamp),
		Fix:        CalcFix(r.SatelliteCount, r.Latitude, r.Longitude),
		ReceivedAt: now,
	}
}
