// Package dispatcher turns complete AVL packets from a device session into
// vendor frames for the hub.
package dispatcher

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"fleet-tracker/internal/codec"
	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/telemetry"
)

// Publisher receives every decoded frame.
type Publisher interface {
	Publish(frame telemetry.VendorFrame) int
}

type Dispatcher struct {
	pub    Publisher
	logger *slog.Logger
}

func New(pub Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Dispatcher{pub: pub, logger: logger.With("component", "dispatcher")}
}

// ProcessIncoming parses one packet from imei and publishes its records.
// It returns the record count to acknowledge.
func (d *Dispatcher) ProcessIncoming(imei string, data []byte) (int, error) {
	start := time.Now()
	pkt, err := codec.ParsePacket(data)
	observability.ObserveParseLatency(start)
	if err != nil {
		observability.CodecErrors.Inc()
		d.logger.Warn("packet rejected", "imei", imei, "bytes", len(data), "raw", hex.EncodeToString(data), "error", err)
		return 0, fmt.Errorf("process packet from %s: %w", imei, err)
	}
	observability.PacketsRecv.Inc()

	delivered := 0
	for _, rec := range pkt.Records {
		delivered += d.pub.Publish(codec.ToVendorFrame(imei, rec))
	}
	d.logger.Debug("packet processed",
		"imei", imei,
		"codec", fmt.Sprintf("0x%02X", pkt.CodecID),
		"records", len(pkt.Records),
		"delivered", delivered,
	)
	return len(pkt.Records), nil
}
