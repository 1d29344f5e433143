package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_gateway_tcp_connections_total",
		Help: "Device TCP connections accepted",
	})
	HandshakeOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_gateway_handshake_ok_total",
		Help: "Device IMEI handshakes accepted",
	})
	PacketsRecv = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_gateway_packets_received_total",
		Help: "AVL packets received from devices",
	})
	RecordsAck = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_gateway_records_ack_total",
		Help: "AVL records acknowledged to devices",
	})
	CodecErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_gateway_codec_errors_total",
		Help: "AVL packets rejected by the codec",
	})
	ParseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_gateway_parse_latency_seconds",
		Help:    "AVL packet parse latency",
		Buckets: prometheus.DefBuckets,
	})

	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_hub_clients",
		Help: "Websocket clients attached to the hub",
	})
	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_hub_dropped_frames_total",
		Help: "Frames dropped because a hub client was too slow",
	})

	FramesRecv = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_frames_received_total",
		Help: "Vendor frames received over the transport",
	})
	FrameParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_frame_parse_errors_total",
		Help: "Malformed vendor frames dropped",
	})
	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_transport_reconnect_attempts_total",
		Help: "Transport reconnect attempts scheduled",
	})
	TransportUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_transport_up",
		Help: "1 while the transport socket is open",
	})

	SimulatedTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_simulator_ticks_total",
		Help: "Telemetry records fabricated by the simulator",
	})
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_tracking_subscriptions",
		Help: "Devices with an active subscription",
	})

	PipelineDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_pipeline_dropped_total",
		Help: "Records dropped because the pipeline queue was full",
	})
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_pipeline_sink_errors_total",
		Help: "Sink write failures by sink",
	}, []string{"sink"})
)

func ObserveParseLatency(start time.Time) {
	ParseLatency.Observe(time.Since(start).Seconds())
}

func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func StartMetricsServer(port string) error {
	return http.ListenAndServe(":"+port, MetricsHandler())
}
