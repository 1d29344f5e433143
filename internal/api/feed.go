package api

import (
	"net/http"
	"sort"
	"strings"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"fleet-tracker/internal/telemetry"
)

const kmhToMs = 1 / 3.6

// BuildFeed renders the latest position of every tracked vehicle, plus the
// demo fleet when includeDemo is set, as a full GTFS-RT dataset.
func (s *Server) BuildFeed(now time.Time, includeDemo bool) *gtfsrtpb.FeedMessage {
	feed := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfsrtpb.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.trackers))
	for id := range s.trackers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		t, ok := s.tracker(id)
		if !ok {
			continue
		}
		st := t.Snapshot()
		if st.Telemetry == nil {
			continue
		}
		feed.Entity = append(feed.Entity, vehicleEntity(id, "", *st.Telemetry))
	}

	if includeDemo && s.demo != nil {
		for _, v := range s.demo.Vehicles() {
			rec := telemetry.Record{
				DeviceID:  v.ID,
				Timestamp: v.LastUpdate,
				Latitude:  v.Latitude,
				Longitude: v.Longitude,
				Speed:     v.Speed,
				Heading:   v.Heading,
			}
			feed.Entity = append(feed.Entity, vehicleEntity("demo-"+v.ID, v.Status, rec))
		}
	}
	return feed
}

func vehicleEntity(entityID, label string, r telemetry.Record) *gtfsrtpb.FeedEntity {
	vp := &gtfsrtpb.VehiclePosition{
		Vehicle: &gtfsrtpb.VehicleDescriptor{Id: proto.String(r.DeviceID)},
		Position: &gtfsrtpb.Position{
			Latitude:  proto.Float32(float32(r.Latitude)),
			Longitude: proto.Float32(float32(r.Longitude)),
			Bearing:   proto.Float32(float32(r.Heading)),
			Speed:     proto.Float32(float32(r.Speed * kmhToMs)),
		},
	}
	if label != "" {
		vp.Vehicle.Label = proto.String(label)
	}
	if !r.Timestamp.IsZero() {
		vp.Timestamp = proto.Uint64(uint64(r.Timestamp.Unix()))
	}
	return &gtfsrtpb.FeedEntity{Id: proto.String(entityID), Vehicle: vp}
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	feed := s.BuildFeed(time.Now(), q.Get("demo") == "1" || q.Get("demo") == "true")

	if strings.EqualFold(q.Get("format"), "json") {
		b, err := protojson.Marshal(feed)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
		return
	}
	b, err := proto.Marshal(feed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Write(b)
}

func splitIDs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
