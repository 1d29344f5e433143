package observability

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandler(t *testing.T) {
	before := testutil.ToFloat64(FramesRecv)
	FramesRecv.Inc()
	if got := testutil.ToFloat64(FramesRecv); got != before+1 {
		t.Fatalf("frames counter: %v -> %v", before, got)
	}

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	for _, tc := range []struct {
		path string
		want string
	}{
		{"/healthz", "ok"},
		{"/metrics", "fleet_frames_received_total"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), tc.want) {
				t.Fatalf("%d %s", resp.StatusCode, body)
			}
		})
	}
}

func TestNewLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWith(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "device_id", "A")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("want only the warn line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("json handler output: %v", err)
	}
	if entry["msg"] != "shown" || entry["device_id"] != "A" {
		t.Fatalf("entry: %v", entry)
	}

	buf.Reset()
	NewLoggerWith(&buf, "debug", "text").Debug("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Fatalf("text handler output: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
