package metrics_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/merlos/trip/internal/metrics"
)

func TestRouter_RecordRecvAndSent(t *testing.T) {
	m := metrics.NewRouter()
	m.RecordRecv("open")
	m.RecordRecv("open")
	m.RecordSent("challenge")

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()

	if !strings.Contains(out, `trip_router_packets_recv_total{control="open"} 2`) {
		t.Errorf("expected open recv counter = 2, got:\n%s", out)
	}
	if !strings.Contains(out, `trip_router_packets_sent_total{control="challenge"} 1`) {
		t.Errorf("expected challenge sent counter = 1, got:\n%s", out)
	}
}

func TestRouter_RecordDrop(t *testing.T) {
	m := metrics.NewRouter()
	m.RecordDrop("replay")

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	if !strings.Contains(buf.String(), `trip_router_drops_total{reason="replay"} 1`) {
		t.Errorf("expected replay drop counter = 1, got:\n%s", buf.String())
	}
}

func TestRouter_UnknownControlDoesNotPanic(t *testing.T) {
	m := metrics.NewRouter()
	m.RecordRecv("bogus-type")
}
