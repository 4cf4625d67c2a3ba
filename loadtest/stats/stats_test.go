package stats

import (
	"strings"
	"testing"
	"time"
)

func TestParseExposition(t *testing.T) {
	body := `# HELP togedog_messages_total Total number of chat messages processed
# TYPE togedog_messages_total counter
togedog_messages_total{type="sent"} 10
togedog_messages_total{type="censored"} 2
togedog_connections_total 5
go_goroutines 40
togedog_message_latency_seconds_sum 0.5
`
	got, err := parseExposition(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if got[metricMessages] != 12 {
		t.Errorf("messages = %v, want 12", got[metricMessages])
	}
	if got[metricConnections] != 5 {
		t.Errorf("connections = %v, want 5", got[metricConnections])
	}
	if _, ok := got["go_goroutines"]; ok {
		t.Error("non-togedog series kept")
	}
}

func TestParseMetricLine_Malformed(t *testing.T) {
	for _, line := range []string{"togedog_x{a=\"b\" 1", "togedog_x", "togedog_x nan-ish"} {
		if _, _, ok := parseMetricLine(line); ok {
			t.Errorf("parseMetricLine(%q) accepted", line)
		}
	}
}

func TestPercentile(t *testing.T) {
	var ds []time.Duration
	for i := 1; i <= 100; i++ {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	if got := percentile(ds, 0.95); got != 95*time.Millisecond {
		t.Errorf("p95 = %v", got)
	}
	if got := percentile(ds, 0.50); got != 50*time.Millisecond {
		t.Errorf("p50 = %v", got)
	}
	if percentile(nil, 0.5) != 0 {
		t.Error("empty percentile should be 0")
	}
}
