package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server metric names scraped from /metrics.
const (
	metricConnections  = "togedog_connections_total"
	metricMessages     = "togedog_messages_total"
	metricRooms        = "togedog_rooms_active"
	metricRefused      = "togedog_connections_refused_total"
	metricLatencySum   = "togedog_message_latency_seconds_sum"
	metricLatencyCount = "togedog_message_latency_seconds_count"
)

// snapshot maps metric name to value; labelled series are summed.
type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the server's Prometheus endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start scrapes once immediately, then every interval until ctx ends or
// Stop is called. A last snapshot is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop ends the background loop and waits for it.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return // server not up yet
	}
	defer resp.Body.Close()

	values, err := parseExposition(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshot{at: time.Now(), values: values})
	s.mu.Unlock()
}

// parseExposition reads the Prometheus text format, keeping only togedog_
// series and summing across labels.
func parseExposition(r io.Reader) (map[string]float64, error) {
	out := make(map[string]float64)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' || !strings.HasPrefix(line, "togedog_") {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		out[name] += value
	}
	return out, sc.Err()
}

// parseMetricLine splits `name{labels} value` into name and value.
func parseMetricLine(line string) (string, float64, bool) {
	name, rest := line, ""
	if i := strings.IndexByte(line, '{'); i >= 0 {
		j := strings.IndexByte(line[i:], '}')
		if j < 0 {
			return "", 0, false
		}
		name, rest = line[:i], line[i+j+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak for each tracked metric plus
// the server-side average message latency over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n", len(snaps), last.at.Sub(first.at).Round(time.Second))
	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, row := range []struct{ label, name string }{
		{"Connections", metricConnections},
		{"Rooms", metricRooms},
		{"Messages", metricMessages},
		{"Refused", metricRefused},
	} {
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", row.label,
			first.values[row.name], last.values[row.name],
			last.values[row.name]-first.values[row.name], peak(snaps, row.name))
	}

	fmt.Println()
	n := last.values[metricLatencyCount] - first.values[metricLatencyCount]
	if n > 0 {
		avg := (last.values[metricLatencySum] - first.values[metricLatencySum]) / n
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Msg Latency", avg, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Msg Latency")
	}
}

func peak(snaps []snapshot, name string) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, s.values[name])
	}
	return p
}
