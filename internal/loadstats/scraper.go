package loadstats

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

// snapshot holds the tracked server metrics at a point in time.
type snapshot struct {
	at          time.Time
	connections float64
	queueSize   float64
	pairings    float64
	rejections  float64
	waitSum     float64
	waitCount   float64
	provSum     float64
	provCount   float64
}

// Scraper periodically fetches the server's /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper polling metricsURL every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes an initial snapshot and keeps scraping until Stop or ctx ends.
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

// Stop stops scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.at = time.Now()

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func parseSnapshot(r io.Reader) (snapshot, error) {
	var snap snapshot
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "matching_connections_total":
			snap.connections = value
		case "matching_queue_size":
			snap.queueSize = value
		case "matching_pairings_total":
			// One line per outcome label.
			snap.pairings += value
		case "matching_rejections_total":
			snap.rejections += value
		case "matching_wait_duration_seconds_sum":
			snap.waitSum = value
		case "matching_wait_duration_seconds_count":
			snap.waitCount = value
		case "matching_provision_latency_seconds_sum":
			snap.provSum = value
		case "matching_provision_latency_seconds_count":
			snap.provCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a text exposition line into its name, without
// labels, and value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		name = raw[:idx]
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", 0, false
		}
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report writes initial, final, delta and peak values for each tracked metric.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := make([]snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	rows := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Queue Size", func(s snapshot) float64 { return s.queueSize }},
		{"Pairings", func(s snapshot) float64 { return s.pairings }},
		{"Rejections", func(s snapshot) float64 { return s.rejections }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, row := range rows {
		initial, final := row.extract(first), row.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			row.label, initial, final, final-initial, peak(snaps, row.extract))
	}

	fmt.Fprintln(w)
	histogramAvg(w, "Wait Duration", last.waitSum-first.waitSum, last.waitCount-first.waitCount)
	histogramAvg(w, "Provisioning", last.provSum-first.provSum, last.provCount-first.provCount)
}

func histogramAvg(w io.Writer, label string, sum, count float64) {
	if count > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n", label, sum/count, count)
		return
	}
	fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", label)
}

func peak(snaps []snapshot, extract func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, extract(s))
	}
	return p
}
