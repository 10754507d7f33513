package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/peerprep/matching/internal/loadstats"
	"github.com/peerprep/matching/internal/protocol"
	"github.com/peerprep/matching/internal/wsclient"
)

// runMatch connects pairs*2 users, sends match from each and waits for the
// success frame. A share of clients aborts after a short delay to exercise
// withdrawal under load.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "JWT secret shared with the server")
	pairs := fs.Int("pairs", 500, "Number of user pairs")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for success")
	difficulties := fs.String("difficulties", "", "Comma-separated difficulties (empty = any)")
	tags := fs.String("tags", "", "Comma-separated topic tags (empty = any)")
	abortRatio := fs.Float64("abort-ratio", 0, "Fraction of clients that abort after -abort-after")
	abortAfter := fs.Duration("abort-after", 200*time.Millisecond, "Delay before an aborting client sends abort")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	total := *pairs * 2
	diffs, tagList := splitList(*difficulties), splitList(*tags)

	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, difficulties=%v, tags=%v, abort-ratio=%.2f)\n",
		*pairs, total, *url, *ramp, *matchTimeout, diffs, tagList, *abortRatio)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients, interrupted := rampUp(ctx, newDialer(*url, *secret, "match"), total, *ramp, *concurrency, collector)
	if interrupted {
		fmt.Println("Interrupted, skipping matching phase.")
		closeAll(clients)
		scraper.Stop()
		collector.Report(os.Stdout)
		return
	}

	fmt.Println("\n--- Phase 2: Match ---")
	var matched atomic.Int64
	stopProgress := progress(2*time.Second, func(dt float64, last int) int {
		n := int(matched.Load())
		fmt.Printf("  [match] matched: %d/%d  errors: %d  rate: %.1f match/s\n",
			n, total, collector.ErrorCount(), float64(n-last)/dt)
		return n
	})

	start := time.Now()
	var wg sync.WaitGroup
	for _, c := range clients {
		if c == nil {
			continue
		}
		abort := rand.Float64() < *abortRatio
		wg.Add(1)
		go func(c *wsclient.Client) {
			defer wg.Done()
			outcome := matchOne(ctx, c, diffs, tagList, *matchTimeout, abort, *abortAfter, collector)
			collector.AddOutcome(outcome)
			if outcome == protocol.TypeSuccess {
				matched.Add(1)
			}
		}(c)
	}
	wg.Wait()
	stopProgress()
	elapsed := time.Since(start)

	n := matched.Load()
	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Clients matched:   %d / %d\n", n, total)
	fmt.Printf("Rooms created:     %d\n", n/2)
	fmt.Printf("Match duration:    %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Match throughput:  %.1f rooms/s\n", float64(n/2)/elapsed.Seconds())
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report(os.Stdout)
}

// matchOne runs one client's request to completion and names the outcome:
// the terminal frame type, "aborted", or "timeout".
func matchOne(ctx context.Context, c *wsclient.Client, diffs, tags []string, timeout time.Duration, abort bool, abortAfter time.Duration, collector *loadstats.Collector) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sent := time.Now()
	if err := c.Match(diffs, tags); err != nil {
		collector.AddError()
		return "send_failed"
	}

	var abortC <-chan time.Time
	if abort {
		t := time.NewTimer(abortAfter)
		defer t.Stop()
		abortC = t.C
	}

	frames := make(chan string, 1)
	go func() {
		defer close(frames)
		for {
			msgType, raw, err := c.Next(ctx)
			if err != nil {
				return
			}
			switch msgType {
			case protocol.TypeAcknowledgement:
				continue
			case protocol.TypeSuccess:
				var s protocol.SuccessMsg
				if json.Unmarshal(raw, &s) == nil && s.RoomID != "" {
					collector.AddMatch(time.Since(sent))
				}
			}
			frames <- msgType
			return
		}
	}()

	for {
		select {
		case msgType, ok := <-frames:
			if !ok {
				collector.AddError()
				return "timeout"
			}
			if msgType == protocol.TypeError {
				collector.AddError()
			}
			return msgType
		case <-abortC:
			abortC = nil
			if err := c.Abort(); err != nil {
				collector.AddError()
				return "send_failed"
			}
			// Abort is silent, but a pairing that already committed may
			// still answer with success.
			grace := time.NewTimer(time.Second)
			defer grace.Stop()
			select {
			case out, ok := <-frames:
				if ok && out == protocol.TypeSuccess {
					return out
				}
			case <-grace.C:
			}
			return "aborted"
		}
	}
}
