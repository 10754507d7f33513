package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/peerprep/matching/internal/auth"
	"github.com/peerprep/matching/internal/loadstats"
	"github.com/peerprep/matching/internal/wsclient"
)

// dialer opens authenticated connections for simulated users.
type dialer struct {
	url      string
	verifier *auth.Verifier
	prefix   string
}

func newDialer(url, secret, prefix string) *dialer {
	return &dialer{url: url, verifier: auth.NewVerifier(secret), prefix: prefix}
}

func (d *dialer) userID(i int) string {
	return fmt.Sprintf("%s-%d", d.prefix, i)
}

func (d *dialer) dial(ctx context.Context, i int) (*wsclient.Client, error) {
	token, err := d.verifier.Issue(d.userID(i), d.userID(i), time.Hour)
	if err != nil {
		return nil, err
	}
	return wsclient.Dial(ctx, d.url, token)
}

// rampUp opens total connections spread evenly over ramp with at most
// concurrency dials in flight. The returned slice is indexed by user number
// and holds nil where the dial failed. interrupted reports whether ctx ended
// first.
func rampUp(ctx context.Context, d *dialer, total int, ramp time.Duration, concurrency int, collector *loadstats.Collector) (clients []*wsclient.Client, interrupted bool) {
	clients = make([]*wsclient.Client, total)

	interval := ramp / time.Duration(total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	stopProgress := progress(2*time.Second, func(dt float64, last int) int {
		n := collector.ConnectionCount()
		fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
			n, total, collector.ErrorCount(), float64(n-last)/dt)
		return n
	})

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

launch:
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := d.dial(connCtx, i)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients[i] = c
		}(i)
	}

	wg.Wait()
	stopProgress()

	fmt.Printf("\nConnected %d/%d in %s (%d errors)\n",
		collector.ConnectionCount(), total, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients, interrupted
}

// progress calls report every interval until the returned stop func runs.
// report receives the elapsed seconds and the value it returned last time.
func progress(interval time.Duration, report func(dt float64, last int) int) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		last, lastTime := 0, time.Now()
		for {
			select {
			case now := <-ticker.C:
				last = report(now.Sub(lastTime).Seconds(), last)
				lastTime = now
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func closeAll(clients []*wsclient.Client) {
	fmt.Println("\n--- Cleanup ---")
	n := 0
	for _, c := range clients {
		if c != nil {
			c.Close()
			n++
		}
	}
	fmt.Printf("Closed %d connections.\n", n)
}
