package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peerprep/matching/internal/loadstats"
	"github.com/peerprep/matching/internal/wsclient"
)

// runSaturate opens idle connections, holds them and counts how many the
// server drops during the hold.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "JWT secret shared with the server")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up ---")
	clients, interrupted := rampUp(ctx, newDialer(*url, *secret, "saturate"), *connections, *ramp, *concurrency, collector)

	if !interrupted {
		fmt.Printf("\n--- Holding for %s ---\n", *hold)
		dropped := holdOpen(ctx, clients, *hold)
		collector.AddOutcome(fmt.Sprintf("dropped=%d", dropped))
		fmt.Printf("Dropped during hold: %d\n", dropped)
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report(os.Stdout)
}

// holdOpen waits for hold and returns how many connections closed meanwhile.
func holdOpen(ctx context.Context, clients []*wsclient.Client, hold time.Duration) int {
	timer := time.NewTimer(hold)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	dropped := 0
	for _, c := range clients {
		if c == nil {
			continue
		}
		select {
		case <-c.Done():
			dropped++
		default:
		}
	}
	return dropped
}
