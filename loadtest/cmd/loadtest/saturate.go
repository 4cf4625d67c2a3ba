package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/togedog/chat-app/loadtest/client"
	"github.com/togedog/chat-app/loadtest/stats"
)

// runSaturate opens connections ramped over a duration, then holds them
// while counting drops. Each connection authenticates as its own user and
// pings during the hold so only server-side failures drop it.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	userBase := fs.Int64("user-base", 1, "First user id; connection i uses user-base+i")
	token := fs.String("token", "", "Optional access token sent with every handshake")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, *connections)
	)

	fmt.Println("\n--- Ramp-up phase ---")
	start := time.Now()
	d := dialer{url: *url, token: *token, userBase: *userBase, concurrency: *concurrency, collector: collector}
	d.ramp(ctx, *connections, *rampUp, func(_ int, c *client.Client) {
		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	})
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), *connections, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d connections for %s...\n", len(clients), *hold)
		dropped = holdOpen(ctx, clients, *hold)
	}

	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		_ = c.Close()
	}
	scraper.Stop()

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

// holdOpen pings every live client every 5s until hold elapses and returns
// how many died meanwhile.
func holdOpen(ctx context.Context, clients []*client.Client, hold time.Duration) int {
	timer := time.NewTimer(hold)
	defer timer.Stop()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	alive := func() int {
		n := 0
		for _, c := range clients {
			if c.Alive() {
				n++
				_ = c.Ping()
			}
		}
		return n
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return len(clients) - alive()
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			return len(clients) - alive()
		case <-ticker.C:
			n := alive()
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", n, len(clients), len(clients)-n)
		}
	}
}
