package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/togedog/chat-app/loadtest/client"
	"github.com/togedog/chat-app/loadtest/stats"
)

// dialer opens authenticated connections for consecutive user ids.
type dialer struct {
	url         string
	token       string
	userBase    int64
	concurrency int
	collector   *stats.Collector
}

// ramp dials n users spread evenly over d, at most concurrency at a time.
// onReady runs for every connection that received its connected event; it
// may be called concurrently. ramp returns when every attempt finished or
// ctx ended.
func (d dialer) ramp(ctx context.Context, n int, over time.Duration, onReady func(i int, c *client.Client)) {
	interval := over / time.Duration(max(n, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stopProgress := d.progress(n)
	defer stopProgress()

	sem := make(chan struct{}, max(d.concurrency, 1))
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			wg.Wait()
			return
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.Dial(connCtx, d.url, d.userBase+int64(i), d.token)
			if err != nil {
				d.collector.AddError()
				return
			}
			if err := c.WaitConnected(connCtx); err != nil {
				d.collector.AddError()
				_ = c.Close()
				return
			}
			d.collector.AddConnect(c.GetMetrics().ConnectLatency)
			onReady(i, c)
		}()
	}
	wg.Wait()
}

// progress prints the connection rate every second until stopped.
func (d dialer) progress(target int) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		last, lastAt := 0, time.Now()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				n := d.collector.ConnectionCount()
				rate := float64(n-last) / now.Sub(lastAt).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					n, target, d.collector.ErrorCount(), rate)
				last, lastAt = n, now
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
