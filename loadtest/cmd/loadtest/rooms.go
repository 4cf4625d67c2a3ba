package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/togedog/chat-app/loadtest/client"
	"github.com/togedog/chat-app/loadtest/stats"
)

// stampPrefix marks currentTime values set by this tool so fan-out latency
// can be measured from the echoed add_message.
const stampPrefix = "lt:"

// runRooms connects users, spreads them round-robin over rooms, and has each
// one send a chat line every interval. Every add_message a member receives
// for a stamped line is a delivery; its latency is receipt minus send time.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 200, "Number of simulated users")
	rooms := fs.Int("rooms", 20, "Number of rooms to spread users over")
	roomBase := fs.Int64("room-base", 1, "First room id")
	userBase := fs.Int64("user-base", 1, "First user id; user i is user-base+i")
	token := fs.String("token", "", "Optional access token sent with every handshake")
	duration := fs.Duration("duration", 30*time.Second, "How long users chat")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 64, "Size of each chat line in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration for connection creation")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	if *rooms <= 0 || *users <= 0 {
		fmt.Println("users and rooms must be positive")
		return
	}

	fmt.Printf("Rooms test: %d users over %d rooms at %s (duration=%s, interval=%s, msg-size=%d)\n",
		*users, *rooms, *url, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	type member struct {
		c    *client.Client
		room int64
	}

	// -----------------------------------------------------------------------
	// Connect and join
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Connect and join ---")

	var (
		mu      sync.Mutex
		members = make([]member, 0, *users)
		wg      sync.WaitGroup
	)
	d := dialer{url: *url, token: *token, userBase: *userBase, concurrency: *concurrency, collector: collector}
	d.ramp(ctx, *users, *rampUp, func(i int, c *client.Client) {
		room := *roomBase + int64(i%*rooms)
		c.On(client.TypeAddMessage, func(raw json.RawMessage) {
			var m client.AddMessage
			if err := json.Unmarshal(raw, &m); err != nil || m.System {
				return
			}
			if sentAt, ok := parseStamp(m.Time); ok {
				collector.AddDelivery(time.Since(sentAt))
			}
		})
		c.On(client.TypeRateLimited, func(json.RawMessage) { collector.AddRateLimited() })

		if err := c.Join(room, "lt-"+strconv.FormatInt(c.UserID(), 10)); err != nil {
			collector.AddError()
			_ = c.Close()
			return
		}
		mu.Lock()
		members = append(members, member{c: c, room: room})
		mu.Unlock()
	})
	fmt.Printf("Joined %d/%d users (%d errors)\n", len(members), *users, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Chat
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Chat phase ---")

	text := strings.Repeat("x", *msgSize)
	chatCtx, chatCancel := context.WithTimeout(ctx, *duration)
	defer chatCancel()

	for _, m := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-ticker.C:
					if !m.c.Alive() {
						collector.AddError()
						return
					}
					if err := m.c.Say(m.room, text, stamp(time.Now())); err != nil {
						collector.AddError()
						continue
					}
					collector.AddSent()
				}
			}
		}()
	}

	progress := time.NewTicker(5 * time.Second)
	go func() {
		for {
			select {
			case <-chatCtx.Done():
				return
			case <-progress.C:
				fmt.Printf("  [chat] delivered: %d  errors: %d\n", collector.Delivered(), collector.ErrorCount())
			}
		}
	}()
	wg.Wait()
	progress.Stop()

	// Let in-flight broadcasts land before closing.
	time.Sleep(500 * time.Millisecond)

	fmt.Println("\n--- Cleanup ---")
	for _, m := range members {
		_ = m.c.Close()
	}
	scraper.Stop()
	collector.Report()
}

func stamp(t time.Time) string {
	return stampPrefix + strconv.FormatInt(t.UnixNano(), 10)
}

func parseStamp(s string) (time.Time, bool) {
	raw, ok := strings.CutPrefix(s, stampPrefix)
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
