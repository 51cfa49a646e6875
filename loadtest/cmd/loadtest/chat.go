package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/babachat/chat-server/loadtest/client"
	"github.com/babachat/chat-server/loadtest/stats"
)

// userResult tracks the outcome of a single simulated user's lifecycle.
type userResult struct {
	joined      bool
	msgSent     int64
	msgRecv     int64
	leftCleanly bool
}

// runChat implements the room chat load test. Simulated users are spread
// across a configurable number of rooms; each user goes through the complete
// flow: connect -> join -> exchange messages (with typing indicators) ->
// leave. Message round-trip time is measured by timing how long the sender
// waits for its own message to come back through the room broadcast.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	rooms := fs.Int("rooms", 10, "Number of rooms to spread users across")
	usersPerRoom := fs.Int("users", 10, "Number of users per room")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each user chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *rooms * *usersPerRoom

	fmt.Printf("Chat test: %d rooms x %d users (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*rooms, *usersPerRoom, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all open connections for cleanup.
	var mu sync.Mutex
	clients := make([]*client.Client, 0, totalClients)

	// Track whether ramp-up was interrupted so we can skip later phases.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect and join all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect and join all users ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentJoins := collector.JoinCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentJoins-lastCount) / dt
				fmt.Printf("  [join] joined: %d/%d  errors: %d  rate: %.1f joins/s\n",
					currentJoins, totalClients, currentErrs, rate)
				lastCount = currentJoins
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < totalClients {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = totalClients // Break the loop.
		case <-rampTicker.C:
			idx := launched
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url)
				if err != nil {
					collector.AddError()
					return
				}

				room := fmt.Sprintf("load-%d", idx%*rooms)
				username := fmt.Sprintf("user-%d", idx)
				if err := c.Join(connCtx, room, username); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)
				collector.AddJoin(m.JoinLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	joinedCount := len(clients)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d users joined in %s (%d errors)\n",
		joinedCount, totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted || joinedCount == 0 {
		if joinedCount == 0 {
			fmt.Println("No users joined — nothing to chat.")
		}
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Chat
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: %d users chatting for %s ---\n", joinedCount, *chatDuration)

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each user.
	results := make([]userResult, joinedCount)

	// Generate message payload once (reused by all users).
	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	// Progress reporting every 5 seconds.
	chatProgressStop := make(chan struct{})
	var chatProgressWg sync.WaitGroup
	chatProgressWg.Add(1)
	go func() {
		defer chatProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] sent: %d  recv: %d  errors: %d\n",
					totalMsgSent.Load(), totalMsgRecv.Load(), errorCount.Load())
			case <-chatProgressStop:
				return
			}
		}
	}()

	chatStart := time.Now()

	mu.Lock()
	chatClients := make([]*client.Client, len(clients))
	copy(chatClients, clients)
	mu.Unlock()

	var userWg sync.WaitGroup
	for i, c := range chatClients {
		i, c := i, c

		userWg.Add(1)
		go func() {
			defer userWg.Done()

			// Stagger message tickers so rooms do not send in lockstep.
			stagger := time.Duration(i) * 50 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runUser(ctx, c, *chatDuration, *msgInterval, msgPayload,
				collector, &results[i], &totalMsgSent, &totalMsgRecv, &errorCount)
		}()
	}

	// Wait for all users to complete.
	allDone := make(chan struct{})
	go func() {
		userWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All users finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted — waiting for users to wind down...")
		<-allDone
	}

	close(chatProgressStop)
	chatProgressWg.Wait()

	chatElapsed := time.Since(chatStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var cleanLeaves int
	var totalSent, totalRecv int64

	for _, r := range results {
		if r.leftCleanly {
			cleanLeaves++
		}
		totalSent += r.msgSent
		totalRecv += r.msgRecv
	}

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Clean leaves:    %d / %d\n", cleanLeaves, joinedCount)
	fmt.Printf("Total msg sent:  %d\n", totalSent)
	fmt.Printf("Total msg recv:  %d\n", totalRecv)
	fmt.Printf("Chat duration:   %s\n", chatElapsed.Round(time.Millisecond))
	if chatElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:  %.1f msg/s\n", float64(totalSent)/chatElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// runUser executes the chat phase for a single joined user: send messages on
// a ticker (with a typing indicator before each one), measure round-trip time
// by waiting for the user's own message to come back through the room
// broadcast, then leave cleanly.
func runUser(
	ctx context.Context,
	c *client.Client,
	chatDuration, msgInterval time.Duration,
	msgPayload string,
	collector *stats.Collector,
	result *userResult,
	totalMsgSent, totalMsgRecv, errorCount *atomic.Int64,
) {
	result.joined = true

	// lastSend holds the unix nanoseconds of this user's most recent send.
	var lastSend atomic.Int64

	// The server relays a sender's message back to the whole room including
	// the sender, so seeing our own username come back closes the loop.
	own := c.Username()
	c.On(client.TypeMessage, func(raw json.RawMessage) {
		totalMsgRecv.Add(1)
		result.msgRecv++

		var msg struct {
			Kind     string `json:"kind"`
			Username string `json:"username"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if msg.Kind == "user" && msg.Username == own {
			if ts := lastSend.Swap(0); ts > 0 {
				collector.AddMsgLatency(time.Since(time.Unix(0, ts)))
			}
		}
	})

	chatCtx, chatCancel := context.WithTimeout(ctx, chatDuration)
	defer chatCancel()

	ticker := time.NewTicker(msgInterval)
	defer ticker.Stop()

sendLoop:
	for {
		select {
		case <-chatCtx.Done():
			break sendLoop
		case <-ticker.C:
			// Simulate composing: typing indicator, then the message.
			if err := c.Send(map[string]string{"type": client.TypeTypingStart}); err != nil {
				errorCount.Add(1)
				collector.AddError()
				return
			}

			lastSend.Store(time.Now().UnixNano())
			if err := c.SendChat(msgPayload); err != nil {
				errorCount.Add(1)
				collector.AddError()
				return
			}
			totalMsgSent.Add(1)
			result.msgSent++
		}
	}

	// Leave with a short timeout so a stuck server does not hang the test.
	leaveCtx, leaveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer leaveCancel()
	if err := c.Leave(leaveCtx); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}
	result.leftCleanly = true
}

// cleanup closes every tracked client connection.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
