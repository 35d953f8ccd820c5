// Command loadtest drives a roomchat server with many concurrent clients
// spread over a handful of rooms and reports delivery latency.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// stampPrefix marks load test messages; the send time follows it.
const stampPrefix = "#lt"

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesReceived  atomic.Int64
	sendFailures      atomic.Int64
	totalLatency      atomic.Int64 // in microseconds
	maxLatency        atomic.Int64
	connectionErrors  atomic.Int64
	joinFailures      atomic.Int64
	successfulClients atomic.Int64
	disconnections    atomic.Int64
}

func (s *Stats) recordDelivery(latency time.Duration) {
	us := latency.Microseconds()
	s.messagesReceived.Add(1)
	s.totalLatency.Add(us)
	for {
		cur := s.maxLatency.Load()
		if us <= cur || s.maxLatency.CompareAndSwap(cur, us) {
			return
		}
	}
}

func (s *Stats) snapshot() (sent, received, failed int64, avgLatencyUs float64) {
	sent = s.messagesSent.Load()
	received = s.messagesReceived.Load()
	failed = s.sendFailures.Load()
	if received > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(received)
	}
	return
}

// stamp builds a message body carrying its send time.
func stamp(now time.Time, words int) string {
	parts := make([]string, 0, words+1)
	parts = append(parts, stampPrefix+strconv.FormatInt(now.UnixNano(), 10))
	for i := 0; i < words; i++ {
		parts = append(parts, loremWords[rand.Intn(len(loremWords))])
	}
	return strings.Join(parts, " ")
}

// parseStamp extracts the send time from a stamped message.
func parseStamp(content string) (time.Time, bool) {
	head, _, _ := strings.Cut(content, " ")
	if !strings.HasPrefix(head, stampPrefix) {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(strings.TrimPrefix(head, stampPrefix), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// BotClient is one simulated chat user.
type BotClient struct {
	id       int
	nickname string
	roomID   string
	client   *client.Client
	stats    *Stats
}

func NewBotClient(id int, serverAddr, roomID string, stats *Stats) (*BotClient, error) {
	c, err := client.Dial(serverAddr)
	if err != nil {
		return nil, err
	}
	return &BotClient{
		id:       id,
		nickname: fmt.Sprintf("bot%05d", id),
		roomID:   roomID,
		client:   c,
		stats:    stats,
	}, nil
}

// Setup registers the bot and joins its room, creating it if needed.
func (bc *BotClient) Setup(timeout time.Duration) error {
	if err := bc.client.Connect(bc.nickname); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := bc.client.CreateRoom(bc.roomID, "Load "+bc.roomID, ""); err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	if err := bc.client.JoinRoom(bc.roomID, ""); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	deadline := time.After(timeout)
	for bc.client.CurrentRoom() != bc.roomID {
		select {
		case env, ok := <-bc.client.Incoming():
			if !ok {
				return fmt.Errorf("connection closed during setup")
			}
			debugLogger.Printf("[Bot %d] setup: %s %q", bc.id, env.Type, env.Content)
		case <-deadline:
			return fmt.Errorf("timed out joining %s", bc.roomID)
		}
	}
	return nil
}

// receive records latency for every stamped TEXT until the client closes.
func (bc *BotClient) receive() {
	for env := range bc.client.Incoming() {
		if env.Type != protocol.TypeText {
			continue
		}
		if sent, ok := parseStamp(env.Content); ok {
			bc.stats.recordDelivery(time.Since(sent))
		}
	}
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	received := make(chan struct{})
	go func() {
		defer close(received)
		bc.receive()
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.client.SendText(stamp(time.Now(), 5+rand.Intn(16))); err != nil {
			bc.stats.sendFailures.Add(1)
			debugLogger.Printf("[Bot %d] send failed: %v", bc.id, err)
		} else {
			bc.stats.messagesSent.Add(1)
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-bc.client.Done():
			bc.stats.disconnections.Add(1)
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
	bc.client.Disconnect()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
	}
	bc.client.Close()
}

var debugLogger = log.New(io.Discard, "", 0)

func initLogging() error {
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:5555", "Server address (host:port, ssh://..., ws://...)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	numRooms := flag.Int("rooms", 2, "Number of rooms to spread clients over")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	flag.Parse()

	if *numClients < 1 || *numRooms < 1 {
		fmt.Fprintln(os.Stderr, "clients and rooms must be at least 1")
		os.Exit(2)
	}

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	// Ramp up over 25% of the test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d in %d rooms", *numClients, *numRooms)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopStats) }) }

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, received, failed, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d delivered, %d failed, avg latency %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/elapsed, received, failed, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping stats...")
		stop()
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)
		roomID := fmt.Sprintf("load-%d", i%*numRooms)

		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, roomID, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] dial failed: %v", id, err)
				return
			}
			if err := bot.Setup(5 * time.Second); err != nil {
				stats.joinFailures.Add(1)
				debugLogger.Printf("[Bot %d] setup failed: %v", id, err)
				bot.client.Close()
				return
			}
			stats.successfulClients.Add(1)
			if id%100 == 0 {
				log.Printf("[Bot %d] Joined %s", id, roomID)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay)
		}(i)

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	stop()

	sent, received, failed, avgUs := stats.snapshot()
	successful := stats.successfulClients.Load()

	// Every message fans out to the other members of its room
	perRoom := float64(successful) / float64(*numRooms)
	expected := float64(sent) * (perRoom - 1)

	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successful, float64(successful)/float64(*numClients)*100)
	log.Printf("Connection errors: %d, join failures: %d, disconnections: %d",
		stats.connectionErrors.Load(), stats.joinFailures.Load(), stats.disconnections.Load())
	log.Printf("Messages sent: %d (%.1f/s), failed: %d", sent, float64(sent)/duration.Seconds(), failed)
	log.Printf("Deliveries: %d of ~%.0f expected", received, expected)
	log.Printf("Latency: avg %.2fms, max %.2fms", avgUs/1000.0, float64(stats.maxLatency.Load())/1000.0)
}
