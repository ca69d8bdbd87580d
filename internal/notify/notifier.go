// Package notify pushes execution outcomes to an ntfy topic.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/rebalancer/internal/events"
)

// DefaultURL is the public ntfy server
const DefaultURL = "https://ntfy.sh"

// Config holds notifier settings. An empty Topic disables notifications.
type Config struct {
	URL      string
	Topic    string
	Timeout  time.Duration
	Location *time.Location // Timezone of message timestamps
}

// Message is one ntfy notification
type Message struct {
	Title    string
	Body     string
	Tags     []string
	Priority string
}

// Notifier delivers messages in the background so event publishers never block
type Notifier struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger

	queue chan Message
	wg    sync.WaitGroup
	once  sync.Once
}

// New creates a notifier; Start must be called before messages are delivered
func New(cfg Config, log zerolog.Logger) *Notifier {
	url := strings.TrimRight(cfg.URL, "/")
	if url == "" {
		url = DefaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	endpoint := ""
	if cfg.Topic != "" {
		endpoint = url + "/" + cfg.Topic
	}
	return &Notifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		loc:      loc,
		now:      time.Now,
		log:      log.With().Str("component", "notifier").Logger(),
		queue:    make(chan Message, 256),
	}
}

// Enabled reports whether a topic is configured
func (n *Notifier) Enabled() bool {
	return n.endpoint != ""
}

// Subscribe routes account completions on bus into notifications
func (n *Notifier) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(events.AccountExecutionCompleted, func(e events.Event) {
		data, ok := e.Data.(*events.AccountExecutionCompletedData)
		if !ok {
			return
		}
		for _, msg := range FormatAccountResult(data, n.now().In(n.loc)) {
			n.Enqueue(msg)
		}
	})
}

// Enqueue schedules msg for delivery, dropping it when the queue is full
func (n *Notifier) Enqueue(msg Message) {
	if !n.Enabled() {
		return
	}
	select {
	case n.queue <- msg:
	default:
		n.log.Warn().Str("title", msg.Title).Msg("Notification queue full, dropping message")
	}
}

// Start launches the delivery worker
func (n *Notifier) Start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for msg := range n.queue {
			ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
			if err := n.Send(ctx, msg); err != nil {
				n.log.Error().Err(err).Str("title", msg.Title).Msg("Failed to send notification")
			}
			cancel()
		}
	}()
}

// Stop delivers queued messages and stops the worker
func (n *Notifier) Stop() {
	n.once.Do(func() { close(n.queue) })
	n.wg.Wait()
}

// Send posts msg to the topic and waits for the response
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	if !n.Enabled() {
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewBufferString(msg.Body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Title", msg.Title)
	priority := msg.Priority
	if priority == "" {
		priority = "default"
	}
	req.Header.Set("Priority", priority)
	if len(msg.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.Tags, ","))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ntfy returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	n.log.Debug().Str("title", msg.Title).Msg("Notification sent")
	return nil
}
