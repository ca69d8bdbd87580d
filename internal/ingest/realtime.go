package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	writeWait         = 10 * time.Second
	dialTimeout       = 30 * time.Second
	baseReconnect     = 5 * time.Second
	maxReconnectDelay = 5 * time.Minute
)

// RealtimeConfig configures the strategy event subscriber
type RealtimeConfig struct {
	URL    string
	APIKey string
}

// subscribeMessage asks the feed for the events of the listed strategies
type subscribeMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// envelope is one message of the feed. Data is either an object or a JSON
// document encoded as a string.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Subscriber listens to one channel per strategy on the realtime feed and
// reconnects with exponential backoff until stopped
type Subscriber struct {
	cfg        RealtimeConfig
	strategies []string
	parser     *Parser
	handler    Handler
	httpClient *http.Client
	baseDelay  time.Duration
	maxDelay   time.Duration
	connected  atomic.Bool
	received   atomic.Int64
	log        zerolog.Logger
}

// NewSubscriber creates a realtime subscriber for strategies
func NewSubscriber(cfg RealtimeConfig, strategies []string, parser *Parser, handler Handler, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		cfg:        cfg,
		strategies: append([]string(nil), strategies...),
		parser:     parser,
		handler:    handler,
		httpClient: &http.Client{},
		baseDelay:  baseReconnect,
		maxDelay:   maxReconnectDelay,
		log:        log.With().Str("component", "realtime_subscriber").Logger(),
	}
}

// Connected reports whether the feed connection is up
func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Received returns how many strategy events were accepted
func (s *Subscriber) Received() int64 {
	return s.received.Load()
}

// Run keeps a subscription open until ctx is cancelled
func (s *Subscriber) Run(ctx context.Context) error {
	if len(s.strategies) == 0 {
		s.log.Warn().Msg("No strategies configured for event subscription")
		return nil
	}

	attempt := 0
	for {
		started := time.Now()
		err := s.session(ctx)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}

		// A session that stayed up for a while resets the backoff
		if time.Since(started) > s.maxDelay {
			attempt = 0
		}
		attempt++
		delay := s.backoff(attempt)
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Realtime connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Subscriber) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(s.baseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > s.maxDelay || delay <= 0 {
		return s.maxDelay
	}
	return delay
}

// session dials, subscribes and reads until the connection fails
func (s *Subscriber) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("x-api-key", s.cfg.APIKey)
	}
	conn, _, err := websocket.Dial(dialCtx, s.cfg.URL, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("failed to dial realtime feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := s.subscribe(ctx, conn); err != nil {
		return err
	}
	s.connected.Store(true)
	s.log.Info().Strs("strategies", s.strategies).Msg("Subscribed to strategy events")

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return fmt.Errorf("feed closed the connection (%d)", status)
			}
			return fmt.Errorf("failed to read from realtime feed: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		if err := s.handleMessage(ctx, data); err != nil {
			s.log.Error().Err(err).Str("message", string(data)).Msg("Failed to handle strategy event")
		}
	}
}

func (s *Subscriber) subscribe(ctx context.Context, conn *websocket.Conn) error {
	data, err := json.Marshal(subscribeMessage{Action: "subscribe", Channels: s.strategies})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription message: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription message: %w", err)
	}
	return nil
}

func (s *Subscriber) handleMessage(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to parse envelope: %w", err)
	}
	if env.Channel == "" || len(env.Data) == 0 {
		// Acknowledgements and heartbeats
		return nil
	}
	if !s.subscribed(env.Channel) {
		s.log.Debug().Str("channel", env.Channel).Msg("Ignoring event for unsubscribed channel")
		return nil
	}

	payload := []byte(env.Data)
	var encoded string
	if err := json.Unmarshal(env.Data, &encoded); err == nil {
		payload = []byte(encoded)
	}

	cmd, err := s.parser.ParseStrategyEvent(env.Channel, payload, "realtime")
	if err != nil {
		return err
	}

	s.received.Add(1)
	s.log.Info().Str("strategy", cmd.StrategyName).Str("exec", string(cmd.ExecKind)).Msg("Strategy event received")
	s.handler(ctx, cmd)
	return nil
}

func (s *Subscriber) subscribed(channel string) bool {
	for _, st := range s.strategies {
		if st == channel {
			return true
		}
	}
	return false
}
