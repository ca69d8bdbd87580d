package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/orchestrator"
)

// Dispatcher runs a command to completion. The queue already holds the
// command's key in the active set, so the dispatcher must not acquire it again.
type Dispatcher interface {
	DispatchHeld(ctx context.Context, cmd domain.Command) (*orchestrator.StrategyExecutionResult, error)
}

// ConsumerConfig tunes the consumer loop
type ConsumerConfig struct {
	Workers      int
	PopTimeout   time.Duration
	ErrorBackoff time.Duration
}

// DefaultConsumerConfig returns the production settings
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{Workers: 4, PopTimeout: 5 * time.Second, ErrorBackoff: 5 * time.Second}
}

// Consumer pops queued triggers and dispatches them
type Consumer struct {
	store      *Store
	dispatcher Dispatcher
	cfg        ConsumerConfig
	log        zerolog.Logger
}

// NewConsumer creates a queue consumer
func NewConsumer(store *Store, dispatcher Dispatcher, cfg ConsumerConfig, log zerolog.Logger) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = def.PopTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	return &Consumer{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log.With().Str("component", "queue_consumer").Logger(),
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight records
func (c *Consumer) Run(ctx context.Context) error {
	if n, err := c.store.RecoverStuck(ctx); err != nil {
		c.log.Error().Err(err).Msg("Failed to recover stuck events")
	} else if n > 0 {
		c.log.Info().Int("recovered", n).Msg("Recovered stuck events")
	}

	p := pool.New().WithMaxGoroutines(c.cfg.Workers)
	defer p.Wait()

	c.log.Info().Int("workers", c.cfg.Workers).Msg("Queue consumer started")
	for {
		if ctx.Err() != nil {
			c.log.Info().Msg("Queue consumer stopping")
			return nil
		}

		if _, err := c.store.PromoteDelayed(ctx); err != nil {
			c.log.Error().Err(err).Msg("Failed to promote delayed events")
		}

		rec, err := c.store.Dequeue(ctx, c.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("Failed to dequeue")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.ErrorBackoff):
			}
			continue
		}
		if rec == nil {
			continue
		}

		p.Go(func() { c.process(ctx, rec) })
	}
}

// process dispatches one record. PDT-blocked records are delayed to the next
// allowed time; everything else releases its key.
func (c *Consumer) process(ctx context.Context, rec *Record) {
	log := c.log.With().Str("event_id", rec.EventID).Str("key", rec.Key()).Int("times_queued", rec.TimesQueued).Logger()
	log.Info().Msg("Processing queued trigger")

	result, err := c.dispatcher.DispatchHeld(ctx, rec.Command())

	// Bookkeeping must survive shutdown of the consume loop
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		if errors.Is(err, domain.ErrDedupRejected) {
			log.Info().Msg("Trigger already running in this process")
		} else {
			log.Error().Err(err).Msg("Queued trigger failed")
		}
	} else if next := pdtRetry(result); next != nil {
		if err := c.store.Delay(bctx, rec, *next); err != nil {
			log.Error().Err(err).Msg("Failed to delay PDT-blocked trigger")
		} else {
			return
		}
	}

	if err := c.store.Complete(bctx, rec); err != nil {
		log.Error().Err(err).Msg("Failed to release active key")
	}
}

// pdtRetry returns the next allowed time when the only failure was a PDT block
func pdtRetry(result *orchestrator.StrategyExecutionResult) *time.Time {
	if result == nil || len(result.Results) != 1 {
		return nil
	}
	r := result.Results[0]
	if r.ErrorKind == "pdt_blocked" && r.NextAllowed != nil {
		return r.NextAllowed
	}
	return nil
}
