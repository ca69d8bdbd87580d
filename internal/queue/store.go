package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/domain"
)

const maxWatchRetries = 5

// Options configures a Store
type Options struct {
	Prefix string // Prepended to every key, for sharing a Redis database
}

// Store is the Redis trigger queue
type Store struct {
	client  redis.UniversalClient
	queue   string
	active  string
	delayed string
	now     func() time.Time
	log     zerolog.Logger
}

// NewStore creates a queue store
func NewStore(client redis.UniversalClient, opts Options, log zerolog.Logger) *Store {
	return &Store{
		client:  client,
		queue:   opts.Prefix + QueueKey,
		active:  opts.Prefix + ActiveSetKey,
		delayed: opts.Prefix + DelayedSetKey,
		now:     time.Now,
		log:     log.With().Str("component", "queue_store").Logger(),
	}
}

// ActiveSet returns the name of the active-key set
func (s *Store) ActiveSet() string {
	return s.active
}

// Enqueue queues cmd for account. The active-key check and the insert run in
// one transaction; a key that is already active returns an error wrapping
// domain.ErrDedupRejected.
func (s *Store) Enqueue(ctx context.Context, cmd domain.Command, account domain.AccountConfig) (*Record, error) {
	if cmd.AccountID == "" {
		return nil, domain.NewValidationError("account_id", "queued triggers target one account")
	}
	if !cmd.ExecKind.Valid() {
		return nil, domain.NewValidationError("exec", fmt.Sprintf("unknown exec kind %q", cmd.ExecKind))
	}

	now := s.now().UTC()
	rec := &Record{
		EventID:     uuid.NewString(),
		AccountID:   cmd.AccountID,
		Exec:        cmd.ExecKind,
		Source:      cmd.Source,
		TimesQueued: 1,
		CreatedAt:   now,
		ReceivedAt:  cmd.ReceivedAt,
		Data: EventData{
			StrategyName:       account.StrategyName,
			CashReservePercent: account.CashReservePercent,
			ReplacementSet:     account.ReplacementSet,
		},
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = now
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue record: %w", err)
	}
	key := rec.Key()

	txf := func(tx *redis.Tx) error {
		active, err := tx.SIsMember(ctx, s.active, key).Result()
		if err != nil {
			return err
		}
		if active {
			return fmt.Errorf("%w: %s", domain.ErrDedupRejected, key)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, s.active, key)
			pipe.LPush(ctx, s.queue, payload)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, txf, s.active)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		break
	}
	if err != nil {
		if errors.Is(err, domain.ErrDedupRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to enqueue %s: %w", key, err)
	}

	s.log.Info().Str("event_id", rec.EventID).Str("key", key).Msg("Trigger queued")
	return rec, nil
}

// Dequeue blocks up to timeout for the next record. It returns nil, nil when
// the queue stayed empty.
func (s *Store) Dequeue(ctx context.Context, timeout time.Duration) (*Record, error) {
	res, err := s.client.BRPop(ctx, timeout, s.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	// BRPOP returns [list, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	var rec Record
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode queue record: %w", err)
	}
	return &rec, nil
}

// Complete releases the active key of rec
func (s *Store) Complete(ctx context.Context, rec *Record) error {
	if err := s.client.SRem(ctx, s.active, rec.Key()).Err(); err != nil {
		return fmt.Errorf("failed to complete %s: %w", rec.Key(), err)
	}
	return nil
}

// Delay parks rec until the given time. The active key stays held so the
// account cannot be queued again meanwhile.
func (s *Store) Delay(ctx context.Context, rec *Record, until time.Time) error {
	delayed := *rec
	delayed.TimesQueued++
	u := until.UTC()
	delayed.DelayedUntil = &u

	payload, err := json.Marshal(&delayed)
	if err != nil {
		return fmt.Errorf("failed to marshal delayed record: %w", err)
	}
	if err := s.client.ZAdd(ctx, s.delayed, redis.Z{Score: float64(u.Unix()), Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("failed to delay %s: %w", rec.Key(), err)
	}
	s.log.Info().Str("key", rec.Key()).Time("until", u).Int("times_queued", delayed.TimesQueued).Msg("Trigger delayed")
	return nil
}

// PromoteDelayed moves records whose time has come back onto the queue
func (s *Store) PromoteDelayed(ctx context.Context) (int, error) {
	ready, err := s.client.ZRangeByScore(ctx, s.delayed, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(s.now().Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed records: %w", err)
	}
	if len(ready) == 0 {
		return 0, nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range ready {
			var rec Record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				s.log.Error().Err(err).Msg("Dropping undecodable delayed record")
				pipe.ZRem(ctx, s.delayed, raw)
				continue
			}
			rec.DelayedUntil = nil
			payload, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			pipe.LPush(ctx, s.queue, payload)
			pipe.SAdd(ctx, s.active, rec.Key())
			pipe.ZRem(ctx, s.delayed, raw)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed records: %w", err)
	}

	s.log.Info().Int("count", len(ready)).Msg("Promoted delayed triggers")
	return len(ready), nil
}

// RecoverStuck clears active keys left behind by a crash: keys with no record
// on the queue or in the delayed set
func (s *Store) RecoverStuck(ctx context.Context) (int, error) {
	active, err := s.client.SMembers(ctx, s.active).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list active keys: %w", err)
	}
	if len(active) == 0 {
		return 0, nil
	}

	queued, err := s.client.LRange(ctx, s.queue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list queued records: %w", err)
	}
	delayed, err := s.client.ZRange(ctx, s.delayed, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list delayed records: %w", err)
	}

	owned := make(map[string]bool, len(queued)+len(delayed))
	for _, raw := range append(queued, delayed...) {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			owned[rec.Key()] = true
		}
	}

	var stuck []interface{}
	for _, key := range active {
		if !owned[key] {
			stuck = append(stuck, key)
		}
	}
	if len(stuck) == 0 {
		return 0, nil
	}
	if err := s.client.SRem(ctx, s.active, stuck...).Err(); err != nil {
		return 0, fmt.Errorf("failed to clear stuck keys: %w", err)
	}

	s.log.Warn().Int("count", len(stuck)).Interface("keys", stuck).Msg("Cleared stuck active keys")
	return len(stuck), nil
}

// Stats returns the queue, active and delayed counts
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	pipe := s.client.Pipeline()
	queued := pipe.LLen(ctx, s.queue)
	active := pipe.SCard(ctx, s.active)
	delayed := pipe.ZCard(ctx, s.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return Stats{Queued: queued.Val(), Active: active.Val(), Delayed: delayed.Val()}, nil
}
