package usage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goodtune/voicetime/internal/gateway"
	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/goodtune/voicetime/internal/storage"
	"github.com/rs/zerolog"
)

// RetryConfig bounds retries of failed accumulations
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// Pipeline feeds presence transitions through the tracker and accumulator,
// one user at a time in arrival order
type Pipeline struct {
	tracker     *Tracker
	accumulator *Accumulator
	dispatcher  *Dispatcher
	retry       RetryConfig
	logger      zerolog.Logger
}

// NewPipeline creates a pipeline. ctx bounds all accumulation work.
func NewPipeline(ctx context.Context, tracker *Tracker, accumulator *Accumulator, retry RetryConfig, logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		tracker:     tracker,
		accumulator: accumulator,
		retry:       retry,
		logger:      logger.With().Str("component", "pipeline").Logger(),
	}
	p.dispatcher = NewDispatcher(ctx, p.handle)
	return p
}

// Submit queues a transition.
func (p *Pipeline) Submit(ev gateway.PresenceTransition) error {
	return p.dispatcher.Submit(ev)
}

// Close waits for queued transitions to be processed.
func (p *Pipeline) Close() {
	p.dispatcher.Close()
}

func (p *Pipeline) handle(ctx context.Context, ev gateway.PresenceTransition) {
	for _, cs := range p.tracker.Handle(ev) {
		p.record(ctx, cs)
	}
}

func (p *Pipeline) record(ctx context.Context, cs ClosedSession) {
	attempts := 0
	op := func() error {
		attempts++
		err := p.accumulator.AccumulateSession(ctx, cs)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrRollupAborted):
			// Time is stored; the pass stays pending for the next check.
			metrics.AccumulationFailures.WithLabelValues("rollup").Inc()
			p.logger.Warn().Err(err).Str("user_id", cs.UserID).Msg("Session stored but rollup did not complete")
			return nil
		case storage.IsRetryable(err):
			p.logger.Debug().Err(err).Int("attempt", attempts).Str("user_id", cs.UserID).Msg("Retrying accumulation")
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(op, p.backoff(ctx)); err != nil {
		metrics.AccumulationFailures.WithLabelValues("upsert").Inc()
		p.logger.Error().Err(err).
			Str("user_id", cs.UserID).
			Str("channel_id", cs.ChannelID).
			Float64("seconds_lost", cs.Seconds).
			Int("attempts", attempts).
			Msg("Failed to accumulate session time")
	}
}

func (p *Pipeline) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.retry.InitialBackoff > 0 {
		b.InitialInterval = p.retry.InitialBackoff
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.retry.MaxRetries)), ctx)
}
