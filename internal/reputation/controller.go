package reputation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	outcomeWindow = 24 * time.Hour
	attemptWindow = time.Minute
)

// Decision is the result of a send admission check.
type Decision struct {
	Allowed bool
	Reason  string
	Score   Score
}

// Controller maintains one rolling outcome window per sending identity and
// self-throttles sends against the ceiling the current score allows.
type Controller struct {
	client *redis.Client
	log    *logger.Logger
}

// NewController creates a Controller backed by the given cache client.
func NewController(client *redis.Client, log *logger.Logger) *Controller {
	return &Controller{client: client, log: log}
}

func outcomeKey(identity string) string {
	return "rep:outcomes:" + identity
}

func attemptKey(identity string, now time.Time) string {
	return fmt.Sprintf("rep:attempts:%s:%d", identity, now.Unix()/60)
}

// RecordOutcome appends one outcome to the identity's 24h window. Entries
// are append-only and expire with the window; they are never mutated.
func (c *Controller) RecordOutcome(ctx context.Context, identity string, outcome Outcome) {
	now := time.Now()
	key := outcomeKey(identity)

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: string(outcome) + ":" + uuid.NewString(),
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprint(now.Add(-outcomeWindow).UnixNano()))
	pipe.Expire(ctx, key, outcomeWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.CacheDegraded("reputation", "record_outcome", err)
	}
}

// CurrentScore re-derives the identity's score from the live window.
func (c *Controller) CurrentScore(ctx context.Context, identity string) (Score, error) {
	now := time.Now()
	key := outcomeKey(identity)

	members, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprint(now.Add(-outcomeWindow).UnixNano()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return Score{}, err
	}

	var counts WindowCounts
	for _, m := range members {
		category, _, _ := strings.Cut(m, ":")
		switch Outcome(category) {
		case OutcomeDelivered:
			counts.Delivered++
		case OutcomeFailed:
			counts.Failed++
		case OutcomeFiltered:
			counts.Filtered++
		case OutcomeInvalid:
			counts.Invalid++
		}
	}

	return Compute(counts), nil
}

// CheckSendAllowed re-derives the score and admits the send only if the
// attempt count in the current one-minute window stays within the score's
// ceiling. The attempt is recorded as part of admission; there is no
// separate increment step. Fails open on cache errors.
func (c *Controller) CheckSendAllowed(ctx context.Context, identity string) Decision {
	score, err := c.CurrentScore(ctx, identity)
	if err != nil {
		c.log.CacheDegraded("reputation", "check_send", err)
		return Decision{Allowed: true, Reason: "degraded", Score: scoreFor(100)}
	}

	now := time.Now()
	key := attemptKey(identity, now)

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		c.log.CacheDegraded("reputation", "check_send", err)
		return Decision{Allowed: true, Reason: "degraded", Score: score}
	}
	c.client.Expire(ctx, key, 2*attemptWindow)

	if count > int64(score.PerMinuteCeiling) {
		// Withdraw the attempt so a denied send does not consume a slot.
		c.client.Decr(ctx, key)
		c.log.SendDenied(identity, fmt.Sprintf("reputation ceiling %d/min at level %s", score.PerMinuteCeiling, score.Level))
		return Decision{Allowed: false, Reason: "reputation_ceiling", Score: score}
	}

	return Decision{Allowed: true, Score: score}
}
