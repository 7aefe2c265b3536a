package reputation

import (
	"context"
	"fmt"
	"time"

	"leadflow_backend/platform/logger"

	"github.com/redis/go-redis/v9"
)

// EmailTier is the coarse throttle band for the email channel. Email health
// moves slowly, so bounded tiers over aggregate daily counters are enough;
// no per-event window is kept.
type EmailTier string

const (
	EmailTierNormal   EmailTier = "normal"
	EmailTierReduced  EmailTier = "reduced"
	EmailTierCritical EmailTier = "critical"
	EmailTierPaused   EmailTier = "paused"
)

// Multiplier returns the capacity factor for the tier. Paused means a full
// stop.
func (t EmailTier) Multiplier() float64 {
	switch t {
	case EmailTierNormal:
		return 1.0
	case EmailTierReduced:
		return 0.5
	case EmailTierCritical:
		return 0.2
	default:
		return 0
	}
}

// EmailCounts are the aggregate counters for one identity and day.
type EmailCounts struct {
	Sent       int64
	Bounced    int64
	Complained int64
}

// EmailMonitor tracks aggregate email counters per sending identity.
type EmailMonitor struct {
	client *redis.Client
	log    *logger.Logger
}

// NewEmailMonitor creates an EmailMonitor backed by the given cache client.
func NewEmailMonitor(client *redis.Client, log *logger.Logger) *EmailMonitor {
	return &EmailMonitor{client: client, log: log}
}

func emailKey(identity string, now time.Time) string {
	return fmt.Sprintf("rep:email:%s:%s", identity, now.Format("20060102"))
}

// RecordSent increments the sent counter.
func (m *EmailMonitor) RecordSent(ctx context.Context, identity string) {
	m.incr(ctx, identity, "sent")
}

// RecordBounce increments the bounce counter.
func (m *EmailMonitor) RecordBounce(ctx context.Context, identity string) {
	m.incr(ctx, identity, "bounced")
}

// RecordComplaint increments the complaint counter.
func (m *EmailMonitor) RecordComplaint(ctx context.Context, identity string) {
	m.incr(ctx, identity, "complained")
}

func (m *EmailMonitor) incr(ctx context.Context, identity, field string) {
	key := emailKey(identity, time.Now())
	pipe := m.client.TxPipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.CacheDegraded("reputation_email", "incr", err)
	}
}

// Tier derives today's throttle tier from the aggregate counters. Complaint
// rate dominates: past 0.1% the identity is paused outright. Fails open to
// the normal tier on cache errors.
func (m *EmailMonitor) Tier(ctx context.Context, identity string) EmailTier {
	counts, err := m.counts(ctx, identity)
	if err != nil {
		m.log.CacheDegraded("reputation_email", "tier", err)
		return EmailTierNormal
	}
	return tierFor(counts)
}

func (m *EmailMonitor) counts(ctx context.Context, identity string) (EmailCounts, error) {
	fields, err := m.client.HGetAll(ctx, emailKey(identity, time.Now())).Result()
	if err != nil {
		return EmailCounts{}, err
	}

	var counts EmailCounts
	fmt.Sscan(fields["sent"], &counts.Sent)
	fmt.Sscan(fields["bounced"], &counts.Bounced)
	fmt.Sscan(fields["complained"], &counts.Complained)
	return counts, nil
}

func tierFor(c EmailCounts) EmailTier {
	if c.Sent == 0 {
		return EmailTierNormal
	}

	bounceRate := float64(c.Bounced) / float64(c.Sent)
	complaintRate := float64(c.Complained) / float64(c.Sent)

	switch {
	case complaintRate > 0.001:
		return EmailTierPaused
	case bounceRate > 0.05:
		return EmailTierCritical
	case bounceRate > 0.02 || complaintRate > 0.0005:
		return EmailTierReduced
	default:
		return EmailTierNormal
	}
}
