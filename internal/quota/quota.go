// Package quota enforces the per-member daily budget for on-demand
// analysis calls with a self-expiring Redis counter.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/Kyeong6/EATceed-AI/internal/apperr"
)

// Tracker counts calls per member per local day. The counter key embeds the
// day and additionally expires at the next local midnight, so reset needs
// no cleanup job.
type Tracker struct {
	rdb   redis.Cmdable
	limit int
	loc   *time.Location
	now   func() time.Time
}

// New creates a Tracker. tz is the IANA zone whose midnight resets the
// budget.
func New(rdb redis.Cmdable, limit int, tz string) (*Tracker, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, eris.Wrapf(err, "quota: load timezone %s", tz)
	}
	return &Tracker{rdb: rdb, limit: limit, loc: loc, now: time.Now}, nil
}

// WithNow fixes the clock; used by tests.
func (t *Tracker) WithNow(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) key(memberID int64) string {
	day := t.now().In(t.loc).Format("2006-01-02")
	return fmt.Sprintf("rate_limit:%d:%s", memberID, day)
}

func (t *Tracker) nextMidnight() time.Time {
	now := t.now().In(t.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, t.loc).AddDate(0, 0, 1)
}

// CheckAndIncrement consumes one unit of the member's daily budget and
// returns the remaining count. Over the cap it returns a QuotaExceededError
// and leaves the counter at the cap; remaining never goes negative.
// Concurrent calls are safe: INCR is atomic and an over-cap increment is
// compensated with a DECR.
func (t *Tracker) CheckAndIncrement(ctx context.Context, memberID int64) (int, error) {
	key := t.key(memberID)

	count, err := t.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, eris.Wrap(err, "quota: incr")
	}

	if count == 1 {
		if err := t.rdb.ExpireAt(ctx, key, t.nextMidnight()).Err(); err != nil {
			return 0, eris.Wrap(err, "quota: set expiry")
		}
	}

	if count > int64(t.limit) {
		// Roll back the rejected increment so Peek stays accurate.
		if err := t.rdb.Decr(ctx, key).Err(); err != nil {
			return 0, eris.Wrap(err, "quota: decr")
		}
		return 0, &apperr.QuotaExceededError{MemberID: memberID, Remaining: 0}
	}

	return t.limit - int(count), nil
}

// Refund returns one unit consumed by CheckAndIncrement whose downstream
// call failed, so only successful calls count against the daily budget.
func (t *Tracker) Refund(ctx context.Context, memberID int64) error {
	key := t.key(memberID)

	count, err := t.rdb.Decr(ctx, key).Result()
	if err != nil {
		return eris.Wrap(err, "quota: refund")
	}
	if count < 0 {
		// The counter expired between consume and refund; put it back at
		// zero so the fresh day starts clean.
		if err := t.rdb.Incr(ctx, key).Err(); err != nil {
			return eris.Wrap(err, "quota: refund floor")
		}
	}
	return nil
}

// Peek returns the member's remaining budget without consuming any of it.
func (t *Tracker) Peek(ctx context.Context, memberID int64) (int, error) {
	count, err := t.rdb.Get(ctx, t.key(memberID)).Int()
	if err == redis.Nil {
		return t.limit, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "quota: get")
	}

	remaining := t.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
