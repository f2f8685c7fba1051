// Package quota implements the Quota Counter (spec.md §4.4): daily and
// monthly request counters per key with UTC calendar boundaries.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/wisbric/gateway/internal/kv"
)

// Period identifies which counter a quota check concerns.
type Period string

const (
	Daily   Period = "day"
	Monthly Period = "mon"
)

// Counter tracks daily/monthly admitted-request counts per key.
type Counter struct {
	store kv.Store
}

// New creates a Counter backed by store.
func New(store kv.Store) *Counter {
	return &Counter{store: store}
}

// Result is the outcome of an Increment call for a single period.
type Result struct {
	Period   Period
	Count    int64
	Limit    int64 // 0 means unlimited
	Exceeded bool
}

// Increment increments the day and month counters for key and reports
// whether either now exceeds its configured limit (0 = unlimited). Per
// spec.md §9(c), the check is post-increment: a request is reported
// Exceeded when its own increment takes the count above the limit, so at
// most limit requests per period are within quota (with limit 2, the 3rd
// is Exceeded). Exceeded requests still increment the counter.
func (c *Counter) Increment(ctx context.Context, key string, dailyLimit, monthlyLimit int64) ([]Result, error) {
	now := time.Now().UTC()

	dayKey := fmt.Sprintf("quota:day:%s:%s", key, now.Format("20060102"))
	dayCount, err := c.incrWithCalendarTTL(ctx, dayKey, endOfDay(now))
	if err != nil {
		return nil, fmt.Errorf("incrementing daily quota: %w", err)
	}

	monKey := fmt.Sprintf("quota:mon:%s:%s", key, now.Format("200601"))
	monCount, err := c.incrWithCalendarTTL(ctx, monKey, endOfMonth(now))
	if err != nil {
		return nil, fmt.Errorf("incrementing monthly quota: %w", err)
	}

	return []Result{
		{Period: Daily, Count: dayCount, Limit: dailyLimit, Exceeded: dailyLimit > 0 && dayCount > dailyLimit},
		{Period: Monthly, Count: monCount, Limit: monthlyLimit, Exceeded: monthlyLimit > 0 && monCount > monthlyLimit},
	}, nil
}

func (c *Counter) incrWithCalendarTTL(ctx context.Context, key string, periodEnd time.Time) (int64, error) {
	count, err := c.store.Incr(ctx, key, 1)
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if ttl := time.Until(periodEnd); ttl > 0 {
			_ = c.store.Expire(ctx, key, ttl)
		}
	}
	return count, nil
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC).Add(time.Second)
}

func endOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}
