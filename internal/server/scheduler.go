package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/reconly/reconly/internal/feed"
	"github.com/reconly/reconly/internal/store"
)

// Scheduler fires due feeds on a fixed tick. A redis SetNX lock keeps
// multiple replicas from running the same feed at once.
type Scheduler struct {
	Store  *store.Store
	Runner FeedRunner
	Rdb    *redis.Client
	Opts   feed.Options
	Logger *log.Logger

	Interval time.Duration
	stop     chan struct{}
}

func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if s.Interval <= 0 {
		s.Interval = time.Hour
	}
	s.stop = make(chan struct{})
	ticker := time.NewTicker(s.Interval)
	go func() {
		for {
			select {
			case <-s.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	if s.stop != nil {
		close(s.stop)
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	feeds, err := s.Store.ListFeeds(ctx)
	if err != nil {
		s.Logger.Printf("listing feeds: %v", err)
		return
	}
	for _, f := range feeds {
		if f.ScheduleCron == "" {
			continue
		}
		last := f.LastRunAt
		if last == nil {
			if t, ok, err := s.Store.LatestRunTime(ctx, f.ID); err == nil && ok {
				last = &t
			}
		}
		if !isDue(f.ScheduleCron, last) {
			continue
		}

		if s.Rdb != nil {
			lockKey := "sched:lock:" + f.ID
			ok, err := s.Rdb.SetNX(ctx, lockKey, "1", 10*time.Minute).Result()
			if err != nil || !ok {
				continue
			}
		}

		go func(feedID, name string) {
			// jitter against replica stampedes
			time.Sleep(time.Duration(250+time.Now().UnixNano()%250) * time.Millisecond)
			opts := s.Opts
			opts.Trigger = "scheduled"
			sum, err := s.Runner.RunFeed(ctx, feedID, opts)
			if err != nil {
				s.Logger.Printf("scheduled run of feed %q failed: %v", name, err)
				return
			}
			s.Logger.Printf("scheduled run of feed %q finished: status=%s items=%d", name, sum.Status, sum.ItemsProcessed)
		}(f.ID, f.Name)
	}
}

// isDue reports whether a schedule should fire now given the last run.
// Supports @daily, @hourly and 5-field cron expressions; an invalid
// expression degrades to @daily.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		return last == nil || now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		return last == nil || now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return last == nil || now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		return !expr.Next(*last).After(now)
	}
}
