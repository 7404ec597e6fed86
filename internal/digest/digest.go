// Package digest posts periodic standings into active sessions.
//
// On every tick of a 5-field cron schedule, the Scheduler looks up the
// sessions that saw vote activity within the window and appends a system
// message with the current standings to each. Sessions whose standings have
// not changed since their last digest are skipped; the comparison reads the
// stored digest, so it holds across restarts and across servers. When
// several servers share a store, a Lease picks the one that posts each tick.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/converge/internal/ledger"
	"github.com/zulandar/converge/internal/messaging"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/session"
	"github.com/zulandar/converge/internal/tally"
)

// DefaultWindow is how far back Fire looks for vote activity.
const DefaultWindow = time.Hour

// StandingsPrefix starts every digest message.
const StandingsPrefix = "Standings: "

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// SchedulerOpts holds parameters for creating a Scheduler.
type SchedulerOpts struct {
	Service *session.Service
	Cron    string
	Window  time.Duration
	// Lease, when set, must be won before a scheduled tick posts anything.
	Lease Lease
}

// Scheduler fires standings digests on a cron schedule.
type Scheduler struct {
	svc      *session.Service
	schedule cron.Schedule
	window   time.Duration
	lease    Lease
	now      func() time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts SchedulerOpts) (*Scheduler, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("digest: service is required")
	}
	if opts.Cron == "" {
		return nil, fmt.Errorf("digest: cron is required")
	}
	sched, err := cronParser.Parse(opts.Cron)
	if err != nil {
		return nil, fmt.Errorf("digest: invalid cron %q: %w", opts.Cron, err)
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Scheduler{
		svc:      opts.Service,
		schedule: sched,
		window:   window,
		lease:    opts.Lease,
		now:      time.Now,
	}, nil
}

// Run fires a digest at every scheduled time until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := s.schedule.Next(s.now())
	timer := time.NewTimer(s.until(tick))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			n, err := s.fireTick(ctx, tick)
			if err != nil {
				log.Printf("digest: %v", err)
			}
			if n > 0 {
				log.Printf("digest: posted standings to %d session(s)", n)
			}
			tick = s.schedule.Next(s.now())
			timer.Reset(s.until(tick))
		}
	}
}

// until returns the time left before t, or zero once it has passed.
func (s *Scheduler) until(t time.Time) time.Duration {
	if d := t.Sub(s.now()); d > 0 {
		return d
	}
	return 0
}

// fireTick fires the digest for one scheduled time if this server holds
// the tick's lease. A lease that cannot be checked does not block the digest.
func (s *Scheduler) fireTick(ctx context.Context, tick time.Time) (int, error) {
	if s.lease != nil {
		ttl := s.schedule.Next(tick).Sub(tick)
		won, err := s.lease.Acquire(ctx, tickKey(tick), ttl)
		switch {
		case err != nil:
			log.Printf("digest: lease for %s: %v; firing anyway", tick.UTC().Format(time.RFC3339), err)
		case !won:
			return 0, nil
		}
	}
	return s.Fire(ctx)
}

// Fire posts standings to every session with vote activity in the window
// and returns how many digests were appended. A failure on one session does
// not stop the others.
func (s *Scheduler) Fire(ctx context.Context) (int, error) {
	ids, err := ledger.SessionsSince(ctx, s.svc.DB(), s.now().Add(-s.window))
	if err != nil {
		return 0, fmt.Errorf("digest: active sessions: %w", err)
	}
	var (
		posted int
		errs   []error
	)
	for _, id := range ids {
		ok, err := s.fireSession(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			posted++
		}
	}
	return posted, errors.Join(errs...)
}

func (s *Scheduler) fireSession(ctx context.Context, sessionID string) (bool, error) {
	results, err := s.svc.Results(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("digest: results for %s: %w", sessionID, err)
	}
	summary := Standings(results)

	prev, err := messaging.Latest(ctx, s.svc.DB(), sessionID, models.RoleSystem, StandingsPrefix)
	if err != nil {
		return false, fmt.Errorf("digest: last digest for %s: %w", sessionID, err)
	}
	if prev != nil && prev.Content != nil && *prev.Content == summary {
		return false, nil
	}

	if _, err := s.svc.AppendMessage(ctx, messaging.AppendOpts{
		SessionID: sessionID,
		Role:      models.RoleSystem,
		Content:   summary,
	}); err != nil {
		return false, fmt.Errorf("digest: append to %s: %w", sessionID, err)
	}
	return true, nil
}

// Standings renders the digest line for results, naming a tie at the top.
func Standings(results []tally.Result) string {
	line := StandingsPrefix + tally.Summary(results)
	if leaders := tally.Leaders(results); len(leaders) > 1 {
		line += fmt.Sprintf(" (%d-way tie for first)", len(leaders))
	}
	return line
}
