package digest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/converge/internal/broadcast"
	cvdb "github.com/zulandar/converge/internal/db"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/session"
	"github.com/zulandar/converge/internal/tally"
)

func newTestService(t *testing.T) *session.Service {
	t.Helper()
	db, err := cvdb.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := cvdb.AutoMigrate(db); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	svc, err := session.NewService(session.ServiceOpts{DB: db, Hub: broadcast.NewHub(64)})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func newTestScheduler(t *testing.T, svc *session.Service) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerOpts{Service: svc, Cron: "0 * * * *"})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func systemMessages(t *testing.T, svc *session.Service, sessionID string) []string {
	t.Helper()
	msgs, err := svc.ListMessages(context.Background(), sessionID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	var out []string
	for _, m := range msgs {
		if m.Role == models.RoleSystem && m.Content != nil {
			out = append(out, *m.Content)
		}
	}
	return out
}

func TestNewScheduler_Validation(t *testing.T) {
	svc := newTestService(t)
	tests := []struct {
		name string
		opts SchedulerOpts
		want string
	}{
		{"no service", SchedulerOpts{Cron: "0 * * * *"}, "digest: service is required"},
		{"no cron", SchedulerOpts{Service: svc}, "digest: cron is required"},
		{"bad cron", SchedulerOpts{Service: svc, Cron: "every hour"}, `digest: invalid cron "every hour"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScheduler(tt.opts)
			if err == nil || !strings.HasPrefix(err.Error(), tt.want) {
				t.Errorf("err = %v, want prefix %q", err, tt.want)
			}
		})
	}

	s := newTestScheduler(t, svc)
	if s.window != DefaultWindow {
		t.Errorf("window = %v, want %v", s.window, DefaultWindow)
	}
}

func TestUntilNextTick(t *testing.T) {
	s := newTestScheduler(t, newTestService(t))
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.Local)
	s.now = func() time.Time { return now }
	if got := s.until(s.schedule.Next(now)); got != 30*time.Minute {
		t.Errorf("until next tick = %v, want 30m", got)
	}
	if got := s.until(now.Add(-time.Minute)); got != 0 {
		t.Errorf("until past = %v, want 0", got)
	}
}

func TestStandings(t *testing.T) {
	tests := []struct {
		name    string
		results []tally.Result
		want    string
	}{
		{"empty", nil, "Standings: No votes have been cast yet."},
		{"leader", []tally.Result{{ID: "a", Name: "Franklin", Votes: 2}, {ID: "b", Name: "Veracruz", Votes: 1}}, "Standings: Franklin (2), Veracruz (1)"},
		{"tie", []tally.Result{{ID: "a", Name: "Franklin", Votes: 1}, {ID: "b", Name: "Veracruz", Votes: 1}}, "Standings: Franklin (1), Veracruz (1) (2-way tie for first)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Standings(tt.results); got != tt.want {
				t.Errorf("Standings = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFire_PostsToActiveSessions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, _, err := svc.ProposeOptions(ctx, "s1", "", []models.Option{{ID: "biz_1", Name: "Franklin Barbecue"}}); err != nil {
		t.Fatalf("ProposeOptions: %v", err)
	}
	if _, err := svc.CastVote(ctx, "s1", "biz_1", "alice"); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if _, err := svc.CastVote(ctx, "s2", "biz_9", "bob"); err != nil {
		t.Fatalf("CastVote: %v", err)
	}

	s := newTestScheduler(t, svc)
	n, err := s.Fire(ctx)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if n != 2 {
		t.Errorf("posted = %d, want 2", n)
	}
	if got := systemMessages(t, svc, "s1"); len(got) != 1 || got[0] != "Standings: Franklin Barbecue (1)" {
		t.Errorf("s1 digest = %q", got)
	}
	if got := systemMessages(t, svc, "s2"); len(got) != 1 || got[0] != "Standings: "+tally.UnknownOption+" (1)" {
		t.Errorf("s2 digest = %q", got)
	}
}

func TestFire_SkipsUnchangedStandings(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CastVote(ctx, "s1", "biz_1", "alice"); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	s := newTestScheduler(t, svc)
	if n, _ := s.Fire(ctx); n != 1 {
		t.Fatalf("first fire posted %d, want 1", n)
	}
	if n, _ := s.Fire(ctx); n != 0 {
		t.Errorf("unchanged fire posted %d, want 0", n)
	}

	if _, err := svc.CastVote(ctx, "s1", "biz_1", "bob"); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if n, _ := s.Fire(ctx); n != 1 {
		t.Errorf("changed fire posted %d, want 1", n)
	}
	if got := systemMessages(t, svc, "s1"); len(got) != 2 {
		t.Errorf("digests = %q, want 2", got)
	}
}

func TestFire_UnchangedAcrossSchedulers(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CastVote(ctx, "s1", "biz_1", "alice"); err != nil {
		t.Fatalf("CastVote: %v", err)
	}

	// Two servers sharing one store post the same standings once.
	if n, _ := newTestScheduler(t, svc).Fire(ctx); n != 1 {
		t.Fatalf("first server posted %d, want 1", n)
	}
	if n, _ := newTestScheduler(t, svc).Fire(ctx); n != 0 {
		t.Errorf("second server posted %d, want 0", n)
	}
}

// fakeLease grants each key to the first caller.
type fakeLease struct {
	mu    sync.Mutex
	taken map[string]bool
	err   error
	ttls  []time.Duration
}

func (f *fakeLease) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls = append(f.ttls, ttl)
	if f.err != nil {
		return false, f.err
	}
	if f.taken == nil {
		f.taken = make(map[string]bool)
	}
	if f.taken[key] {
		return false, nil
	}
	f.taken[key] = true
	return true, nil
}

func TestFireTick_Lease(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CastVote(ctx, "s1", "biz_1", "alice"); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	lease := &fakeLease{}
	newSched := func() *Scheduler {
		s, err := NewScheduler(SchedulerOpts{Service: svc, Cron: "0 * * * *", Lease: lease})
		if err != nil {
			t.Fatalf("NewScheduler: %v", err)
		}
		return s
	}
	a, b := newSched(), newSched()
	tick := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

	if n, err := b.fireTick(ctx, tick); err != nil || n != 1 {
		t.Fatalf("lease holder posted %d, %v; want 1", n, err)
	}
	if _, err := svc.CastVote(ctx, "s1", "biz_1", "bob"); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if n, _ := a.fireTick(ctx, tick); n != 0 {
		t.Errorf("second server posted %d for a taken tick, want 0", n)
	}
	if n, _ := a.fireTick(ctx, tick.Add(time.Hour)); n != 1 {
		t.Errorf("next tick posted %d, want 1", n)
	}
	if lease.ttls[0] != time.Hour {
		t.Errorf("lease ttl = %v, want the 1h gap to the next tick", lease.ttls[0])
	}

	// An unreachable lease does not silence the digest.
	lease.err = errors.New("redis down")
	if _, err := svc.CastVote(ctx, "s1", "biz_1", "carol"); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if n, _ := a.fireTick(ctx, tick.Add(2*time.Hour)); n != 1 {
		t.Errorf("posted %d with lease error, want 1", n)
	}
}

func TestRedisLease(t *testing.T) {
	if _, err := NewRedisLease(nil, "x:"); err == nil {
		t.Error("expected error for nil client")
	}

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	lease, err := NewRedisLease(client, "converge:")
	if err != nil {
		t.Fatalf("NewRedisLease: %v", err)
	}
	if got := lease.Key(tickKey(time.Unix(1700000000, 0))); got != "converge:digest:tick:1700000000" {
		t.Errorf("Key = %q", got)
	}
	won, err := lease.Acquire(context.Background(), "tick:1", time.Second)
	if err == nil || won {
		t.Errorf("Acquire on unreachable redis = %v, %v; want error", won, err)
	}
}

func TestFire_IgnoresQuietSessions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if _, err := svc.CastVote(ctx, "s1", "biz_1", "alice"); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	s := newTestScheduler(t, svc)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := s.Fire(ctx)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if n != 0 {
		t.Errorf("posted = %d, want 0", n)
	}
}

func TestFire_StoreUnavailable(t *testing.T) {
	svc := newTestService(t)
	sqlDB, err := svc.DB().DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	sqlDB.Close()

	s := newTestScheduler(t, svc)
	if _, err := s.Fire(context.Background()); err == nil {
		t.Error("expected error with closed store")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := newTestScheduler(t, newTestService(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
