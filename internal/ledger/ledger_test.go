package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	cvdb "github.com/zulandar/converge/internal/db"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/syncerr"
	"gorm.io/gorm"
)

func openLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := cvdb.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := cvdb.AutoMigrate(db); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func countVotes(t *testing.T, db *gorm.DB, session, option, participant string) int64 {
	t.Helper()
	var n int64
	db.Model(&models.Vote{}).
		Where("session_id = ? AND option_id = ? AND participant_id = ?", session, option, participant).
		Count(&n)
	return n
}

// --- Validation ---

func TestCastVote_Validation(t *testing.T) {
	tests := []struct {
		name                         string
		session, option, participant string
		want                         string
	}{
		{"missing session", "", "biz_1", "alice", "ledger: session is required"},
		{"missing option", "s1", "", "alice", "ledger: option is required"},
		{"missing participant", "s1", "biz_1", "", "ledger: participant is required"},
		{"bad option", "s1", "biz 1", "alice", "ledger: option contains invalid characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A nil DB proves validation runs before any store access.
			_, err := CastVote(context.Background(), nil, tt.session, tt.option, tt.participant)
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Error() != tt.want {
				t.Errorf("error = %q, want %q", err.Error(), tt.want)
			}
			if !syncerr.IsValidation(err) {
				t.Error("expected validation error")
			}
		})
	}
}

func TestListVotes_MissingSession(t *testing.T) {
	_, err := ListVotes(context.Background(), nil, "")
	if err == nil || err.Error() != "ledger: session is required" {
		t.Errorf("error = %v", err)
	}
}

// --- Toggle semantics ---

func TestCastVote_TogglesParity(t *testing.T) {
	db := openLedgerTestDB(t)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		res, err := CastVote(ctx, db, "s1", "biz_1", "alice")
		if err != nil {
			t.Fatalf("cast %d: %v", i, err)
		}
		wantApplied := models.VoteAdded
		wantRows := int64(1)
		if i%2 == 0 {
			wantApplied = models.VoteRemoved
			wantRows = 0
		}
		if res.Applied != wantApplied {
			t.Errorf("cast %d: Applied = %q, want %q", i, res.Applied, wantApplied)
		}
		if got := countVotes(t, db, "s1", "biz_1", "alice"); got != wantRows {
			t.Errorf("cast %d: rows = %d, want %d", i, got, wantRows)
		}
	}
}

func TestCastVote_RecordsEventAndSession(t *testing.T) {
	db := openLedgerTestDB(t)
	ctx := context.Background()

	first, err := CastVote(ctx, db, "s1", "biz_1", "alice")
	if err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	second, err := CastVote(ctx, db, "s1", "biz_1", "alice")
	if err != nil {
		t.Fatalf("CastVote: %v", err)
	}

	if first.Event.ID == 0 || second.Event.ID <= first.Event.ID {
		t.Errorf("event IDs = %d, %d; want increasing", first.Event.ID, second.Event.ID)
	}
	if !first.Added() || second.Added() {
		t.Errorf("Added() = %v, %v; want true, false", first.Added(), second.Added())
	}

	var s models.Session
	if err := db.First(&s, "id = ?", "s1").Error; err != nil {
		t.Errorf("session row not created: %v", err)
	}
}

func TestCastVote_TriplesAreIndependent(t *testing.T) {
	db := openLedgerTestDB(t)
	ctx := context.Background()

	mustCast(t, db, "s1", "biz_1", "alice")
	mustCast(t, db, "s1", "biz_1", "bob")
	mustCast(t, db, "s1", "biz_2", "alice")
	mustCast(t, db, "s2", "biz_1", "alice")

	votes, err := ListVotes(ctx, db, "s1")
	if err != nil {
		t.Fatalf("ListVotes: %v", err)
	}
	if len(votes) != 3 {
		t.Fatalf("len(votes) = %d, want 3", len(votes))
	}
	got := make([]string, 0, len(votes))
	for _, v := range votes {
		got = append(got, v.OptionID+"/"+v.ParticipantID)
	}
	if strings.Join(got, ",") != "biz_1/alice,biz_1/bob,biz_2/alice" {
		t.Errorf("votes = %v", got)
	}
}

func TestCastVote_ConcurrentSameTriple(t *testing.T) {
	db := openLedgerTestDB(t)
	ctx := context.Background()

	const n = 21
	var wg sync.WaitGroup
	var added, removed atomic.Int32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := CastVote(ctx, db, "s1", "biz_1", "alice")
			if err != nil {
				errs <- err
				return
			}
			if res.Added() {
				added.Add(1)
			} else {
				removed.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("CastVote: %v", err)
	}

	if added.Load()-removed.Load() != 1 {
		t.Errorf("added=%d removed=%d, want difference of 1", added.Load(), removed.Load())
	}
	if got := countVotes(t, db, "s1", "biz_1", "alice"); got != 1 {
		t.Errorf("rows after %d toggles = %d, want 1", n, got)
	}
}

// injectRace registers a create hook that inserts the same vote inside the
// caller's transaction just before its own insert, emulating a concurrent
// writer that won the race. times < 0 fires on every insert.
func injectRace(t *testing.T, db *gorm.DB, times int32) *atomic.Int32 {
	t.Helper()
	var fired atomic.Int32
	err := db.Callback().Create().Before("gorm:create").Register("test:race", func(tx *gorm.DB) {
		v, ok := tx.Statement.Dest.(*models.Vote)
		if !ok {
			return
		}
		if times >= 0 && fired.Load() >= times {
			return
		}
		fired.Add(1)
		tx.Session(&gorm.Session{NewDB: true}).Exec(
			"INSERT INTO votes (session_id, option_id, participant_id, weight, created_at) VALUES (?, ?, ?, 1, ?)",
			v.SessionID, v.OptionID, v.ParticipantID, time.Now().UTC())
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
	return &fired
}

func TestCastVote_ConflictIsRetried(t *testing.T) {
	db := openLedgerTestDB(t)
	fired := injectRace(t, db, 1)

	res, err := CastVote(context.Background(), db, "s1", "biz_1", "alice")
	if err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if fired.Load() != 1 {
		t.Fatalf("race hook fired %d times, want 1", fired.Load())
	}
	// The losing attempt rolled back; the retry inserted cleanly.
	if res.Applied != models.VoteAdded {
		t.Errorf("Applied = %q, want %q", res.Applied, models.VoteAdded)
	}
	if got := countVotes(t, db, "s1", "biz_1", "alice"); got != 1 {
		t.Errorf("rows = %d, want 1", got)
	}
}

func TestCastVote_ConflictExhausted(t *testing.T) {
	db := openLedgerTestDB(t)
	injectRace(t, db, -1)

	_, err := CastVote(context.Background(), db, "s1", "biz_1", "alice")
	if !errors.Is(err, syncerr.ErrConflictOnToggle) {
		t.Fatalf("error = %v, want ErrConflictOnToggle", err)
	}
	if !syncerr.IsRetryable(err) {
		t.Error("exhausted conflict should be retryable")
	}
}

func TestCastVote_StoreUnavailable(t *testing.T) {
	db := openLedgerTestDB(t)
	sqlDB, _ := db.DB()
	sqlDB.Close()

	_, err := CastVote(context.Background(), db, "s1", "biz_1", "alice")
	if !errors.Is(err, syncerr.ErrStoreUnavailable) {
		t.Fatalf("error = %v, want ErrStoreUnavailable", err)
	}
	if !syncerr.IsRetryable(err) {
		t.Error("store errors should be retryable")
	}
}

func TestLostRace(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{gorm.ErrDuplicatedKey, true},
		{fmt.Errorf("wrap: %w", gorm.ErrDuplicatedKey), true},
		{&mysqldriver.MySQLError{Number: 1213, Message: "Deadlock found"}, true},
		{&mysqldriver.MySQLError{Number: 1205, Message: "Lock wait timeout"}, true},
		{&mysqldriver.MySQLError{Number: 1146, Message: "Table doesn't exist"}, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := lostRace(tt.err); got != tt.want {
			t.Errorf("lostRace(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// --- History ---

func TestHistory(t *testing.T) {
	db := openLedgerTestDB(t)
	mustCast(t, db, "s1", "biz_1", "alice")
	mustCast(t, db, "s1", "biz_1", "bob")
	mustCast(t, db, "s1", "biz_1", "alice")

	events, err := History(context.Background(), db, "s1", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].ParticipantID != "bob" || events[0].Action != models.VoteAdded {
		t.Errorf("events[0] = %+v, want bob added", events[0])
	}
	if events[1].ParticipantID != "alice" || events[1].Action != models.VoteRemoved {
		t.Errorf("events[1] = %+v, want alice removed", events[1])
	}
}

func TestSessionsSince(t *testing.T) {
	db := openLedgerTestDB(t)
	start := time.Now().UTC().Add(-time.Second)
	mustCast(t, db, "s2", "biz_1", "alice")
	mustCast(t, db, "s1", "biz_1", "alice")
	mustCast(t, db, "s1", "biz_2", "bob")

	ids, err := SessionsSince(context.Background(), db, start)
	if err != nil {
		t.Fatalf("SessionsSince: %v", err)
	}
	if strings.Join(ids, ",") != "s1,s2" {
		t.Errorf("ids = %v, want [s1 s2]", ids)
	}

	ids, err = SessionsSince(context.Background(), db, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("SessionsSince: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ids = %v, want none", ids)
	}
}

func TestLastEvents(t *testing.T) {
	db := openLedgerTestDB(t)
	mustCast(t, db, "s1", "biz_1", "alice")
	mustCast(t, db, "s1", "biz_1", "bob")
	removed := mustCast(t, db, "s1", "biz_1", "alice")
	other := mustCast(t, db, "s1", "biz_2", "alice")
	mustCast(t, db, "s2", "biz_1", "alice")

	marks, err := LastEvents(context.Background(), db, "s1")
	if err != nil {
		t.Fatalf("LastEvents: %v", err)
	}
	if len(marks) != 3 {
		t.Fatalf("len(marks) = %d, want 3: %+v", len(marks), marks)
	}
	want := Mark{OptionID: "biz_1", ParticipantID: "alice", EventID: removed.Event.ID}
	if marks[0] != want {
		t.Errorf("marks[0] = %+v, want %+v", marks[0], want)
	}
	if marks[1].ParticipantID != "bob" {
		t.Errorf("marks[1] = %+v, want bob", marks[1])
	}
	if marks[2].OptionID != "biz_2" || marks[2].EventID != other.Event.ID {
		t.Errorf("marks[2] = %+v, want biz_2 at %d", marks[2], other.Event.ID)
	}

	if _, err := LastEvents(context.Background(), nil, ""); err == nil || err.Error() != "ledger: session is required" {
		t.Errorf("missing session: err = %v", err)
	}
}

func mustCast(t *testing.T, db *gorm.DB, session, option, participant string) *Result {
	t.Helper()
	res, err := CastVote(context.Background(), db, session, option, participant)
	if err != nil {
		t.Fatalf("CastVote(%s,%s,%s): %v", session, option, participant, err)
	}
	return res
}
