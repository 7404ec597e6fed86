// Package ledger is the durable vote log. A vote is identified by its
// (session, option, participant) triple and toggles on every cast.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	cvdb "github.com/zulandar/converge/internal/db"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/syncerr"
	"gorm.io/gorm"
)

// maxToggleAttempts bounds re-reads after losing a race on the same triple.
const maxToggleAttempts = 5

// Result reports the outcome of a toggle.
type Result struct {
	Applied string // models.VoteAdded or models.VoteRemoved
	Event   models.VoteEvent
}

// Added reports whether the toggle created the vote.
func (r *Result) Added() bool { return r.Applied == models.VoteAdded }

// CastVote toggles the vote for the triple: it deletes the row if one exists
// and inserts it otherwise. The delete is atomic per row and the insert is
// guarded by the unique triple index, so two racing casts never both insert.
// The loser of an insert race sees gorm.ErrDuplicatedKey, re-reads, and
// removes the row the winner created.
func CastVote(ctx context.Context, db *gorm.DB, sessionID, optionID, participantID string) (*Result, error) {
	if err := validateTriple(sessionID, optionID, participantID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxToggleAttempts; attempt++ {
		res, err := toggle(ctx, db, sessionID, optionID, participantID)
		if err == nil {
			return res, nil
		}
		if !lostRace(err) {
			return nil, storeErr("cast vote", err)
		}
	}
	return nil, fmt.Errorf("ledger: cast vote %s/%s/%s: %w", sessionID, optionID, participantID, syncerr.ErrConflictOnToggle)
}

func toggle(ctx context.Context, db *gorm.DB, sessionID, optionID, participantID string) (*Result, error) {
	var res Result
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		del := tx.Where("session_id = ? AND option_id = ? AND participant_id = ?",
			sessionID, optionID, participantID).Delete(&models.Vote{})
		if del.Error != nil {
			return del.Error
		}

		action := models.VoteRemoved
		if del.RowsAffected == 0 {
			action = models.VoteAdded
			vote := models.Vote{
				SessionID:     sessionID,
				OptionID:      optionID,
				ParticipantID: participantID,
				Weight:        1,
				CreatedAt:     now,
			}
			if err := tx.Create(&vote).Error; err != nil {
				return err
			}
		}

		res.Applied = action
		res.Event = models.VoteEvent{
			SessionID:     sessionID,
			OptionID:      optionID,
			ParticipantID: participantID,
			Action:        action,
			CreatedAt:     now,
		}
		if err := tx.Create(&res.Event).Error; err != nil {
			return err
		}
		return cvdb.TouchSession(tx, sessionID, now)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListVotes returns every current vote in a session in insertion order.
func ListVotes(ctx context.Context, db *gorm.DB, sessionID string) ([]models.Vote, error) {
	if err := syncerr.CheckID("session", sessionID); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	var votes []models.Vote
	if err := db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("id ASC").Find(&votes).Error; err != nil {
		return nil, storeErr("list votes "+sessionID, err)
	}
	return votes, nil
}

// History returns the most recent applied toggles for a session, oldest first.
func History(ctx context.Context, db *gorm.DB, sessionID string, limit int) ([]models.VoteEvent, error) {
	if err := syncerr.CheckID("session", sessionID); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var events []models.VoteEvent
	if err := db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, storeErr("history "+sessionID, err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Mark is the newest vote event recorded for one (option, participant)
// pair. Toggles on one pair serialize on its row, so their event IDs grow
// in commit order.
type Mark struct {
	OptionID      string `json:"option"`
	ParticipantID string `json:"participant"`
	EventID       uint   `json:"event"`
}

// LastEvents returns the newest event ID of every pair that was ever
// toggled in a session.
func LastEvents(ctx context.Context, db *gorm.DB, sessionID string) ([]Mark, error) {
	if err := syncerr.CheckID("session", sessionID); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	var marks []Mark
	if err := db.WithContext(ctx).Model(&models.VoteEvent{}).
		Select("option_id, participant_id, MAX(id) AS event_id").
		Where("session_id = ?", sessionID).
		Group("option_id, participant_id").
		Order("option_id ASC, participant_id ASC").
		Scan(&marks).Error; err != nil {
		return nil, storeErr("last events "+sessionID, err)
	}
	return marks, nil
}

// SessionsSince returns the sessions that saw at least one toggle at or after since.
func SessionsSince(ctx context.Context, db *gorm.DB, since time.Time) ([]string, error) {
	var ids []string
	if err := db.WithContext(ctx).Model(&models.VoteEvent{}).
		Where("created_at >= ?", since.UTC()).
		Distinct().
		Order("session_id ASC").
		Pluck("session_id", &ids).Error; err != nil {
		return nil, storeErr("sessions since", err)
	}
	return ids, nil
}

// lostRace reports whether err means a concurrent toggle on the same triple
// got there first: a unique-index violation, or an InnoDB deadlock between
// the two transactions' delete and insert.
func lostRace(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || cvdb.IsLockConflict(err)
}

func validateTriple(sessionID, optionID, participantID string) error {
	if err := syncerr.CheckID("session", sessionID); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := syncerr.CheckID("option", optionID); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := syncerr.CheckID("participant", participantID); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

// storeErr wraps a driver failure as retryable, leaving cancellations alone.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	return fmt.Errorf("ledger: %w", syncerr.Unavailable(op, err))
}
