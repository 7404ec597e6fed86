package db

import (
	"fmt"
	"time"

	"github.com/zulandar/converge/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.Vote{},
		&models.VoteEvent{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// TouchSession records activity on a session, creating its row on first use.
func TouchSession(db *gorm.DB, sessionID string, at time.Time) error {
	s := models.Session{ID: sessionID, CreatedAt: at, LastActivityAt: at}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_activity_at"}),
	}).Create(&s)
	if result.Error != nil {
		return fmt.Errorf("db: touch session %q: %w", sessionID, result.Error)
	}
	return nil
}

// NextMessageSeq records activity on a session and reserves its next
// message ID. Call it inside the transaction that inserts the message: the
// increment holds the session row's write lock until that transaction
// ends, so a session's messages commit in ID order.
func NextMessageSeq(tx *gorm.DB, sessionID string, at time.Time) (uint, error) {
	if err := TouchSession(tx, sessionID, at); err != nil {
		return 0, err
	}
	if err := tx.Model(&models.Session{}).Where("id = ?", sessionID).
		UpdateColumn("last_seq", gorm.Expr("last_seq + 1")).Error; err != nil {
		return 0, fmt.Errorf("db: reserve message seq %q: %w", sessionID, err)
	}
	var s models.Session
	if err := tx.Select("last_seq").Where("id = ?", sessionID).Take(&s).Error; err != nil {
		return 0, fmt.Errorf("db: read message seq %q: %w", sessionID, err)
	}
	return s.LastSeq, nil
}

// ListSessions returns sessions with activity at or after since, most
// recent first.
func ListSessions(db *gorm.DB, since time.Time, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var sessions []models.Session
	if err := db.Where("last_activity_at >= ?", since).
		Order("last_activity_at DESC").
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("db: list sessions: %w", err)
	}
	return sessions, nil
}
