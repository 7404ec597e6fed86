// Package messaging is the append-only message log of a session.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	cvdb "github.com/zulandar/converge/internal/db"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/syncerr"
	"github.com/zulandar/converge/internal/tally"
	"gorm.io/gorm"
)

const (
	// MaxContentLen caps message text, in characters.
	MaxContentLen = 4000
	// DefaultListLimit and MaxListLimit bound ListSince pages.
	DefaultListLimit = 200
	MaxListLimit     = 1000

	// maxAppendAttempts bounds retries when concurrent appends deadlock on
	// a new session's row.
	maxAppendAttempts = 5
)

// contentPolicy strips all markup from participant-authored text.
var contentPolicy = bluemonday.StrictPolicy()

// AppendOpts describes a message to append.
type AppendOpts struct {
	SessionID string
	Role      string // "participant", "assistant", "system"
	SenderID  string // required for participants
	Content   string
	Payload   *models.Payload
	UID       string // optional client-generated UUID; makes the append idempotent
}

// AppendResult is the stored message. Duplicate is set when UID matched an
// existing message and nothing new was written.
type AppendResult struct {
	Message   *models.Message
	Duplicate bool
}

// Append validates and stores a message. The assigned ID is the message's
// sequence marker within its session; IDs commit in increasing order even
// when several servers append to the same session.
func Append(ctx context.Context, db *gorm.DB, opts AppendOpts) (*AppendResult, error) {
	msg, err := build(opts)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			seq, err := cvdb.NextMessageSeq(tx, msg.SessionID, msg.CreatedAt)
			if err != nil {
				return err
			}
			msg.ID = seq
			return tx.Create(msg).Error
		})
		if !cvdb.IsLockConflict(err) {
			break
		}
	}
	if err == nil {
		return &AppendResult{Message: msg}, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, storeErr("append", err)
	}

	var existing models.Message
	if err := db.WithContext(ctx).Where("uid = ?", msg.UID).First(&existing).Error; err != nil {
		return nil, storeErr("append: load duplicate "+msg.UID, err)
	}
	if existing.SessionID != msg.SessionID {
		return nil, fmt.Errorf("messaging: %w", syncerr.Invalid("uid", "already used in another session"))
	}
	return &AppendResult{Message: &existing, Duplicate: true}, nil
}

// build validates opts and returns the row to insert.
func build(opts AppendOpts) (*models.Message, error) {
	if err := syncerr.CheckID("session", opts.SessionID); err != nil {
		return nil, fmt.Errorf("messaging: %w", err)
	}
	switch opts.Role {
	case models.RoleParticipant, models.RoleAssistant, models.RoleSystem:
	case "":
		return nil, fmt.Errorf("messaging: %w", syncerr.Invalid("role", "is required"))
	default:
		return nil, fmt.Errorf("messaging: %w", syncerr.Invalid("role", fmt.Sprintf("%q is not one of participant, assistant, system", opts.Role)))
	}

	msg := &models.Message{
		SessionID: opts.SessionID,
		Role:      opts.Role,
		CreatedAt: time.Now().UTC(),
	}

	if opts.Role == models.RoleParticipant || opts.SenderID != "" {
		if err := syncerr.CheckID("sender", opts.SenderID); err != nil {
			return nil, fmt.Errorf("messaging: %w", err)
		}
		sender := opts.SenderID
		msg.SenderID = &sender
	}

	content := opts.Content
	if opts.Role == models.RoleParticipant {
		content = Sanitize(content)
	} else {
		content = strings.TrimSpace(content)
	}
	if utf8.RuneCountInString(content) > MaxContentLen {
		return nil, fmt.Errorf("messaging: %w", syncerr.Invalid("content", fmt.Sprintf("exceeds %d characters", MaxContentLen)))
	}
	if content != "" {
		msg.Content = &content
	}

	if opts.Payload != nil {
		if err := validatePayload(opts.Payload); err != nil {
			return nil, err
		}
		msg.Payload = opts.Payload
	}
	if msg.Content == nil && msg.Payload == nil {
		return nil, fmt.Errorf("messaging: %w", syncerr.Invalid("content", "is required when no payload is attached"))
	}

	if opts.UID == "" {
		msg.UID = uuid.NewString()
	} else {
		id, err := uuid.Parse(opts.UID)
		if err != nil {
			return nil, fmt.Errorf("messaging: %w", syncerr.Invalid("uid", "must be a UUID"))
		}
		msg.UID = id.String()
	}
	return msg, nil
}

func validatePayload(p *models.Payload) error {
	if p.Kind != models.PayloadProposal {
		return fmt.Errorf("messaging: %w", syncerr.Invalid("payload.kind", fmt.Sprintf("%q is not supported", p.Kind)))
	}
	if len(p.Options) == 0 {
		return fmt.Errorf("messaging: %w", syncerr.Invalid("payload.options", "must not be empty"))
	}
	for i, o := range p.Options {
		if err := syncerr.CheckID(fmt.Sprintf("payload.options[%d].id", i), o.ID); err != nil {
			return fmt.Errorf("messaging: %w", err)
		}
		if strings.TrimSpace(o.Name) == "" {
			return fmt.Errorf("messaging: %w", syncerr.Invalid(fmt.Sprintf("payload.options[%d].name", i), "is required"))
		}
	}
	return nil
}

// Sanitize strips markup from untrusted text and trims surrounding space.
func Sanitize(s string) string {
	return strings.TrimSpace(html.UnescapeString(contentPolicy.Sanitize(s)))
}

// ListSince returns up to limit messages with a sequence greater than
// cursor, in ascending order. A zero cursor starts from the beginning.
func ListSince(ctx context.Context, db *gorm.DB, sessionID string, cursor uint, limit int) ([]models.Message, error) {
	if err := syncerr.CheckID("session", sessionID); err != nil {
		return nil, fmt.Errorf("messaging: %w", err)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var msgs []models.Message
	if err := db.WithContext(ctx).
		Where("session_id = ? AND id > ?", sessionID, cursor).
		Order("id ASC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, storeErr("list "+sessionID, err)
	}
	return msgs, nil
}

// Latest returns the newest message in a session with the given role whose
// content starts with prefix, or nil when there is none.
func Latest(ctx context.Context, db *gorm.DB, sessionID, role, prefix string) (*models.Message, error) {
	if err := syncerr.CheckID("session", sessionID); err != nil {
		return nil, fmt.Errorf("messaging: %w", err)
	}
	var msgs []models.Message
	if err := db.WithContext(ctx).
		Where("session_id = ? AND role = ? AND content LIKE ?", sessionID, role, prefix+"%").
		Order("id DESC").Limit(1).Find(&msgs).Error; err != nil {
		return nil, storeErr("latest "+sessionID, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// ListAll pages through ListSince until the log is exhausted.
func ListAll(ctx context.Context, db *gorm.DB, sessionID string) ([]models.Message, error) {
	var all []models.Message
	var cursor uint
	for {
		page, err := ListSince(ctx, db, sessionID, cursor, MaxListLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < MaxListLimit {
			return all, nil
		}
		cursor = page[len(page)-1].ID
	}
}

// ProposeOptions appends an assistant message presenting options for a vote.
// Options repeated within the list are kept once. It returns the number of
// options accepted; an empty list appends nothing and returns 0.
func ProposeOptions(ctx context.Context, db *gorm.DB, sessionID, reasoning string, options []models.Option) (*AppendResult, int, error) {
	if err := syncerr.CheckID("session", sessionID); err != nil {
		return nil, 0, fmt.Errorf("messaging: %w", err)
	}
	if len(options) == 0 {
		return nil, 0, nil
	}

	seen := make(map[string]bool, len(options))
	accepted := make([]models.Option, 0, len(options))
	for _, o := range options {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		accepted = append(accepted, o)
	}

	res, err := Append(ctx, db, AppendOpts{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   reasoning,
		Payload: &models.Payload{
			Kind:      models.PayloadProposal,
			Reasoning: reasoning,
			Options:   accepted,
		},
	})
	if err != nil {
		return nil, 0, err
	}
	return res, len(accepted), nil
}

// Catalog collects the options introduced by proposal messages in a
// session. An option keeps the metadata of the proposal that first
// introduced it.
func Catalog(ctx context.Context, db *gorm.DB, sessionID string) (tally.Catalog, error) {
	if err := syncerr.CheckID("session", sessionID); err != nil {
		return nil, fmt.Errorf("messaging: %w", err)
	}
	var msgs []models.Message
	if err := db.WithContext(ctx).
		Where("session_id = ? AND payload IS NOT NULL", sessionID).
		Order("id ASC").Find(&msgs).Error; err != nil {
		return nil, storeErr("catalog "+sessionID, err)
	}
	return BuildCatalog(msgs), nil
}

// BuildCatalog folds proposal payloads, in order, into a catalog.
func BuildCatalog(msgs []models.Message) tally.Catalog {
	catalog := make(tally.Catalog)
	for i := range msgs {
		p := msgs[i].Proposal()
		if p == nil {
			continue
		}
		for _, o := range p.Options {
			if _, ok := catalog[o.ID]; !ok {
				catalog[o.ID] = o
			}
		}
	}
	return catalog
}

func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("messaging: %s: %w", op, err)
	}
	return fmt.Errorf("messaging: %w", syncerr.Unavailable(op, err))
}
