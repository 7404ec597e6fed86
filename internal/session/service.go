// Package session composes the vote ledger, the message log and the
// broadcast hub into the operations a client sees.
//
// Every write commits first and publishes second, under a lock scoped to
// what it mutates: the vote triple for toggles, the session for message
// appends. Publish order therefore equals commit order per key. Writes run
// detached from the caller's cancellation so a disconnecting client cannot
// abandon a committed mutation before it is published.
package session

import (
	"context"
	"fmt"
	"log"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zulandar/converge/internal/broadcast"
	"github.com/zulandar/converge/internal/ledger"
	"github.com/zulandar/converge/internal/messaging"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/tally"
	"gorm.io/gorm"
)

// DefaultCatalogCache is the number of session catalogs kept in memory.
const DefaultCatalogCache = 512

// ServiceOpts configures a Service.
type ServiceOpts struct {
	DB  *gorm.DB
	Hub *broadcast.Hub
	// Publisher receives committed events. Defaults to Hub; set it to a
	// RedisBridge to fan out across instances.
	Publisher    broadcast.Publisher
	CatalogCache int
}

// Service is the session-scoped API over the stores.
type Service struct {
	db       *gorm.DB
	hub      *broadcast.Hub
	pub      broadcast.Publisher
	locks    *keyedMutex
	catalogs *lru.Cache[string, tally.Catalog]
}

// NewService validates opts and returns a Service.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("session: db is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("session: hub is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = opts.Hub
	}
	if opts.CatalogCache <= 0 {
		opts.CatalogCache = DefaultCatalogCache
	}
	cache, err := lru.New[string, tally.Catalog](opts.CatalogCache)
	if err != nil {
		return nil, fmt.Errorf("session: catalog cache: %w", err)
	}
	return &Service{
		db:       opts.DB,
		hub:      opts.Hub,
		pub:      opts.Publisher,
		locks:    newKeyedMutex(),
		catalogs: cache,
	}, nil
}

// DB returns the underlying store handle.
func (s *Service) DB() *gorm.DB { return s.db }

// CastVote toggles a vote and publishes the applied change.
func (s *Service) CastVote(ctx context.Context, sessionID, optionID, participantID string) (*ledger.Result, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := s.locks.lock(strings.Join([]string{"vote", sessionID, optionID, participantID}, "\x00"))
	defer unlock()

	res, err := ledger.CastVote(ctx, s.db, sessionID, optionID, participantID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, broadcast.FromVote(res.Event))
	return res, nil
}

// Tally derives the current counts from the vote set.
func (s *Service) Tally(ctx context.Context, sessionID string) (tally.Tally, error) {
	votes, err := ledger.ListVotes(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	return tally.Compute(votes), nil
}

// Results joins the tally with the session's option catalog.
func (s *Service) Results(ctx context.Context, sessionID string) ([]tally.Result, error) {
	t, err := s.Tally(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	catalog, err := s.Catalog(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return tally.Results(t, catalog), nil
}

// ListVotes returns the session's current votes.
func (s *Service) ListVotes(ctx context.Context, sessionID string) ([]models.Vote, error) {
	return ledger.ListVotes(ctx, s.db, sessionID)
}

// History returns applied toggles, oldest first.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]models.VoteEvent, error) {
	return ledger.History(ctx, s.db, sessionID, limit)
}

// AppendMessage stores a message and publishes it. A duplicate UID returns
// the stored message without publishing again.
func (s *Service) AppendMessage(ctx context.Context, opts messaging.AppendOpts) (*messaging.AppendResult, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := s.locks.lock("message\x00" + opts.SessionID)
	defer unlock()

	res, err := messaging.Append(ctx, s.db, opts)
	if err != nil {
		return nil, err
	}
	s.afterAppend(ctx, res)
	return res, nil
}

// ProposeOptions appends an assistant proposal and returns how many options
// it carried.
func (s *Service) ProposeOptions(ctx context.Context, sessionID, reasoning string, options []models.Option) (*messaging.AppendResult, int, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := s.locks.lock("message\x00" + sessionID)
	defer unlock()

	res, n, err := messaging.ProposeOptions(ctx, s.db, sessionID, reasoning, options)
	if err != nil || res == nil {
		return res, n, err
	}
	s.afterAppend(ctx, res)
	return res, n, nil
}

func (s *Service) afterAppend(ctx context.Context, res *messaging.AppendResult) {
	if res.Duplicate {
		return
	}
	if res.Message.Proposal() != nil {
		s.catalogs.Remove(res.Message.SessionID)
	}
	s.publish(ctx, broadcast.FromMessage(res.Message))
}

// Observe applies an event committed by another instance to local caches.
func (s *Service) Observe(evt broadcast.Event) {
	if evt.Message != nil && evt.Message.Proposal() != nil {
		s.catalogs.Remove(evt.SessionID)
	}
}

// ListMessages returns messages after cursor, ascending.
func (s *Service) ListMessages(ctx context.Context, sessionID string, cursor uint, limit int) ([]models.Message, error) {
	return messaging.ListSince(ctx, s.db, sessionID, cursor, limit)
}

// Catalog returns the session's options, cached until the next proposal.
func (s *Service) Catalog(ctx context.Context, sessionID string) (tally.Catalog, error) {
	if c, ok := s.catalogs.Get(sessionID); ok {
		return c, nil
	}
	// Loading under the append lock keeps a concurrent proposal from being
	// cached over.
	unlock := s.locks.lock("message\x00" + sessionID)
	defer unlock()
	if c, ok := s.catalogs.Get(sessionID); ok {
		return c, nil
	}
	c, err := messaging.Catalog(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	s.catalogs.Add(sessionID, c)
	return c, nil
}

// Subscribe opens a live event stream for one session.
func (s *Service) Subscribe(sessionID string) (*broadcast.Subscription, error) {
	return s.hub.Subscribe(sessionID)
}

// SubscribeAll opens a live event stream across sessions.
func (s *Service) SubscribeAll() (*broadcast.Subscription, error) {
	return s.hub.SubscribeAll()
}

func (s *Service) publish(ctx context.Context, evt broadcast.Event) {
	if err := s.pub.Publish(ctx, evt); err != nil {
		log.Printf("session: publish %s: %v", evt.ID, err)
	}
}
