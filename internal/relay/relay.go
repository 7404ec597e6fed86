package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/converge/internal/broadcast"
	"github.com/zulandar/converge/internal/session"
	"github.com/zulandar/converge/internal/syncerr"
	"github.com/zulandar/converge/internal/tally"
)

// DefaultResubscribeDelay is the pause before resubscribing after the relay
// fell behind the hub.
const DefaultResubscribeDelay = time.Second

// Opts holds parameters for creating a Relay.
type Opts struct {
	Service    *session.Service
	Announcers []Announcer
	Votes      bool // also announce vote toggles

	// Origin, when set, restricts the relay to events published by this
	// instance so a cluster sharing a Redis bridge posts each event once.
	Origin string

	ResubscribeDelay time.Duration
}

// Relay forwards session activity to chat announcers.
type Relay struct {
	svc        *session.Service
	announcers []Announcer
	votes      bool
	origin     string
	delay      time.Duration
}

// New creates a Relay.
func New(opts Opts) (*Relay, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("relay: service is required")
	}
	if len(opts.Announcers) == 0 {
		return nil, fmt.Errorf("relay: at least one announcer is required")
	}
	delay := opts.ResubscribeDelay
	if delay <= 0 {
		delay = DefaultResubscribeDelay
	}
	return &Relay{
		svc:        opts.Service,
		announcers: opts.Announcers,
		votes:      opts.Votes,
		origin:     opts.Origin,
		delay:      delay,
	}, nil
}

// Run connects the announcers and relays events until ctx is cancelled or
// the hub closes. A dropped subscription is logged and replaced; events
// missed in between are not announced.
func (r *Relay) Run(ctx context.Context) error {
	for _, a := range r.announcers {
		if err := a.Connect(ctx); err != nil {
			return fmt.Errorf("relay: connect: %w", err)
		}
	}
	defer func() {
		for _, a := range r.announcers {
			if err := a.Close(); err != nil {
				log.Printf("relay: close announcer: %v", err)
			}
		}
	}()

	for {
		sub, err := r.svc.SubscribeAll()
		if errors.Is(err, broadcast.ErrHubClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("relay: subscribe: %w", err)
		}
		err = r.consume(ctx, sub)
		sub.Close()
		switch {
		case ctx.Err() != nil, errors.Is(err, broadcast.ErrHubClosed):
			return nil
		case !errors.Is(err, syncerr.ErrSubscriptionDropped):
			return fmt.Errorf("relay: %w", err)
		}
		log.Printf("relay: fell behind the hub, resubscribing in %v", r.delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.delay):
		}
	}
}

func (r *Relay) consume(ctx context.Context, sub *broadcast.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.C():
			if !ok {
				return sub.Err()
			}
			r.handle(ctx, evt)
		}
	}
}

func (r *Relay) handle(ctx context.Context, evt broadcast.Event) {
	if r.origin != "" && evt.Origin != "" && evt.Origin != r.origin {
		return
	}
	ann, ok := r.format(ctx, evt)
	if !ok {
		return
	}
	for _, a := range r.announcers {
		if err := a.Announce(ctx, ann); err != nil {
			log.Printf("relay: announce %s: %v", evt.ID, err)
		}
	}
}

func (r *Relay) format(ctx context.Context, evt broadcast.Event) (Announcement, bool) {
	if !evt.IsVote() {
		return FormatMessage(evt.Message)
	}
	if !r.votes {
		return Announcement{}, false
	}
	catalog, err := r.svc.Catalog(ctx, evt.SessionID)
	if err != nil {
		log.Printf("relay: catalog for %s: %v", evt.SessionID, err)
		return Announcement{}, false
	}
	results, err := r.svc.Results(ctx, evt.SessionID)
	if err != nil {
		log.Printf("relay: results for %s: %v", evt.SessionID, err)
		return Announcement{}, false
	}
	name := tally.UnknownOption
	if opt, ok := catalog[evt.OptionID]; ok && opt.Name != "" {
		name = opt.Name
	}
	return FormatVote(evt.SessionID, evt.ParticipantID, name, evt.Kind == broadcast.KindVoteAdded, results), true
}
