package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/converge/internal/broadcast"
	"github.com/zulandar/converge/internal/messaging"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/syncerr"
	"github.com/zulandar/converge/internal/tally"
)

// OptionState is the local vote state of one option for this participant.
type OptionState int

const (
	Unvoted OptionState = iota
	VotedOptimistic
	VotedConfirmed
	UnvotedOptimistic
	RevertingOptimistic
)

func (s OptionState) String() string {
	switch s {
	case Unvoted:
		return "unvoted"
	case VotedOptimistic:
		return "voted-optimistic"
	case VotedConfirmed:
		return "voted"
	case UnvotedOptimistic:
		return "unvoted-optimistic"
	case RevertingOptimistic:
		return "reverting"
	default:
		return fmt.Sprintf("OptionState(%d)", int(s))
	}
}

// Optimistic reports whether the state awaits a server response.
func (s OptionState) Optimistic() bool {
	return s == VotedOptimistic || s == UnvotedOptimistic
}

// ErrTogglePending rejects a toggle while the previous one on the same
// option is still in flight.
var ErrTogglePending = errors.New("client: a toggle for this option is already in flight")

var errStreamClosed = errors.New("client: event stream closed")

// ChangeKind says what part of the view changed.
type ChangeKind string

const (
	ChangeVote    ChangeKind = "vote"
	ChangeMessage ChangeKind = "message"
	ChangeResync  ChangeKind = "resync"
	ChangeStatus  ChangeKind = "status"
)

// Change notifies a renderer that the view moved. Notifications are
// coalesced when the reader lags; View always has the current state.
type Change struct {
	Kind     ChangeKind
	OptionID string
	State    OptionState
	Err      error
}

// PendingMessage is a sent message not yet confirmed by the server.
type PendingMessage struct {
	UID     string
	Content string
	SentAt  time.Time
}

// View is a copy of the reconciler's state.
type View struct {
	SessionID     string
	ParticipantID string
	Tally         tally.Tally
	States        map[string]OptionState
	Messages      []models.Message
	Pending       []PendingMessage
	Results       []tally.Result
	Connected     bool
	LastErr       error
}

// ReconcilerOpts configures a Reconciler.
type ReconcilerOpts struct {
	Remote        Remote
	SessionID     string
	ParticipantID string
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
}

// pairKey names one participant's vote on one option.
type pairKey struct {
	option      string
	participant string
}

// pendingVote is an in-flight toggle.
type pendingVote struct {
	added    bool // the optimistic guess
	adjusted bool // whether the guess is currently counted in the tally
}

// Reconciler holds one participant's optimistic view of a session.
//
// Vote counts move by exactly one per observed membership change: the
// reconciler tracks which participants voted for each option, so a repeated
// or stale event that does not change membership does not move the tally.
// Events carrying this participant's own votes are discarded; its own
// membership changes only through CastVote responses and resyncs.
//
// Vote events may arrive out of order when they cross server instances.
// The reconciler remembers the newest event ID applied per (option,
// participant) pair and ignores anything older.
type Reconciler struct {
	remote        Remote
	sessionID     string
	participantID string
	minBackoff    time.Duration
	maxBackoff    time.Duration

	mu        sync.Mutex
	members   map[string]map[string]bool
	marks     map[pairKey]uint
	tally     tally.Tally
	states    map[string]OptionState
	pending   map[string]*pendingVote
	messages  []models.Message
	seen      map[uint]bool
	outbox    []PendingMessage
	connected bool
	lastErr   error

	changes chan Change
	resync  chan struct{}
}

// NewReconciler validates opts and returns an empty reconciler. Call Run
// (or Resync) to load state.
func NewReconciler(opts ReconcilerOpts) (*Reconciler, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("client: remote is required")
	}
	if err := syncerr.CheckID("session", opts.SessionID); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if err := syncerr.CheckID("participant", opts.ParticipantID); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Reconciler{
		remote:        opts.Remote,
		sessionID:     opts.SessionID,
		participantID: opts.ParticipantID,
		minBackoff:    opts.MinBackoff,
		maxBackoff:    opts.MaxBackoff,
		members:       make(map[string]map[string]bool),
		marks:         make(map[pairKey]uint),
		tally:         make(tally.Tally),
		states:        make(map[string]OptionState),
		pending:       make(map[string]*pendingVote),
		seen:          make(map[uint]bool),
		changes:       make(chan Change, 64),
		resync:        make(chan struct{}, 1),
	}, nil
}

// Changes returns the change notification channel.
func (r *Reconciler) Changes() <-chan Change { return r.changes }

// Toggle flips this participant's vote on an option. The tally moves
// immediately; the server's answer confirms, corrects or reverts it.
func (r *Reconciler) Toggle(ctx context.Context, optionID string) (string, error) {
	if err := syncerr.CheckID("option", optionID); err != nil {
		return "", fmt.Errorf("client: %w", err)
	}

	r.mu.Lock()
	if _, busy := r.pending[optionID]; busy {
		r.mu.Unlock()
		return "", ErrTogglePending
	}
	p := &pendingVote{added: !r.votedLocked(optionID), adjusted: true}
	r.pending[optionID] = p
	if p.added {
		r.tally.Increment(optionID)
		r.states[optionID] = VotedOptimistic
	} else {
		r.tally.Decrement(optionID)
		r.states[optionID] = UnvotedOptimistic
	}
	r.emit(Change{Kind: ChangeVote, OptionID: optionID, State: r.states[optionID]})
	r.mu.Unlock()

	applied, err := r.remote.CastVote(ctx, r.sessionID, optionID, r.participantID)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, optionID)
	r.unadjustLocked(optionID, p)

	if err != nil {
		// A lost race is settled by re-reading, not reported.
		conflict := errors.Is(err, syncerr.ErrConflictOnToggle)
		change := Change{Kind: ChangeVote, OptionID: optionID, State: RevertingOptimistic}
		if !conflict {
			r.lastErr = err
			change.Err = err
		}
		r.states[optionID] = RevertingOptimistic
		r.emit(change)
		r.settleLocked(optionID)
		r.emit(Change{Kind: ChangeVote, OptionID: optionID, State: r.states[optionID]})
		// The toggle may have committed before the failure was seen.
		if !syncerr.IsValidation(err) {
			r.requestResync()
		}
		return "", err
	}

	added := applied == models.VoteAdded
	r.setMemberLocked(optionID, r.participantID, added)
	r.settleLocked(optionID)
	if added != p.added {
		// Our view of our own vote was stale; something else moved too.
		r.requestResync()
	}
	r.emit(Change{Kind: ChangeVote, OptionID: optionID, State: r.states[optionID]})
	return applied, nil
}

// Send appends a message as this participant. It is listed as pending until
// the server confirms it or its echo arrives.
func (r *Reconciler) Send(ctx context.Context, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("client: %w", syncerr.Invalid("content", "is required"))
	}
	uid := uuid.NewString()

	r.mu.Lock()
	r.outbox = append(r.outbox, PendingMessage{UID: uid, Content: content, SentAt: time.Now().UTC()})
	r.emit(Change{Kind: ChangeMessage})
	r.mu.Unlock()

	msg, err := r.remote.AppendMessage(ctx, r.sessionID, Draft{UID: uid, SenderID: r.participantID, Content: content})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropOutboxLocked(uid)
	if err != nil {
		r.lastErr = err
		r.emit(Change{Kind: ChangeMessage, Err: err})
		return nil, err
	}
	r.addMessageLocked(*msg)
	r.emit(Change{Kind: ChangeMessage})
	return msg, nil
}

// Apply merges one broadcast event into the view.
func (r *Reconciler) Apply(evt broadcast.Event) {
	if evt.SessionID != r.sessionID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch evt.Kind {
	case broadcast.KindVoteAdded, broadcast.KindVoteRemoved:
		if evt.ParticipantID == r.participantID {
			return
		}
		if id, ok := evt.VoteEventID(); ok {
			k := pairKey{evt.OptionID, evt.ParticipantID}
			if id <= r.marks[k] {
				return
			}
			r.marks[k] = id
		}
		if r.setMemberLocked(evt.OptionID, evt.ParticipantID, evt.Kind == broadcast.KindVoteAdded) {
			r.emit(Change{Kind: ChangeVote, OptionID: evt.OptionID, State: r.states[evt.OptionID]})
		}
	case broadcast.KindMessageAppended:
		if evt.Message != nil && r.addMessageLocked(*evt.Message) {
			r.emit(Change{Kind: ChangeMessage})
		}
	}
}

// Resync discards the cached votes and messages and reloads them from the
// server. In-flight toggles stay counted until their responses arrive.
func (r *Reconciler) Resync(ctx context.Context) error {
	snap, err := r.remote.Snapshot(ctx, r.sessionID)
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		return fmt.Errorf("client: resync: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.members = make(map[string]map[string]bool)
	r.marks = make(map[pairKey]uint, len(snap.Marks))
	for _, m := range snap.Marks {
		r.marks[pairKey{m.OptionID, m.ParticipantID}] = m.EventID
	}
	r.tally = make(tally.Tally)
	for _, v := range snap.Votes {
		r.setMemberLocked(v.OptionID, v.ParticipantID, true)
	}

	r.states = make(map[string]OptionState)
	for optionID, set := range r.members {
		if set[r.participantID] {
			r.states[optionID] = VotedConfirmed
		}
	}
	for optionID, p := range r.pending {
		p.adjusted = p.added != r.votedLocked(optionID)
		if p.adjusted {
			if p.added {
				r.tally.Increment(optionID)
			} else {
				r.tally.Decrement(optionID)
			}
		}
		if p.added {
			r.states[optionID] = VotedOptimistic
		} else {
			r.states[optionID] = UnvotedOptimistic
		}
	}

	r.messages = r.messages[:0]
	r.seen = make(map[uint]bool)
	for _, m := range snap.Messages {
		r.addMessageLocked(m)
	}

	r.lastErr = nil
	r.emit(Change{Kind: ChangeResync})
	return nil
}

// Run keeps the view live: subscribe, resync, then apply streamed events.
// When the stream ends it resubscribes with exponential backoff. Run
// returns when ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	backoff := r.minBackoff
	for {
		live, err := r.runOnce(ctx)
		if ctx.Err() != nil {
			r.setStatus(false, nil)
			return ctx.Err()
		}
		if live {
			backoff = r.minBackoff
		}
		r.setStatus(false, err)
		log.Printf("client: session %s: %v; reconnecting in %s", r.sessionID, err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
}

// runOnce serves one subscription. live reports whether it got as far as
// streaming.
func (r *Reconciler) runOnce(ctx context.Context) (live bool, err error) {
	stream, err := r.remote.Subscribe(ctx, r.sessionID)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer stream.Close()

	// Drop resync requests that the snapshot below already covers.
	select {
	case <-r.resync:
	default:
	}
	if err := r.Resync(ctx); err != nil {
		return false, err
	}
	r.setStatus(true, nil)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-r.resync:
			if err := r.Resync(ctx); err != nil {
				return true, err
			}
		case evt, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return true, err
				}
				return true, errStreamClosed
			}
			r.Apply(evt)
		}
	}
}

// View returns a copy of the current state.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := View{
		SessionID:     r.sessionID,
		ParticipantID: r.participantID,
		Tally:         r.tally.Clone(),
		States:        make(map[string]OptionState, len(r.states)),
		Messages:      append([]models.Message(nil), r.messages...),
		Pending:       append([]PendingMessage(nil), r.outbox...),
		Connected:     r.connected,
		LastErr:       r.lastErr,
	}
	for k, s := range r.states {
		v.States[k] = s
	}
	v.Results = tally.Results(v.Tally, messaging.BuildCatalog(v.Messages))
	return v
}

// State returns the local state of one option.
func (r *Reconciler) State(optionID string) OptionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[optionID]
}

func (r *Reconciler) votedLocked(optionID string) bool {
	return r.members[optionID][r.participantID]
}

// settleLocked sets a non-pending option's state from membership.
func (r *Reconciler) settleLocked(optionID string) {
	if r.votedLocked(optionID) {
		r.states[optionID] = VotedConfirmed
		return
	}
	delete(r.states, optionID)
}

func (r *Reconciler) unadjustLocked(optionID string, p *pendingVote) {
	if !p.adjusted {
		return
	}
	if p.added {
		r.tally.Decrement(optionID)
	} else {
		r.tally.Increment(optionID)
	}
	p.adjusted = false
}

// setMemberLocked records whether participantID votes for optionID and
// moves the tally by one when that changes membership.
func (r *Reconciler) setMemberLocked(optionID, participantID string, present bool) bool {
	set := r.members[optionID]
	if present {
		if set[participantID] {
			return false
		}
		if set == nil {
			set = make(map[string]bool)
			r.members[optionID] = set
		}
		set[participantID] = true
		r.tally.Increment(optionID)
		return true
	}
	if !set[participantID] {
		return false
	}
	delete(set, participantID)
	if len(set) == 0 {
		delete(r.members, optionID)
	}
	r.tally.Decrement(optionID)
	return true
}

// addMessageLocked inserts m in sequence order unless already present.
func (r *Reconciler) addMessageLocked(m models.Message) bool {
	if r.seen[m.ID] {
		return false
	}
	r.seen[m.ID] = true
	i := sort.Search(len(r.messages), func(i int) bool { return r.messages[i].ID > m.ID })
	r.messages = append(r.messages, models.Message{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = m
	r.dropOutboxLocked(m.UID)
	return true
}

func (r *Reconciler) dropOutboxLocked(uid string) {
	for i, p := range r.outbox {
		if p.UID == uid {
			r.outbox = append(r.outbox[:i], r.outbox[i+1:]...)
			return
		}
	}
}

func (r *Reconciler) setStatus(connected bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = connected
	if err != nil {
		r.lastErr = err
	}
	r.emit(Change{Kind: ChangeStatus, Err: err})
}

func (r *Reconciler) requestResync() {
	select {
	case r.resync <- struct{}{}:
	default:
	}
}

func (r *Reconciler) emit(c Change) {
	select {
	case r.changes <- c:
	default:
	}
}
