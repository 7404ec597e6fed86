package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/converge/internal/broadcast"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/session"
	"github.com/zulandar/converge/internal/syncerr"
)

// APIError is a non-2xx response from the server. It unwraps to the
// matching syncerr sentinel.
type APIError struct {
	Status     int
	Kind       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Kind {
	case "validation":
		return syncerr.ErrValidation
	case "conflict":
		return syncerr.ErrConflictOnToggle
	case "store_unavailable":
		return syncerr.ErrStoreUnavailable
	case "subscription_dropped":
		return syncerr.ErrSubscriptionDropped
	}
	return nil
}

// HTTPRemote talks to a converge server over its JSON API and event stream.
type HTTPRemote struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPRemote returns a remote for the server at baseURL. A nil client
// uses one without a timeout, which the event stream needs; bound the
// other calls through their contexts.
func NewHTTPRemote(baseURL string, hc *http.Client) (*HTTPRemote, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("client: server url is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: server url %q must be http or https", baseURL)
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPRemote{base: u, client: hc}, nil
}

func (r *HTTPRemote) sessionURL(sessionID, suffix string) string {
	return r.base.String() + "/api/sessions/" + url.PathEscape(sessionID) + suffix
}

func (r *HTTPRemote) CastVote(ctx context.Context, sessionID, optionID, participantID string) (string, error) {
	var resp struct {
		Applied string `json:"applied"`
	}
	body := map[string]string{"option": optionID, "participant": participantID}
	if err := r.doJSON(ctx, http.MethodPost, r.sessionURL(sessionID, "/votes"), body, &resp); err != nil {
		return "", err
	}
	if resp.Applied != models.VoteAdded && resp.Applied != models.VoteRemoved {
		return "", fmt.Errorf("client: unexpected vote result %q", resp.Applied)
	}
	return resp.Applied, nil
}

func (r *HTTPRemote) AppendMessage(ctx context.Context, sessionID string, d Draft) (*models.Message, error) {
	var resp struct {
		Message *models.Message `json:"message"`
	}
	body := map[string]string{
		"id":      d.UID,
		"role":    models.RoleParticipant,
		"sender":  d.SenderID,
		"content": d.Content,
	}
	if err := r.doJSON(ctx, http.MethodPost, r.sessionURL(sessionID, "/messages"), body, &resp); err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, fmt.Errorf("client: append message: empty response")
	}
	return resp.Message, nil
}

func (r *HTTPRemote) Snapshot(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	var snap session.Snapshot
	if err := r.doJSON(ctx, http.MethodGet, r.sessionURL(sessionID, "/snapshot"), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Messages lists messages after cursor.
func (r *HTTPRemote) Messages(ctx context.Context, sessionID string, cursor uint, limit int) ([]models.Message, error) {
	q := url.Values{}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatUint(uint64(cursor), 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	target := r.sessionURL(sessionID, "/messages")
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := r.doJSON(ctx, http.MethodGet, target, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Results fetches the named standings.
func (r *HTTPRemote) Results(ctx context.Context, sessionID string) ([]ResultRow, error) {
	var resp struct {
		Results []ResultRow `json:"results"`
	}
	if err := r.doJSON(ctx, http.MethodGet, r.sessionURL(sessionID, "/results"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ResultRow is one line of the standings.
type ResultRow struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Votes int    `json:"votes"`
}

// Propose posts a proposal and returns the accepted count.
func (r *HTTPRemote) Propose(ctx context.Context, sessionID, reasoning string, options []models.Option) (int, error) {
	var resp struct {
		Accepted int `json:"accepted"`
	}
	body := map[string]any{"reasoning": reasoning, "options": options}
	if err := r.doJSON(ctx, http.MethodPost, r.sessionURL(sessionID, "/proposals"), body, &resp); err != nil {
		return 0, err
	}
	return resp.Accepted, nil
}

func (r *HTTPRemote) doJSON(ctx context.Context, method, target string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("client: %s %s: %w", method, target, ctx.Err())
		}
		return fmt.Errorf("client: %w", syncerr.Unavailable(method+" "+target, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	if body.Kind == "" && resp.StatusCode >= 500 {
		body.Kind = "store_unavailable"
	}
	apiErr := &APIError{Status: resp.StatusCode, Kind: body.Kind, Message: body.Error}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

// Subscribe opens the session's event stream and waits for the server to
// confirm the subscription.
func (r *HTTPRemote) Subscribe(ctx context.Context, sessionID string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.sessionURL(sessionID, "/events"), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("client: %w", syncerr.Unavailable("subscribe "+sessionID, err))
	}
	if resp.StatusCode != http.StatusOK {
		defer cancel()
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	rd := bufio.NewReader(resp.Body)
	first, err := readSSEFrame(rd)
	if err != nil || first.event != "connected" {
		resp.Body.Close()
		cancel()
		if err == nil {
			err = fmt.Errorf("unexpected first event %q", first.event)
		}
		return nil, fmt.Errorf("client: subscribe %s: %w", sessionID, err)
	}

	s := &sseStream{
		body:   resp.Body,
		cancel: cancel,
		events: make(chan broadcast.Event, 64),
		done:   make(chan struct{}),
	}
	go s.loop(rd)
	return s, nil
}

// sseStream decodes a text/event-stream body into events.
type sseStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan broadcast.Event
	done   chan struct{}

	mu      sync.Mutex
	err     error
	closing bool
	once    sync.Once
}

func (s *sseStream) Events() <-chan broadcast.Event { return s.events }

func (s *sseStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sseStream) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	s.cancel()
	return s.body.Close()
}

func (s *sseStream) loop(rd *bufio.Reader) {
	defer close(s.events)
	for {
		f, err := readSSEFrame(rd)
		if err != nil {
			s.finish(err)
			return
		}
		switch f.event {
		case "connected", "heartbeat":
			continue
		case "dropped":
			s.finish(syncerr.ErrSubscriptionDropped)
			return
		}
		var evt broadcast.Event
		if err := json.Unmarshal([]byte(f.data), &evt); err != nil {
			log.Printf("client: decode %s event: %v", f.event, err)
			continue
		}
		select {
		case s.events <- evt:
		case <-s.done:
			s.finish(nil)
			return
		}
	}
}

func (s *sseStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		err = nil
	} else if errors.Is(err, io.EOF) {
		err = errStreamClosed
	}
	s.err = err
}

// sseFrame is one server-sent event.
type sseFrame struct {
	id    string
	event string
	data  string
}

// readSSEFrame reads lines up to the blank line ending the next event.
// Comment lines and frames without a field are skipped.
func readSSEFrame(rd *bufio.Reader) (sseFrame, error) {
	var f sseFrame
	var data []string
	seen := false
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return sseFrame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if seen {
				f.data = strings.Join(data, "\n")
				if f.event == "" {
					f.event = "message"
				}
				return f, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.id = value
		case "event":
			f.event = value
		case "data":
			data = append(data, value)
		default:
			continue
		}
		seen = true
	}
}
