package server

import (
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/converge/internal/messaging"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/session"
	"github.com/zulandar/converge/internal/syncerr"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, svc *session.Service, heartbeat time.Duration) {
	router.GET("/healthz", handleHealth(svc))

	api := router.Group("/api/sessions/:session")
	api.POST("/votes", handleCastVote(svc))
	api.GET("/votes", handleVotes(svc))
	api.GET("/votes/history", handleHistory(svc))
	api.GET("/results", handleResults(svc))
	api.GET("/messages", handleListMessages(svc))
	api.POST("/messages", handleAppendMessage(svc))
	api.POST("/proposals", handlePropose(svc))
	api.GET("/snapshot", handleSnapshot(svc))
	api.GET("/events", handleEvents(svc, heartbeat))
}

type voteRequest struct {
	Option      string `json:"option"`
	Participant string `json:"participant"`
}

type voteResponse struct {
	Applied     string `json:"applied"`
	Option      string `json:"option"`
	Participant string `json:"participant"`
	EventID     string `json:"event_id"`
}

type votesResponse struct {
	Session string            `json:"session"`
	Tally   map[string]int    `json:"tally"`
	Votes   []session.VoteRef `json:"votes"`
}

type historyEntry struct {
	ID          uint      `json:"id"`
	Option      string    `json:"option"`
	Participant string    `json:"participant"`
	Action      string    `json:"action"`
	At          time.Time `json:"at"`
}

type messageRequest struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Sender  string          `json:"sender"`
	Content string          `json:"content"`
	Payload *models.Payload `json:"payload"`
}

type messageResponse struct {
	Message   *models.Message `json:"message"`
	Duplicate bool            `json:"duplicate"`
}

type messagesResponse struct {
	Session  string           `json:"session"`
	Messages []models.Message `json:"messages"`
	Cursor   uint             `json:"cursor"`
}

type proposalRequest struct {
	Reasoning string          `json:"reasoning"`
	Options   []models.Option `json:"options"`
}

type proposalResponse struct {
	Accepted int             `json:"accepted"`
	Message  *models.Message `json:"message,omitempty"`
}

func handleHealth(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := svc.DB().DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleCastVote(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req voteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badBody(c, err)
			return
		}
		res, err := svc.CastVote(c.Request.Context(), c.Param("session"), req.Option, req.Participant)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, voteResponse{
			Applied:     res.Applied,
			Option:      res.Event.OptionID,
			Participant: res.Event.ParticipantID,
			EventID:     "vote:" + strconv.FormatUint(uint64(res.Event.ID), 10),
		})
	}
}

func handleVotes(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("session")
		votes, err := svc.ListVotes(c.Request.Context(), sessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		resp := votesResponse{
			Session: sessionID,
			Tally:   make(map[string]int),
			Votes:   make([]session.VoteRef, 0, len(votes)),
		}
		for _, v := range votes {
			resp.Tally[v.OptionID]++
			resp.Votes = append(resp.Votes, session.VoteRef{OptionID: v.OptionID, ParticipantID: v.ParticipantID})
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleHistory(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := queryInt(c, "limit")
		if err != nil {
			respondError(c, err)
			return
		}
		events, err := svc.History(c.Request.Context(), c.Param("session"), limit)
		if err != nil {
			respondError(c, err)
			return
		}
		out := make([]historyEntry, 0, len(events))
		for _, e := range events {
			out = append(out, historyEntry{ID: e.ID, Option: e.OptionID, Participant: e.ParticipantID, Action: e.Action, At: e.CreatedAt})
		}
		c.JSON(http.StatusOK, gin.H{"session": c.Param("session"), "events": out})
	}
}

func handleResults(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := svc.Results(c.Request.Context(), c.Param("session"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": c.Param("session"), "results": results})
	}
}

func handleListMessages(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("session")
		cursor, err := queryInt(c, "cursor")
		if err != nil {
			respondError(c, err)
			return
		}
		limit, err := queryInt(c, "limit")
		if err != nil {
			respondError(c, err)
			return
		}
		msgs, err := svc.ListMessages(c.Request.Context(), sessionID, uint(cursor), limit)
		if err != nil {
			respondError(c, err)
			return
		}
		resp := messagesResponse{Session: sessionID, Messages: msgs, Cursor: uint(cursor)}
		if resp.Messages == nil {
			resp.Messages = []models.Message{}
		}
		if n := len(msgs); n > 0 {
			resp.Cursor = msgs[n-1].ID
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleAppendMessage(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req messageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badBody(c, err)
			return
		}
		if req.Role == "" {
			req.Role = models.RoleParticipant
		}
		res, err := svc.AppendMessage(c.Request.Context(), messaging.AppendOpts{
			SessionID: c.Param("session"),
			Role:      req.Role,
			SenderID:  req.Sender,
			Content:   req.Content,
			Payload:   req.Payload,
			UID:       req.ID,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		status := http.StatusCreated
		if res.Duplicate {
			status = http.StatusOK
		}
		c.JSON(status, messageResponse{Message: res.Message, Duplicate: res.Duplicate})
	}
}

func handlePropose(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req proposalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badBody(c, err)
			return
		}
		res, n, err := svc.ProposeOptions(c.Request.Context(), c.Param("session"), req.Reasoning, req.Options)
		if err != nil {
			respondError(c, err)
			return
		}
		resp := proposalResponse{Accepted: n}
		if res != nil {
			resp.Message = res.Message
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleSnapshot(svc *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := svc.Snapshot(c.Request.Context(), c.Param("session"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, syncerr.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}

func badBody(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error(), "kind": "validation"})
}

// respondError maps the error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case syncerr.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, syncerr.ErrConflictOnToggle):
		status = http.StatusConflict
	case errors.Is(err, syncerr.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	default:
		log.Printf("server: %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	if wait := syncerr.RetryAfter(err); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": syncerr.Kind(err)})
}
