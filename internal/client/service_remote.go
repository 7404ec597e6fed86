package client

import (
	"context"
	"fmt"

	"github.com/zulandar/converge/internal/broadcast"
	"github.com/zulandar/converge/internal/messaging"
	"github.com/zulandar/converge/internal/models"
	"github.com/zulandar/converge/internal/session"
)

// ServiceRemote talks to a session.Service in the same process.
type ServiceRemote struct {
	svc *session.Service
}

// NewServiceRemote wraps svc.
func NewServiceRemote(svc *session.Service) (*ServiceRemote, error) {
	if svc == nil {
		return nil, fmt.Errorf("client: service is required")
	}
	return &ServiceRemote{svc: svc}, nil
}

func (r *ServiceRemote) CastVote(ctx context.Context, sessionID, optionID, participantID string) (string, error) {
	res, err := r.svc.CastVote(ctx, sessionID, optionID, participantID)
	if err != nil {
		return "", err
	}
	return res.Applied, nil
}

func (r *ServiceRemote) AppendMessage(ctx context.Context, sessionID string, d Draft) (*models.Message, error) {
	res, err := r.svc.AppendMessage(ctx, messaging.AppendOpts{
		SessionID: sessionID,
		Role:      models.RoleParticipant,
		SenderID:  d.SenderID,
		Content:   d.Content,
		UID:       d.UID,
	})
	if err != nil {
		return nil, err
	}
	return res.Message, nil
}

func (r *ServiceRemote) Snapshot(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	return r.svc.Snapshot(ctx, sessionID)
}

func (r *ServiceRemote) Subscribe(_ context.Context, sessionID string) (Stream, error) {
	sub, err := r.svc.Subscribe(sessionID)
	if err != nil {
		return nil, err
	}
	return subStream{sub}, nil
}

type subStream struct {
	sub *broadcast.Subscription
}

func (s subStream) Events() <-chan broadcast.Event { return s.sub.C() }
func (s subStream) Err() error                     { return s.sub.Err() }
func (s subStream) Close() error {
	s.sub.Close()
	return nil
}
