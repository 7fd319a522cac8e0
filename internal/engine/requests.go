package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"resfarm/internal/domain"
	"resfarm/internal/storage"
	logx "resfarm/pkg/logx"
)

// SubmitInput describes a new work request.
type SubmitInput struct {
	ServiceKind string
	Config      json.RawMessage
	AgentGroup  string
	LegacyRef   string
	// Draft keeps the request out of planning until it is submitted.
	Draft bool
}

// SubmitRequest validates and records a work request. Non-draft requests
// land on NEW and are picked up by the next planning sweep.
func (s *Service) SubmitRequest(ctx context.Context, in SubmitInput) (domain.WorkRequest, error) {
	if strings.TrimSpace(in.ServiceKind) == "" {
		return domain.WorkRequest{}, fmt.Errorf("%w: service_kind is required", domain.ErrBadInput)
	}
	if _, err := domain.ParseRequestConfig(in.Config); err != nil {
		return domain.WorkRequest{}, err
	}

	req := domain.WorkRequest{
		ID:          uuid.NewString(),
		ServiceKind: in.ServiceKind,
		Config:      in.Config,
		Status:      domain.RequestNew,
		AgentGroup:  in.AgentGroup,
		LegacyRef:   in.LegacyRef,
	}
	if in.Draft {
		req.Status = domain.RequestDraft
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return domain.WorkRequest{}, err
	}
	s.log.Info("request submitted",
		logx.String("request_id", req.ID), logx.String("service_kind", req.ServiceKind),
		logx.String("status", string(req.Status)))
	return s.store.GetRequest(ctx, req.ID)
}

// SubmitDraft moves a DRAFT request into planning.
func (s *Service) SubmitDraft(ctx context.Context, id string) (domain.WorkRequest, error) {
	if err := s.store.TransitionRequest(ctx, id, domain.RequestNew); err != nil {
		return domain.WorkRequest{}, err
	}
	return s.store.GetRequest(ctx, id)
}

// CancelRequest cancels the request and everything non-terminal under it.
func (s *Service) CancelRequest(ctx context.Context, id string) (domain.WorkRequest, error) {
	if err := s.store.CancelRequest(ctx, id); err != nil {
		return domain.WorkRequest{}, err
	}
	s.log.Info("request cancelled", logx.String("request_id", id))
	return s.store.GetRequest(ctx, id)
}

func (s *Service) GetRequest(ctx context.Context, id string) (domain.WorkRequest, error) {
	return s.store.GetRequest(ctx, id)
}

func (s *Service) GetItem(ctx context.Context, id string) (domain.AllocationItem, error) {
	return s.store.GetItem(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (storage.Stats, error) {
	return s.store.Stats(ctx)
}
