package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joao-fontenele/solestore/internal/domain"
)

type ReturnDecisionKind string

const (
	ReturnApprove  ReturnDecisionKind = "approve"
	ReturnReject   ReturnDecisionKind = "reject"
	ReturnComplete ReturnDecisionKind = "complete"
)

type ReturnDecision struct {
	ReturnID string
	Decision ReturnDecisionKind
	Note     string
	Actor    Actor
}

var returnTransitions = map[ReturnDecisionKind]struct {
	from domain.ReturnStatus
	to   domain.ReturnStatus
}{
	ReturnApprove:  {from: domain.ReturnStatusRequested, to: domain.ReturnStatusApproved},
	ReturnReject:   {from: domain.ReturnStatusRequested, to: domain.ReturnStatusRejected},
	ReturnComplete: {from: domain.ReturnStatusApproved, to: domain.ReturnStatusCompleted},
}

// ResolveReturn moves a return request forward. Rejecting puts the item back
// into delivered and recomputes the order aggregates.
func (s *Service) ResolveReturn(ctx context.Context, d ReturnDecision) (*domain.Return, error) {
	invalid := func(reason string) error {
		return &ValidationError{ItemID: d.ReturnID, Action: string(d.Decision) + " return", Reason: reason}
	}
	if strings.TrimSpace(d.ReturnID) == "" {
		return nil, invalid("return id is required")
	}
	if d.Actor != ActorAdmin && d.Actor != ActorSystem {
		return nil, invalid("only operators may resolve returns")
	}
	t, ok := returnTransitions[d.Decision]
	if !ok {
		return nil, invalid(fmt.Sprintf("unknown decision %q", d.Decision))
	}

	var ret *domain.Return
	err := s.call(ctx, "get return", func(ctx context.Context) (err error) {
		ret, err = s.store.GetReturn(ctx, d.ReturnID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ret == nil {
		return nil, fmt.Errorf("%w: %s", ErrReturnNotFound, d.ReturnID)
	}
	if ret.Status != t.from {
		return nil, &ValidationError{
			ItemID: ret.ID,
			Action: string(d.Decision) + " return",
			From:   string(ret.Status),
			To:     string(t.to),
			Reason: "illegal transition",
		}
	}

	at := s.now().UTC()
	patch := ReturnPatch{
		ExpectStatus:   ret.Status,
		Status:         t.to,
		ResolutionNote: strings.TrimSpace(d.Note),
		ItemID:         ret.OrderItemID,
	}
	switch d.Decision {
	case ReturnApprove:
		patch.ApprovedAt = &at
		patch.Item = &ItemPatch{
			ExpectStatus:     domain.ItemStatusReturned,
			Status:           domain.ItemStatusReturned,
			ReturnApprovedAt: &at,
		}
	case ReturnReject:
		if patch.ResolutionNote == "" {
			return nil, invalid("a note is required when rejecting a return")
		}
		patch.RejectedAt = &at
		patch.Item = &ItemPatch{
			ExpectStatus: domain.ItemStatusReturned,
			Status:       domain.ItemStatusDelivered,
		}
	case ReturnComplete:
		patch.CompletedAt = &at
	}

	err = s.call(ctx, "update return", func(ctx context.Context) error {
		return s.store.UpdateReturn(ctx, ret.ID, patch)
	})
	if err != nil {
		if errors.Is(err, ErrItemConflict) {
			return nil, &ValidationError{
				ItemID: ret.OrderItemID,
				Action: string(d.Decision) + " return",
				Reason: "item is no longer awaiting a return",
				Err:    err,
			}
		}
		return nil, err
	}

	resolved := *ret
	resolved.Status = t.to
	resolved.ResolutionNote = patch.ResolutionNote
	if patch.ApprovedAt != nil {
		resolved.ApprovedAt = patch.ApprovedAt
	}
	if patch.RejectedAt != nil {
		resolved.RejectedAt = patch.RejectedAt
	}
	if patch.CompletedAt != nil {
		resolved.CompletedAt = patch.CompletedAt
	}

	if d.Decision == ReturnReject {
		s.afterReturnRejected(ctx, resolved, d.Actor)
	}

	s.notify(ctx, domain.Notification{
		Kind:    domain.NotificationSuccess,
		Subject: fmt.Sprintf("Return %s %s", ret.ID, resolved.Status),
		Detail:  resolved.ResolutionNote,
	})
	s.logger.Info("return resolved", "return_id", ret.ID, "order_id", ret.OrderID, "status", resolved.Status)
	return &resolved, nil
}

func (s *Service) afterReturnRejected(ctx context.Context, ret domain.Return, actor Actor) {
	if s.publisher != nil {
		order, err := s.getOrder(ctx, ret.OrderID)
		if err == nil {
			var item *domain.OrderItem
			err = s.call(ctx, "get order item", func(ctx context.Context) (err error) {
				item, err = s.store.GetItem(ctx, ret.OrderItemID)
				return err
			})
			if err == nil && item != nil {
				s.publishItemEvent(ctx, *order, *item, domain.ItemStatusReturned, actor, "reject_return", ret.ResolutionNote)
			}
		}
		if err != nil {
			s.logger.Error("failed to load order for return event", "error", err, "return_id", ret.ID)
		}
	}

	agg, err := s.RecomputeAggregates(ctx, ret.OrderID)
	s.attachAggregates(ctx, nil, ret.OrderID, agg, err)
}

func (s *Service) ListReturns(ctx context.Context, status domain.ReturnStatus) ([]domain.Return, error) {
	var returns []domain.Return
	err := s.call(ctx, "list returns", func(ctx context.Context) (err error) {
		returns, err = s.store.ListReturns(ctx, status)
		return err
	})
	if err != nil {
		return nil, err
	}
	return returns, nil
}
