package service

import (
	"context"
	"fmt"
	"time"

	"order-core/internal/apperror"
	"order-core/internal/models"
	"order-core/internal/util"

	"go.uber.org/zap"
)

var statusTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.StatusPending:           {models.StatusConfirmed, models.StatusCancelled},
	models.StatusConfirmed:         {models.StatusProcessing, models.StatusCancelled},
	models.StatusProcessing:        {models.StatusShipped, models.StatusCancelled},
	models.StatusShipped:           {models.StatusDelivered, models.StatusCancelled},
	models.StatusDelivered:         {models.StatusReturned, models.StatusRefunded, models.StatusExchangeRequested},
	models.StatusExchangeRequested: {models.StatusExchangeApproved, models.StatusDelivered},
	models.StatusExchangeApproved:  {models.StatusExchanged},
	models.StatusReturned:          {models.StatusRefunded},
	models.StatusCancelled:         {},
	models.StatusExchanged:         {},
	models.StatusRefunded:          {},
}

var statusDescriptions = map[models.OrderStatus]string{
	models.StatusPending:           "Order placed, waiting for confirmation",
	models.StatusConfirmed:         "Order confirmed, preparing for processing",
	models.StatusProcessing:        "Order is being processed",
	models.StatusShipped:           "Order has been shipped",
	models.StatusDelivered:         "Order has been delivered",
	models.StatusCancelled:         "Order has been cancelled",
	models.StatusReturned:          "Order has been returned",
	models.StatusRefunded:          "Order has been refunded",
	models.StatusExchangeRequested: "Exchange requested by customer",
	models.StatusExchangeApproved:  "Exchange approved by admin",
	models.StatusExchanged:         "Exchange completed",
}

// AllowedTransitions returns the statuses a regular user may move to from s
func AllowedTransitions(s models.OrderStatus) []models.OrderStatus {
	next := statusTransitions[s]
	out := make([]models.OrderStatus, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is permitted. Admins may make any move.
func CanTransition(from, to models.OrderStatus, isAdmin bool) bool {
	if isAdmin {
		return true
	}
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions
func IsTerminal(s models.OrderStatus) bool {
	next, ok := statusTransitions[s]
	return ok && len(next) == 0
}

// StatusInfo describes one status for clients
type StatusInfo struct {
	Status         models.OrderStatus   `json:"status"`
	Description    string               `json:"description"`
	IsTerminal     bool                 `json:"is_terminal"`
	AllowedNext    []models.OrderStatus `json:"allowed_next"`
	CanBeCancelled bool                 `json:"can_be_cancelled"`
	CanBeReturned  bool                 `json:"can_be_returned"`
	CanBeExchanged bool                 `json:"can_be_exchanged"`
	RequiresAction bool                 `json:"requires_action"`
	IsCompleted    bool                 `json:"is_completed"`
}

// StatusFlow is the full transition table with per-status metadata
type StatusFlow struct {
	Statuses         []StatusInfo                                `json:"statuses"`
	TerminalStatuses []models.OrderStatus                        `json:"terminal_statuses"`
	ActiveStatuses   []models.OrderStatus                        `json:"active_statuses"`
	WorkflowStages   map[string][]models.OrderStatus             `json:"workflow_stages"`
	Transitions      map[models.OrderStatus][]models.OrderStatus `json:"transitions"`
}

// BuildStatusFlow describes the order state machine
func BuildStatusFlow() StatusFlow {
	flow := StatusFlow{
		Transitions: make(map[models.OrderStatus][]models.OrderStatus, len(statusTransitions)),
		WorkflowStages: map[string][]models.OrderStatus{
			"initial":    {models.StatusPending},
			"processing": {models.StatusConfirmed, models.StatusProcessing, models.StatusShipped},
			"completed":  {models.StatusDelivered, models.StatusExchanged, models.StatusRefunded},
			"cancelled":  {models.StatusCancelled},
			"returned":   {models.StatusReturned},
		},
	}

	for _, s := range models.AllStatuses {
		terminal := IsTerminal(s)
		info := StatusInfo{
			Status:         s,
			Description:    statusDescriptions[s],
			IsTerminal:     terminal,
			AllowedNext:    AllowedTransitions(s),
			CanBeCancelled: s == models.StatusPending || s == models.StatusConfirmed,
			CanBeReturned:  s == models.StatusDelivered,
			CanBeExchanged: s == models.StatusDelivered,
			RequiresAction: s == models.StatusPending || s == models.StatusConfirmed || s == models.StatusProcessing,
			IsCompleted:    s == models.StatusDelivered || s == models.StatusExchanged || s == models.StatusRefunded,
		}
		flow.Statuses = append(flow.Statuses, info)
		flow.Transitions[s] = info.AllowedNext
		if terminal {
			flow.TerminalStatuses = append(flow.TerminalStatuses, s)
		} else {
			flow.ActiveStatuses = append(flow.ActiveStatuses, s)
		}
	}
	return flow
}

// Transition is a requested status change
type Transition struct {
	To      models.OrderStatus
	ActorID int64
	IsAdmin bool
	Reason  string

	// workflowStep marks moves driven by the exchange and payment flows, which
	// carry their own preconditions and keep lifecycle timestamps already set.
	workflowStep bool
}

// StateMachine validates and applies order status transitions
type StateMachine struct {
	catalog Catalog
	now     Clock
	logger  *zap.Logger
}

// NewStateMachine creates a state machine that restores stock through catalog
func NewStateMachine(catalog Catalog, now Clock) *StateMachine {
	return &StateMachine{
		catalog: catalog,
		now:     now,
		logger:  util.GetLogger(),
	}
}

// Apply validates t against order, then writes the new status, its side effects
// and exactly one history entry. It must run inside the caller's transaction.
func (sm *StateMachine) Apply(ctx context.Context, order *models.Order, t Transition) error {
	from := order.OrderStatus
	now := sm.now()

	if !t.To.Valid() {
		return apperror.Validation("unknown order status %q", t.To)
	}
	if from == t.To {
		return apperror.Validation("order is already %s", from)
	}
	if !CanTransition(from, t.To, t.IsAdmin) {
		util.OrderTransitionsRejected.WithLabelValues(string(t.To)).Inc()
		return apperror.Validation("invalid status transition from %s to %s", from, t.To)
	}
	if !t.workflowStep {
		if err := checkBusinessRules(order, t.To, now); err != nil {
			util.OrderTransitionsRejected.WithLabelValues(string(t.To)).Inc()
			return err
		}
	}

	if err := sm.applySideEffects(ctx, order, t, now); err != nil {
		return err
	}

	order.OrderStatus = t.To
	order.UpdatedAt = now
	order.StatusHistory = append(order.StatusHistory, models.StatusHistoryEntry{
		OrderID:   order.ID,
		Status:    t.To,
		Timestamp: now,
		ActorID:   t.ActorID,
		Notes:     t.Reason,
	})

	util.OrderTransitionsTotal.WithLabelValues(string(from), string(t.To)).Inc()
	sm.logger.Info("Order status changed",
		zap.Int64("order_id", order.ID),
		zap.String("from", string(from)),
		zap.String("to", string(t.To)),
		zap.Int64("actor_id", t.ActorID),
		zap.Bool("admin", t.IsAdmin))
	return nil
}

func checkBusinessRules(order *models.Order, to models.OrderStatus, now time.Time) error {
	rules := order.BusinessRules

	switch to {
	case models.StatusCancelled:
		if order.OrderStatus != models.StatusPending && order.OrderStatus != models.StatusConfirmed {
			return apperror.Validation("order cannot be cancelled at this stage")
		}
		if !rules.AllowCancellation {
			return apperror.Validation("cancellation is not allowed for this order")
		}
	case models.StatusReturned:
		if order.OrderStatus != models.StatusDelivered || !rules.AllowReturn {
			return apperror.Validation("order cannot be returned at this stage")
		}
		if !withinWindow(order.DeliveredAt, rules.ReturnWindowDays, now) {
			return apperror.Validation("return window of %d days has passed", rules.ReturnWindowDays)
		}
	case models.StatusRefunded:
		if order.PaymentStatus != models.PaymentPaid {
			return apperror.Validation("order must be paid before refund")
		}
	case models.StatusExchanged:
		if err := checkExchangeEligible(order, now); err != nil {
			return err
		}
	}
	return nil
}

func checkExchangeEligible(order *models.Order, now time.Time) error {
	rules := order.BusinessRules
	if order.OrderStatus != models.StatusDelivered || !rules.AllowExchange {
		return apperror.Validation("order cannot be exchanged at this stage")
	}
	if !withinWindow(order.DeliveredAt, rules.ExchangeWindowDays, now) {
		return apperror.Validation("exchange window of %d days has passed", rules.ExchangeWindowDays)
	}
	return nil
}

// withinWindow counts whole days since delivery
func withinWindow(deliveredAt *time.Time, windowDays int, now time.Time) bool {
	if deliveredAt == nil {
		return false
	}
	days := int(now.Sub(*deliveredAt) / (24 * time.Hour))
	return days <= windowDays
}

func (sm *StateMachine) applySideEffects(ctx context.Context, order *models.Order, t Transition, now time.Time) error {
	stamp := func(field **time.Time) {
		if t.workflowStep && *field != nil {
			return
		}
		ts := now
		*field = &ts
	}

	switch t.To {
	case models.StatusCancelled:
		reason := t.Reason
		if reason == "" {
			reason = "Order cancelled"
		}
		order.Workflow = &models.Cancellation{
			CancelledAt: now,
			CancelledBy: t.ActorID,
			Reason:      reason,
		}
		if err := sm.restoreStock(ctx, order); err != nil {
			return err
		}
	case models.StatusConfirmed:
		stamp(&order.ConfirmedAt)
	case models.StatusProcessing:
		stamp(&order.ProcessedAt)
	case models.StatusShipped:
		stamp(&order.ShippedAt)
	case models.StatusDelivered:
		stamp(&order.DeliveredAt)
	case models.StatusReturned:
		reason := t.Reason
		if reason == "" {
			reason = "Return requested"
		}
		order.Workflow = &models.ReturnRequest{
			RequestedAt: now,
			RequestedBy: t.ActorID,
			Reason:      reason,
			Status:      models.ReturnPending,
		}
	}
	return nil
}

// restoreStock returns every reserved unit to the catalog, once
func (sm *StateMachine) restoreStock(ctx context.Context, order *models.Order) error {
	if !order.StockReserved {
		return nil
	}
	for _, item := range order.Items {
		if err := sm.catalog.AdjustStock(ctx, item.VariantID, item.Quantity); err != nil {
			return fmt.Errorf("failed to restore stock for variant %d: %w", item.VariantID, err)
		}
		util.StockAdjustmentsTotal.WithLabelValues("restore").Inc()
	}
	order.StockReserved = false
	return nil
}
