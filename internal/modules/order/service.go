// README: Order service implements the food-delivery state transitions and their side effects.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"foodrelay/internal/modules/review"
	"foodrelay/internal/modules/settlement"
	"foodrelay/internal/modules/wallet"
	"foodrelay/internal/types"
)

// Reviewer raises operator flags for orders that need manual attention.
type Reviewer interface {
	Flag(ctx context.Context, orderID types.ID, reason review.Reason, detail string) error
}

type Service struct {
	repo     Repository
	engine   *settlement.Engine
	reviewer Reviewer
	log      logrus.FieldLogger
	currency string
	now      func() time.Time
}

func NewService(repo Repository, engine *settlement.Engine, reviewer Reviewer, log logrus.FieldLogger, currency string) *Service {
	return &Service{
		repo:     repo,
		engine:   engine,
		reviewer: reviewer,
		log:      log,
		currency: currency,
		now:      time.Now,
	}
}

type CreateCommand struct {
	ID                 types.ID
	CustomerID         types.ID
	RestaurantID       types.ID
	PaymentMethod      PaymentMethod
	Subtotal           int64
	DeliveryFee        int64
	Tip                int64
	Discount           int64
	FinalTotal         int64
	RestaurantLocation types.Point
	CustomerLocation   types.Point
}

// TransitionCommand drives one of the simple forward transitions.
type TransitionCommand struct {
	OrderID types.ID
	Actor   Actor
	ActorID *types.ID
	Note    string
}

type AssignCommand struct {
	OrderID   types.ID
	CourierID types.ID
}

// CourierCommand is a courier-driven transition; the courier must own the order.
type CourierCommand struct {
	OrderID   types.ID
	CourierID types.ID
}

type CancelCommand struct {
	OrderID types.ID
	Actor   Actor
	ActorID *types.ID
	Reason  string
}

type CancelResult struct {
	Order    *Order
	Released int64
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (types.ID, error) {
	if cmd.CustomerID == "" || cmd.RestaurantID == "" {
		return "", ErrBadRequest
	}
	if cmd.PaymentMethod != PaymentCash && cmd.PaymentMethod != PaymentPrepaid {
		return "", fmt.Errorf("%w: payment method %q", ErrBadRequest, cmd.PaymentMethod)
	}
	amounts := Amounts{
		Subtotal:    cmd.Subtotal,
		DeliveryFee: cmd.DeliveryFee,
		Tip:         cmd.Tip,
		Discount:    cmd.Discount,
		FinalTotal:  cmd.FinalTotal,
	}
	if amounts.Subtotal < 0 || amounts.DeliveryFee < 0 || amounts.Tip < 0 || amounts.Discount < 0 || amounts.FinalTotal < 0 {
		return "", fmt.Errorf("%w: negative amount", ErrBadRequest)
	}
	if !amounts.Consistent() {
		return "", fmt.Errorf("%w: final total %d != subtotal + delivery fee + tip - discount", ErrBadRequest, amounts.FinalTotal)
	}

	id := cmd.ID
	if id == "" {
		id = types.ID(uuid.NewString())
	}
	now := s.now().UTC()
	o := &Order{
		ID:                 id,
		CustomerID:         cmd.CustomerID,
		RestaurantID:       cmd.RestaurantID,
		Status:             StatusPending,
		StatusVersion:      0,
		PaymentMethod:      cmd.PaymentMethod,
		Amounts:            amounts,
		Currency:           s.currency,
		RestaurantLocation: cmd.RestaurantLocation,
		CustomerLocation:   cmd.CustomerLocation,
		CreatedAt:          now,
	}
	customer := cmd.CustomerID
	if err := s.repo.Create(ctx, o, Event{
		OrderID:    id,
		FromStatus: StatusNone,
		ToStatus:   StatusPending,
		ActorType:  ActorCustomer,
		ActorID:    &customer,
		CreatedAt:  now,
	}); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) Confirm(ctx context.Context, cmd TransitionCommand) error {
	return s.advance(ctx, cmd, StatusConfirmed)
}

func (s *Service) StartPreparing(ctx context.Context, cmd TransitionCommand) error {
	return s.advance(ctx, cmd, StatusPreparing)
}

func (s *Service) MarkReady(ctx context.Context, cmd TransitionCommand) error {
	return s.advance(ctx, cmd, StatusReady)
}

func (s *Service) advance(ctx context.Context, cmd TransitionCommand, to Status) error {
	o, err := s.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, to) {
		return s.invalid(ctx, o, to)
	}
	ok, err := s.repo.Transition(ctx, o.ID, o.Status, to, o.StatusVersion, Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   to,
		ActorType:  cmd.Actor,
		ActorID:    cmd.ActorID,
		Note:       cmd.Note,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// Assign moves a ready order to assigned. Only the dispatcher calls it. Cash
// orders hold the final total against the courier's wallet in the same
// unit of work; a failed hold surfaces wallet.ErrInsufficientBalance.
func (s *Service) Assign(ctx context.Context, cmd AssignCommand) error {
	if cmd.CourierID == "" {
		return ErrBadRequest
	}
	o, err := s.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if o.Status != StatusReady || o.CourierID != nil {
		return ErrAssignmentConflict
	}
	var hold int64
	if o.PaymentMethod == PaymentCash {
		hold = o.Amounts.FinalTotal
	}
	return s.repo.Assign(ctx, AssignRequest{
		Order:      o,
		CourierID:  cmd.CourierID,
		HoldAmount: hold,
		Event: Event{
			OrderID:    o.ID,
			FromStatus: StatusReady,
			ToStatus:   StatusAssigned,
			ActorType:  ActorDispatcher,
			Note:       "courier " + string(cmd.CourierID),
			CreatedAt:  s.now().UTC(),
		},
	})
}

func (s *Service) StartPickup(ctx context.Context, cmd CourierCommand) error {
	o, err := s.ownedBy(ctx, cmd)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, StatusPickingUp) {
		return s.invalid(ctx, o, StatusPickingUp)
	}
	courier := cmd.CourierID
	ok, err := s.repo.Transition(ctx, o.ID, o.Status, StatusPickingUp, o.StatusVersion, Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   StatusPickingUp,
		ActorType:  ActorCourier,
		ActorID:    &courier,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// Deliver completes the order and settles it exactly once. A repeated call
// on a delivered order returns ErrAlreadySettled. When settlement cannot be
// applied the order stays picking_up and is flagged for review.
func (s *Service) Deliver(ctx context.Context, cmd CourierCommand) (*Order, settlement.Split, error) {
	o, err := s.ownedBy(ctx, cmd)
	if err != nil {
		return nil, settlement.Split{}, err
	}
	if o.Status == StatusDelivered {
		return nil, settlement.Split{}, ErrAlreadySettled
	}
	if !CanTransition(o.Status, StatusDelivered) {
		return nil, settlement.Split{}, s.invalid(ctx, o, StatusDelivered)
	}

	split, err := s.engine.Compute(settlement.Input{
		Subtotal:    o.Amounts.Subtotal,
		DeliveryFee: o.Amounts.DeliveryFee,
		Tip:         o.Amounts.Tip,
	})
	if err != nil {
		return nil, settlement.Split{}, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}

	courier := cmd.CourierID
	err = s.repo.Deliver(ctx, DeliverRequest{
		Order: o,
		Settlement: wallet.SettleCommand{
			OrderID:           o.ID,
			RestaurantID:      o.RestaurantID,
			CourierID:         cmd.CourierID,
			Escrowed:          o.Amounts.FinalTotal,
			RestaurantRevenue: split.RestaurantRevenue,
			CourierPayment:    split.CourierPayment,
			PlatformRevenue:   split.PlatformRevenue,
			Discount:          o.Amounts.Discount,
		},
		PlatformFee: split.PlatformRevenue,
		Event: Event{
			OrderID:    o.ID,
			FromStatus: StatusPickingUp,
			ToStatus:   StatusDelivered,
			ActorType:  ActorCourier,
			ActorID:    &courier,
			CreatedAt:  s.now().UTC(),
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadySettled):
		return nil, settlement.Split{}, ErrAlreadySettled
	case errors.Is(err, ErrConflict):
		if cur, getErr := s.repo.Get(ctx, o.ID); getErr == nil && cur.Status == StatusDelivered {
			return nil, settlement.Split{}, ErrAlreadySettled
		}
		return nil, settlement.Split{}, err
	case errors.Is(err, ErrSettlementFailed):
		s.log.WithField("order_id", o.ID).WithError(err).Error("settlement failed; order left picking_up")
		s.flag(ctx, o.ID, review.ReasonSettlementFailed, err.Error())
		return nil, settlement.Split{}, err
	default:
		return nil, settlement.Split{}, err
	}

	delivered, err := s.repo.Get(ctx, o.ID)
	if err != nil {
		return nil, settlement.Split{}, err
	}
	return delivered, split, nil
}

// Cancel moves any non-terminal order to cancelled and releases its escrow
// back to the payer without running the fee split.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (CancelResult, error) {
	o, err := s.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		return CancelResult{}, err
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return CancelResult{}, s.invalid(ctx, o, StatusCancelled)
	}
	released, err := s.repo.Cancel(ctx, CancelRequest{
		Order:  o,
		Reason: cmd.Reason,
		Event: Event{
			OrderID:    o.ID,
			FromStatus: o.Status,
			ToStatus:   StatusCancelled,
			ActorType:  cmd.Actor,
			ActorID:    cmd.ActorID,
			Note:       cmd.Reason,
			CreatedAt:  s.now().UTC(),
		},
	})
	if err != nil {
		return CancelResult{}, err
	}
	return CancelResult{Order: o, Released: released}, nil
}

// ConfirmPayment records a gateway payment for a prepaid order as escrow.
// The amount must match the order's final total and the order must not be
// cancelled.
func (s *Service) ConfirmPayment(ctx context.Context, orderID types.ID, amount int64) error {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := checkPayment(o, amount); err != nil {
		return err
	}
	return s.repo.ConfirmPayment(ctx, o.ID, amount)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) History(ctx context.Context, id types.ID) ([]Event, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, id)
}

func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]Order, error) {
	return s.repo.ListByStatus(ctx, status, limit)
}

func (s *Service) ownedBy(ctx context.Context, cmd CourierCommand) (*Order, error) {
	if cmd.CourierID == "" {
		return nil, ErrBadRequest
	}
	o, err := s.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if o.CourierID == nil || *o.CourierID != cmd.CourierID {
		return nil, fmt.Errorf("%w: order %s is not assigned to courier %s", ErrBadRequest, o.ID, cmd.CourierID)
	}
	return o, nil
}

func (s *Service) invalid(ctx context.Context, o *Order, to Status) error {
	detail := fmt.Sprintf("%s -> %s", o.Status, to)
	s.log.WithFields(logrus.Fields{"order_id": o.ID, "from": o.Status, "to": to}).Error("invalid order transition")
	s.flag(ctx, o.ID, review.ReasonInvalidTransition, detail)
	return fmt.Errorf("%w: %s", ErrInvalidTransition, detail)
}

func (s *Service) flag(ctx context.Context, id types.ID, reason review.Reason, detail string) {
	if s.reviewer == nil {
		return
	}
	if err := s.reviewer.Flag(ctx, id, reason, detail); err != nil {
		s.log.WithField("order_id", id).WithError(err).Error("flag order for review")
	}
}
