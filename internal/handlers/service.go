// Copyright 2025 James Ross
package handlers

import (
	"context"
	"time"

	"github.com/codeready-toolchain/waitingroom/internal/domain"
	"github.com/codeready-toolchain/waitingroom/internal/eventstore"
	"github.com/google/uuid"
)

// CommandContext carries the per-request causal identity the HTTP
// adapter attaches to a command: the correlation id it generated or
// echoed, and the actor making the request. The logical command id used
// as CausationID for every event the command produces is minted per
// call by Service.meta, not carried here (§6).
type CommandContext struct {
	CorrelationID string
	Actor         string
}

// Service is the write-side command orchestrator: load the aggregate,
// invoke exactly one command against it, persist via the event store.
// It holds no aggregate state itself, matching spec.md §5's "aggregates
// are not shared in memory across requests" rule.
type Service struct {
	store *eventstore.Store
}

func NewService(store *eventstore.Store) *Service {
	return &Service{store: store}
}

func (s *Service) meta(cc CommandContext) domain.CommandMeta {
	now := time.Now().UTC()
	id := uuid.NewString()
	return domain.CommandMeta{
		EventID:        id,
		CorrelationID:  cc.CorrelationID,
		CausationID:    id,
		Actor:          cc.Actor,
		IdempotencyKey: id,
		Now:            now,
	}
}

func (s *Service) load(ctx context.Context, queueID string) (*domain.WaitingQueue, error) {
	agg, err := s.store.Load(ctx, queueID)
	if err != nil {
		return nil, unexpected(err)
	}
	if agg == nil {
		return nil, notFound("queue %q not found", queueID)
	}
	return agg, nil
}

func (s *Service) save(ctx context.Context, queueID string, agg *domain.WaitingQueue) error {
	if err := s.store.Save(ctx, queueID, agg); err != nil {
		return translate(err)
	}
	return nil
}

// CreateQueue creates a new waiting room. Unlike every other command,
// it does not load an existing aggregate first.
func (s *Service) CreateQueue(ctx context.Context, queueID, queueName string, maxCapacity int, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := domain.NewWaitingQueue(queueID, queueName, maxCapacity, s.meta(cc))
	if err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// CheckInPatient registers a patient at reception (§6 "POST /api/reception/register").
func (s *Service) CheckInPatient(ctx context.Context, queueID string, req domain.CheckInRequest, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.CheckInPatient(req, s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// CallNextAtCashier advances the cashier queue.
func (s *Service) CallNextAtCashier(ctx context.Context, queueID string, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.CallNextAtCashier(s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// ValidatePayment confirms a cashier payment.
func (s *Service) ValidatePayment(ctx context.Context, queueID, patientID string, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.ValidatePayment(patientID, s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// MarkPaymentPending records a failed cashier payment attempt.
func (s *Service) MarkPaymentPending(ctx context.Context, queueID, patientID string, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.MarkPaymentPending(patientID, s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// MarkAbsentAtCashier records a cashier no-show.
func (s *Service) MarkAbsentAtCashier(ctx context.Context, queueID, patientID string, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.MarkAbsentAtCashier(patientID, s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// CancelByPayment cancels a patient still in the cashier flow.
func (s *Service) CancelByPayment(ctx context.Context, queueID, patientID string, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.CancelByPayment(patientID, s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// ActivateConsultingRoom brings a consulting room online.
func (s *Service) ActivateConsultingRoom(ctx context.Context, queueID, roomID string, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.ActivateConsultingRoom(roomID, s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// DeactivateConsultingRoom takes a consulting room offline.
func (s *Service) DeactivateConsultingRoom(ctx context.Context, queueID, roomID string, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.DeactivateConsultingRoom(roomID, s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// ClaimNextPatient selects the next patient for medical attention at stationID.
func (s *Service) ClaimNextPatient(ctx context.Context, queueID, stationID string, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.ClaimNextPatient(stationID, s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// StartConsultation moves a claimed patient into consultation.
func (s *Service) StartConsultation(ctx context.Context, queueID, patientID string, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.StartConsultation(patientID, s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// CompleteAttention finalizes a patient's visit.
func (s *Service) CompleteAttention(ctx context.Context, queueID, patientID, outcome, notes string, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.CompleteAttention(patientID, outcome, notes, s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// MarkAbsentAtConsultation records a consultation no-show.
func (s *Service) MarkAbsentAtConsultation(ctx context.Context, queueID, patientID string, cc CommandContext) (*domain.WaitingQueue, error) {
	agg, err := s.load(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if err := agg.MarkAbsentAtConsultation(patientID, s.meta(cc)); err != nil {
		return nil, translate(err)
	}
	if err := s.save(ctx, queueID, agg); err != nil {
		return nil, err
	}
	return agg, nil
}
