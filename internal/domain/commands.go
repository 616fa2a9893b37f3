package domain

import "github.com/codeready-toolchain/waitingroom/internal/events"

// CheckInPatient appends the patient to the queue in EnEsperaTaquilla.
func (q *WaitingQueue) CheckInPatient(req CheckInRequest, meta CommandMeta) error {
	if existing := q.findPatient(req.PatientID); existing != nil && !existing.State.terminal() {
		return newError(ErrDuplicatePatient, "patient %q is already in the queue", req.PatientID)
	}
	if q.atCapacity() {
		return newError(ErrQueueAtCapacity, "queue %q is at capacity %d", q.QueueID, q.MaxCapacity)
	}
	priority := req.resolvePriority()
	if !priority.valid() {
		return newError(ErrInvalidPriority, "invalid priority %q", req.Priority)
	}
	if n := len(req.ConsultationType); n < 2 || n > 100 {
		return newError(ErrInvalidConsultationType, "consultation type must be 2..100 characters, got %d", n)
	}
	q.record(meta, events.PatientCheckedIn{
		PatientID:        req.PatientID,
		PatientName:      req.PatientName,
		Priority:         string(priority),
		ConsultationType: req.ConsultationType,
		QueuePosition:    q.nextQueuePosition(),
		CheckInTime:      meta.Now.UTC(),
		Notes:            req.Notes,
	})
	return nil
}

func (q *WaitingQueue) nextQueuePosition() int {
	max := -1
	for _, p := range q.patients {
		if p.QueuePosition > max {
			max = p.QueuePosition
		}
	}
	return max + 1
}

// CallNextAtCashier selects the next patient for cashier processing. If
// the currently active cashier patient is PagoPendiente, it re-calls
// that same patient (PagoPendiente -> EnTaquilla). If that patient is
// AusenteTaquilla, it is first returned to the general pool
// (AusenteTaquilla -> EnEsperaTaquilla) and selection proceeds as usual.
func (q *WaitingQueue) CallNextAtCashier(meta CommandMeta) error {
	if q.currentCashierPatient != "" {
		p := q.findPatient(q.currentCashierPatient)
		switch {
		case p == nil:
			q.currentCashierPatient = ""
		case p.State == StatePagoPendiente:
			q.record(meta, events.PatientCalledAtCashier{PatientID: p.PatientID})
			return nil
		case p.State == StateAusenteTaquilla:
			q.record(meta, events.PatientReturnedToQueue{PatientID: p.PatientID})
		case p.State == StateEnTaquilla:
			return newError(ErrInvalidStateTransition, "patient %q is already being processed at the cashier", p.PatientID)
		}
	}
	next := selectNext(q.patients, StateEnEsperaTaquilla)
	if next == nil {
		return newError(ErrNoActivePatient, "no patient waiting for the cashier")
	}
	q.record(meta, events.PatientCalledAtCashier{PatientID: next.PatientID})
	return nil
}

// ValidatePayment transitions a patient from EnTaquilla, through
// PagoValidado, into EnEsperaConsulta.
func (q *WaitingQueue) ValidatePayment(patientID string, meta CommandMeta) error {
	p, err := q.requirePatientState(patientID, StateEnTaquilla)
	if err != nil {
		return err
	}
	q.record(meta, events.PatientPaymentValidated{PatientID: p.PatientID})
	return nil
}

// MarkPaymentPending records a failed payment attempt. After
// MaxCashierPaymentAttempts, the patient is also cancelled
// (CanceladoPorPago) in the same call.
func (q *WaitingQueue) MarkPaymentPending(patientID string, meta CommandMeta) error {
	p := q.findPatient(patientID)
	if p == nil || (p.State != StateEnTaquilla && p.State != StatePagoPendiente) {
		return newError(ErrInvalidStateTransition, "patient %q is not at the cashier", patientID)
	}
	attempts := p.PaymentAttempts + 1
	q.record(meta, events.PatientPaymentPending{PatientID: p.PatientID, Attempts: attempts})
	if attempts >= MaxCashierPaymentAttempts {
		q.record(meta, events.PatientCancelledByPayment{PatientID: p.PatientID, Reason: "payment_attempts_exceeded"})
	}
	return nil
}

// MarkAbsentAtCashier records a cashier no-show. After
// MaxCashierAbsenceRetries, the patient is also cancelled
// (CanceladoPorPago) in the same call.
func (q *WaitingQueue) MarkAbsentAtCashier(patientID string, meta CommandMeta) error {
	p := q.findPatient(patientID)
	if p == nil || (p.State != StateEnTaquilla && p.State != StatePagoPendiente) {
		return newError(ErrInvalidStateTransition, "patient %q is not at the cashier", patientID)
	}
	retries := p.CashierAbsenceRetries + 1
	q.record(meta, events.PatientMarkedAbsentAtCashier{PatientID: p.PatientID, Retries: retries})
	if retries >= MaxCashierAbsenceRetries {
		q.record(meta, events.PatientCancelledByPayment{PatientID: p.PatientID, Reason: "absence_retries_exceeded"})
	}
	return nil
}

// CancelByPayment cancels a patient still in the cashier flow on staff
// request, independent of the retry/attempt limits.
func (q *WaitingQueue) CancelByPayment(patientID string, meta CommandMeta) error {
	p := q.findPatient(patientID)
	if p == nil || p.State.terminal() {
		return newError(ErrInvalidStateTransition, "patient %q cannot be cancelled from its current state", patientID)
	}
	switch p.State {
	case StateEnTaquilla, StatePagoPendiente, StateAusenteTaquilla, StateEnEsperaTaquilla:
	default:
		return newError(ErrInvalidStateTransition, "patient %q is not in the cashier flow", patientID)
	}
	q.record(meta, events.PatientCancelledByPayment{PatientID: p.PatientID, Reason: "cancelled_by_cashier"})
	return nil
}

// ActivateConsultingRoom adds roomID to the set of stations medical
// staff may claim patients for. Activating an already-active room is a
// domain error, matching the current, pre-existing contract.
func (q *WaitingQueue) ActivateConsultingRoom(roomID string, meta CommandMeta) error {
	if _, active := q.activeRooms[roomID]; active {
		return newError(ErrConsultingRoomAlreadyActive, "room %q is already active", roomID)
	}
	q.record(meta, events.ConsultingRoomActivated{RoomID: roomID})
	return nil
}

// DeactivateConsultingRoom removes roomID from the active set.
// Deactivating an inactive room is a domain error, matching
// ActivateConsultingRoom's symmetric contract.
func (q *WaitingQueue) DeactivateConsultingRoom(roomID string, meta CommandMeta) error {
	if _, active := q.activeRooms[roomID]; !active {
		return newError(ErrConsultingRoomAlreadyInactive, "room %q is not active", roomID)
	}
	q.record(meta, events.ConsultingRoomDeactivated{RoomID: roomID})
	return nil
}

// ClaimNextPatient selects the next patient for medical attention at
// stationID. If the currently claimed patient is AusenteConsulta, this
// is their one permitted retry (AusenteConsulta -> LlamadoConsulta)
// rather than a fresh selection.
func (q *WaitingQueue) ClaimNextPatient(stationID string, meta CommandMeta) error {
	if _, active := q.activeRooms[stationID]; !active {
		return newError(ErrNoActiveConsultingRoom, "station %q is not active", stationID)
	}
	if q.currentAttentionPatient != "" {
		p := q.findPatient(q.currentAttentionPatient)
		if p != nil && p.State == StateAusenteConsulta {
			q.record(meta, events.PatientClaimedForAttention{PatientID: p.PatientID, StationID: stationID, Retry: true})
			return nil
		}
		if p != nil && p.State == StateLlamadoConsulta {
			return newError(ErrInvalidStateTransition, "patient %q is already claimed for attention", p.PatientID)
		}
	}
	next := selectNext(q.patients, StateEnEsperaConsulta)
	if next == nil {
		return newError(ErrNoActivePatient, "no patient waiting for consultation")
	}
	q.record(meta, events.PatientClaimedForAttention{PatientID: next.PatientID, StationID: stationID})
	return nil
}

// StartConsultation moves a claimed patient from LlamadoConsulta into
// EnConsulta.
func (q *WaitingQueue) StartConsultation(patientID string, meta CommandMeta) error {
	p, err := q.requirePatientState(patientID, StateLlamadoConsulta)
	if err != nil {
		return err
	}
	q.record(meta, events.PatientConsultationStarted{PatientID: p.PatientID})
	return nil
}

// CompleteAttention finalizes a patient's visit.
func (q *WaitingQueue) CompleteAttention(patientID, outcome, notes string, meta CommandMeta) error {
	p, err := q.requirePatientState(patientID, StateEnConsulta)
	if err != nil {
		return err
	}
	q.record(meta, events.PatientConsultationCompleted{PatientID: p.PatientID, Outcome: outcome, Notes: notes})
	return nil
}

// MarkAbsentAtConsultation records a consultation no-show. After
// MaxConsultationAbsenceRetries, the patient is also cancelled
// (CanceladoPorAusencia) in the same call.
func (q *WaitingQueue) MarkAbsentAtConsultation(patientID string, meta CommandMeta) error {
	p, err := q.requirePatientState(patientID, StateLlamadoConsulta)
	if err != nil {
		return err
	}
	retries := p.ConsultationAbsenceRetries + 1
	q.record(meta, events.PatientMarkedAbsentAtConsultation{PatientID: p.PatientID, Retries: retries})
	if retries > MaxConsultationAbsenceRetries {
		q.record(meta, events.PatientCancelledByAbsence{PatientID: p.PatientID})
	}
	return nil
}

func (q *WaitingQueue) requirePatientState(patientID string, want State) (*WaitingPatient, error) {
	p := q.findPatient(patientID)
	if p == nil {
		return nil, newError(ErrNoActivePatient, "no such patient %q", patientID)
	}
	if p.State != want {
		return nil, newError(ErrInvalidStateTransition, "patient %q is in state %s, expected %s", patientID, p.State, want)
	}
	return p, nil
}
