package domain

import "github.com/codeready-toolchain/waitingroom/internal/events"

// apply folds a single event payload into the aggregate's in-memory
// state. This is the only place state is mutated; it is a pure function
// of (current state, payload) with no I/O and no clock reads, so folding
// the same history twice always yields identical state. Every concrete
// payload type produced by this package must have a case here; an
// unhandled payload panics. TestRegistryCoversEveryFoldCase in
// internal/events only checks that the registry holds 15 event names,
// one per value/pointer case pair below.
func (q *WaitingQueue) apply(payload events.Payload) {
	switch e := payload.(type) {
	case events.WaitingQueueCreated:
		q.applyQueueCreated(e)
	case *events.WaitingQueueCreated:
		q.applyQueueCreated(*e)
	case events.PatientCheckedIn:
		q.applyPatientCheckedIn(e)
	case *events.PatientCheckedIn:
		q.applyPatientCheckedIn(*e)
	case events.PatientCalledAtCashier:
		q.applyPatientCalledAtCashier(e)
	case *events.PatientCalledAtCashier:
		q.applyPatientCalledAtCashier(*e)
	case events.PatientReturnedToQueue:
		q.applyPatientReturnedToQueue(e)
	case *events.PatientReturnedToQueue:
		q.applyPatientReturnedToQueue(*e)
	case events.PatientPaymentValidated:
		q.applyPatientPaymentValidated(e)
	case *events.PatientPaymentValidated:
		q.applyPatientPaymentValidated(*e)
	case events.PatientPaymentPending:
		q.applyPatientPaymentPending(e)
	case *events.PatientPaymentPending:
		q.applyPatientPaymentPending(*e)
	case events.PatientMarkedAbsentAtCashier:
		q.applyPatientMarkedAbsentAtCashier(e)
	case *events.PatientMarkedAbsentAtCashier:
		q.applyPatientMarkedAbsentAtCashier(*e)
	case events.PatientCancelledByPayment:
		q.applyPatientCancelledByPayment(e)
	case *events.PatientCancelledByPayment:
		q.applyPatientCancelledByPayment(*e)
	case events.ConsultingRoomActivated:
		q.applyConsultingRoomActivated(e)
	case *events.ConsultingRoomActivated:
		q.applyConsultingRoomActivated(*e)
	case events.ConsultingRoomDeactivated:
		q.applyConsultingRoomDeactivated(e)
	case *events.ConsultingRoomDeactivated:
		q.applyConsultingRoomDeactivated(*e)
	case events.PatientClaimedForAttention:
		q.applyPatientClaimedForAttention(e)
	case *events.PatientClaimedForAttention:
		q.applyPatientClaimedForAttention(*e)
	case events.PatientConsultationStarted:
		q.applyPatientConsultationStarted(e)
	case *events.PatientConsultationStarted:
		q.applyPatientConsultationStarted(*e)
	case events.PatientConsultationCompleted:
		q.applyPatientConsultationCompleted(e)
	case *events.PatientConsultationCompleted:
		q.applyPatientConsultationCompleted(*e)
	case events.PatientMarkedAbsentAtConsultation:
		q.applyPatientMarkedAbsentAtConsultation(e)
	case *events.PatientMarkedAbsentAtConsultation:
		q.applyPatientMarkedAbsentAtConsultation(*e)
	case events.PatientCancelledByAbsence:
		q.applyPatientCancelledByAbsence(e)
	case *events.PatientCancelledByAbsence:
		q.applyPatientCancelledByAbsence(*e)
	default:
		panic("domain: unhandled event payload in fold")
	}
}

func (q *WaitingQueue) applyQueueCreated(e events.WaitingQueueCreated) {
	q.QueueID = e.QueueID
	q.QueueName = e.QueueName
	q.MaxCapacity = e.MaxCapacity
	if q.activeRooms == nil {
		q.activeRooms = map[string]struct{}{}
	}
}

func (q *WaitingQueue) applyPatientCheckedIn(e events.PatientCheckedIn) {
	q.patients = append(q.patients, &WaitingPatient{
		PatientID:        e.PatientID,
		PatientName:      e.PatientName,
		Priority:         Priority(e.Priority),
		ConsultationType: e.ConsultationType,
		CheckInTime:      e.CheckInTime,
		QueuePosition:    e.QueuePosition,
		Notes:            e.Notes,
		State:            StateEnEsperaTaquilla,
	})
}

func (q *WaitingQueue) applyPatientCalledAtCashier(e events.PatientCalledAtCashier) {
	if p := q.findPatient(e.PatientID); p != nil {
		p.State = StateEnTaquilla
	}
	q.currentCashierPatient = e.PatientID
}

func (q *WaitingQueue) applyPatientReturnedToQueue(e events.PatientReturnedToQueue) {
	if p := q.findPatient(e.PatientID); p != nil {
		p.State = StateEnEsperaTaquilla
	}
	if q.currentCashierPatient == e.PatientID {
		q.currentCashierPatient = ""
	}
}

func (q *WaitingQueue) applyPatientPaymentValidated(e events.PatientPaymentValidated) {
	if p := q.findPatient(e.PatientID); p != nil {
		p.State = StateEnEsperaConsulta
	}
	if q.currentCashierPatient == e.PatientID {
		q.currentCashierPatient = ""
	}
}

func (q *WaitingQueue) applyPatientPaymentPending(e events.PatientPaymentPending) {
	if p := q.findPatient(e.PatientID); p != nil {
		p.State = StatePagoPendiente
		p.PaymentAttempts = e.Attempts
	}
}

func (q *WaitingQueue) applyPatientMarkedAbsentAtCashier(e events.PatientMarkedAbsentAtCashier) {
	if p := q.findPatient(e.PatientID); p != nil {
		p.State = StateAusenteTaquilla
		p.CashierAbsenceRetries = e.Retries
	}
}

func (q *WaitingQueue) applyPatientCancelledByPayment(e events.PatientCancelledByPayment) {
	if p := q.findPatient(e.PatientID); p != nil {
		p.State = StateCanceladoPorPago
	}
	if q.currentCashierPatient == e.PatientID {
		q.currentCashierPatient = ""
	}
}

func (q *WaitingQueue) applyConsultingRoomActivated(e events.ConsultingRoomActivated) {
	if q.activeRooms == nil {
		q.activeRooms = map[string]struct{}{}
	}
	q.activeRooms[e.RoomID] = struct{}{}
}

func (q *WaitingQueue) applyConsultingRoomDeactivated(e events.ConsultingRoomDeactivated) {
	delete(q.activeRooms, e.RoomID)
}

func (q *WaitingQueue) applyPatientClaimedForAttention(e events.PatientClaimedForAttention) {
	if p := q.findPatient(e.PatientID); p != nil {
		p.State = StateLlamadoConsulta
		p.ClaimingRoomID = e.StationID
	}
	q.currentAttentionPatient = e.PatientID
}

func (q *WaitingQueue) applyPatientConsultationStarted(e events.PatientConsultationStarted) {
	if p := q.findPatient(e.PatientID); p != nil {
		p.State = StateEnConsulta
	}
}

func (q *WaitingQueue) applyPatientConsultationCompleted(e events.PatientConsultationCompleted) {
	if p := q.findPatient(e.PatientID); p != nil {
		p.State = StateFinalizado
		p.Notes = e.Notes
	}
	if q.currentAttentionPatient == e.PatientID {
		q.currentAttentionPatient = ""
	}
}

func (q *WaitingQueue) applyPatientMarkedAbsentAtConsultation(e events.PatientMarkedAbsentAtConsultation) {
	if p := q.findPatient(e.PatientID); p != nil {
		p.State = StateAusenteConsulta
		p.ConsultationAbsenceRetries = e.Retries
	}
}

func (q *WaitingQueue) applyPatientCancelledByAbsence(e events.PatientCancelledByAbsence) {
	if p := q.findPatient(e.PatientID); p != nil {
		p.State = StateCanceladoPorAusencia
	}
	if q.currentAttentionPatient == e.PatientID {
		q.currentAttentionPatient = ""
	}
}
