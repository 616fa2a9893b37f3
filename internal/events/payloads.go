package events

import "time"

// WaitingQueueCreated is the first event in every queue's history.
type WaitingQueueCreated struct {
	QueueID     string `json:"queueId"`
	QueueName   string `json:"queueName"`
	MaxCapacity int    `json:"maxCapacity"`
}

func (WaitingQueueCreated) EventName() string { return "WaitingQueueCreated" }

// PatientCheckedIn moves a patient from Registrado into EnEsperaTaquilla.
type PatientCheckedIn struct {
	PatientID        string    `json:"patientId"`
	PatientName      string    `json:"patientName"`
	Priority         string    `json:"priority"`
	ConsultationType string    `json:"consultationType"`
	QueuePosition    int       `json:"queuePosition"`
	CheckInTime      time.Time `json:"checkInTime"`
	Notes            string    `json:"notes,omitempty"`
}

func (PatientCheckedIn) EventName() string { return "PatientCheckedIn" }

// PatientCalledAtCashier moves a patient into EnTaquilla, either by
// selecting them fresh from EnEsperaTaquilla or by re-calling a patient
// who was already the active cashier patient (PagoPendiente -> EnTaquilla).
type PatientCalledAtCashier struct {
	PatientID string `json:"patientId"`
}

func (PatientCalledAtCashier) EventName() string { return "PatientCalledAtCashier" }

// PatientReturnedToQueue reclaims a patient out of AusenteTaquilla back
// into EnEsperaTaquilla so the ordinary selection policy can pick them
// up again.
type PatientReturnedToQueue struct {
	PatientID string `json:"patientId"`
}

func (PatientReturnedToQueue) EventName() string { return "PatientReturnedToQueue" }

// PatientPaymentValidated moves a patient from EnTaquilla through
// PagoValidado and into EnEsperaConsulta.
type PatientPaymentValidated struct {
	PatientID string `json:"patientId"`
}

func (PatientPaymentValidated) EventName() string { return "PatientPaymentValidated" }

// PatientPaymentPending records a failed payment attempt; the patient
// stays (or returns to) PagoPendiente.
type PatientPaymentPending struct {
	PatientID string `json:"patientId"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason,omitempty"`
}

func (PatientPaymentPending) EventName() string { return "PatientPaymentPending" }

// PatientMarkedAbsentAtCashier records a cashier no-show; the patient
// moves to AusenteTaquilla.
type PatientMarkedAbsentAtCashier struct {
	PatientID string `json:"patientId"`
	Retries   int    `json:"retries"`
}

func (PatientMarkedAbsentAtCashier) EventName() string { return "PatientMarkedAbsentAtCashier" }

// PatientCancelledByPayment terminates a patient via CanceladoPorPago,
// either because payment attempts or cashier-absence retries were
// exhausted, or because the cashier explicitly cancelled the visit.
type PatientCancelledByPayment struct {
	PatientID string `json:"patientId"`
	Reason    string `json:"reason"`
}

func (PatientCancelledByPayment) EventName() string { return "PatientCancelledByPayment" }

// ConsultingRoomActivated adds a station to the queue's active set.
type ConsultingRoomActivated struct {
	RoomID string `json:"roomId"`
}

func (ConsultingRoomActivated) EventName() string { return "ConsultingRoomActivated" }

// ConsultingRoomDeactivated removes a station from the queue's active set.
type ConsultingRoomDeactivated struct {
	RoomID string `json:"roomId"`
}

func (ConsultingRoomDeactivated) EventName() string { return "ConsultingRoomDeactivated" }

// PatientClaimedForAttention moves a patient from EnEsperaConsulta (or
// back out of AusenteConsulta, a retry) into LlamadoConsulta at the
// given station.
type PatientClaimedForAttention struct {
	PatientID string `json:"patientId"`
	StationID string `json:"stationId"`
	Retry     bool   `json:"retry"`
}

func (PatientClaimedForAttention) EventName() string { return "PatientClaimedForAttention" }

// PatientConsultationStarted moves a patient from LlamadoConsulta into
// EnConsulta.
type PatientConsultationStarted struct {
	PatientID string `json:"patientId"`
}

func (PatientConsultationStarted) EventName() string { return "PatientConsultationStarted" }

// PatientConsultationCompleted finalizes a patient's visit.
type PatientConsultationCompleted struct {
	PatientID string `json:"patientId"`
	Outcome   string `json:"outcome"`
	Notes     string `json:"notes,omitempty"`
}

func (PatientConsultationCompleted) EventName() string { return "PatientConsultationCompleted" }

// PatientMarkedAbsentAtConsultation records a consultation no-show; the
// patient moves to AusenteConsulta.
type PatientMarkedAbsentAtConsultation struct {
	PatientID string `json:"patientId"`
	Retries   int    `json:"retries"`
}

func (PatientMarkedAbsentAtConsultation) EventName() string {
	return "PatientMarkedAbsentAtConsultation"
}

// PatientCancelledByAbsence terminates a patient via CanceladoPorAusencia
// after a second consultation absence.
type PatientCancelledByAbsence struct {
	PatientID string `json:"patientId"`
}

func (PatientCancelledByAbsence) EventName() string { return "PatientCancelledByAbsence" }
