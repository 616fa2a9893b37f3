package domain

import "time"

// Priority is the patient triage tier used by the cashier and
// consultation selection policies.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// rank orders priorities for selection: lower rank is served first.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	case PriorityUrgent:
		return -1
	default:
		return 99
	}
}

// PatientCategory is an optional triage hint on check-in that drives
// auto-prioritization, independent of any manually requested Priority.
type PatientCategory string

const (
	CategoryNone       PatientCategory = ""
	CategoryGestante   PatientCategory = "Gestante"
	CategoryMenor      PatientCategory = "Menor"
	CategoryMayorDe65  PatientCategory = "MayorDe65"
	CategoryNormal     PatientCategory = "Normal"
)

func (c PatientCategory) autoPrioritized() bool {
	switch c {
	case CategoryGestante, CategoryMenor, CategoryMayorDe65:
		return true
	default:
		return false
	}
}

// State is a patient's position in the per-patient state machine.
type State string

const (
	StateRegistrado          State = "Registrado"
	StateEnEsperaTaquilla    State = "EnEsperaTaquilla"
	StateEnTaquilla          State = "EnTaquilla"
	StatePagoValidado        State = "PagoValidado"
	StatePagoPendiente       State = "PagoPendiente"
	StateAusenteTaquilla     State = "AusenteTaquilla"
	StateCanceladoPorPago    State = "CanceladoPorPago"
	StateEnEsperaConsulta    State = "EnEsperaConsulta"
	StateLlamadoConsulta     State = "LlamadoConsulta"
	StateEnConsulta          State = "EnConsulta"
	StateAusenteConsulta     State = "AusenteConsulta"
	StateCanceladoPorAusencia State = "CanceladoPorAusencia"
	StateFinalizado          State = "Finalizado"
)

// terminal reports whether a patient in this state has left the queue
// for good; a new check-in with the same patientId is only rejected
// while the existing one is non-terminal (invariant 5).
func (s State) terminal() bool {
	switch s {
	case StateFinalizado, StateCanceladoPorPago, StateCanceladoPorAusencia:
		return true
	default:
		return false
	}
}

// Selection/retry limits. Named per the business rule they enforce
// rather than left as bare literals scattered through the fold.
const (
	MaxCashierPaymentAttempts     = 3
	MaxCashierAbsenceRetries      = 2
	MaxConsultationAbsenceRetries = 1
)

// WaitingPatient is the per-patient entity nested inside WaitingQueue.
type WaitingPatient struct {
	PatientID                 string
	PatientName                string
	Priority                   Priority
	ConsultationType           string
	CheckInTime                time.Time
	QueuePosition              int
	Notes                      string
	State                      State
	PaymentAttempts            int
	CashierAbsenceRetries      int
	ConsultationAbsenceRetries int
	ClaimingRoomID             string
}

// CheckInRequest is the input to CheckInPatient.
type CheckInRequest struct {
	PatientID        string
	PatientName      string
	Priority         Priority
	Category         PatientCategory
	ConsultationType string
	Notes            string
}

// resolvePriority applies the auto-prioritization rule: a recognized
// triage category always overrides whatever priority was requested;
// otherwise the requested priority is honored as staff discretion
// (Urgent included — auto-prioritization never assigns Urgent itself,
// but a human may), defaulting to Medium when none was given.
func (r CheckInRequest) resolvePriority() Priority {
	if r.Category.autoPrioritized() {
		return PriorityHigh
	}
	if r.Priority != "" {
		return r.Priority
	}
	return PriorityMedium
}
