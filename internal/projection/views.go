// Copyright 2025 James Ross
package projection

import "time"

// PatientSummary is one patient's projection into the queue-state view
// (and, embedded, into the next-turn view and recent history).
type PatientSummary struct {
	PatientID        string    `json:"patientId"`
	PatientName      string    `json:"patientName"`
	Priority         string    `json:"priority"`
	ConsultationType string    `json:"consultationType"`
	State            string    `json:"state"`
	CheckInTime      time.Time `json:"checkInTime"`
	QueuePosition    int       `json:"queuePosition"`
	StationID        string    `json:"stationId,omitempty"`
}

// MonitorView is the counts-and-utilization read view keyed by queueId.
// UtilizationPercent and AverageWaitMinutes are never persisted with the
// rest of the view; they're computed on read (§4.5: "average wait time may
// be computed on read from checkInTime values") and populated by
// ApplyDerivedFields before the view is returned to a caller.
type MonitorView struct {
	QueueID              string    `json:"queueId"`
	MaxCapacity          int       `json:"maxCapacity"`
	LowPriorityCount     int       `json:"lowPriorityCount"`
	MediumPriorityCount  int       `json:"mediumPriorityCount"`
	HighPriorityCount    int       `json:"highPriorityCount"`
	UrgentPriorityCount  int       `json:"urgentPriorityCount"`
	TotalPatientsWaiting int       `json:"totalPatientsWaiting"`
	LastCheckInTime      time.Time `json:"lastCheckInTime,omitempty"`
	UtilizationPercent   float64   `json:"utilizationPercent"`
	AverageWaitMinutes   float64   `json:"averageWaitMinutes"`
}

// ApplyDerivedFields sets UtilizationPercent and AverageWaitMinutes from
// m's stored counts and the queue's current patient list, as of now. The
// caller passes the same patients a QueueState query for this queueId
// would return, since the monitor view itself tracks only counts.
func (m *MonitorView) ApplyDerivedFields(patients []PatientSummary, now time.Time) {
	m.UtilizationPercent = computeUtilizationPercent(m.MaxCapacity, m.TotalPatientsWaiting)
	m.AverageWaitMinutes = computeAverageWaitMinutes(patients, now)
}

func computeUtilizationPercent(maxCapacity, totalWaiting int) float64 {
	if maxCapacity <= 0 {
		return 0
	}
	return float64(totalWaiting) / float64(maxCapacity) * 100
}

func computeAverageWaitMinutes(patients []PatientSummary, now time.Time) float64 {
	if len(patients) == 0 {
		return 0
	}
	var total float64
	for _, p := range patients {
		total += now.Sub(p.CheckInTime).Minutes()
	}
	return total / float64(len(patients))
}

// QueueStateView is the ordered-patient-list read view keyed by queueId.
type QueueStateView struct {
	QueueID     string           `json:"queueId"`
	MaxCapacity int              `json:"maxCapacity"`
	Patients    []PatientSummary `json:"patients"`
}

// CurrentCount is the number of active patients currently tracked.
func (q QueueStateView) CurrentCount() int { return len(q.Patients) }

// IsAtCapacity reports whether the queue has no more room for check-ins.
func (q QueueStateView) IsAtCapacity() bool { return len(q.Patients) >= q.MaxCapacity }

// NextTurnView is the single patient currently claimed or called for
// medical attention, if any.
type NextTurnView struct {
	QueueID string          `json:"queueId"`
	Patient *PatientSummary `json:"patient,omitempty"`
}

// AttentionHistoryEntry is one completed consultation retained in the
// bounded recent-history view.
type AttentionHistoryEntry struct {
	PatientID   string    `json:"patientId"`
	PatientName string    `json:"patientName"`
	Outcome     string    `json:"outcome"`
	Notes       string    `json:"notes,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// RecentHistoryLimit bounds how many attention entries the projection
// keeps per queue; recent-history queries cap at this even if a larger
// limit is requested.
const RecentHistoryLimit = 200

func priorityRank(p string) int {
	switch p {
	case "Urgent":
		return -1
	case "High":
		return 0
	case "Medium":
		return 1
	case "Low":
		return 2
	default:
		return 99
	}
}

// sortPatients orders patients by priority tier then check-in time then
// queue position, matching the aggregate's own selection policy (§4.1.1)
// so the queue-state view always lists patients in service order.
func sortPatients(patients []PatientSummary) {
	for i := 1; i < len(patients); i++ {
		for j := i; j > 0 && patientLess(patients[j], patients[j-1]); j-- {
			patients[j], patients[j-1] = patients[j-1], patients[j]
		}
	}
}

func patientLess(a, b PatientSummary) bool {
	ra, rb := priorityRank(a.Priority), priorityRank(b.Priority)
	if ra != rb {
		return ra < rb
	}
	if !a.CheckInTime.Equal(b.CheckInTime) {
		return a.CheckInTime.Before(b.CheckInTime)
	}
	return a.QueuePosition < b.QueuePosition
}
