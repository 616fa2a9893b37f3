// Copyright 2025 James Ross
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codeready-toolchain/waitingroom/internal/events"
)

// supportedEventNames lists every event name this projection has a
// handler for; handlerFor(eventName) per §4.5 is this membership test.
var supportedEventNames = map[string]bool{
	"WaitingQueueCreated":               true,
	"PatientCheckedIn":                  true,
	"PatientCalledAtCashier":            true,
	"PatientReturnedToQueue":            true,
	"PatientPaymentValidated":           true,
	"PatientPaymentPending":             true,
	"PatientMarkedAbsentAtCashier":      true,
	"PatientCancelledByPayment":         true,
	"ConsultingRoomActivated":           true,
	"ConsultingRoomDeactivated":         true,
	"PatientClaimedForAttention":        true,
	"PatientConsultationStarted":        true,
	"PatientConsultationCompleted":      true,
	"PatientMarkedAbsentAtConsultation": true,
	"PatientCancelledByAbsence":         true,
}

// handlerFor reports whether this projection has a handler for
// eventName (§4.5: "handlerFor(eventName) → handler | none").
func handlerFor(eventName string) bool {
	return supportedEventNames[eventName]
}

// applyEvent updates every view affected by e within tx. It is the
// handler body referenced by §4.5 step 3 ("Update all affected views
// with deterministic operations"); ConsultingRoomActivated/Deactivated
// have no denormalized projection and are accepted as a no-op, since
// nothing in the read views depends on the active-room set directly.
func applyEvent(ctx context.Context, tx *sql.Tx, s *Store, queueID string, e events.Event, now time.Time) error {
	switch p := e.Payload.(type) {
	case *events.WaitingQueueCreated:
		return applyQueueCreated(ctx, tx, s, *p, now)
	case *events.PatientCheckedIn:
		return applyPatientCheckedIn(ctx, tx, s, queueID, *p, now)
	case *events.PatientCalledAtCashier:
		return setPatientState(ctx, tx, s, queueID, p.PatientID, "EnTaquilla", "", now)
	case *events.PatientReturnedToQueue:
		return setPatientState(ctx, tx, s, queueID, p.PatientID, "EnEsperaTaquilla", "", now)
	case *events.PatientPaymentValidated:
		return setPatientState(ctx, tx, s, queueID, p.PatientID, "EnEsperaConsulta", "", now)
	case *events.PatientPaymentPending:
		return setPatientState(ctx, tx, s, queueID, p.PatientID, "PagoPendiente", "", now)
	case *events.PatientMarkedAbsentAtCashier:
		return setPatientState(ctx, tx, s, queueID, p.PatientID, "AusenteTaquilla", "", now)
	case *events.PatientCancelledByPayment:
		return removePatient(ctx, tx, s, queueID, p.PatientID, now)
	case *events.ConsultingRoomActivated, *events.ConsultingRoomDeactivated:
		return nil
	case *events.PatientClaimedForAttention:
		return applyClaimedForAttention(ctx, tx, s, queueID, *p, now)
	case *events.PatientConsultationStarted:
		if err := setPatientState(ctx, tx, s, queueID, p.PatientID, "EnConsulta", "", now); err != nil {
			return err
		}
		return clearNextTurnIfMatches(ctx, tx, s, queueID, p.PatientID, now)
	case *events.PatientConsultationCompleted:
		return applyConsultationCompleted(ctx, tx, s, queueID, *p, now)
	case *events.PatientMarkedAbsentAtConsultation:
		if err := setPatientState(ctx, tx, s, queueID, p.PatientID, "AusenteConsulta", "", now); err != nil {
			return err
		}
		return clearNextTurnIfMatches(ctx, tx, s, queueID, p.PatientID, now)
	case *events.PatientCancelledByAbsence:
		return removePatient(ctx, tx, s, queueID, p.PatientID, now)
	default:
		return fmt.Errorf("projection: no handler for event %q", e.Name)
	}
}

func applyQueueCreated(ctx context.Context, tx *sql.Tx, s *Store, e events.WaitingQueueCreated, now time.Time) error {
	if err := putMonitor(ctx, tx, s.portable, MonitorView{QueueID: e.QueueID, MaxCapacity: e.MaxCapacity}, now); err != nil {
		return err
	}
	return putQueueState(ctx, tx, s.portable, QueueStateView{QueueID: e.QueueID, MaxCapacity: e.MaxCapacity, Patients: []PatientSummary{}}, now)
}

func applyPatientCheckedIn(ctx context.Context, tx *sql.Tx, s *Store, queueID string, e events.PatientCheckedIn, now time.Time) error {
	qs, _, err := s.getQueueState(ctx, tx, queueID)
	if err != nil {
		return err
	}
	qs.QueueID = queueID
	qs.Patients = append(qs.Patients, PatientSummary{
		PatientID:        e.PatientID,
		PatientName:      e.PatientName,
		Priority:         e.Priority,
		ConsultationType: e.ConsultationType,
		State:            "EnEsperaTaquilla",
		CheckInTime:      e.CheckInTime,
		QueuePosition:    e.QueuePosition,
	})
	sortPatients(qs.Patients)
	if err := putQueueState(ctx, tx, s.portable, qs, now); err != nil {
		return err
	}

	mv, _, err := s.getMonitor(ctx, tx, queueID)
	if err != nil {
		return err
	}
	mv.QueueID = queueID
	bumpPriorityCount(&mv, e.Priority, 1)
	mv.TotalPatientsWaiting++
	mv.LastCheckInTime = e.CheckInTime
	return putMonitor(ctx, tx, s.portable, mv, now)
}

func bumpPriorityCount(mv *MonitorView, priority string, delta int) {
	switch priority {
	case "Low":
		mv.LowPriorityCount += delta
	case "Medium":
		mv.MediumPriorityCount += delta
	case "High":
		mv.HighPriorityCount += delta
	case "Urgent":
		mv.UrgentPriorityCount += delta
	}
}

// setPatientState updates a patient's embedded state (and, optionally,
// stationId) in the queue-state view in place. It does not re-sort: state
// changes never affect priority/check-in/position ordering.
func setPatientState(ctx context.Context, tx *sql.Tx, s *Store, queueID, patientID, state, stationID string, now time.Time) error {
	qs, found, err := s.getQueueState(ctx, tx, queueID)
	if err != nil || !found {
		return err
	}
	for i := range qs.Patients {
		if qs.Patients[i].PatientID == patientID {
			qs.Patients[i].State = state
			if stationID != "" {
				qs.Patients[i].StationID = stationID
			}
		}
	}
	return putQueueState(ctx, tx, s.portable, qs, now)
}

func removePatient(ctx context.Context, tx *sql.Tx, s *Store, queueID, patientID string, now time.Time) error {
	qs, found, err := s.getQueueState(ctx, tx, queueID)
	if err != nil || !found {
		return err
	}
	var priority string
	out := qs.Patients[:0]
	for _, p := range qs.Patients {
		if p.PatientID == patientID {
			priority = p.Priority
			continue
		}
		out = append(out, p)
	}
	qs.Patients = out
	if err := putQueueState(ctx, tx, s.portable, qs, now); err != nil {
		return err
	}
	if priority == "" {
		return nil
	}
	mv, found, err := s.getMonitor(ctx, tx, queueID)
	if err != nil || !found {
		return err
	}
	bumpPriorityCount(&mv, priority, -1)
	if mv.TotalPatientsWaiting > 0 {
		mv.TotalPatientsWaiting--
	}
	return putMonitor(ctx, tx, s.portable, mv, now)
}

func applyClaimedForAttention(ctx context.Context, tx *sql.Tx, s *Store, queueID string, e events.PatientClaimedForAttention, now time.Time) error {
	if err := setPatientState(ctx, tx, s, queueID, e.PatientID, "LlamadoConsulta", e.StationID, now); err != nil {
		return err
	}
	qs, _, err := s.getQueueState(ctx, tx, queueID)
	if err != nil {
		return err
	}
	var claimed *PatientSummary
	for i := range qs.Patients {
		if qs.Patients[i].PatientID == e.PatientID {
			claimed = &qs.Patients[i]
			break
		}
	}
	return putNextTurn(ctx, tx, s.portable, NextTurnView{QueueID: queueID, Patient: claimed}, now)
}

func clearNextTurnIfMatches(ctx context.Context, tx *sql.Tx, s *Store, queueID, patientID string, now time.Time) error {
	nt, err := s.getNextTurn(ctx, tx, queueID)
	if err != nil {
		return err
	}
	if nt.Patient == nil || nt.Patient.PatientID != patientID {
		return nil
	}
	return putNextTurn(ctx, tx, s.portable, NextTurnView{QueueID: queueID}, now)
}

func applyConsultationCompleted(ctx context.Context, tx *sql.Tx, s *Store, queueID string, e events.PatientConsultationCompleted, now time.Time) error {
	qs, found, err := s.getQueueState(ctx, tx, queueID)
	if err != nil || !found {
		return err
	}
	var completed *PatientSummary
	for i := range qs.Patients {
		if qs.Patients[i].PatientID == e.PatientID {
			c := qs.Patients[i]
			completed = &c
			break
		}
	}
	if err := removePatient(ctx, tx, s, queueID, e.PatientID, now); err != nil {
		return err
	}
	if completed == nil {
		return nil
	}
	return appendHistory(ctx, tx, s.portable, queueID, AttentionHistoryEntry{
		PatientID:   completed.PatientID,
		PatientName: completed.PatientName,
		Outcome:     e.Outcome,
		Notes:       e.Notes,
		CompletedAt: now,
	})
}
