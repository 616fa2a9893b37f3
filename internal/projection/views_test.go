// Copyright 2025 James Ross
package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSortPatients_PriorityThenCheckInThenPosition(t *testing.T) {
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	patients := []PatientSummary{
		{PatientID: "p1", Priority: "Low", CheckInTime: base, QueuePosition: 1},
		{PatientID: "p2", Priority: "Urgent", CheckInTime: base.Add(time.Minute), QueuePosition: 2},
		{PatientID: "p3", Priority: "High", CheckInTime: base, QueuePosition: 3},
		{PatientID: "p4", Priority: "High", CheckInTime: base.Add(-time.Minute), QueuePosition: 4},
	}
	sortPatients(patients)

	ids := make([]string, len(patients))
	for i, p := range patients {
		ids[i] = p.PatientID
	}
	assert.Equal(t, []string{"p2", "p4", "p3", "p1"}, ids)
}

func TestSortPatients_SamePriorityAndCheckIn_OrdersByQueuePosition(t *testing.T) {
	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	patients := []PatientSummary{
		{PatientID: "p1", Priority: "Medium", CheckInTime: base, QueuePosition: 5},
		{PatientID: "p2", Priority: "Medium", CheckInTime: base, QueuePosition: 2},
	}
	sortPatients(patients)
	assert.Equal(t, "p2", patients[0].PatientID)
	assert.Equal(t, "p1", patients[1].PatientID)
}

func TestApplyDerivedFields_AverageWaitMinutes_Empty(t *testing.T) {
	mv := MonitorView{}
	mv.ApplyDerivedFields(nil, time.Now())
	assert.Equal(t, 0.0, mv.AverageWaitMinutes)
}

func TestApplyDerivedFields_AverageWaitMinutes_ComputesMean(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	patients := []PatientSummary{
		{CheckInTime: now.Add(-10 * time.Minute)},
		{CheckInTime: now.Add(-20 * time.Minute)},
	}
	mv := MonitorView{}
	mv.ApplyDerivedFields(patients, now)
	assert.InDelta(t, 15.0, mv.AverageWaitMinutes, 0.001)
}

func TestApplyDerivedFields_UtilizationPercent(t *testing.T) {
	mv := MonitorView{MaxCapacity: 0}
	mv.ApplyDerivedFields(nil, time.Now())
	assert.Equal(t, 0.0, mv.UtilizationPercent)

	mv = MonitorView{MaxCapacity: 10, TotalPatientsWaiting: 5}
	mv.ApplyDerivedFields(nil, time.Now())
	assert.InDelta(t, 50.0, mv.UtilizationPercent, 0.001)
}

func TestQueueStateView_CapacityHelpers(t *testing.T) {
	qs := QueueStateView{MaxCapacity: 2, Patients: []PatientSummary{{PatientID: "a"}, {PatientID: "b"}}}
	assert.Equal(t, 2, qs.CurrentCount())
	assert.True(t, qs.IsAtCapacity())

	qs.Patients = qs.Patients[:1]
	assert.False(t, qs.IsAtCapacity())
}
