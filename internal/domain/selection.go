package domain

// selectNext picks the next patient in the given state ordered by
// priority tier (High before Medium before Low; Urgent before all),
// then FIFO by check-in time, tied broken by queue position. Returns
// nil if no patient is in that state. Selection is a pure function of
// the current patient list, so it is deterministic given the aggregate's
// event history.
func selectNext(patients []*WaitingPatient, state State) *WaitingPatient {
	var best *WaitingPatient
	for _, p := range patients {
		if p.State != state {
			continue
		}
		if best == nil || better(p, best) {
			best = p
		}
	}
	return best
}

func better(a, b *WaitingPatient) bool {
	if a.Priority.rank() != b.Priority.rank() {
		return a.Priority.rank() < b.Priority.rank()
	}
	if !a.CheckInTime.Equal(b.CheckInTime) {
		return a.CheckInTime.Before(b.CheckInTime)
	}
	return a.QueuePosition < b.QueuePosition
}
