// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/codeready-toolchain/waitingroom/internal/obs"
	"github.com/codeready-toolchain/waitingroom/internal/projection"
	"github.com/gorilla/mux"
)

// monitor serves the counts-and-utilization view (§4.5): utilizationPercent
// and averageWaitMinutes are derived on read, not stored, so this handler
// pulls the queue's current patient list to compute them before
// serializing.
func (a *API) monitor(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	view, found, err := a.views.Monitor(r.Context(), queueID)
	if err != nil {
		a.writeInternalError(w, r, err)
		return
	}
	if !found {
		a.writeNotFound(w, r, "queue %q not found", queueID)
		return
	}
	qs, found, err := a.views.QueueState(r.Context(), queueID)
	if err != nil {
		a.writeInternalError(w, r, err)
		return
	}
	var patients []projection.PatientSummary
	if found {
		patients = qs.Patients
	}
	view.ApplyDerivedFields(patients, time.Now().UTC())
	a.writeJSON(w, r, http.StatusOK, view)
}

func (a *API) queueState(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	view, found, err := a.views.QueueState(r.Context(), queueID)
	if err != nil {
		a.writeInternalError(w, r, err)
		return
	}
	if !found {
		a.writeNotFound(w, r, "queue %q not found", queueID)
		return
	}
	a.writeJSON(w, r, http.StatusOK, view)
}

func (a *API) nextTurn(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	view, err := a.views.NextTurn(r.Context(), queueID)
	if err != nil {
		a.writeInternalError(w, r, err)
		return
	}
	if view.Patient == nil {
		a.writeNotFound(w, r, "no patient currently in attention for queue %q", queueID)
		return
	}
	a.writeJSON(w, r, http.StatusOK, view)
}

// defaultHistoryLimit bounds a recent-history query that omitted
// ?limit=N; projection.RecentHistoryLimit still caps it from above.
const defaultHistoryLimit = 50

func (a *API) recentHistory(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.writeValidationError(w, r, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > projection.RecentHistoryLimit {
		limit = projection.RecentHistoryLimit
	}
	entries, err := a.views.RecentHistory(r.Context(), queueID, limit)
	if err != nil {
		a.writeInternalError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, entries)
}

// rebuild triggers an async projection rebuild and returns 202
// immediately (§6): the HTTP adapter does not block a request on a
// full event-log replay.
func (a *API) rebuild(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	go func() {
		// Detached from the request context: the request is done the
		// instant this handler returns 202, but the rebuild itself
		// runs for the full event log replay duration.
		if err := a.engine.Rebuild(context.Background()); err != nil {
			a.log.Error("projection rebuild failed",
				obs.String("queue_id", queueID), obs.Err(err))
		}
	}()
	a.writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "rebuild triggered"})
}
