// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/codeready-toolchain/waitingroom/internal/domain"
	"github.com/codeready-toolchain/waitingroom/internal/handlers"
	"github.com/codeready-toolchain/waitingroom/internal/obs"
	"github.com/gorilla/mux"
)

// ackResponse is the command-side success envelope: commands mutate
// state through events, not a serialized aggregate snapshot, so the
// response surfaces just enough to confirm the write (§6 gives the
// shape of requests, not responses).
type ackResponse struct {
	QueueID string `json:"queueId"`
	Version int64  `json:"version"`
}

func (a *API) commandContext(r *http.Request, actor string) handlers.CommandContext {
	return handlers.CommandContext{CorrelationID: correlationIDFrom(r), Actor: actor}
}

func (a *API) ack(w http.ResponseWriter, r *http.Request, agg *domain.WaitingQueue) {
	a.writeJSON(w, r, http.StatusOK, ackResponse{QueueID: agg.QueueID, Version: agg.Version})
}

type createQueueRequest struct {
	QueueID     string `json:"queueId"`
	QueueName   string `json:"queueName"`
	MaxCapacity int    `json:"maxCapacity"`
	Actor       string `json:"actor"`
}

func (a *API) createQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if !a.decode(w, r, &req) {
		return
	}
	agg, err := a.commands.CreateQueue(r.Context(), req.QueueID, req.QueueName, req.MaxCapacity, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

type checkInRequestBody struct {
	QueueID          string                 `json:"queueId"`
	PatientID        string                 `json:"patientId"`
	PatientName      string                 `json:"patientName"`
	Priority         domain.Priority        `json:"priority"`
	Category         domain.PatientCategory `json:"category"`
	ConsultationType string                 `json:"consultationType"`
	Notes            string                 `json:"notes"`
	Actor            string                 `json:"actor"`
}

// checkIn handles reception's "POST /api/reception/register" (§6).
func (a *API) checkIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequestBody
	if !a.decode(w, r, &req) {
		return
	}
	domainReq := domain.CheckInRequest{
		PatientID:        req.PatientID,
		PatientName:      req.PatientName,
		Priority:         req.Priority,
		Category:         req.Category,
		ConsultationType: req.ConsultationType,
		Notes:            req.Notes,
	}
	agg, err := a.commands.CheckInPatient(r.Context(), req.QueueID, domainReq, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

type actorOnlyRequest struct {
	Actor string `json:"actor"`
}

func (a *API) callNextAtCashier(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	var req actorOnlyRequest
	if !a.decode(w, r, &req) {
		return
	}
	agg, err := a.commands.CallNextAtCashier(r.Context(), queueID, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

type patientActionRequest struct {
	PatientID string `json:"patientId"`
	Actor     string `json:"actor"`
}

func (a *API) validatePayment(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	var req patientActionRequest
	if !a.decode(w, r, &req) {
		return
	}
	agg, err := a.commands.ValidatePayment(r.Context(), queueID, req.PatientID, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

func (a *API) markPaymentPending(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	var req patientActionRequest
	if !a.decode(w, r, &req) {
		return
	}
	agg, err := a.commands.MarkPaymentPending(r.Context(), queueID, req.PatientID, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

func (a *API) markAbsentAtCashier(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	var req patientActionRequest
	if !a.decode(w, r, &req) {
		return
	}
	agg, err := a.commands.MarkAbsentAtCashier(r.Context(), queueID, req.PatientID, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

func (a *API) cancelByPayment(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	var req patientActionRequest
	if !a.decode(w, r, &req) {
		return
	}
	agg, err := a.commands.CancelByPayment(r.Context(), queueID, req.PatientID, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

type roomActionRequest struct {
	RoomID string `json:"roomId"`
	Actor  string `json:"actor"`
}

func (a *API) activateConsultingRoom(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	var req roomActionRequest
	if !a.decode(w, r, &req) {
		return
	}
	agg, err := a.commands.ActivateConsultingRoom(r.Context(), queueID, req.RoomID, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

func (a *API) deactivateConsultingRoom(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	var req roomActionRequest
	if !a.decode(w, r, &req) {
		return
	}
	agg, err := a.commands.DeactivateConsultingRoom(r.Context(), queueID, req.RoomID, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

type stationActionRequest struct {
	StationID string `json:"stationId"`
	Actor     string `json:"actor"`
}

// claimNextPatient handles medical's "call-next", which requires
// stationId (§6).
func (a *API) claimNextPatient(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	var req stationActionRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.StationID == "" {
		a.writeValidationError(w, r, "stationId is required")
		return
	}
	agg, err := a.commands.ClaimNextPatient(r.Context(), queueID, req.StationID, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

func (a *API) startConsultation(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	var req patientActionRequest
	if !a.decode(w, r, &req) {
		return
	}
	agg, err := a.commands.StartConsultation(r.Context(), queueID, req.PatientID, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

type completeAttentionRequest struct {
	PatientID string `json:"patientId"`
	Outcome   string `json:"outcome"`
	Notes     string `json:"notes"`
	Actor     string `json:"actor"`
}

func (a *API) completeAttention(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	var req completeAttentionRequest
	if !a.decode(w, r, &req) {
		return
	}
	agg, err := a.commands.CompleteAttention(r.Context(), queueID, req.PatientID, req.Outcome, req.Notes, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

func (a *API) markAbsentAtConsultation(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["queueId"]
	var req patientActionRequest
	if !a.decode(w, r, &req) {
		return
	}
	agg, err := a.commands.MarkAbsentAtConsultation(r.Context(), queueID, req.PatientID, a.commandContext(r, req.Actor))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.ack(w, r, agg)
}

// decode JSON-decodes body into dst, writing a 400 and returning false
// on malformed JSON.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.log.Warn("malformed request body", obs.String("path", r.URL.Path), obs.Err(err))
		a.writeEnvelope(w, r, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}
