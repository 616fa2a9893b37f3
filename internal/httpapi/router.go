// Copyright 2025 James Ross

// Package httpapi is the command/query HTTP adapter (§6): it decodes
// requests, dispatches to the command service or the projection read
// views, and renders every response through the correlation-id-bearing
// envelope the external interface contract fixes.
package httpapi

import (
	"context"
	"net/http"

	"github.com/codeready-toolchain/waitingroom/internal/handlers"
	"github.com/codeready-toolchain/waitingroom/internal/projection"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// correlationIDKey is the context key the correlation-id middleware
// stores the resolved id under.
type correlationIDKey struct{}

// CorrelationIDHeader is the request/response header carrying the
// caller-supplied or generated correlation id (§6).
const CorrelationIDHeader = "X-Correlation-Id"

// Readiness reports whether the command service's dependencies are
// reachable; wired to /health/ready. cmd/job-queue-system supplies a
// check that pings the database only.
type Readiness func(ctx context.Context) error

// API wires the write-side command service to the read-side projection
// store and rebuild trigger, exposing both through one gorilla/mux
// router matching the teacher's event-hooks handler shape. It also
// mounts /metrics and /health/{live,ready} directly, since config.HTTP
// names this the single command/query/health adapter address.
type API struct {
	commands  *handlers.Service
	views     *projection.Store
	engine    *projection.Engine
	log       *zap.Logger
	readiness Readiness
}

func New(commands *handlers.Service, views *projection.Store, engine *projection.Engine, log *zap.Logger, readiness Readiness) *API {
	return &API{commands: commands, views: views, engine: engine, log: log, readiness: readiness}
}

// RegisterRoutes mounts every route §6 names onto router, wrapping all
// of them with the correlation-id middleware.
func (a *API) RegisterRoutes(router *mux.Router) {
	router.Use(a.correlationIDMiddleware)

	router.HandleFunc("/api/reception/queues", a.createQueue).Methods(http.MethodPost)
	router.HandleFunc("/api/reception/register", a.checkIn).Methods(http.MethodPost)

	router.HandleFunc("/api/cashier/{queueId}/call-next", a.callNextAtCashier).Methods(http.MethodPost)
	router.HandleFunc("/api/cashier/{queueId}/validate-payment", a.validatePayment).Methods(http.MethodPost)
	router.HandleFunc("/api/cashier/{queueId}/mark-payment-pending", a.markPaymentPending).Methods(http.MethodPost)
	router.HandleFunc("/api/cashier/{queueId}/mark-absent", a.markAbsentAtCashier).Methods(http.MethodPost)
	router.HandleFunc("/api/cashier/{queueId}/cancel-payment", a.cancelByPayment).Methods(http.MethodPost)

	router.HandleFunc("/api/medical/{queueId}/consulting-room/activate", a.activateConsultingRoom).Methods(http.MethodPost)
	router.HandleFunc("/api/medical/{queueId}/consulting-room/deactivate", a.deactivateConsultingRoom).Methods(http.MethodPost)
	router.HandleFunc("/api/medical/{queueId}/call-next", a.claimNextPatient).Methods(http.MethodPost)
	router.HandleFunc("/api/medical/{queueId}/start-consultation", a.startConsultation).Methods(http.MethodPost)
	router.HandleFunc("/api/medical/{queueId}/finish-consultation", a.completeAttention).Methods(http.MethodPost)
	router.HandleFunc("/api/medical/{queueId}/mark-absent", a.markAbsentAtConsultation).Methods(http.MethodPost)

	router.HandleFunc("/api/v1/waiting-room/{queueId}/monitor", a.monitor).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/waiting-room/{queueId}/queue-state", a.queueState).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/waiting-room/{queueId}/next-turn", a.nextTurn).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/waiting-room/{queueId}/recent-history", a.recentHistory).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/waiting-room/{queueId}/rebuild", a.rebuild).Methods(http.MethodPost)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health/live", a.healthLive).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", a.healthReady).Methods(http.MethodGet)
}

func (a *API) healthLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) healthReady(w http.ResponseWriter, r *http.Request) {
	if a.readiness == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	if err := a.readiness(r.Context()); err != nil {
		http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// correlationIDMiddleware resolves X-Correlation-Id (generating a uuid
// when absent), stashes it in the request context, and echoes it on
// every response regardless of outcome.
func (a *API) correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationIDHeader, id)
		ctx := setCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

func setCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}
