// Copyright 2025 James Ross
package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/codeready-toolchain/waitingroom/internal/domain"
	"github.com/codeready-toolchain/waitingroom/internal/events"
	"github.com/codeready-toolchain/waitingroom/internal/eventstore"
	"github.com/codeready-toolchain/waitingroom/internal/handlers"
	"github.com/codeready-toolchain/waitingroom/internal/projection"
	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupEventLogDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`
		CREATE TABLE event_log (
			global_seq INTEGER PRIMARY KEY AUTOINCREMENT,
			aggregate_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			event_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			metadata TEXT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			idempotency_key TEXT NOT NULL UNIQUE,
			occurred_at TIMESTAMP NOT NULL,
			UNIQUE (aggregate_id, version)
		);
		CREATE TABLE outbox (
			outbox_id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			event_name TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			global_seq INTEGER NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			correlation_id TEXT NOT NULL,
			causation_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP,
			last_error TEXT
		);
	`)
	require.NoError(t, err)
	return db
}

func setupProjectionDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`
		CREATE TABLE projection_checkpoints (
			projection_id   TEXT PRIMARY KEY,
			last_global_seq BIGINT NOT NULL DEFAULT 0,
			checkpointed_at TIMESTAMP NOT NULL,
			idempotency_key TEXT NOT NULL,
			status          TEXT NOT NULL
		);
		CREATE TABLE monitor_views (
			queue_id               TEXT PRIMARY KEY,
			max_capacity           INT NOT NULL,
			low_priority_count     INT NOT NULL DEFAULT 0,
			medium_priority_count  INT NOT NULL DEFAULT 0,
			high_priority_count    INT NOT NULL DEFAULT 0,
			urgent_priority_count  INT NOT NULL DEFAULT 0,
			total_patients_waiting INT NOT NULL DEFAULT 0,
			last_check_in_time     TIMESTAMP,
			updated_at             TIMESTAMP NOT NULL
		);
		CREATE TABLE queue_state_views (
			queue_id     TEXT PRIMARY KEY,
			max_capacity INT NOT NULL,
			patients     TEXT NOT NULL DEFAULT '[]',
			updated_at   TIMESTAMP NOT NULL
		);
		CREATE TABLE next_turn_views (
			queue_id   TEXT PRIMARY KEY,
			patient    TEXT,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE recent_history_views (
			queue_id    TEXT NOT NULL,
			entry_seq   INTEGER PRIMARY KEY AUTOINCREMENT,
			entry       TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

func newTestAPI(t *testing.T) *API {
	t.Helper()
	es := eventstore.New(setupEventLogDB(t), events.NewRegistry())
	commands := handlers.NewService(es)

	pstore := projection.NewPortableStore(setupProjectionDB(t))
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ledger := projection.NewLedger(client, time.Hour)
	engine := projection.NewEngine(pstore, ledger, es, nil)

	return New(commands, pstore, engine, zap.NewNop(), nil)
}

func newTestRouter(t *testing.T) (*mux.Router, *API) {
	api := newTestAPI(t)
	router := mux.NewRouter()
	api.RegisterRoutes(router)
	return router, api
}

func doRequest(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateQueueThenCheckInViaHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/reception/queues", createQueueRequest{
		QueueID: "Q1", QueueName: "Front Desk", MaxCapacity: 10, Actor: "nurse-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(CorrelationIDHeader))

	rec = doRequest(t, router, http.MethodPost, "/api/reception/register", checkInRequestBody{
		QueueID: "Q1", PatientID: "P1", PatientName: "Alice",
		Priority: domain.PriorityHigh, ConsultationType: "General", Actor: "nurse-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var ack ackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "Q1", ack.QueueID)
	assert.Equal(t, int64(2), ack.Version)
}

func TestCheckInOnMissingQueueReturns404(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/reception/register", checkInRequestBody{
		QueueID: "missing", PatientID: "P1", PatientName: "Alice",
		Priority: domain.PriorityHigh, ConsultationType: "General", Actor: "nurse-1",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NotFound", body.Error)
	assert.NotEmpty(t, body.CorrelationID)
}

func TestCorrelationIDIsGeneratedWhenAbsentAndEchoedWhenPresent(t *testing.T) {
	router, api := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/reception/queues", createQueueRequest{
		QueueID: "Q2", QueueName: "Desk 2", MaxCapacity: 5, Actor: "nurse-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(CorrelationIDHeader))

	// No dispatcher runs here, so project the event log into the views
	// before reading the monitor.
	require.NoError(t, api.engine.Rebuild(context.Background()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/waiting-room/Q2/monitor", nil)
	req.Header.Set(CorrelationIDHeader, "given-correlation-id")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "given-correlation-id", rec2.Header().Get(CorrelationIDHeader))
}

func TestClaimNextPatientRequiresStationID(t *testing.T) {
	router, _ := newTestRouter(t)
	doRequest(t, router, http.MethodPost, "/api/reception/queues", createQueueRequest{
		QueueID: "Q3", QueueName: "Desk 3", MaxCapacity: 5, Actor: "nurse-1",
	})

	rec := doRequest(t, router, http.MethodPost, "/api/medical/Q3/call-next", stationActionRequest{Actor: "doc-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRebuildReturnsAccepted(t *testing.T) {
	router, _ := newTestRouter(t)
	doRequest(t, router, http.MethodPost, "/api/reception/queues", createQueueRequest{
		QueueID: "Q4", QueueName: "Desk 4", MaxCapacity: 5, Actor: "nurse-1",
	})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/waiting-room/Q4/rebuild", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRecentHistoryRejectsNonPositiveLimit(t *testing.T) {
	router, _ := newTestRouter(t)
	doRequest(t, router, http.MethodPost, "/api/reception/queues", createQueueRequest{
		QueueID: "Q5", QueueName: "Desk 5", MaxCapacity: 5, Actor: "nurse-1",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/waiting-room/Q5/recent-history?limit=-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthLiveAlwaysOK(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReadyUsesReadinessCallback(t *testing.T) {
	api := newTestAPI(t)
	api.readiness = func(ctx context.Context) error { return errors.New("broker unreachable") }
	router := mux.NewRouter()
	api.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
