package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagakit/choreo/saga"
)

// stubChecker reports a fixed health result.
type stubChecker struct {
	result *health.Result
}

func (c *stubChecker) Health(ctx context.Context) *health.Result {
	res := *c.result
	res.CheckedAt = time.Now()
	return &res
}

func newTestServer(t *testing.T) (*Server, *saga.StateStore, *saga.Journal) {
	t.Helper()
	store := saga.NewStateStore()
	journal := saga.NewJournal()
	return NewServer(store, journal), store, journal
}

func seedSaga(t *testing.T, store *saga.StateStore, sagaID, sagaType string) *saga.Instance {
	t.Helper()
	in, err := store.Create(context.Background(), sagaID, sagaType, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return in
}

func doGet(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGetSaga(t *testing.T) {
	srv, store, _ := newTestServer(t)
	handler := srv.Handler()

	seedSaga(t, store, "saga-1", "order-fulfillment")
	_, err := store.Transition(context.Background(), "saga-1", 0, saga.StateStepCompleted,
		&saga.StepUpdate{StepName: "reserve-inventory", Payload: json.RawMessage(`{"sku":"x"}`)})
	require.NoError(t, err)

	t.Run("returns saga state", func(t *testing.T) {
		rec := doGet(t, handler, "/sagas/saga-1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var resp sagaResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "saga-1", resp.SagaID)
		assert.Equal(t, "order-fulfillment", resp.SagaType)
		assert.Equal(t, saga.StateStepCompleted, resp.State)
		assert.Equal(t, []string{"reserve-inventory"}, resp.CompletedSteps)
		assert.Equal(t, int64(1), resp.Version)
		assert.False(t, resp.StartedAt.IsZero())
	})

	t.Run("unknown saga returns 404", func(t *testing.T) {
		rec := doGet(t, handler, "/sagas/missing")
		assert.Equal(t, http.StatusNotFound, rec.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp["error"], "not found")
	})
}

func TestListSagas(t *testing.T) {
	srv, store, _ := newTestServer(t)
	handler := srv.Handler()

	seedSaga(t, store, "saga-1", "order-fulfillment")
	seedSaga(t, store, "saga-2", "order-fulfillment")
	seedSaga(t, store, "saga-3", "refund")
	_, err := store.Transition(context.Background(), "saga-3", 0, saga.StateCompensating,
		&saga.StepUpdate{FailureReason: "card declined"})
	require.NoError(t, err)

	type listResponse struct {
		Sagas []sagaResponse `json:"sagas"`
		Count int            `json:"count"`
	}

	decode := func(t *testing.T, rec *httptest.ResponseRecorder) listResponse {
		t.Helper()
		var resp listResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	t.Run("lists all sagas", func(t *testing.T) {
		rec := doGet(t, handler, "/sagas")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 3, decode(t, rec).Count)
	})

	t.Run("filters by saga type", func(t *testing.T) {
		rec := doGet(t, handler, "/sagas?sagaType=refund")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode(t, rec)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "saga-3", resp.Sagas[0].SagaID)
	})

	t.Run("filters by state", func(t *testing.T) {
		rec := doGet(t, handler, "/sagas?state=COMPENSATING")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode(t, rec)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "saga-3", resp.Sagas[0].SagaID)
		assert.Equal(t, "card declined", resp.Sagas[0].FailureReason)
	})

	t.Run("applies limit", func(t *testing.T) {
		rec := doGet(t, handler, "/sagas?limit=2")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 2, decode(t, rec).Count)
	})

	t.Run("rejects unknown state", func(t *testing.T) {
		rec := doGet(t, handler, "/sagas?state=EXPLODED")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects bad limit", func(t *testing.T) {
		rec := doGet(t, handler, "/sagas?limit=banana")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doGet(t, handler, "/sagas?limit=-1")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetSagaEvents(t *testing.T) {
	srv, store, journal := newTestServer(t)
	handler := srv.Handler()

	seedSaga(t, store, "saga-1", "order-fulfillment")
	ctx := context.Background()
	for _, step := range []string{"reserve-inventory", "charge-payment"} {
		_, err := journal.Append(ctx, saga.Event{
			SagaID:   "saga-1",
			SagaType: "order-fulfillment",
			StepName: step,
			Type:     saga.EventStepCompleted,
		})
		require.NoError(t, err)
	}

	t.Run("returns journal entries in order", func(t *testing.T) {
		rec := doGet(t, handler, "/sagas/saga-1/events")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			SagaID string        `json:"saga_id"`
			Events []*saga.Event `json:"events"`
			Count  int           `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 2, resp.Count)
		assert.Equal(t, int64(1), resp.Events[0].Sequence)
		assert.Equal(t, "reserve-inventory", resp.Events[0].StepName)
		assert.Equal(t, int64(2), resp.Events[1].Sequence)
		assert.Equal(t, "charge-payment", resp.Events[1].StepName)
	})

	t.Run("unknown saga returns 404", func(t *testing.T) {
		rec := doGet(t, handler, "/sagas/missing/events")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealthz(t *testing.T) {
	t.Run("healthy components return 200", func(t *testing.T) {
		store := saga.NewStateStore()
		srv := NewServer(store, saga.NewJournal(),
			WithChecker("state_store", store),
			WithChecker("bridge", &stubChecker{result: &health.Result{Status: health.StatusHealthy}}),
		)

		rec := doGet(t, srv.Handler(), "/healthz")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		components, ok := resp["components"].(map[string]any)
		require.True(t, ok)
		assert.Len(t, components, 2)
	})

	t.Run("degraded component keeps 200", func(t *testing.T) {
		srv := NewServer(saga.NewStateStore(), saga.NewJournal(),
			WithChecker("bridge", &stubChecker{result: &health.Result{Status: health.StatusDegraded, Message: "quarantined records"}}),
		)

		rec := doGet(t, srv.Handler(), "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unhealthy component returns 503", func(t *testing.T) {
		srv := NewServer(saga.NewStateStore(), saga.NewJournal(),
			WithChecker("state_store", &stubChecker{result: &health.Result{Status: health.StatusHealthy}}),
			WithChecker("backend", &stubChecker{result: &health.Result{Status: health.StatusUnhealthy, Message: "connection refused"}}),
		)

		rec := doGet(t, srv.Handler(), "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("no checkers still healthy", func(t *testing.T) {
		srv := NewServer(saga.NewStateStore(), saga.NewJournal())
		rec := doGet(t, srv.Handler(), "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
