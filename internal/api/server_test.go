package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/storage/sqlstore"
	"ARGOS/internal/task"
	"ARGOS/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Discard()
	m.Run()
}

type stubHistory map[int64]bool

func (h stubHistory) Pending(ids []int64, force bool) (pending, skipped []int64) {
	for _, id := range ids {
		if h[id] && !force {
			skipped = append(skipped, id)
			continue
		}
		pending = append(pending, id)
	}
	return pending, skipped
}

type stubResults struct {
	records []sqlstore.ObservationRecord
}

func (s stubResults) ListLatest(context.Context, int) ([]sqlstore.ObservationRecord, error) {
	return s.records, nil
}

func (s stubResults) ListByConfidence(_ context.Context, confidence string, _ int) ([]sqlstore.ObservationRecord, error) {
	var out []sqlstore.ObservationRecord
	for _, rec := range s.records {
		if rec.Confidence == confidence {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s stubResults) ListByTarget(_ context.Context, ticID int64) ([]sqlstore.ObservationRecord, error) {
	var out []sqlstore.ObservationRecord
	for _, rec := range s.records {
		if rec.TICID == ticID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s stubResults) Stats(context.Context) (sqlstore.ResultStats, error) {
	return sqlstore.ResultStats{Total: len(s.records), Targets: len(s.records)}, nil
}

type stubReports map[int64]string

func (s stubReports) ReadReport(ticID int64, _ string) ([]byte, error) {
	body, ok := s[ticID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "报告不存在")
	}
	return []byte(body), nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *task.MemoryStore, *task.MemoryQueue) {
	t.Helper()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(32)
	return NewServer(":0", task.NewService(store, queue, 3), opts...), store, queue
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitTargets(t *testing.T) {
	server, _, queue := newTestServer(t, WithHistory(stubHistory{261155555: true}))
	h := server.Routes()

	rec := do(t, h, http.MethodPost, "/api/v1/targets", `{"tic_ids":[261155555,"TIC 261259521"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "tic-261259521", resp.Tasks[0].ID)
	assert.Equal(t, []int64{261155555}, resp.Skipped)
	assert.Equal(t, 1, queue.Len())

	rec = do(t, h, http.MethodPost, "/api/v1/targets", `{"tic_ids":[261155555],"force":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 2, queue.Len())
}

func TestSubmitValidation(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.Routes()

	cases := map[string]string{
		"malformed": `{"tic_ids":`,
		"empty":     `{"tic_ids":[]}`,
		"invalid":   `{"tic_ids":["not-a-star"]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/targets", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), string(apperrors.CodeInvalidArgument))
		})
	}
}

func TestTaskDetail(t *testing.T) {
	results := stubResults{records: []sqlstore.ObservationRecord{{RunID: "run-1", TICID: 42, Confidence: "HIGH"}}}
	server, store, _ := newTestServer(t, WithResults(results))
	h := server.Routes()

	sample := &task.Task{
		ID:         task.IDForTIC(42),
		TICID:      42,
		Status:     task.StatusSucceeded,
		Attempts:   1,
		MaxRetries: 3,
		Result:     &task.ExecutionResult{RunID: "run-1", Confidence: "HIGH", Summary: "ok"},
	}
	require.NoError(t, store.Create(context.Background(), sample))

	for _, path := range []string{"/api/v1/targets/tic-42", "/api/v1/targets/42"} {
		rec := do(t, h, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)

		var got taskDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.NotNil(t, got.Task)
		assert.Equal(t, sample.ID, got.ID)
		require.NotNil(t, got.Result)
		assert.Equal(t, "HIGH", got.Result.Confidence)
		require.Len(t, got.Observations, 1)
		assert.Equal(t, "run-1", got.Observations[0].RunID)
	}

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/targets/7", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/targets/abc", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodDelete, "/api/v1/targets/42", "").Code)
}

func TestListTasksFilters(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.Routes()
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/targets", `{"tic_ids":[1,2,3]}`).Code)

	rec := do(t, h, http.MethodGet, "/api/v1/targets?status=pending&limit=2&order=asc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tasks []task.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Tasks, 2)

	for _, query := range []string{"status=bogus", "limit=-1", "order=sideways", "since=yesterday", "has_result=maybe"} {
		rec := do(t, h, http.MethodGet, "/api/v1/targets?"+query, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestStatsAndObservations(t *testing.T) {
	results := stubResults{records: []sqlstore.ObservationRecord{
		{RunID: "a", TICID: 1, Confidence: "HIGH"},
		{RunID: "b", TICID: 2, Confidence: "LOW"},
	}}
	server, _, _ := newTestServer(t, WithResults(results))
	h := server.Routes()

	rec := do(t, h, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"observations":{"total":2`)

	rec = do(t, h, http.MethodGet, "/api/v1/observations?confidence=high", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Observations []sqlstore.ObservationRecord `json:"observations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Observations, 1)
	assert.Equal(t, "a", body.Observations[0].RunID)
}

func TestObservationsRequireResults(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := do(t, server.Routes(), http.MethodGet, "/api/v1/observations", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReportEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t, WithReports(stubReports{42: "# TIC 42"}, "v2.1"))
	h := server.Routes()

	rec := do(t, h, http.MethodGet, "/api/v1/reports/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# TIC 42", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/reports/7", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	server, _, _ := newTestServer(t)
	h := server.Routes()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "argos_http_requests_total")
}
