package argos

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/h2non/gock"
)

func TestSubmitSendsTargets(t *testing.T) {
	defer gock.Off()

	gock.New("http://argos.test").
		Post("/api/v1/targets").
		MatchType("json").
		JSON(map[string]any{"tic_ids": []int64{261155555, 261259521}, "force": true}).
		Reply(http.StatusAccepted).
		JSON(map[string]any{
			"tasks":   []map[string]any{{"id": "tic-261259521", "tic_id": 261259521, "status": "pending"}},
			"skipped": []int64{261155555},
		})

	client, err := NewClient("http://argos.test", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Submit(context.Background(), Submission{TICIDs: []int64{261155555, 261259521}, Force: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].ID != "tic-261259521" {
		t.Fatalf("unexpected jobs: %+v", resp.Jobs)
	}
	if len(resp.Skipped) != 1 || resp.Skipped[0] != 261155555 {
		t.Fatalf("unexpected skipped list: %v", resp.Skipped)
	}
	if !gock.IsDone() {
		t.Fatalf("pending mocks remain")
	}
}

func TestListEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/targets" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("status") != "failed,succeeded" || q.Get("limit") != "5" || q.Get("order") != "asc" || q.Get("q") != "timeout" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": []Job{{ID: "tic-1", Status: "failed"}}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	jobs, err := client.List(context.Background(), ListFilter{
		Statuses:  []string{"failed", "succeeded"},
		Limit:     5,
		Query:     "timeout",
		Ascending: true,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "tic-1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestGetReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"task not found","code":"TASK_NOT_FOUND"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Get(context.Background(), 7)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" || apiErr.Message != "task not found" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestWaitPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if calls.Add(1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(JobDetail{Job: Job{ID: "tic-9", TICID: 9, Status: status}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := client.Wait(ctx, 9, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != "succeeded" || calls.Load() != 3 {
		t.Fatalf("unexpected wait result: %+v after %d calls", job, calls.Load())
	}
}

func TestReportReturnsMarkdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/reports/42" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/markdown")
		_, _ = w.Write([]byte("# TIC 42"))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	body, err := client.Report(context.Background(), 42)
	if err != nil || string(body) != "# TIC 42" {
		t.Fatalf("unexpected report %q (%v)", body, err)
	}
}
