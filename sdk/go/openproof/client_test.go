package openproof

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58"
)

var testSignature = base58.Encode([]byte(strings.Repeat("\x07", 64)))

func TestLogPostsKeyValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/logger/log" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if body["key"] != "foo" || body["value"] != "bar" {
			t.Fatalf("unexpected payload: %v", body)
		}
		_ = json.NewEncoder(w).Encode(Receipt{
			Signature: testSignature,
			Slot:      3,
			Logs:      []string{"Program log: Key: foo, Value: bar, Nonce: 1"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	receipt, err := client.Log(context.Background(), "foo", "bar")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if receipt.Slot != 3 || len(receipt.Logs) != 1 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestAPIErrorParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"ACCOUNT_NOT_FOUND","message":"counter missing","instruction":0}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Log(context.Background(), "k", "v")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Code != "ACCOUNT_NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if apiErr.Instruction == nil || *apiErr.Instruction != 0 {
		t.Fatalf("expected instruction index 0, got %v", apiErr.Instruction)
	}
}

func TestPlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Nonce(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "gateway down" {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}

func TestListJobsEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("limit") != "5" || q.Get("status") != "pending,failed" || q.Get("q") != "abc" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Has("offset") || q.Has("has_result") {
			t.Fatalf("zero fields should be omitted: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Job{{ID: "job-1", Status: "pending"}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	jobs, err := client.ListJobs(context.Background(), ListJobsOptions{
		Limit:    5,
		Statuses: []string{"pending", "failed"},
		Query:    "abc",
	})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestListJobsEncodesTimeAndResultFilters(t *testing.T) {
	since := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("CST", 8*3600))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("updated_since") != "2024-05-01T02:00:00Z" || q.Has("updated_until") {
			t.Fatalf("unexpected time filters: %s", r.URL.RawQuery)
		}
		if q.Get("has_result") != "false" || q.Get("order") != "asc" {
			t.Fatalf("unexpected result filters: %s", r.URL.RawQuery)
		}
		switch r.URL.Path {
		case "/api/v1/jobs":
			_ = json.NewEncoder(w).Encode([]Job{})
		case "/api/v1/jobs/stats":
			if q.Has("limit") {
				t.Fatalf("stats should not page: %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(JobStats{Total: 4, Pending: 4})
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	noResult := false
	opts := ListJobsOptions{Limit: 3, UpdatedSince: since, HasResult: &noResult, Order: "asc"}
	if _, err := client.ListJobs(context.Background(), opts); err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	stats, err := client.JobStats(context.Background(), opts)
	if err != nil {
		t.Fatalf("job stats: %v", err)
	}
	if stats.Total != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSignatureValidatedLocally(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	if _, err := client.Transaction(context.Background(), "not-base58!"); err == nil {
		t.Fatalf("expected base58 error")
	}
	if _, err := client.SubmitJob(context.Background(), JobSubmission{TxSignature: base58.Encode([]byte("short"))}); err == nil {
		t.Fatalf("expected length error")
	}
	if called {
		t.Fatalf("invalid signatures must not reach the server")
	}
}

func TestWaitForJobPollsUntilDone(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/job-9" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		calls++
		job := Job{ID: "job-9", Status: "running", MaxRetries: 3}
		if calls == 3 {
			job.Status = "succeeded"
			job.Result = &JobResult{Valid: true, Summary: "ledger: ok"}
		}
		_ = json.NewEncoder(w).Encode(job)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := client.WaitForJob(ctx, "job-9", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !job.Done() || job.Result == nil || !job.Result.Valid {
		t.Fatalf("unexpected job: %+v", job)
	}
	if calls != 3 {
		t.Fatalf("expected 3 polls, got %d", calls)
	}
}

func TestBasePathPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proof/api/v1/jobs/stats" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(JobStats{Total: 2, Succeeded: 2})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL+"/proof", srv.Client())
	stats, err := client.JobStats(context.Background(), ListJobsOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAccessTokenSentAsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer op-token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(Receipt{Signature: testSignature})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	client.SetAccessToken("op-token")
	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}
