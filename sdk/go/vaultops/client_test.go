package vaultops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, "secret", srv.Client())
	require.NoError(t, err)
	return client
}

func TestSubmitJobSendsBearerToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/jobs", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req JobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "rebase", req.Operation)

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Operation: req.Operation, Status: StatusPending, MaxRetries: 3})
	})

	job, err := client.SubmitJob(context.Background(), JobRequest{Operation: "rebase"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.False(t, job.Terminal())
}

func TestListJobsEncodesFilters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "failed,pending", q.Get("status"))
		assert.Equal(t, "harvest", q.Get("operation"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, "asc", q.Get("order"))
		_ = json.NewEncoder(w).Encode(map[string]any{"jobs": []Job{{ID: "a"}, {ID: "b"}}, "count": 2})
	})

	jobs, err := client.ListJobs(context.Background(), ListOptions{
		Statuses:   []string{StatusFailed, StatusPending},
		Operations: []string{"harvest"},
		Limit:      5,
		Ascending:  true,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[1].ID)
}

func TestAPIErrorIsTyped(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"TASK_NOT_FOUND","message":"task not found"}}`))
	})

	_, err := client.GetJob(context.Background(), "missing")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "TASK_NOT_FOUND", apiErr.Code)
	assert.True(t, IsNotFound(err))
}

func TestAPIErrorFallsBackToBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := client.Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.Empty(t, apiErr.Code)
}

func TestWaitForJobPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/job-7", r.URL.Path)
		job := Job{ID: "job-7", Status: StatusRunning, Attempts: 1, MaxRetries: 3}
		if calls.Add(1) >= 3 {
			job.Status = StatusSucceeded
			job.Result = &JobResult{Operation: "rebase", TxHashes: []string{"0xabc"}}
		}
		_ = json.NewEncoder(w).Encode(job)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := client.WaitForJob(ctx, "job-7", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, []string{"0xabc"}, job.Result.TxHashes)
	assert.EqualValues(t, 3, calls.Load())
}

func TestNewClientValidatesURL(t *testing.T) {
	_, err := NewClient("localhost:8080", "", nil)
	assert.Error(t, err)

	client, err := NewClient("http://127.0.0.1:8080/base", "", nil)
	require.NoError(t, err)
	assert.Empty(t, client.Token())
	client.SetToken("t")
	assert.Equal(t, "t", client.Token())
}
