package slurm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

func payloadTask() *models.Task {
	return &models.Task{
		Name:     "echo_hello_world",
		Username: "alice",
		UUID:     "2f1e8d2c",
		Cwd:      "/home/alice",
		Dirs: models.TaskDirs{
			Parent: "/scratch/alice/2f1e8d2c",
			Input:  "/scratch/alice/2f1e8d2c/input",
			Output: "/scratch/alice/2f1e8d2c/output",
			Error:  "/scratch/alice/2f1e8d2c/error",
		},
		Slurm: models.TaskSlurm{
			Partition:   "batch",
			CPUsPerTask: 4,
			Mem:         2000,
			Time:        30,
			Output:      "out.txt",
			Error:       "err.txt",
		},
	}
}

func TestPreliminaryRequest(t *testing.T) {
	req := PreliminaryRequest(payloadTask())

	assert.Equal(t, "alice", req.Username)
	assert.Equal(
		t,
		"#!/bin/bash\nsrun /bin/bash -c 'mkdir -p /scratch/alice/2f1e8d2c ; mkdir -p /scratch/alice/2f1e8d2c/input ; mkdir -p /scratch/alice/2f1e8d2c/output ; mkdir -p /scratch/alice/2f1e8d2c/error;'",
		req.Job.Script,
	)
	assert.Equal(t, "hpc-proxy-preliminary-echo_hello_world-2f1e8d2c-preliminary", req.Job.Name)
	assert.Equal(t, []string{"PATH=/bin/:/usr/bin/:/sbin/"}, req.Job.Environment)
	assert.Equal(t, "/home/alice", req.Job.CurrentWorkingDirectory)
	assert.Equal(t, "batch", req.Job.Partition)
	assert.Equal(t, int64(1), req.Job.CPUsPerTask)
	assert.Equal(t, &TrackedValue{Set: true, Number: 100}, req.Job.MemoryPerCPU)
	assert.Equal(t, &TrackedValue{Set: true, Number: 100}, req.Job.TimeLimit)
	assert.Equal(t, "/dev/null", req.Job.StandardOutput)
	assert.Equal(t, "/dev/null", req.Job.StandardError)

	// The wire payload must not carry a dependency key.
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), `"dependency"`)
}

func TestMainRequest(t *testing.T) {
	req := MainRequest(payloadTask(), "echo -e hello", 9001)

	assert.Equal(t, "alice", req.Username)
	assert.Equal(t, "#!/bin/bash\nsrun /bin/bash -c 'echo -e hello;'", req.Job.Script)
	assert.Equal(t, "hpc-proxy-echo_hello_world-2f1e8d2c-main", req.Job.Name)
	assert.Equal(t, []string{"PATH=/bin/:/usr/bin/:/sbin/"}, req.Job.Environment)
	assert.Equal(t, int64(4), req.Job.CPUsPerTask)
	assert.Equal(t, &TrackedValue{Set: true, Number: 2000}, req.Job.MemoryPerCPU)
	assert.Equal(t, &TrackedValue{Set: true, Number: 30}, req.Job.TimeLimit)
	assert.Equal(t, "/scratch/alice/2f1e8d2c/output/out.txt", req.Job.StandardOutput)
	assert.Equal(t, "/scratch/alice/2f1e8d2c/error/err.txt", req.Job.StandardError)
	assert.Equal(t, "afterok:9001", req.Job.Dependency)
}

func TestMainRequestCustomEnvironment(t *testing.T) {
	task := payloadTask()
	task.Slurm.Environment = "PATH=/opt/conda/bin:/usr/bin/"

	req := MainRequest(task, "echo hi", 1)

	assert.Equal(t, []string{"PATH=/opt/conda/bin:/usr/bin/"}, req.Job.Environment)
}

func TestSubmitTaskTwoPhase(t *testing.T) {
	var submissions []SubmitRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/slurm/v0.0.42/job/submit/", r.URL.Path)

		var req SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		submissions = append(submissions, req)

		fmt.Fprintf(w, `{"job_id": %d}`, 9000+len(submissions))
	}))
	defer server.Close()

	jobID, err := testClient(t, server.URL).SubmitTask(t.Context(), payloadTask(), "echo -e hello")
	require.NoError(t, err)
	assert.Equal(t, int64(9002), jobID)

	require.Len(t, submissions, 2)
	assert.Equal(t, "hpc-proxy-preliminary-echo_hello_world-2f1e8d2c-preliminary", submissions[0].Job.Name)
	assert.Empty(t, submissions[0].Job.Dependency)
	assert.Equal(t, "hpc-proxy-echo_hello_world-2f1e8d2c-main", submissions[1].Job.Name)
	assert.Equal(t, "afterok:9001", submissions[1].Job.Dependency)
}

func TestSubmitTaskPreliminaryFailure(t *testing.T) {
	var calls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++

		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errors": [{"error_number": 5005, "description": "Zero Bytes were transmitted or received", "error": "Unspecified error"}]}`))
	}))
	defer server.Close()

	_, err := testClient(t, server.URL).SubmitTask(t.Context(), payloadTask(), "echo hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preliminary submit step failed")

	// The main job must never be attempted once the preliminary step failed.
	assert.Equal(t, 1, calls)
}
