package models

import (
	"database/sql/driver"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTask() Task {
	return Task{
		Name:     "echo_hello_world",
		Username: "alice",
		UUID:     "123e4567-e89b-12d3-a456-426614174000",
		Cwd:      "/home/alice",
		Params:   []string{"-n"},
		Dirs: TaskDirs{
			Parent: "/home/alice/tasks",
			Input:  "/home/alice/tasks/in",
			Output: "/home/alice/tasks/out",
			Error:  "/home/alice/tasks/err",
		},
		Slurm: TaskSlurm{
			Partition:   "debug",
			CPUsPerTask: 1,
			Mem:         100,
			Time:        60,
			Output:      "out.txt",
			Error:       "err.txt",
		},
	}
}

func TestTaskValueScan(t *testing.T) {
	task := testTask()

	value, err := task.Value()
	require.NoError(t, err)

	var scanned Task

	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, task, scanned)

	// Scanning an unsupported driver type must fail.
	assert.Error(t, scanned.Scan(42))
}

func TestGenericScanConvertsNumbers(t *testing.T) {
	var g Generic

	require.NoError(t, g.Scan(`{"port": 5672, "queue": "hello"}`))
	assert.Equal(t, int64(5672), g["port"])
	assert.Equal(t, "hello", g["queue"])
}

func TestGenericValue(t *testing.T) {
	g := Generic{"channel": "general"}

	value, err := g.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel": "general"}`, value.(string))

	_ = driver.Valuer(g)
}

func TestJobRecordJSONShape(t *testing.T) {
	record := JobRecord{
		SlurmUsername: "alice",
		SlurmJobID:    1002,
		SlurmJobState: StateUnknown,
		Task:          testTask(),
		CreatedAt:     "2024-01-01T10:00:00",
	}

	out, err := json.Marshal(record)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage

	require.NoError(t, json.Unmarshal(out, &decoded))

	// Internal row ID never leaves the process, updated_at renders as null
	// until the poller touches the record.
	assert.NotContains(t, decoded, "id")
	assert.JSONEq(t, `null`, string(decoded["updated_at"]))
	assert.JSONEq(t, `"UNKNOWN"`, string(decoded["slurm_job_state"]))
	assert.JSONEq(t, `1002`, string(decoded["slurm_job_id"]))
}

func TestJobRecordTags(t *testing.T) {
	cols := JobRecord{}.TagNames("sql")
	assert.Equal(
		t,
		[]string{"id", "slurm_username", "slurm_job_id", "slurm_job_state", "task", "created_at", "updated_at"},
		cols,
	)

	types := JobRecord{}.TagMap("sql", "sqlitetype")
	assert.Equal(t, "integer", types["slurm_job_id"])
	assert.Equal(t, "text", types["task"])
}
