package registry

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	r, err := New(&Config{
		Logger:   slog.New(slog.DiscardHandler),
		DataPath: t.TempDir(),
	})
	require.NoError(t, err, "failed to open registry")

	t.Cleanup(func() { r.Close() })

	return r
}

func testRecord(jobID int64, uuid string) *models.JobRecord {
	return &models.JobRecord{
		SlurmUsername: "alice",
		SlurmJobID:    jobID,
		SlurmJobState: models.StateUnknown,
		Task: models.Task{
			Name:     "echo_hello_world",
			Username: "alice",
			UUID:     uuid,
			Cwd:      "/home/alice",
			Dirs: models.TaskDirs{
				Parent: "/scratch/alice/" + uuid,
				Input:  "/scratch/alice/" + uuid + "/input",
				Output: "/scratch/alice/" + uuid + "/output",
				Error:  "/scratch/alice/" + uuid + "/error",
			},
			Slurm: models.TaskSlurm{
				Partition:   "batch",
				CPUsPerTask: 1,
				Mem:         500,
				Time:        10,
				Output:      "out.txt",
				Error:       "err.txt",
			},
		},
	}
}

func TestAddAndGet(t *testing.T) {
	r := testRegistry(t)

	record := testRecord(1001, "aaaa-bbbb")
	require.NoError(t, r.Add(t.Context(), record))

	got, err := r.Get(t.Context(), 1001)
	require.NoError(t, err)

	assert.Equal(t, "alice", got.SlurmUsername)
	assert.Equal(t, int64(1001), got.SlurmJobID)
	assert.Equal(t, models.StateUnknown, got.SlurmJobState)
	assert.Equal(t, "aaaa-bbbb", got.Task.UUID)
	assert.Equal(t, "batch", got.Task.Slurm.Partition)
	assert.NotEmpty(t, got.CreatedAt)
	assert.Nil(t, got.UpdatedAt, "expected updated_at to stay null until first update")

	// Stamped timestamps must parse with the registry layout.
	_, err = time.Parse(base.DatetimeLayout, got.CreatedAt)
	require.NoError(t, err)
}

func TestAddDuplicateJobID(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.Add(t.Context(), testRecord(42, "uuid-one")))

	err := r.Add(t.Context(), testRecord(42, "uuid-two"))
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestAddDuplicateTaskUUID(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.Add(t.Context(), testRecord(42, "uuid-one")))

	err := r.Add(t.Context(), testRecord(43, "uuid-one"))
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestGetByUUID(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.Add(t.Context(), testRecord(7, "cccc-dddd")))

	got, err := r.GetByUUID(t.Context(), "cccc-dddd")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.SlurmJobID)

	_, err = r.GetByUUID(t.Context(), "no-such-uuid")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetNotFound(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Get(t.Context(), 99999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetByState(t *testing.T) {
	r := testRegistry(t)

	for i, state := range []models.State{models.StateRunning, models.StateRunning, models.StateCompleted} {
		record := testRecord(int64(100+i), string(rune('a'+i))+"-uuid")
		record.SlurmJobState = state
		require.NoError(t, r.Add(t.Context(), record))
	}

	running, err := r.GetByState(t.Context(), models.StateRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	completed, err := r.GetByState(t.Context(), models.StateCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 1)

	pending, err := r.GetByState(t.Context(), models.StatePending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScanWindow(t *testing.T) {
	r := testRegistry(t)

	// Three records one day apart.
	for i := range 3 {
		record := testRecord(int64(200+i), string(rune('x'+i))+"-uuid")
		record.CreatedAt = time.Date(2025, 4, 10+i, 12, 0, 0, 0, time.UTC).Format(base.DatetimeLayout)
		require.NoError(t, r.Add(t.Context(), record))
	}

	// Window covering the last two records only.
	from := time.Date(2025, 4, 11, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 4, 13, 0, 0, 0, 0, time.UTC)

	records, err := r.Scan(t.Context(), from, to)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Oldest first.
	assert.Equal(t, int64(201), records[0].SlurmJobID)
	assert.Equal(t, int64(202), records[1].SlurmJobID)
}

func TestUpdateState(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.Add(t.Context(), testRecord(300, "update-uuid")))

	require.NoError(t, r.UpdateState(t.Context(), 300, models.StateRunning))

	got, err := r.Get(t.Context(), 300)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.SlurmJobState)
	require.NotNil(t, got.UpdatedAt)

	_, err = time.Parse(base.DatetimeLayout, *got.UpdatedAt)
	require.NoError(t, err)

	// Same state again still succeeds and refreshes the stamp.
	require.NoError(t, r.UpdateState(t.Context(), 300, models.StateRunning))

	err = r.UpdateState(t.Context(), 99999, models.StateCompleted)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.Add(t.Context(), testRecord(400, "delete-uuid")))

	deleted, err := r.Delete(t.Context(), 400)
	require.NoError(t, err)
	assert.Equal(t, "delete-uuid", deleted.Task.UUID)

	_, err = r.Get(t.Context(), 400)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.Delete(t.Context(), 400)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPing(t *testing.T) {
	r := testRegistry(t)

	require.NoError(t, r.Ping(t.Context()))
}

func TestReopenKeepsRecords(t *testing.T) {
	dataPath := t.TempDir()

	r, err := New(&Config{Logger: slog.New(slog.DiscardHandler), DataPath: dataPath})
	require.NoError(t, err)
	require.NoError(t, r.Add(t.Context(), testRecord(500, "reopen-uuid")))
	require.NoError(t, r.Close())

	// Reopening reapplies migrations as a no-op and sees the old record.
	r2, err := New(&Config{Logger: slog.New(slog.DiscardHandler), DataPath: dataPath})
	require.NoError(t, err)

	defer r2.Close()

	got, err := r2.Get(t.Context(), 500)
	require.NoError(t, err)
	assert.Equal(t, "reopen-uuid", got.Task.UUID)
}
