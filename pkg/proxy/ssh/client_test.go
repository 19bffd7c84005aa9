package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

func testKeyFile(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := xssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	return keyPath
}

func testSSHClient(t *testing.T) *Client {
	t.Helper()

	client, err := New(&Config{
		Host:           "login.example.org",
		User:           "proxy",
		PrivateKeyPath: testKeyFile(t),
		Logger:         slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	return client
}

func sshTask() *models.Task {
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
			JobName:       "hello-world",
			Partition:     "batch",
			Nodes:         1,
			NtasksPerNode: 1,
			CPUsPerTask:   4,
			Mem:           2000,
			Time:          30,
			Output:        "out.txt",
			Error:         "err.txt",
		},
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(&Config{User: "proxy", PrivateKeyPath: "/missing"})
	require.Error(t, err)

	_, err = New(&Config{Host: "login", PrivateKeyPath: "/missing"})
	require.Error(t, err)

	_, err = New(&Config{Host: "login", User: "proxy"})
	require.Error(t, err)

	// Unreadable key file.
	_, err = New(&Config{Host: "login", User: "proxy", PrivateKeyPath: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)

	// Garbage key material.
	badKey := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(badKey, []byte("not a key"), 0o600))

	_, err = New(&Config{Host: "login", User: "proxy", PrivateKeyPath: badKey})
	require.Error(t, err)
}

func TestBatchCommand(t *testing.T) {
	expected := "mkdir -p /scratch/alice/2f1e8d2c/input ; " +
		"mkdir -p /scratch/alice/2f1e8d2c/output ; " +
		"mkdir -p /scratch/alice/2f1e8d2c/error ; " +
		"sbatch --parsable --job-name=hello-world " +
		"--output=/scratch/alice/2f1e8d2c/output/out.txt " +
		"--error=/scratch/alice/2f1e8d2c/error/err.txt " +
		"--nodes=1 --mem=2000 --cpus-per-task=4 --ntasks-per-node=1 " +
		"--partition=batch --time=30 --wrap='echo -e hello'"

	assert.Equal(t, expected, batchCommand(sshTask(), "echo -e hello"))
}

func TestBatchCommandNoTimeLimit(t *testing.T) {
	task := sshTask()
	task.Slurm.Time = 0

	cmd := batchCommand(task, "echo hi")

	assert.NotContains(t, cmd, "--time=")
	assert.Contains(t, cmd, "--wrap='echo hi'")
}

func TestBatchCommandDefaults(t *testing.T) {
	// A task written for the REST transport carries neither a job name nor
	// node geometry.
	task := sshTask()
	task.Slurm.JobName = ""
	task.Slurm.Nodes = 0
	task.Slurm.NtasksPerNode = 0

	cmd := batchCommand(task, "echo hi")

	assert.Contains(t, cmd, "--job-name=hpc-proxy-echo_hello_world-2f1e8d2c-main")
	assert.Contains(t, cmd, "--nodes=1")
	assert.Contains(t, cmd, "--ntasks-per-node=1")
}

func TestStatusCommands(t *testing.T) {
	assert.Equal(
		t,
		"sacct -j 1002 --format=JobID,Jobname%-128,state,User,partition,time,start,end,elapsed --noheader --parsable2",
		statusCommand(1002),
	)
	assert.Equal(
		t,
		"sacct --state RUNNING --format=JobID,Jobname%-128,state,User,partition,time,start,end,elapsed --noheader --parsable2",
		statusByStateCommand(models.StateRunning),
	)
	assert.Equal(t, "scancel 1002", cancelCommand(1002))
}

func TestParseJobID(t *testing.T) {
	id, err := parseJobID("1002\n")
	require.NoError(t, err)
	assert.Equal(t, int64(1002), id)

	// Federated clusters suffix the cluster name.
	id, err = parseJobID("1003;cluster\n")
	require.NoError(t, err)
	assert.Equal(t, int64(1003), id)

	_, err = parseJobID("")
	require.Error(t, err)

	_, err = parseJobID("sbatch: error")
	require.Error(t, err)

	_, err = parseJobID("-1")
	require.Error(t, err)
}

func TestParseStatusLine(t *testing.T) {
	line := "1002|hpc-proxy-echo_hello_world-2f1e8d2c-main|COMPLETED|alice|batch|UNLIMITED|2025-04-14T08:57:46|2025-04-14T11:00:44|02:02:58"

	status, err := parseStatusLine(line)
	require.NoError(t, err)

	assert.Equal(t, "1002", status.JobID)
	assert.Equal(t, "hpc-proxy-echo_hello_world-2f1e8d2c-main", status.JobName)
	assert.Equal(t, "COMPLETED", status.State)
	assert.Equal(t, "alice", status.User)
	assert.Equal(t, "batch", status.Partition)
	assert.Equal(t, "02:02:58", status.Elapsed)
}

func TestParseStatusLineUnknownState(t *testing.T) {
	line := "1002|job|SOMETHING_ELSE|alice|batch|UNLIMITED|start|end|elapsed"

	status, err := parseStatusLine(line)
	require.NoError(t, err)
	assert.Equal(t, "UNKNOWN", status.State)
}

func TestParseStatusLineMalformed(t *testing.T) {
	_, err := parseStatusLine("1002|only|four|fields")
	require.Error(t, err)
}

func TestJobTestIDShortCircuits(t *testing.T) {
	// No connection is ever dialled for the canned test job.
	status, err := testSSHClient(t).Job(t.Context(), 123)
	require.NoError(t, err)

	assert.Equal(t, "123", status.JobID)
	assert.Equal(t, "abcd1234", status.JobName)
	assert.Equal(t, "COMPLETED", status.State)
}

func TestJobStateTestID(t *testing.T) {
	job, err := testSSHClient(t).JobState(t.Context(), "whoever", 123)
	require.NoError(t, err)

	assert.Equal(t, int64(123), job.JobID)
	assert.Equal(t, "username", job.Username)
	assert.Equal(t, models.StateCompleted, job.JobState)
}
