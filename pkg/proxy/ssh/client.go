// Package ssh implements the SSH transport of the proxy: SLURM commands
// executed on a login node over one authenticated connection. It serves
// clusters that do not expose slurmrestd.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
)

const (
	defaultTimeout = 10 * time.Second
	defaultPort    = 22
)

var (
	// ErrConnection is returned when the login node cannot be reached or
	// authenticated against.
	ErrConnection = errors.New("SSH connection failed")

	// ErrCommandFailed is returned when a SLURM command fails remotely.
	ErrCommandFailed = errors.New("SLURM command failed")

	// ErrJobNotFound is returned when sacct has no record of the job.
	ErrJobNotFound = errors.New("job not found in SLURM")
)

// Config configures a Client. Authentication is private key only, no agent.
type Config struct {
	Host           string
	Port           int // defaults to 22
	User           string
	PrivateKeyPath string
	KnownHostsPath string // empty accepts any host key
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Client executes SLURM commands on one login node. Commands are serialized
// onto a single lazily dialled connection, re-established when it breaks.
type Client struct {
	logger *slog.Logger
	addr   string
	config *xssh.ClientConfig

	mu   sync.Mutex
	conn *xssh.Client
}

// New returns a new Client. The connection is dialled on first use.
func New(c *Config) (*Client, error) {
	if c.Host == "" {
		return nil, errors.New("SSH host missing")
	}

	if c.User == "" {
		return nil, errors.New("SSH user missing")
	}

	if c.PrivateKeyPath == "" {
		return nil, errors.New("SSH private key missing")
	}

	key, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH private key: %w", err)
	}

	signer, err := xssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	hostKeyCallback := xssh.InsecureIgnoreHostKey() //nolint:gosec // no known_hosts configured
	if c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	port := c.Port
	if port <= 0 {
		port = defaultPort
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		logger: logger,
		addr:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
		config: &xssh.ClientConfig{
			User:            c.User,
			Auth:            []xssh.AuthMethod{xssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
	}, nil
}

// SubmitTask submits the task as one sbatch call, creating the input, output
// and error directories in the same remote invocation. Any output on stderr
// fails the submission even when the command exited zero.
func (c *Client) SubmitTask(ctx context.Context, task *models.Task, taskCmd string) (int64, error) {
	stdout, stderr, err := c.run(ctx, batchCommand(task, taskCmd))
	if err != nil {
		return base.BadJobID, fmt.Errorf("failed sbatch submit: %w", err)
	}

	if s := strings.TrimSpace(stderr); s != "" {
		return base.BadJobID, fmt.Errorf("%w: failed sbatch submit: %s", ErrCommandFailed, s)
	}

	jobID, err := parseJobID(stdout)
	if err != nil {
		return base.BadJobID, err
	}

	c.logger.Info("Task submitted", "task", task.Name, "uuid", task.UUID, "job_id", jobID)

	return jobID, nil
}

// Job returns the accounting row of one job. The test job id short circuits
// to the canned status without touching the cluster.
func (c *Client) Job(ctx context.Context, jobID int64) (*models.JobStatus, error) {
	if jobID == base.TestJobID {
		status := base.TestJobStatus

		return &status, nil
	}

	stdout, _, err := c.run(ctx, statusCommand(jobID))
	if err != nil {
		return nil, err
	}

	out := strings.TrimSpace(stdout)
	if out == "" {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}

	// First row is the allocation itself, following rows are its steps.
	line, _, _ := strings.Cut(out, "\n")

	return parseStatusLine(line)
}

// JobState condenses the accounting row of one job into the live view used
// by the registry and the poller.
func (c *Client) JobState(ctx context.Context, username string, jobID int64) (*models.SlurmJob, error) {
	status, err := c.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}

	owner := status.User
	if owner == "" {
		owner = username
	}

	id := jobID
	if parsed, err := strconv.ParseInt(status.JobID, 10, 64); err == nil && parsed > 0 {
		id = parsed
	}

	return &models.SlurmJob{Username: owner, JobID: id, JobState: models.NormalizeState(status.State)}, nil
}

// JobsByState lists the accounting rows of all jobs currently in one state.
func (c *Client) JobsByState(ctx context.Context, state models.State) ([]models.JobStatus, error) {
	stdout, _, err := c.run(ctx, statusByStateCommand(state))
	if err != nil {
		return nil, err
	}

	out := strings.TrimSpace(stdout)
	if out == "" {
		return nil, nil
	}

	var statuses []models.JobStatus

	for _, line := range strings.Split(out, "\n") {
		status, err := parseStatusLine(line)
		if err != nil {
			return nil, err
		}

		statuses = append(statuses, *status)
	}

	return statuses, nil
}

// Cancel removes the job from the queue via scancel. The username argument
// only exists for transport symmetry: commands run as the configured SSH
// user.
func (c *Client) Cancel(ctx context.Context, _ string, jobID int64) error {
	_, stderr, err := c.run(ctx, cancelCommand(jobID))
	if err != nil {
		if s := strings.TrimSpace(stderr); s != "" {
			return fmt.Errorf("failed to cancel job %d: %w: %s", jobID, err, s)
		}

		return fmt.Errorf("failed to cancel job %d: %w", jobID, err)
	}

	return nil
}

// Close closes the connection to the login node.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil

	return err
}

// run executes one remote command and returns its stdout and stderr.
func (c *Client) run(ctx context.Context, cmd string) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.newSession()
	if err != nil {
		return "", "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer

	session.Stdout = &stdout
	session.Stderr = &stderr

	// Sessions carry no context of their own: tear the session down when the
	// caller gives up.
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	if err := session.Run(cmd); err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}

		return stdout.String(), stderr.String(), fmt.Errorf("%w: %s", ErrCommandFailed, err)
	}

	return stdout.String(), stderr.String(), nil
}

// newSession hands out a session on the shared connection, dialling it on
// first use and once more when it went stale. Caller holds mu.
func (c *Client) newSession() (*xssh.Session, error) {
	if c.conn == nil {
		if err := c.dial(); err != nil {
			return nil, err
		}
	}

	session, err := c.conn.NewSession()
	if err == nil {
		return session, nil
	}

	c.conn.Close()
	c.conn = nil

	if err := c.dial(); err != nil {
		return nil, err
	}

	return c.conn.NewSession()
}

func (c *Client) dial() error {
	conn, err := xssh.Dial("tcp", c.addr, c.config)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrConnection, c.addr, err)
	}

	c.logger.Debug("SSH connection established", "addr", c.addr, "user", c.config.User)
	c.conn = conn

	return nil
}

// parseJobID extracts the job id from sbatch --parsable output. Federated
// clusters print "id;cluster".
func parseJobID(out string) (int64, error) {
	out = strings.TrimSpace(out)
	if id, _, found := strings.Cut(out, ";"); found {
		out = id
	}

	jobID, err := strconv.ParseInt(out, 10, 64)
	if err != nil || jobID <= 0 {
		return base.BadJobID, fmt.Errorf("%w: unexpected sbatch output: %q", ErrCommandFailed, out)
	}

	return jobID, nil
}
