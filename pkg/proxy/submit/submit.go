// Package submit implements the submission pipeline: validate the client
// task, resolve it against the catalog, guard against duplicates, hand it to
// the scheduler transport and persist the job record the poller works from.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/catalog"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/registry"
)

var (
	// ErrInvalidTask is returned when a task fails shape or safety
	// validation. Nothing reaches the scheduler in that case.
	ErrInvalidTask = errors.New("invalid task")

	// ErrNoLiveJob is returned by Register when the scheduler has no data
	// for the job.
	ErrNoLiveJob = errors.New("no scheduler data for job")

	// ErrRecord is returned when the job was accepted by the scheduler but
	// its registry record could not be written: the job runs unmonitored.
	ErrRecord = errors.New("failed to record job")
)

// Transport submits tasks to a SLURM cluster and reads job state back. Both
// the slurmrestd client and the SSH client satisfy it.
type Transport interface {
	SubmitTask(ctx context.Context, task *models.Task, taskCmd string) (int64, error)
	JobState(ctx context.Context, username string, jobID int64) (*models.SlurmJob, error)
	Cancel(ctx context.Context, username string, jobID int64) error
}

// Notifier receives terminal state transitions. Satisfied by *notifier.Hub.
type Notifier interface {
	Notify(ctx context.Context, record *models.JobRecord, oldState, newState models.State)
}

// Result identifies an accepted submission.
type Result struct {
	UUID       string `json:"uuid"`
	SlurmJobID int64  `json:"slurm_job_id"`
}

// Config assembles a Submitter.
type Config struct {
	Logger     *slog.Logger
	Catalog    *catalog.Catalog
	Registry   *registry.Registry
	Transport  Transport
	Notifier   Notifier
	Registerer prometheus.Registerer
}

// Submitter runs the submission pipeline.
type Submitter struct {
	logger      *slog.Logger
	catalog     *catalog.Catalog
	registry    *registry.Registry
	transport   Transport
	notifier    Notifier
	submissions *prometheus.CounterVec
}

// New returns a Submitter wired to the given catalog, registry and transport.
func New(c *Config) (*Submitter, error) {
	if c.Catalog == nil || c.Registry == nil || c.Transport == nil {
		return nil, errors.New("catalog, registry and transport are required")
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Submitter{
		logger:    logger,
		catalog:   c.Catalog,
		registry:  c.Registry,
		transport: c.Transport,
		notifier:  c.Notifier,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: base.MetricsNamespace,
			Name:      "submissions_total",
			Help:      "Task submissions by outcome.",
		}, []string{"outcome"}),
	}

	if c.Registerer != nil {
		if err := c.Registerer.Register(s.submissions); err != nil {
			return nil, fmt.Errorf("failed to register submitter metrics: %w", err)
		}
	}

	return s, nil
}

// Submit runs one task through the pipeline and returns the identity of the
// main SLURM job. The task must validate, resolve against the catalog and be
// no duplicate before anything is sent to the scheduler.
func (s *Submitter) Submit(ctx context.Context, task *models.Task) (*Result, error) {
	if err := Validate(task); err != nil {
		s.submissions.WithLabelValues("invalid").Inc()

		return nil, err
	}

	taskCmd, err := s.catalog.Command(task)
	if err != nil {
		s.submissions.WithLabelValues("invalid").Inc()

		return nil, fmt.Errorf("%w: %s", ErrInvalidTask, err)
	}

	if _, err := s.registry.GetByUUID(ctx, task.UUID); err == nil {
		s.submissions.WithLabelValues("duplicate").Inc()

		return nil, fmt.Errorf("%w: task uuid %s", registry.ErrDuplicate, task.UUID)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for duplicate submission: %w", err)
	}

	jobID, err := s.transport.SubmitTask(ctx, task, taskCmd)
	if err != nil {
		s.submissions.WithLabelValues("failed").Inc()

		return nil, err
	}

	record := &models.JobRecord{
		SlurmUsername: task.Username,
		SlurmJobID:    jobID,
		SlurmJobState: models.StateUnknown,
		Task:          *task,
		CreatedAt:     time.Now().UTC().Format(base.DatetimeLayout),
	}

	if err := s.registry.Add(ctx, record); err != nil {
		s.submissions.WithLabelValues("failed").Inc()

		return nil, fmt.Errorf("%w: %s", ErrRecord, err)
	}

	s.submissions.WithLabelValues("accepted").Inc()
	s.logger.Info("Task submitted", "task", task.Name, "uuid", task.UUID, "slurm_job_id", jobID)

	// Fast jobs can be gone before the first poll cycle. One best effort
	// reconcile catches those; anything it misses is left to the poller.
	s.reconcile(ctx, record)

	return &Result{UUID: task.UUID, SlurmJobID: jobID}, nil
}

// reconcile looks the job up once and freezes the record when the scheduler
// already reports a terminal state.
func (s *Submitter) reconcile(ctx context.Context, record *models.JobRecord) {
	live, err := s.transport.JobState(ctx, record.SlurmUsername, record.SlurmJobID)
	if err != nil || live == nil {
		return
	}

	state := models.NormalizeState(live.JobState.String())
	if !state.Terminal() {
		return
	}

	if s.notifier != nil {
		s.notifier.Notify(ctx, record, record.SlurmJobState, state)
	}

	if err := s.registry.UpdateState(ctx, record.SlurmJobID, state); err != nil {
		s.logger.Error("Failed to update job state after submit",
			"slurm_job_id", record.SlurmJobID, "err", err)

		return
	}

	record.SlurmJobState = state
}

// Register adopts a job that was not submitted through the proxy: the live
// scheduler state seeds the record under the generic task and terminal jobs
// notify once on the way in.
func (s *Submitter) Register(ctx context.Context, username string, jobID int64) (*models.JobRecord, error) {
	return s.RegisterTask(ctx, jobID, &models.Task{
		Name:     base.GenericTaskName,
		Username: username,
		UUID:     uuid.NewString(),
	})
}

// RegisterTask adopts a job under a caller supplied task. Missing task
// identity falls back to the generic defaults; the scheduler stays the
// authority on owner and state.
func (s *Submitter) RegisterTask(ctx context.Context, jobID int64, task *models.Task) (*models.JobRecord, error) {
	username := task.Username
	if username == "" {
		username = base.GenericUsername
	}

	live, err := s.transport.JobState(ctx, username, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up job %d: %w", jobID, err)
	}

	if live == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoLiveJob, jobID)
	}

	owner := live.Username
	if owner == "" {
		owner = username
	}

	adopted := *task
	if adopted.Name == "" {
		adopted.Name = base.GenericTaskName
	}

	if adopted.Username == "" {
		adopted.Username = owner
	}

	if adopted.UUID == "" {
		adopted.UUID = uuid.NewString()
	}

	record := &models.JobRecord{
		SlurmUsername: owner,
		SlurmJobID:    jobID,
		SlurmJobState: models.NormalizeState(live.JobState.String()),
		Task:          adopted,
		CreatedAt:     time.Now().UTC().Format(base.DatetimeLayout),
	}

	if err := s.registry.Add(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Info("Job registered", "slurm_job_id", jobID, "state", record.SlurmJobState)

	if record.SlurmJobState.Terminal() && s.notifier != nil {
		s.notifier.Notify(ctx, record, models.StateUnknown, record.SlurmJobState)
	}

	return record, nil
}

// shellMetacharacters are rejected in client supplied text: both transports
// splice these values into /bin/bash -c scripts or an sbatch command line.
const shellMetacharacters = ";&|`$()<>\"'\\"

func hasUnsafeText(value string) bool {
	if strings.ContainsAny(value, shellMetacharacters) {
		return true
	}

	for _, r := range value {
		if unicode.IsControl(r) {
			return true
		}
	}

	return false
}

// Validate applies the shape and safety checks to one client submitted task.
// The returned error wraps ErrInvalidTask and names the first violation.
func Validate(task *models.Task) error {
	if task == nil {
		return fmt.Errorf("%w: no task", ErrInvalidTask)
	}

	required := []struct {
		field string
		value string
	}{
		{"name", task.Name},
		{"username", task.Username},
		{"uuid", task.UUID},
		{"cwd", task.Cwd},
		{"slurm partition", task.Slurm.Partition},
		{"slurm output", task.Slurm.Output},
		{"slurm error", task.Slurm.Error},
	}
	for _, req := range required {
		if strings.TrimSpace(req.value) == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidTask, req.field)
		}
	}

	// Canonical dashed form only, which also keeps the uuid safe inside
	// generated job names.
	if _, err := uuid.Parse(task.UUID); err != nil || len(task.UUID) != 36 {
		return fmt.Errorf("%w: malformed uuid %q", ErrInvalidTask, task.UUID)
	}

	paths := []struct {
		field string
		value string
	}{
		{"cwd", task.Cwd},
		{"dirs parent", task.Dirs.Parent},
		{"dirs input", task.Dirs.Input},
		{"dirs output", task.Dirs.Output},
		{"dirs error", task.Dirs.Error},
	}
	for _, p := range paths {
		if !path.IsAbs(p.value) {
			return fmt.Errorf("%w: %s must be an absolute path", ErrInvalidTask, p.field)
		}
	}

	numbers := []struct {
		field string
		value int64
	}{
		{"slurm cpus_per_task", task.Slurm.CPUsPerTask},
		{"slurm mem", task.Slurm.Mem},
		{"slurm time", task.Slurm.Time},
	}
	for _, num := range numbers {
		if num.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidTask, num.field)
		}
	}

	if task.Slurm.Nodes < 0 || task.Slurm.NtasksPerNode < 0 {
		return fmt.Errorf("%w: node geometry must not be negative", ErrInvalidTask)
	}

	return validateSafety(task)
}

// validateSafety rejects shell metacharacters in every client supplied value
// that reaches a script or command line. Catalog entries are server config
// and stay trusted.
func validateSafety(task *models.Task) error {
	values := []struct {
		field string
		value string
	}{
		{"name", task.Name},
		{"cmd", task.Cmd},
		{"cwd", task.Cwd},
		{"dirs parent", task.Dirs.Parent},
		{"dirs input", task.Dirs.Input},
		{"dirs output", task.Dirs.Output},
		{"dirs error", task.Dirs.Error},
		{"slurm job_name", task.Slurm.JobName},
		{"slurm partition", task.Slurm.Partition},
		{"slurm output", task.Slurm.Output},
		{"slurm error", task.Slurm.Error},
	}

	for _, v := range values {
		if hasUnsafeText(v.value) {
			return fmt.Errorf("%w: %s contains shell metacharacters", ErrInvalidTask, v.field)
		}
	}

	for _, param := range task.Params {
		if hasUnsafeText(param) {
			return fmt.Errorf("%w: params contain shell metacharacters", ErrInvalidTask)
		}
	}

	return nil
}
