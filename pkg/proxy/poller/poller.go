// Package poller drives the job lifecycle: it periodically reconciles every
// live registry record against the scheduler and fans notifications out on
// terminal transitions.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/registry"
)

const (
	// DefaultInterval between poll cycles.
	DefaultInterval = time.Minute

	// DefaultMaxAge bounds the registry scan window: records older than this
	// are left alone even when not terminal.
	DefaultMaxAge = 14 * 24 * time.Hour
)

// Transport reads live job state. Both scheduler clients satisfy it.
type Transport interface {
	JobState(ctx context.Context, username string, jobID int64) (*models.SlurmJob, error)
}

// Notifier receives terminal state transitions. Satisfied by *notifier.Hub.
type Notifier interface {
	Notify(ctx context.Context, record *models.JobRecord, oldState, newState models.State)
}

// Config assembles a Poller.
type Config struct {
	Logger     *slog.Logger
	Registry   *registry.Registry
	Transport  Transport
	Notifier   Notifier
	Interval   time.Duration
	MaxAge     time.Duration
	Registerer prometheus.Registerer
}

// Poller reconciles registry records against the scheduler on a fixed
// interval.
type Poller struct {
	logger    *slog.Logger
	registry  *registry.Registry
	transport Transport
	notifier  Notifier
	interval  time.Duration
	maxAge    time.Duration

	// Guards against overlapping cycles when one takes longer than the
	// interval.
	running sync.Mutex

	cycles      prometheus.Counter
	scanned     prometheus.Counter
	transitions *prometheus.CounterVec
	failures    prometheus.Counter
}

// New returns a Poller. Interval and MaxAge fall back to their defaults when
// unset.
func New(c *Config) (*Poller, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	interval := c.Interval
	if interval == 0 {
		interval = DefaultInterval
	}

	maxAge := c.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}

	p := &Poller{
		logger:    logger,
		registry:  c.Registry,
		transport: c.Transport,
		notifier:  c.Notifier,
		interval:  interval,
		maxAge:    maxAge,
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: base.MetricsNamespace,
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles.",
		}),
		scanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: base.MetricsNamespace,
			Name:      "poll_jobs_scanned_total",
			Help:      "Live registry records reconciled against the scheduler.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: base.MetricsNamespace,
			Name:      "poll_state_transitions_total",
			Help:      "Observed job state transitions by new state.",
		}, []string{"state"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: base.MetricsNamespace,
			Name:      "poll_failures_total",
			Help:      "Registry scans and job reconciles that failed.",
		}),
	}

	if c.Registerer != nil {
		for _, collector := range []prometheus.Collector{p.cycles, p.scanned, p.transitions, p.failures} {
			if err := c.Registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}

	return p, nil
}

// Start runs the poll loop until ctx is cancelled. The first cycle runs
// immediately instead of waiting for the first tick. Start blocks; run it in
// a goroutine.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Poller started", "interval", p.interval, "max_age", p.maxAge)

	for {
		p.Poll(ctx)

		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			p.logger.Info("Poller stopped")

			return
		}
	}
}

// Poll runs one reconcile cycle over every non terminal record created
// within the scan window. Overlapping calls collapse: when a cycle is
// already in flight the call returns immediately.
func (p *Poller) Poll(ctx context.Context) {
	if !p.running.TryLock() {
		p.logger.Warn("Previous poll cycle still running, skipping this one")

		return
	}
	defer p.running.Unlock()

	p.cycles.Inc()

	now := time.Now().UTC()

	records, err := p.registry.Scan(ctx, now.Add(-p.maxAge), now)
	if err != nil {
		p.logger.Error("Failed to scan job registry", "err", err)
		p.failures.Inc()

		return
	}

	for i := range records {
		record := &records[i]
		if record.SlurmJobState.Terminal() {
			continue
		}

		p.scanned.Inc()

		if err := p.reconcile(ctx, record); err != nil {
			p.logger.Error("Failed to reconcile job", "slurm_job_id", record.SlurmJobID, "err", err)
			p.failures.Inc()
		}
	}
}

// reconcile refreshes one record from the scheduler.
func (p *Poller) reconcile(ctx context.Context, record *models.JobRecord) error {
	live, err := p.transport.JobState(ctx, record.SlurmUsername, record.SlurmJobID)
	if err != nil {
		return err
	}

	if live == nil {
		p.logger.Debug("No scheduler data for job", "slurm_job_id", record.SlurmJobID)

		return nil
	}

	// The scheduler owns the truth about the user a job ran as.
	if live.Username != "" && live.Username != record.SlurmUsername {
		p.logger.Warn("Job owner differs from registry record",
			"slurm_job_id", record.SlurmJobID, "registry", record.SlurmUsername, "slurm", live.Username)

		record.SlurmUsername = live.Username
	}

	newState := models.NormalizeState(live.JobState.String())
	if newState == record.SlurmJobState {
		return nil
	}

	oldState := record.SlurmJobState

	// Notify before the write: a crash in between re-notifies next cycle,
	// never drops the transition.
	if newState.Terminal() && p.notifier != nil {
		p.notifier.Notify(ctx, record, oldState, newState)
	}

	if err := p.registry.UpdateState(ctx, record.SlurmJobID, newState); err != nil {
		return err
	}

	record.SlurmJobState = newState
	p.transitions.WithLabelValues(newState.String()).Inc()
	p.logger.Info("Job state changed",
		"slurm_job_id", record.SlurmJobID, "old", oldState, "new", newState)

	return nil
}
