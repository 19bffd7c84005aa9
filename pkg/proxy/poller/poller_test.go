package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/base"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/models"
	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/registry"
)

// fakeTransport serves canned per-job states and records which jobs were
// queried.
type fakeTransport struct {
	mu      sync.Mutex
	states  map[int64]models.State
	users   map[int64]string
	queried []int64
	err     error
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (f *fakeTransport) JobState(_ context.Context, username string, jobID int64) (*models.SlurmJob, error) {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}

	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	f.queried = append(f.queried, jobID)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	state, ok := f.states[jobID]
	if !ok {
		return nil, nil
	}

	user := username
	if u, ok := f.users[jobID]; ok {
		user = u
	}

	return &models.SlurmJob{Username: user, JobID: jobID, JobState: state}, nil
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) Notify(_ context.Context, record *models.JobRecord, oldState, newState models.State) {
	f.notified = append(
		f.notified,
		fmt.Sprintf("%d:%s:%s->%s", record.SlurmJobID, record.SlurmUsername, oldState, newState),
	)
}

func testPoller(t *testing.T, transport Transport, hub Notifier) (*Poller, *registry.Registry) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	reg, err := registry.New(&registry.Config{Logger: logger, DataPath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	p, err := New(&Config{
		Logger:    logger,
		Registry:  reg,
		Transport: transport,
		Notifier:  hub,
		Interval:  10 * time.Millisecond,
	})
	require.NoError(t, err)

	return p, reg
}

func seedRecord(t *testing.T, reg *registry.Registry, jobID int64, state models.State, createdAt time.Time) {
	t.Helper()

	record := &models.JobRecord{
		SlurmUsername: "alice",
		SlurmJobID:    jobID,
		SlurmJobState: state,
		Task: models.Task{
			Name:     "echo_hello_world",
			Username: "alice",
			UUID:     uuid.NewString(),
		},
		CreatedAt: createdAt.UTC().Format(base.DatetimeLayout),
	}

	require.NoError(t, reg.Add(t.Context(), record))
}

func TestPollTransitions(t *testing.T) {
	transport := &fakeTransport{states: map[int64]models.State{
		1: models.StateRunning,
		2: models.StateCompleted,
	}}
	hub := &fakeNotifier{}
	p, reg := testPoller(t, transport, hub)

	now := time.Now()
	seedRecord(t, reg, 1, models.StateUnknown, now)
	seedRecord(t, reg, 2, models.StateRunning, now)
	seedRecord(t, reg, 3, models.StateCompleted, now)

	p.Poll(t.Context())

	// Job 1 moved to RUNNING without a notification, job 2 finished and
	// notified, job 3 was already frozen and never queried.
	record, err := reg.Get(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, record.SlurmJobState)

	record, err = reg.Get(t.Context(), 2)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, record.SlurmJobState)

	assert.Equal(t, []string{"2:alice:RUNNING->COMPLETED"}, hub.notified)
	assert.NotContains(t, transport.queried, int64(3))

	assert.Equal(t, float64(1), testutil.ToFloat64(p.cycles))
	assert.Equal(t, float64(2), testutil.ToFloat64(p.scanned))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.transitions.WithLabelValues("COMPLETED")))
}

func TestPollNormalizesWeirdStates(t *testing.T) {
	transport := &fakeTransport{states: map[int64]models.State{7: models.State("WEIRD_STATE")}}
	hub := &fakeNotifier{}
	p, reg := testPoller(t, transport, hub)

	seedRecord(t, reg, 7, models.StateRunning, time.Now())

	p.Poll(t.Context())

	record, err := reg.Get(t.Context(), 7)
	require.NoError(t, err)
	assert.Equal(t, models.StateUnknown, record.SlurmJobState)
	assert.Empty(t, hub.notified)
}

func TestPollAdoptsSchedulerOwner(t *testing.T) {
	transport := &fakeTransport{
		states: map[int64]models.State{9: models.StateFailed},
		users:  map[int64]string{9: "bob"},
	}
	hub := &fakeNotifier{}
	p, reg := testPoller(t, transport, hub)

	seedRecord(t, reg, 9, models.StateRunning, time.Now())

	p.Poll(t.Context())

	assert.Equal(t, []string{"9:bob:RUNNING->FAILED"}, hub.notified)
}

func TestPollSkipsRecordsOutsideWindow(t *testing.T) {
	transport := &fakeTransport{states: map[int64]models.State{4: models.StateCompleted}}
	p, reg := testPoller(t, transport, nil)

	seedRecord(t, reg, 4, models.StateRunning, time.Now().Add(-30*24*time.Hour))

	p.Poll(t.Context())

	assert.Empty(t, transport.queried)

	record, err := reg.Get(t.Context(), 4)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, record.SlurmJobState)
}

func TestPollNoSchedulerData(t *testing.T) {
	transport := &fakeTransport{}
	p, reg := testPoller(t, transport, nil)

	seedRecord(t, reg, 5, models.StateRunning, time.Now())

	p.Poll(t.Context())

	record, err := reg.Get(t.Context(), 5)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, record.SlurmJobState)
	assert.Equal(t, float64(0), testutil.ToFloat64(p.failures))
}

func TestPollCountsFailures(t *testing.T) {
	transport := &fakeTransport{err: errors.New("scheduler unreachable")}
	p, reg := testPoller(t, transport, nil)

	seedRecord(t, reg, 6, models.StateRunning, time.Now())

	p.Poll(t.Context())

	assert.Equal(t, float64(1), testutil.ToFloat64(p.failures))

	record, err := reg.Get(t.Context(), 6)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, record.SlurmJobState)
}

func TestPollSingleFlight(t *testing.T) {
	transport := &fakeTransport{
		states:  map[int64]models.State{8: models.StateRunning},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	p, reg := testPoller(t, transport, nil)

	seedRecord(t, reg, 8, models.StateUnknown, time.Now())

	done := make(chan struct{})

	go func() {
		defer close(done)

		p.Poll(t.Context())
	}()

	// Wait until the first cycle is inside the transport, then try again.
	<-transport.started
	p.Poll(t.Context())

	close(transport.block)
	<-done

	assert.Equal(t, float64(1), testutil.ToFloat64(p.cycles))
}

func TestStartStopsOnContextCancel(t *testing.T) {
	transport := &fakeTransport{}
	p, _ := testPoller(t, transport, nil)

	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan struct{})

	go func() {
		defer close(done)

		p.Start(ctx)
	}()

	// The first cycle runs immediately, before any tick.
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}

	assert.GreaterOrEqual(t, testutil.ToFloat64(p.cycles), float64(1))
}
