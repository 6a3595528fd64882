package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softchor/jobdispatch/internal/codec"
	jobs "github.com/softchor/jobdispatch/internal/domain"
	"github.com/softchor/jobdispatch/internal/worker/domain"
)

const testJobID = "5b1e0c2a-7d3f-4e8b-9a1c-2f4d6e8b0a13"

type settled struct {
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	settled map[uint64]settled
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: make(map[uint64]settled)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = settled{ack: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = settled{requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) get(tag uint64) (settled, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.settled[tag]
	return s, ok
}

type fakeStore struct {
	mu         sync.Mutex
	claimErrs  map[string]error
	completed  []string
	failed     map[string]string
	heartbeats int
}

func newFakeStore() *fakeStore {
	return &fakeStore{claimErrs: make(map[string]error), failed: make(map[string]string)}
}

func (s *fakeStore) ClaimTask(_ context.Context, jobID string, taskType jobs.TaskType, workerID string) (*domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.claimErrs[jobID]; err != nil {
		return nil, err
	}
	return &domain.Claim{JobID: jobID, TaskType: taskType, WorkerID: workerID, Attempt: 1}, nil
}

func (s *fakeStore) CompleteTask(_ context.Context, claim *domain.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, claim.JobID)
	return nil
}

func (s *fakeStore) FailTask(_ context.Context, claim *domain.Claim, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[claim.JobID] = errorMsg
	return nil
}

func (s *fakeStore) Heartbeat(context.Context, *domain.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *fakeStore) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

type runnerFunc func(ctx context.Context, msg jobs.JobMessage) error

func (f runnerFunc) Run(ctx context.Context, msg jobs.JobMessage) error { return f(ctx, msg) }

type fakeSource struct {
	deliveries chan amqp.Delivery
	tag        string
}

func (s *fakeSource) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	s.tag = consumerTag
	return s.deliveries, nil
}

func newTestWorker(store TaskStore, runner Runner, source DeliverySource) *Worker {
	return NewWorker(&Config{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Source:            source,
		Store:             store,
		Runner:            runner,
		Codec:             codec.New(),
		QueueName:         "song_jobs",
		Concurrency:       3,
		JobTimeout:        time.Second,
		HeartbeatInterval: time.Hour,
	})
}

func jobBody(jobID, taskType string) []byte {
	return []byte(fmt.Sprintf(`{"job_id":%q,"task_type":%q,"task_params":{"input_key":"uploads/%s.pdf"}}`, jobID, taskType, jobID[:4]))
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want settlement
	}{
		{"success", nil, settlement{ack: true, outcome: outcomeCompleted}},
		{"duplicate", fmt.Errorf("claim: %w", domain.ErrAlreadyClaimed), settlement{ack: true, outcome: outcomeDuplicate}},
		{"transient", domain.NewRetryableError(errors.New("db down")), settlement{requeue: true, outcome: outcomeRequeued}},
		{"processor failed", fmt.Errorf("%w: exit 1", domain.ErrProcessingFailed), settlement{outcome: outcomeFailed}},
		{"unknown song", domain.ErrSongNotFound, settlement{outcome: outcomeRejected}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, settle(tt.err))
		})
	}
}

func TestWorker_SettlesDeliveries(t *testing.T) {
	const (
		okJob        = "0f8fad5b-d9cb-469f-a165-70867728950e"
		failingJob   = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
		duplicateJob = "01890a5d-ac96-774b-bcce-b302099a8057"
		flakyDBJob   = "c56a4180-65aa-42ec-a945-5fd21dec0538"
		orphanJob    = "9b2e6f1c-3c4d-4e5f-8a6b-7c8d9e0f1a2b"
	)

	store := newFakeStore()
	store.claimErrs[duplicateJob] = domain.ErrAlreadyClaimed
	store.claimErrs[flakyDBJob] = errors.New("connection reset by peer")
	store.claimErrs[orphanJob] = domain.ErrSongNotFound

	runner := runnerFunc(func(_ context.Context, msg jobs.JobMessage) error {
		if msg.JobID == failingJob {
			return errors.New("processor exited with status 2")
		}
		return nil
	})

	source := &fakeSource{deliveries: make(chan amqp.Delivery)}
	w := newTestWorker(store, runner, source)
	ack := newFakeAcknowledger()

	started := make(chan error, 1)
	go func() { started <- w.Start(context.Background()) }()

	bodies := [][]byte{
		jobBody(okJob, "generate_xml_from_input"),
		jobBody(failingJob, "generate_voices_from_xml"),
		jobBody(duplicateJob, "generate_xml_from_input"),
		jobBody(flakyDBJob, "generate_xml_from_input"),
		jobBody(orphanJob, "generate_xml_from_input"),
		[]byte(`{"job_id":"` + okJob + `","task_type":"generate_midi","task_params":{"input_key":"a"}}`),
		[]byte(`not json`),
	}
	for i, body := range bodies {
		source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(i + 1), Body: body}
	}
	close(source.deliveries)

	require.ErrorIs(t, <-started, ErrDeliveriesClosed)
	require.NoError(t, w.Stop(context.Background()))

	want := map[uint64]settled{
		1: {ack: true},
		2: {},
		3: {ack: true},
		4: {requeue: true},
		5: {},
		6: {},
		7: {},
	}
	for tag, expected := range want {
		got, ok := ack.get(tag)
		require.True(t, ok, "delivery %d was not settled", tag)
		assert.Equal(t, expected, got, "delivery %d", tag)
	}

	assert.Equal(t, []string{okJob}, store.completed)
	assert.Contains(t, store.failed[failingJob], "processor exited with status 2")
	assert.Equal(t, w.ID(), source.tag)
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	source := &fakeSource{deliveries: make(chan amqp.Delivery)}
	w := newTestWorker(newFakeStore(), runnerFunc(func(context.Context, jobs.JobMessage) error { return nil }), source)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan error, 1)
	go func() { started <- w.Start(ctx) }()

	cancel()

	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.NoError(t, w.Stop(context.Background()))
}

func TestWorker_InFlightTaskSurvivesShutdown(t *testing.T) {
	store := newFakeStore()
	release := make(chan struct{})
	running := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, _ jobs.JobMessage) error {
		close(running)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	source := &fakeSource{deliveries: make(chan amqp.Delivery)}
	w := newTestWorker(store, runner, source)
	ack := newFakeAcknowledger()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan error, 1)
	go func() { started <- w.Start(ctx) }()

	source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: jobBody(testJobID, "generate_xml_from_input")}
	<-running
	cancel()
	require.NoError(t, <-started)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stopCancel()
	assert.Error(t, w.Stop(stopCtx), "task is still running")

	close(release)
	require.NoError(t, w.Stop(context.Background()))

	got, ok := ack.get(1)
	require.True(t, ok)
	assert.True(t, got.ack)
	assert.Equal(t, []string{testJobID}, store.completed)
}

func TestProcessJob_TimeoutMarksFailed(t *testing.T) {
	store := newFakeStore()
	runner := runnerFunc(func(ctx context.Context, _ jobs.JobMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})

	w := newTestWorker(store, runner, nil)
	w.jobTimeout = 20 * time.Millisecond

	msg, err := codec.New().Decode(jobBody(testJobID, "generate_xml_from_input"))
	require.NoError(t, err)

	err = w.processJob(context.Background(), &domain.Task{Message: msg})
	require.ErrorIs(t, err, domain.ErrProcessingFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, context.DeadlineExceeded.Error(), store.failed[testJobID])
}

func TestProcessJob_SendsHeartbeats(t *testing.T) {
	store := newFakeStore()
	runner := runnerFunc(func(ctx context.Context, _ jobs.JobMessage) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	})

	w := newTestWorker(store, runner, nil)
	w.heartbeatInterval = 10 * time.Millisecond

	msg, err := codec.New().Decode(jobBody(testJobID, "generate_voices_from_xml"))
	require.NoError(t, err)

	require.NoError(t, w.processJob(context.Background(), &domain.Task{Message: msg}))
	assert.GreaterOrEqual(t, store.heartbeatCount(), 2)

	after := store.heartbeatCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, store.heartbeatCount(), "heartbeat stops with the task")
}
