package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/paulgrammer/apifyjobs/internal/apify"
	"github.com/paulgrammer/apifyjobs/internal/webhook"
)

var (
	ErrManagerStopped  = errors.New("manager stopped")
	ErrQueueFull       = errors.New("run queue is full")
	ErrRunNotFound     = errors.New("run not found")
	ErrRunFinished     = errors.New("run already finished")
	ErrInvalidRunInput = errors.New("invalid run request")
)

// JobRunner executes one remote job end to end. *apify.Client implements it.
type JobRunner interface {
	RunJob(ctx context.Context, req apify.JobRequest, family apify.Family, opts ...apify.RunOption) (apify.NormalizedResult, error)
}

// Defaults fill in fields a CreateRunRequest leaves empty.
type Defaults struct {
	Target string
	Family apify.Family
	Input  json.RawMessage
}

type Manager struct {
	concurrency int
	runsChan    chan string
	wg          sync.WaitGroup
	stopped     atomic.Bool
	store       Store
	webhooks    *webhook.Dispatcher
	runner      JobRunner
	streamer    *EventStreamer
	defaults    Defaults

	ctx     context.Context
	stopAll context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewManager(poolSize int, store Store, sender webhook.Sender, runner JobRunner, streamer *EventStreamer, defaults Defaults) (*Manager, error) {
	if poolSize <= 0 {
		return nil, errors.New("pool size must be > 0")
	}
	if runner == nil {
		return nil, errors.New("job runner is required")
	}
	if defaults.Family == "" {
		defaults.Family = apify.FamilyActor
	}
	if streamer == nil {
		streamer = NewEventStreamer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		concurrency: poolSize,
		runsChan:    make(chan string, 1024),
		store:       store,
		runner:      runner,
		streamer:    streamer,
		defaults:    defaults,
		ctx:         ctx,
		stopAll:     cancel,
		cancels:     make(map[string]context.CancelFunc),
	}
	if sender != nil {
		m.webhooks = webhook.NewDispatcher(sender)
	}
	for i := 0; i < m.concurrency; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for id := range m.runsChan {
				m.execute(id)
			}
		}()
	}
	return m, nil
}

// Stop cancels active runs, waits for the workers to exit and flushes pending
// webhook deliveries.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped.Swap(true) {
		m.mu.Unlock()
		return
	}
	close(m.runsChan)
	m.mu.Unlock()
	m.stopAll()
	m.wg.Wait()
	if m.webhooks != nil {
		m.webhooks.Close()
	}
}

// Prepare validates req and applies defaults without queueing anything.
func (m *Manager) Prepare(req CreateRunRequest) (apify.JobRequest, apify.Family, error) {
	target := strings.TrimSpace(req.Target)
	if target == "" {
		target = m.defaults.Target
	}
	if target == "" {
		return apify.JobRequest{}, "", fmt.Errorf("%w: target is required", ErrInvalidRunInput)
	}
	family := m.defaults.Family
	if req.Family != "" {
		f, err := apify.ParseFamily(req.Family)
		if err != nil {
			return apify.JobRequest{}, "", fmt.Errorf("%w: %w", ErrInvalidRunInput, err)
		}
		family = f
	}
	input := req.Input
	if len(input) == 0 {
		input = m.defaults.Input
	}
	if len(input) > 0 && !json.Valid(input) {
		return apify.JobRequest{}, "", fmt.Errorf("%w: input is not valid JSON", ErrInvalidRunInput)
	}
	jobReq := apify.JobRequest{Target: target}
	if len(input) > 0 {
		jobReq.Input = input
	}
	return jobReq, family, nil
}

// Submit records a run and queues it for a worker.
func (m *Manager) Submit(ctx context.Context, req CreateRunRequest) (Run, error) {
	jobReq, family, err := m.Prepare(req)
	if err != nil {
		return Run{}, err
	}
	run := &Run{
		ID:         uuid.NewString(),
		Target:     jobReq.Target,
		Family:     family,
		WebhookURL: req.WebhookURL,
		Metadata:   req.Metadata,
		Status:     RunStatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
	if raw, ok := jobReq.Input.(json.RawMessage); ok {
		run.Input = raw
	}

	if m.stopped.Load() {
		return Run{}, ErrManagerStopped
	}
	if err := m.store.Create(run); err != nil {
		return Run{}, err
	}
	RunsQueuedTotal.Inc()
	RunsActive.Inc()
	slog.Info("run queued", "run_id", run.ID, "target", run.Target, "family", run.Family)
	// Published before the worker can see the run so "queued" is always first.
	m.publish(ctx, *run, true)

	if err := m.enqueue(run.ID); err != nil {
		m.reject(run, err)
		return Run{}, err
	}
	return *run, nil
}

func (m *Manager) enqueue(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped.Load() {
		return ErrManagerStopped
	}
	select {
	case m.runsChan <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Manager) reject(run *Run, err error) {
	m.finish(run, RunStatusFailed)
	run.Error = err.Error()
	run.ErrorKind = "rejected"
	_ = m.store.Update(run)
	RunsActive.Dec()
	RunsFailedTotal.WithLabelValues(run.ErrorKind).Inc()
	slog.Warn("run rejected", "run_id", run.ID, "error", err)
	m.publish(context.Background(), *run, true)
}

func (m *Manager) Get(id string) (Run, bool) {
	r, ok := m.store.Get(id)
	if !ok {
		return Run{}, false
	}
	return *r, true
}

func (m *Manager) List() []Run {
	runs := m.store.List()
	out := make([]Run, 0, len(runs))
	for _, r := range runs {
		out = append(out, *r)
	}
	return out
}

// Cancel stops a queued or active run.
func (m *Manager) Cancel(id string) (Run, error) {
	m.mu.Lock()
	run, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return Run{}, ErrRunNotFound
	}
	if run.Status.Terminal() {
		m.mu.Unlock()
		return *run, ErrRunFinished
	}
	if cancel, active := m.cancels[id]; active {
		m.mu.Unlock()
		cancel()
		slog.Info("run cancellation requested", "run_id", id)
		return *run, nil
	}
	// Still queued: the worker skips it when it gets there.
	m.finish(run, RunStatusCancelled)
	run.Error = apify.ErrCancelled.Error()
	run.ErrorKind = apify.ErrorKind(apify.ErrCancelled)
	_ = m.store.Update(run)
	m.mu.Unlock()

	RunsActive.Dec()
	RunsCancelledTotal.Inc()
	m.publish(context.Background(), *run, true)
	m.streamer.Close(id)
	return *run, nil
}

func (m *Manager) execute(id string) {
	m.mu.Lock()
	run, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		slog.Warn("run not found", "run_id", id)
		return
	}
	if run.Status != RunStatusQueued {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	m.cancels[id] = cancel
	now := time.Now().UTC()
	run.Status = RunStatusStarting
	run.StartedAt = &now
	_ = m.store.Update(run)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
	}()

	RunsInProgress.Inc()
	defer RunsInProgress.Dec()
	defer RunsActive.Dec()
	defer m.streamer.Close(id)
	m.publish(ctx, *run, true)

	req := apify.JobRequest{Target: run.Target}
	if len(run.Input) > 0 {
		req.Input = run.Input
	}
	items, err := m.runner.RunJob(ctx, req, run.Family, apify.WithProgress(func(p apify.Progress) {
		m.progress(ctx, id, p)
	}))

	run, _ = m.store.Get(id)
	if err != nil {
		m.fail(run, err)
		return
	}
	run.Items = items
	m.finish(run, RunStatusSucceeded)
	_ = m.store.Update(run)
	RunsSucceededTotal.Inc()
	slog.Info("run succeeded", "run_id", id, "remote_run_id", run.RemoteRunID, "items", len(items), "cached", run.Cached)
	m.publish(context.Background(), *run, true)
}

func (m *Manager) progress(ctx context.Context, id string, p apify.Progress) {
	m.mu.Lock()
	run, ok := m.store.Get(id)
	// A shared flight can still report progress after this run was cancelled.
	if !ok || run.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	switch p.Stage {
	case apify.StageSubmitted:
		run.RemoteRunID = p.Handle.ID
		run.Status = RunStatusRunning
	case apify.StagePolled:
		run.RemoteRunID = p.Handle.ID
		run.RemoteStatus = p.RawStatus
		run.Polls++
	case apify.StageCached:
		run.Cached = true
	}
	_ = m.store.Update(run)
	m.mu.Unlock()
	// Progress arrives while the poller waits on us, so it is only streamed.
	m.publish(ctx, *run, false)
}

func (m *Manager) fail(run *Run, err error) {
	kind := apify.ErrorKind(err)
	run.Error = err.Error()
	run.ErrorKind = kind
	if code, body, ok := apify.RemoteDetails(err); ok {
		run.RemoteStatusCode = code
		run.RemoteBody = body
	}
	var failed *apify.JobFailedError
	if errors.As(err, &failed) {
		run.RemoteRunID = failed.Handle.ID
		run.RemoteStatus = string(failed.Status)
	}

	if errors.Is(err, apify.ErrCancelled) {
		m.finish(run, RunStatusCancelled)
		RunsCancelledTotal.Inc()
		slog.Info("run cancelled", "run_id", run.ID, "remote_run_id", run.RemoteRunID)
	} else {
		m.finish(run, RunStatusFailed)
		RunsFailedTotal.WithLabelValues(kind).Inc()
		slog.Error("run failed", "run_id", run.ID, "remote_run_id", run.RemoteRunID, "kind", kind, "error", err)
	}
	_ = m.store.Update(run)
	m.publish(context.Background(), *run, true)
}

func (m *Manager) finish(run *Run, status RunStatus) {
	done := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &done
}

// publish streams the run to event subscribers. Lifecycle changes (queued,
// starting and the final state) are also queued for the run's webhook, which
// is delivered in the background in that order.
func (m *Manager) publish(ctx context.Context, run Run, lifecycle bool) {
	event := Event(run)
	if msg, err := json.Marshal(event); err == nil {
		m.streamer.Broadcast(run.ID, msg)
	}
	if !lifecycle || run.WebhookURL == "" || m.webhooks == nil {
		return
	}
	m.webhooks.Enqueue(ctx, run.ID, run.WebhookURL, event, run.Status.Terminal())
}

// Event converts a run into its notification payload.
func Event(run Run) webhook.Event {
	return webhook.Event{
		RunID:        run.ID,
		RemoteRunID:  run.RemoteRunID,
		RemoteStatus: run.RemoteStatus,
		Target:       run.Target,
		Family:       string(run.Family),
		Status:       string(run.Status),
		Error:        run.Error,
		ErrorKind:    run.ErrorKind,
		ItemCount:    len(run.Items),
		Timestamp:    time.Now().UTC(),
		Metadata:     run.Metadata,
	}
}
