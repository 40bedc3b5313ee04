package apify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

// staleMissCache misses on its first lookup, as when another flight stores the
// result between the caller's cache check and its own execution.
type staleMissCache struct {
	*mapCache
	once sync.Once
}

func (s *staleMissCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	missed := false
	s.once.Do(func() { missed = true })
	if missed {
		return nil, false, nil
	}
	return s.mapCache.Get(ctx, key)
}

func (m *mapCache) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func TestRunJob_EndToEnd(t *testing.T) {
	api := newFakeAPI()
	api.statuses = []string{"RUNNING", "SUCCEEDED"}
	api.dataset = `{"odds":42}`
	c := newTestClient(t, api)

	var stages []Stage
	items, err := c.RunJob(context.Background(), JobRequest{Target: "harvest/sportsbook-odds-scraper", Input: DefaultSportsbookInput()}, FamilyActor,
		WithProgress(func(p Progress) { stages = append(stages, p.Stage) }))
	require.NoError(t, err)

	encoded, err := json.Marshal(items)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"odds":42}]`, string(encoded))
	assert.Equal(t, []string{
		"POST /v2/acts/harvest~sportsbook-odds-scraper/runs",
		"GET /v2/actor-runs/run1",
		"GET /v2/actor-runs/run1",
		"GET /v2/actor-runs/run1/dataset/items",
	}, api.calls())
	assert.Equal(t, []Stage{StageSubmitted, StagePolled, StagePolled, StageFetched}, stages)
}

func TestRunJob_FailedRunSkipsFetch(t *testing.T) {
	api := newFakeAPI()
	api.statuses = []string{"FAILED"}
	c := newTestClient(t, api)

	_, err := c.RunJob(context.Background(), JobRequest{Target: "actor"}, FamilyTask)
	var failed *JobFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "run1", failed.Handle.ID)
	assert.Equal(t, JobStatusFailed, failed.Status)
	assert.Contains(t, err.Error(), "run1")
	assert.Contains(t, err.Error(), "FAILED")
	assert.Zero(t, api.count("GET /v2/actor-runs/run1/dataset"))
	assert.Equal(t, "job_failed", ErrorKind(err))
}

func TestRunJob_RemoteTimedOut(t *testing.T) {
	api := newFakeAPI()
	api.statuses = []string{"RUNNING", "TIMED_OUT"}
	c := newTestClient(t, api)

	_, err := c.RunJob(context.Background(), JobRequest{Target: "actor"}, FamilyActor)
	var failed *JobFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, JobStatusTimedOut, failed.Status)
}

func TestRunJob_CachesSuccessfulResults(t *testing.T) {
	api := newFakeAPI()
	api.dataset = `[{"odds":1},{"odds":2}]`
	cache := newMapCache()
	c := newTestClient(t, api, WithResultCache(cache))
	req := JobRequest{Target: "actor", Input: map[string]any{"sport": "nfl", "regions": []string{"us"}}}

	first, err := c.RunJob(context.Background(), req, FamilyActor)
	require.NoError(t, err)
	calls := len(api.calls())

	var stages []Stage
	again := JobRequest{Target: "actor", Input: json.RawMessage(`{"regions":["us"],  "sport":"nfl"}`)}
	second, err := c.RunJob(context.Background(), again, FamilyActor, WithProgress(func(p Progress) { stages = append(stages, p.Stage) }))
	require.NoError(t, err)

	assert.Len(t, api.calls(), calls)
	assert.Equal(t, []Stage{StageCached}, stages)
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.JSONEq(t, string(a), string(b))
	for _, ttl := range cache.ttls {
		assert.Equal(t, c.Config().CacheTTL, ttl)
	}

	_, err = c.RunJob(context.Background(), req, FamilyTask)
	require.NoError(t, err)
	assert.Greater(t, len(api.calls()), calls)
}

func TestRunJob_FailuresAreNotCached(t *testing.T) {
	api := newFakeAPI()
	api.statuses = []string{"FAILED"}
	cache := newMapCache()
	c := newTestClient(t, api, WithResultCache(cache))

	_, err := c.RunJob(context.Background(), JobRequest{Target: "actor"}, FamilyActor)
	require.Error(t, err)
	assert.Zero(t, cache.len())
}

func TestRunJob_CacheErrorFallsThrough(t *testing.T) {
	api := newFakeAPI()
	cache := newMapCache()
	cache.getErr = errors.New("cache down")
	c := newTestClient(t, api, WithResultCache(cache))

	items, err := c.RunJob(context.Background(), JobRequest{Target: "actor"}, FamilyActor)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 1, api.count("POST"))
}

func TestRunJob_DeduplicatesConcurrentRequests(t *testing.T) {
	api := newFakeAPI()
	api.gate = make(chan struct{})
	api.dataset = `{"odds":42}`
	c := newTestClient(t, api)
	before := testutil.ToFloat64(runsDeduplicatedTotal)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]NormalizedResult, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.RunJob(context.Background(), JobRequest{Target: "actor", Input: DefaultSportsbookInput()}, FamilyActor)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(api.gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 1)
	}
	assert.Equal(t, 1, api.count("POST"))
	assert.Equal(t, float64(callers-1), testutil.ToFloat64(runsDeduplicatedTotal)-before)
}

func TestRunJob_CancelStopsPolling(t *testing.T) {
	api := newFakeAPI()
	api.statuses = []string{"RUNNING"}
	c := newTestClient(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := c.RunJob(ctx, JobRequest{Target: "actor"}, FamilyActor)
	require.ErrorIs(t, err, ErrCancelled)

	time.Sleep(50 * time.Millisecond)
	polls := api.count("GET")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, polls, api.count("GET"))
}

func TestRunJob_OneWaiterCancelsOthersContinue(t *testing.T) {
	api := newFakeAPI()
	api.gate = make(chan struct{})
	c := newTestClient(t, api)
	req := JobRequest{Target: "actor"}

	done := make(chan error, 1)
	go func() {
		_, err := c.RunJob(context.Background(), req, FamilyActor)
		done <- err
	}()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := c.RunJob(ctx, req, FamilyActor)
	require.ErrorIs(t, err, ErrCancelled)

	close(api.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, api.count("POST"))
}

func TestRunJob_SingleCallerIsNotCountedAsDeduplicated(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api)
	before := testutil.ToFloat64(runsDeduplicatedTotal)

	_, err := c.RunJob(context.Background(), JobRequest{Target: "actor"}, FamilyActor)
	require.NoError(t, err)
	assert.Equal(t, before, testutil.ToFloat64(runsDeduplicatedTotal))
}

func TestRunJob_ResultCachedBeforeExecutionSkipsSubmit(t *testing.T) {
	api := newFakeAPI()
	cache := &staleMissCache{mapCache: newMapCache()}
	c := newTestClient(t, api, WithResultCache(cache))
	req := JobRequest{Target: "actor", Input: DefaultSportsbookInput()}

	key, err := RequestKey(req, FamilyActor)
	require.NoError(t, err)
	require.NoError(t, cache.Set(context.Background(), key, []byte(`[{"odds":7}]`), time.Minute))

	var stages []Stage
	items, err := c.RunJob(context.Background(), req, FamilyActor, WithProgress(func(p Progress) { stages = append(stages, p.Stage) }))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Empty(t, api.calls())
	assert.Equal(t, []Stage{StageCached}, stages)
}

func TestRunJob_SlowObserverDoesNotBlockOtherCallers(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api)
	req := JobRequest{Target: "actor"}

	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := WithProgress(func(Progress) {
		once.Do(func() { close(blocked) })
		<-release
	})

	first := make(chan error, 1)
	go func() {
		_, err := c.RunJob(context.Background(), req, FamilyActor, slow)
		first <- err
	}()
	<-blocked

	other := make(chan error, 1)
	go func() {
		_, err := c.RunJob(context.Background(), JobRequest{Target: "other"}, FamilyActor)
		other <- err
	}()
	select {
	case err := <-other:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("unrelated run blocked behind a slow observer")
	}

	joiner := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	go func() {
		_, err := c.RunJob(ctx, req, FamilyActor, WithProgress(func(Progress) {}))
		joiner <- err
	}()
	select {
	case err := <-joiner:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancelled joiner blocked behind a slow observer")
	}

	close(release)
	require.NoError(t, <-first)
}

func TestRunJob_Validation(t *testing.T) {
	api := newFakeAPI()
	c := newTestClient(t, api)

	_, err := c.RunJob(context.Background(), JobRequest{}, FamilyActor)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = c.RunJob(context.Background(), JobRequest{Target: "actor"}, Family(""))
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = New("").RunJob(context.Background(), JobRequest{Target: "actor"}, FamilyActor)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Empty(t, api.calls())
}

func TestRequestKey(t *testing.T) {
	a, err := RequestKey(JobRequest{Target: "actor", Input: map[string]any{"b": 1, "a": []int{1, 2}}}, FamilyActor)
	require.NoError(t, err)
	b, err := RequestKey(JobRequest{Target: "actor", Input: json.RawMessage(`{"a":[1,2],"b":1}`)}, FamilyActor)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := RequestKey(JobRequest{Target: "actor", Input: map[string]any{"b": 1, "a": []int{1, 2}}}, FamilyTask)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := RequestKey(JobRequest{Target: "other", Input: json.RawMessage(`{"a":[1,2],"b":1}`)}, FamilyActor)
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestProgressOf(t *testing.T) {
	ProgressOf()(Progress{Stage: StageFetched})

	var got []Stage
	ProgressOf(WithProgress(func(p Progress) { got = append(got, p.Stage) }))(Progress{Stage: StagePolled})
	assert.Equal(t, []Stage{StagePolled}, got)
}
