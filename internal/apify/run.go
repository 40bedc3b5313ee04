package apify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

type Stage string

const (
	StageSubmitted Stage = "submitted"
	StagePolled    Stage = "polled"
	StageFetched   Stage = "fetched"
	StageCached    Stage = "cached"
)

// Progress describes one step of a RunJob call.
type Progress struct {
	Stage     Stage
	Handle    JobHandle
	Status    JobStatus
	RawStatus string
	Items     int
}

type RunOption func(*runOptions)

type runOptions struct {
	progress func(Progress)
}

// WithProgress registers fn to be called as the run advances. Callers that
// joined an in-flight run receive the steps that happen after they joined.
func WithProgress(fn func(Progress)) RunOption {
	return func(o *runOptions) {
		o.progress = fn
	}
}

// ProgressOf returns the progress callback carried by opts, or a no-op.
// Runners standing in for Client use it to honour WithProgress.
func ProgressOf(opts ...RunOption) func(Progress) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.progress == nil {
		return func(Progress) {}
	}
	return o.progress
}

// flight is one shared execution of a request key. It is cancelled when the
// last waiter leaves.
type flight struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int

	mu        sync.Mutex
	observers map[int]func(Progress)
	nextID    int
}

// emit calls the observers registered at the time of the call. Observers run
// outside f.mu so a slow one never blocks callers joining or leaving.
func (f *flight) emit(p Progress) {
	f.mu.Lock()
	observers := make([]func(Progress), 0, len(f.observers))
	for _, fn := range f.observers {
		observers = append(observers, fn)
	}
	f.mu.Unlock()
	for _, fn := range observers {
		fn(p)
	}
}

// RunJob submits req, waits for it using the client's poll settings and
// returns the normalized dataset. Equal requests share one remote run while it
// is in flight, and a successful result is served from the cache until it
// expires. The returned slice may be shared with other callers.
func (c *Client) RunJob(ctx context.Context, req JobRequest, family Family, opts ...RunOption) (NormalizedResult, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if strings.TrimSpace(req.Target) == "" {
		return nil, fmt.Errorf("%w: target must not be empty", ErrInvalidRequest)
	}
	if !family.valid() {
		return nil, fmt.Errorf("%w: unknown family %q", ErrInvalidRequest, family)
	}
	if c.token == "" {
		return nil, &AuthError{}
	}
	if ctx.Err() != nil {
		return nil, cancelled(ctx)
	}

	key, err := RequestKey(req, family)
	if err != nil {
		return nil, err
	}
	if items, ok := c.cachedResult(ctx, key); ok {
		if o.progress != nil {
			o.progress(Progress{Stage: StageCached, Items: len(items)})
		}
		return items, nil
	}

	f, observerID, created := c.join(key, o.progress)
	defer c.leave(f, observerID)

	ch := c.group.DoChan(f.key, func() (any, error) {
		return c.execute(f.ctx, key, req, family, f.emit)
	})
	select {
	case res := <-ch:
		if res.Shared && !created {
			runsDeduplicatedTotal.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(NormalizedResult), nil
	case <-ctx.Done():
		return nil, cancelled(ctx)
	}
}

func (c *Client) execute(ctx context.Context, key string, req JobRequest, family Family, emit func(Progress)) (NormalizedResult, error) {
	// A previous flight for this key may have stored its result after our
	// caller checked the cache.
	if items, ok := c.cachedResult(ctx, key); ok {
		emit(Progress{Stage: StageCached, Items: len(items)})
		return items, nil
	}

	handle, err := c.Submit(ctx, req.Target, family, req.Input)
	if err != nil {
		return nil, err
	}
	emit(Progress{Stage: StageSubmitted, Handle: handle, Status: JobStatusRunning})

	status, err := c.AwaitCompletion(ctx, handle, c.config.PollInterval, c.config.MaxWait, func(s JobStatus, raw string) {
		emit(Progress{Stage: StagePolled, Handle: handle, Status: s, RawStatus: raw})
	})
	if err != nil {
		return nil, err
	}
	if status != JobStatusSucceeded {
		return nil, &JobFailedError{Handle: handle, Status: status}
	}

	items, err := c.FetchResult(ctx, handle)
	if err != nil {
		return nil, err
	}
	emit(Progress{Stage: StageFetched, Handle: handle, Status: status, Items: len(items)})

	c.storeResult(ctx, key, items)
	return items, nil
}

// join registers a waiter on the flight for key, creating it when none is in
// progress. created reports whether this caller started the flight.
func (c *Client) join(key string, progress func(Progress)) (f *flight, observerID int, created bool) {
	c.mu.Lock()
	f, ok := c.flights[key]
	if !ok {
		c.nextGen++
		fctx, cancel := context.WithCancel(context.Background())
		f = &flight{
			key:       key + "#" + strconv.FormatUint(c.nextGen, 10),
			ctx:       fctx,
			cancel:    cancel,
			observers: make(map[int]func(Progress)),
		}
		c.flights[key] = f
	}
	f.waiters++
	c.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if progress != nil {
		f.observers[f.nextID] = progress
	}
	return f, f.nextID, !ok
}

func (c *Client) leave(f *flight, observerID int) {
	f.mu.Lock()
	delete(f.observers, observerID)
	f.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	for key, current := range c.flights {
		if current == f {
			delete(c.flights, key)
		}
	}
}

func (c *Client) cachedResult(ctx context.Context, key string) (NormalizedResult, bool) {
	if c.cache == nil {
		return nil, false
	}
	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("result cache lookup failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var items NormalizedResult
	if err := json.Unmarshal(data, &items); err != nil {
		c.logger.Warn("discarding undecodable cached result", "error", err)
		return nil, false
	}
	if items == nil {
		items = NormalizedResult{}
	}
	return items, true
}

func (c *Client) storeResult(ctx context.Context, key string, items NormalizedResult) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(items)
	if err != nil {
		c.logger.Warn("encoding result for cache failed", "error", err)
		return
	}
	if err := c.cache.Set(ctx, key, data, c.config.CacheTTL); err != nil {
		c.logger.Warn("result cache store failed", "error", err)
	}
}

// RequestKey identifies equivalent requests. Input is canonicalised through a
// JSON round trip so field order and formatting do not matter.
func RequestKey(req JobRequest, family Family) (string, error) {
	encoded, err := json.Marshal(req.Input)
	if err != nil {
		return "", fmt.Errorf("%w: encode input: %w", ErrInvalidRequest, err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var canonical any
	if err := dec.Decode(&canonical); err != nil {
		return "", fmt.Errorf("%w: decode input: %w", ErrInvalidRequest, err)
	}
	if encoded, err = json.Marshal(canonical); err != nil {
		return "", fmt.Errorf("%w: encode input: %w", ErrInvalidRequest, err)
	}

	h := sha256.New()
	h.Write([]byte(family))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(req.Target)))
	h.Write([]byte{0})
	h.Write(encoded)
	return "apify:run:" + hex.EncodeToString(h.Sum(nil)), nil
}
