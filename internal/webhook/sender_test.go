package webhook

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "sync/atomic"
    "testing"
    "time"
)

func TestHTTPSender_Success(t *testing.T) {
    var got Event
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if ct := r.Header.Get("content-type"); ct != "application/json" {
            t.Errorf("unexpected content type %q", ct)
        }
        _ = json.NewDecoder(r.Body).Decode(&got)
        w.WriteHeader(http.StatusOK)
    }))
    defer srv.Close()

    s := NewHTTPSender(2*time.Second, 0)
    err := s.Notify(context.Background(), srv.URL, Event{RunID: "1", RemoteRunID: "run1", Status: "succeeded", ItemCount: 3, Timestamp: time.Now()})
    if err != nil {
        t.Fatalf("expected success, got error: %v", err)
    }
    if got.RunID != "1" || got.RemoteRunID != "run1" || got.ItemCount != 3 {
        t.Fatalf("unexpected payload: %+v", got)
    }
}

func TestHTTPSender_RetryThenSuccess(t *testing.T) {
    var hits int32
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if atomic.AddInt32(&hits, 1) < 3 {
            http.Error(w, "boom", http.StatusInternalServerError)
            return
        }
        w.WriteHeader(http.StatusOK)
    }))
    defer srv.Close()

    s := NewHTTPSender(2*time.Second, 5)
    start := time.Now()
    err := s.Notify(context.Background(), srv.URL, Event{RunID: "2", Status: "queued", Timestamp: time.Now()})
    if err != nil {
        t.Fatalf("expected eventual success, got error: %v", err)
    }
    if atomic.LoadInt32(&hits) < 3 {
        t.Fatalf("expected at least 3 attempts, got %d", hits)
    }
    if time.Since(start) < 500*time.Millisecond {
        t.Fatalf("expected backoff delay to elapse, too fast: %s", time.Since(start))
    }
}

func TestHTTPSender_ExhaustRetries(t *testing.T) {
    var hits int32
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        atomic.AddInt32(&hits, 1)
        http.Error(w, "boom", http.StatusServiceUnavailable)
    }))
    defer srv.Close()

    s := NewHTTPSender(500*time.Millisecond, 2)
    err := s.Notify(context.Background(), srv.URL, Event{RunID: "3", Status: "queued", Timestamp: time.Now()})
    var statusErr *StatusError
    if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
        t.Fatalf("expected status error after exhausting retries, got %v", err)
    }
    if n := atomic.LoadInt32(&hits); n != 3 {
        t.Fatalf("expected 3 attempts, got %d", n)
    }
}

func TestHTTPSender_ClientErrorIsFinal(t *testing.T) {
    var hits int32
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        atomic.AddInt32(&hits, 1)
        http.Error(w, "gone", http.StatusGone)
    }))
    defer srv.Close()

    s := NewHTTPSender(time.Second, 5)
    err := s.Notify(context.Background(), srv.URL, Event{RunID: "5", Status: "failed", Timestamp: time.Now()})
    if err == nil {
        t.Fatalf("expected error for 410")
    }
    if n := atomic.LoadInt32(&hits); n != 1 {
        t.Fatalf("expected a single attempt, got %d", n)
    }
}

func TestHTTPSender_ContextCancel(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        time.Sleep(2 * time.Second)
        w.WriteHeader(http.StatusOK)
    }))
    defer srv.Close()

    s := NewHTTPSender(5*time.Second, 3)
    ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
    defer cancel()
    err := s.Notify(ctx, srv.URL, Event{RunID: "4", Status: "queued", Timestamp: time.Now()})
    if err == nil {
        t.Fatalf("expected context timeout error")
    }
}

func TestHTTPSender_RetriesTooManyRequests(t *testing.T) {
    var hits int32
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if atomic.AddInt32(&hits, 1) == 1 {
            http.Error(w, "slow down", http.StatusTooManyRequests)
            return
        }
        w.WriteHeader(http.StatusNoContent)
    }))
    defer srv.Close()

    s := NewHTTPSender(time.Second, 2)
    if err := s.Notify(context.Background(), srv.URL, Event{RunID: "6", Status: "starting", Timestamp: time.Now()}); err != nil {
        t.Fatalf("expected success after 429, got %v", err)
    }
    if n := atomic.LoadInt32(&hits); n != 2 {
        t.Fatalf("expected 2 attempts, got %d", n)
    }
}
