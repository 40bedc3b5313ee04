package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulgrammer/apifyjobs/internal/apify"
	"github.com/paulgrammer/apifyjobs/internal/jobs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBody = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

type router struct {
	manager  *jobs.Manager
	streamer *jobs.EventStreamer
	runner   jobs.JobRunner
}

// NewRouter serves the run API. Asynchronous runs go through manager while
// POST /runs/sync calls runner directly.
func NewRouter(manager *jobs.Manager, streamer *jobs.EventStreamer, runner jobs.JobRunner) http.Handler {
	r := &router{manager: manager, streamer: streamer, runner: runner}
	m := http.NewServeMux()
	m.HandleFunc("GET /healthz", r.handleHealth)
	m.HandleFunc("POST /runs", r.handleCreateRun)
	m.HandleFunc("POST /runs/sync", r.handleSyncRun)
	m.HandleFunc("GET /runs", r.handleListRuns)
	m.HandleFunc("GET /runs/{id}", r.handleRun)
	m.HandleFunc("DELETE /runs/{id}", r.handleCancelRun)
	m.HandleFunc("GET /runs/{id}/events", r.handleRunEvents)
	m.Handle("GET /metrics", promhttp.Handler())
	return logging(m)
}

func decodeRunRequest(w http.ResponseWriter, req *http.Request) (jobs.CreateRunRequest, bool) {
	var body jobs.CreateRunRequest
	if req.ContentLength == 0 {
		return body, true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody)).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return body, false
	}
	return body, true
}

func (r *router) handleCreateRun(w http.ResponseWriter, req *http.Request) {
	body, ok := decodeRunRequest(w, req)
	if !ok {
		return
	}
	run, err := r.manager.Submit(req.Context(), body)
	switch {
	case errors.Is(err, jobs.ErrInvalidRunInput):
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, jobs.ErrManagerStopped), errors.Is(err, jobs.ErrQueueFull):
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		respondWithError(w, http.StatusInternalServerError, "failed to queue run")
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID, "status": string(run.Status)})
}

func (r *router) handleSyncRun(w http.ResponseWriter, req *http.Request) {
	body, ok := decodeRunRequest(w, req)
	if !ok {
		return
	}
	jobReq, family, err := r.manager.Prepare(body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := r.runner.RunJob(req.Context(), jobReq, family)
	if err != nil {
		slog.Warn("sync run failed", "target", jobReq.Target, "family", family, "kind", apify.ErrorKind(err), "error", err)
		respondWithRunError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (r *router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{"runs": r.manager.List()})
}

func (r *router) handleRun(w http.ResponseWriter, req *http.Request) {
	run, ok := r.manager.Get(req.PathValue("id"))
	if !ok {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}
	respondWithJSON(w, http.StatusOK, run)
}

func (r *router) handleCancelRun(w http.ResponseWriter, req *http.Request) {
	run, err := r.manager.Cancel(req.PathValue("id"))
	switch {
	case errors.Is(err, jobs.ErrRunNotFound):
		respondWithError(w, http.StatusNotFound, "not found")
	case errors.Is(err, jobs.ErrRunFinished):
		respondWithError(w, http.StatusConflict, err.Error())
	case err != nil:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	default:
		respondWithJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID, "status": "cancelling"})
	}
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunEvents streams run events over a websocket. The first message is
// the current state of the run; the socket closes once the run finishes.
func (r *router) handleRunEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	run, ok := r.manager.Get(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}
	snapshot, _ := json.Marshal(jobs.Event(run))
	if err := r.streamer.Subscribe(id, conn, snapshot); err != nil {
		conn.Close()
		return
	}

	// The run may have finished before we subscribed, in which case its final
	// event and close were already sent to everyone else.
	if current, ok := r.manager.Get(id); ok && current.Status.Terminal() {
		r.streamer.Unsubscribe(id, conn)
		if current.Status != run.Status {
			final, _ := json.Marshal(jobs.Event(current))
			_ = conn.WriteMessage(websocket.TextMessage, final)
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
			time.Now().Add(5*time.Second))
		conn.Close()
		return
	}
	defer r.streamer.Unsubscribe(id, conn)

	// Keep the connection open
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			break
		}
	}
}
