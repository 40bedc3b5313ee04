package jobs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// EventStreamer fans run events out to websocket subscribers.
type EventStreamer struct {
	mu          sync.Mutex
	subscribers map[string][]*websocket.Conn
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[string][]*websocket.Conn),
	}
}

// Subscribe writes initial to conn and then adds it to the run's subscribers.
// Both happen under the streamer lock so no event can slip in between.
func (es *EventStreamer) Subscribe(runID string, conn *websocket.Conn, initial []byte) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if initial != nil {
		if err := write(conn, initial); err != nil {
			return err
		}
	}
	es.subscribers[runID] = append(es.subscribers[runID], conn)
	return nil
}

func (es *EventStreamer) Unsubscribe(runID string, conn *websocket.Conn) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.remove(runID, conn)
}

// Broadcast sends message to every subscriber of the run, dropping the ones
// that cannot be written to.
func (es *EventStreamer) Broadcast(runID string, message []byte) {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, conn := range append([]*websocket.Conn(nil), es.subscribers[runID]...) {
		if err := write(conn, message); err != nil {
			slog.Debug("dropping event subscriber", "run_id", runID, "error", err)
			_ = conn.Close()
			es.remove(runID, conn)
		}
	}
}

// Close closes all connections for a run.
func (es *EventStreamer) Close(runID string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, conn := range es.subscribers[runID] {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
	delete(es.subscribers, runID)
}

func (es *EventStreamer) Subscribers(runID string) int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.subscribers[runID])
}

func (es *EventStreamer) remove(runID string, conn *websocket.Conn) {
	subscribers := es.subscribers[runID]
	for i, s := range subscribers {
		if s == conn {
			es.subscribers[runID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	if len(es.subscribers[runID]) == 0 {
		delete(es.subscribers, runID)
	}
}

func write(conn *websocket.Conn, message []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, message)
}
