package httpapi

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pmasur/agentd/internal/events"
)

// EventStreamer fans job-scoped events out to websocket subscribers. Each
// editor or CLI session watching a job holds one connection.
type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[string][]*websocket.Conn
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[string][]*websocket.Conn),
	}
}

// Subscribe adds a connection to a job's event stream.
func (es *EventStreamer) Subscribe(jobID string, conn *websocket.Conn) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.subscribers[jobID] = append(es.subscribers[jobID], conn)
}

// Unsubscribe removes a connection from a job's event stream.
func (es *EventStreamer) Unsubscribe(jobID string, conn *websocket.Conn) {
	es.mu.Lock()
	defer es.mu.Unlock()
	subscribers := es.subscribers[jobID]
	for i, s := range subscribers {
		if s == conn {
			es.subscribers[jobID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
}

// Broadcast delivers the event to every subscriber of its job. Write
// failures are ignored; the read loop on the connection notices the close.
func (es *EventStreamer) Broadcast(ev events.Event) {
	if ev.JobID == "" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	es.mu.RLock()
	defer es.mu.RUnlock()
	for _, conn := range es.subscribers[ev.JobID] {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
}

// CloseJob closes and drops all connections for a job. Called once the job
// is terminal and its event stream is drained.
func (es *EventStreamer) CloseJob(jobID string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, conn := range es.subscribers[jobID] {
		conn.Close()
	}
	delete(es.subscribers, jobID)
}
