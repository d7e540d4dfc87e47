// Package observer implements the live watcher side of the sink: websocket
// sessions that subscribe to a recipient address and receive every message
// accepted for it, plus the tracker that force-closes them at shutdown.
package observer

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/shineum/smtp-sink-lite/internal/registry"
)

// sendQueueSize bounds the per-session outbound queue. Fan-out never blocks
// on a session: when the queue is full the frame is dropped for that session
// only.
const sendQueueSize = 64

// Session is one observer connection. Its lifecycle is Connected (no address
// watched) -> Watching -> Closed; closing always unsubscribes, whatever
// caused the close.
type Session struct {
	conn    *websocket.Conn
	reg     *registry.Registry
	tracker *Tracker

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// watchCommand is the only inbound frame shape the session understands.
type watchCommand struct {
	Watch *string `json:"watch"`
}

// delivery is the outbound frame for a fanned-out message.
type delivery struct {
	Msg string `json:"msg"`
}

// NewSession wraps an upgraded websocket connection. The caller runs it with
// Run, which blocks until the session closes.
func NewSession(conn *websocket.Conn, reg *registry.Registry, tracker *Tracker) *Session {
	return &Session{
		conn:    conn,
		reg:     reg,
		tracker: tracker,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// Run drives the session: greets the client, then processes inbound frames
// until the connection closes, for whatever reason. Cleanup runs on every
// exit path, including transport errors and forced shutdown closes.
func (s *Session) Run() {
	s.tracker.add(s)
	defer s.Close()

	go s.writeLoop()
	s.enqueue([]byte("hello"))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd watchCommand
		if jsonErr := json.Unmarshal(data, &cmd); jsonErr != nil || cmd.Watch == nil {
			s.enqueue([]byte("unknown command"))
			continue
		}

		s.reg.Subscribe(s, *cmd.Watch)
		s.enqueue([]byte("ok"))
	}
}

// Deliver queues a fanned-out message for this session. It never blocks: a
// full queue drops the frame, satisfying the registry's Subscriber contract.
func (s *Session) Deliver(payload []byte) {
	frame, err := json.Marshal(delivery{Msg: string(payload)})
	if err != nil {
		slog.Error("failed to marshal delivery frame", "error", err)
		return
	}
	s.enqueue(frame)
}

// Close tears the session down exactly once: unsubscribes, deregisters from
// the tracker, stops the writer, and closes the connection. Safe to call
// from any goroutine, including on an already-closed session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.reg.Unsubscribe(s)
		s.tracker.remove(s)
		close(s.done)
		s.conn.Close()
	})
}

// enqueue offers a frame to the writer without blocking.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	case <-s.done:
	default:
		slog.Debug("observer queue full, dropping frame")
	}
}

// writeLoop is the single writer for the connection; everything outbound
// funnels through the send queue.
func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("observer write failed", "error", err)
				return
			}
		case <-s.done:
			return
		}
	}
}
