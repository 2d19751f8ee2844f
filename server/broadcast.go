package server

import (
	"time"

	"github.com/fiberhive/oltpoll/poll"
)

// broadcastMessage sends a message to all connected clients.
// Returns the number of clients that accepted the message (channel not
// full).
func (s *Server) broadcastMessage(msg interface{}) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.sendMsg <- msg:
			sent++
		default:
			// Channel full - skip
			s.broadcastDrops.Add(1)
		}
	}
	return sent
}

// ExecutionUpdateMessage carries one execution state change to clients.
type ExecutionUpdateMessage struct {
	Type      string          `json:"type"`
	Execution *poll.Execution `json:"execution"`
	Timestamp int64           `json:"timestamp"`
}

// BroadcastExecutionUpdate pushes an execution state change to every
// connected client. Safe to call from any goroutine; slow clients drop
// the message rather than block the caller.
func (s *Server) BroadcastExecutionUpdate(ex *poll.Execution) {
	msg := ExecutionUpdateMessage{
		Type:      "execution_update",
		Execution: ex,
		Timestamp: time.Now().Unix(),
	}

	sent := s.broadcastMessage(msg)
	if sent > 0 {
		s.logger.Debugw("Broadcasted execution update",
			"execution_id", ex.ID,
			"state", ex.State,
			"clients", sent,
		)
	}
}
