package server

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/codedeck/ecpd/internal/domain/auth"
	"github.com/codedeck/ecpd/pkg/ecp"
)

// Publish fans a server-initiated notification out to every
// authenticated connection. The envelope is serialized once; a slow or
// closed recipient drops the frame without affecting the rest of the
// fan-out. Pending and Rejected connections never see notifications.
func (s *Server) Publish(method string, params any) {
	data, err := json.Marshal(ecp.NewNotification(method, params))
	if err != nil {
		s.logger.Error("failed to marshal notification", "method", method, "error", err)
		return
	}

	for _, c := range s.snapshotConns() {
		if c.State() != auth.StateAuthenticated {
			continue
		}
		if c.enqueue(frame{messageType: websocket.TextMessage, data: data}) {
			s.metrics.NotificationsSent.Inc()
		}
	}
}

// PublishTo sends a notification to a single session. Returns false
// when no authenticated connection owns that session.
func (s *Server) PublishTo(sessionID, method string, params any) bool {
	for _, c := range s.snapshotConns() {
		if c.State() != auth.StateAuthenticated || c.SessionID() != sessionID {
			continue
		}
		if c.sendNotification(method, params) {
			s.metrics.NotificationsSent.Inc()
		}
		return true
	}
	return false
}

// snapshotConns copies the connection table so fan-out never holds the
// lock across channel sends.
func (s *Server) snapshotConns() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}
