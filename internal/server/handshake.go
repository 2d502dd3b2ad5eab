package server

import (
	"encoding/json"
	"time"

	"github.com/codedeck/ecpd/internal/domain/auth"
	"github.com/codedeck/ecpd/internal/domain/middleware"
	"github.com/codedeck/ecpd/pkg/ecp"
)

// authRejectGrace is how long a rejected peer gets to read the error
// response before the close frame follows it.
const authRejectGrace = 100 * time.Millisecond

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type callerParams struct {
	Type        string `json:"type"`
	AgentID     string `json:"agentId"`
	ExecutionID string `json:"executionId"`
	RoleType    string `json:"roleType"`
}

type handshakeParams struct {
	Token      string        `json:"token"`
	ClientInfo clientInfo    `json:"client"`
	Caller     *callerParams `json:"caller"`
}

type handshakeResult struct {
	ClientID      string `json:"clientId"`
	SessionID     string `json:"sessionId"`
	ServerVersion string `json:"serverVersion"`
	WorkspaceRoot string `json:"workspaceRoot"`
}

// handleHandshake drives the Pending → Authenticated | Rejected state
// machine. It runs on the read loop, so state checks and flips are not
// racing other handshake attempts; only the timeout callback competes,
// and the flip methods resolve that race.
func (s *Server) handleHandshake(c *Conn, req *ecp.Request) {
	switch c.State() {
	case auth.StateAuthenticated:
		// Repeated handshake on a live session is answered, not punished.
		c.sendResponse(ecp.NewResult(req.ID, s.sessionResult(c)))
		return
	case auth.StateRejected:
		c.sendResponse(ecp.NewErrorResponse(req.ID,
			ecp.NewError(ecp.CodeConnectionRejected, "Connection rejected")))
		return
	}

	var params handshakeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.sendResponse(ecp.NewErrorResponse(req.ID,
				ecp.NewError(ecp.CodeInvalidParams, "Invalid handshake params")))
			return
		}
	}

	ok, err := s.verifier.Verify(params.Token)
	if err != nil {
		s.logger.Error("token verification failed", "conn_id", c.id, "error", err)
		ok = false
	}
	if !ok {
		s.rejectHandshake(c, req)
		return
	}

	sessionID := auth.NewSessionID()
	clientID := auth.NewClientID()
	caller := resolveCaller(params.Caller)

	if !c.setAuthenticated(sessionID, clientID, params.ClientInfo, caller) {
		// The handshake deadline fired between Verify and the flip.
		c.sendResponse(ecp.NewErrorResponse(req.ID,
			ecp.NewError(ecp.CodeConnectionRejected, "Connection rejected")))
		return
	}

	s.metrics.AuthenticatedActive.Inc()
	s.logger.Info("client authenticated",
		"conn_id", c.id,
		"session_id", sessionID,
		"client_name", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"caller_type", string(caller.Type),
	)

	c.sendResponse(ecp.NewResult(req.ID, s.sessionResult(c)))
	c.sendNotification(ecp.NotifyConnected, map[string]any{
		"sessionId":     sessionID,
		"serverVersion": ecp.Version,
	})
}

func (s *Server) sessionResult(c *Conn) handshakeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return handshakeResult{
		ClientID:      c.clientID,
		SessionID:     c.sessionID,
		ServerVersion: ecp.Version,
		WorkspaceRoot: s.cfg.Server.Workspace,
	}
}

// rejectHandshake answers a bad token with InvalidToken, then closes
// with 4001 after a short grace so the error response gets flushed
// first.
func (s *Server) rejectHandshake(c *Conn, req *ecp.Request) {
	if !c.setRejected() {
		return
	}
	s.metrics.HandshakeFailures.WithLabelValues("invalid_token").Inc()
	s.logger.Warn("handshake rejected", "conn_id", c.id, "remote_addr", c.remote)

	c.sendResponse(ecp.NewErrorResponse(req.ID,
		ecp.NewError(ecp.CodeInvalidToken, "Authentication failed: invalid token")))

	time.AfterFunc(authRejectGrace, func() {
		c.closeWith(CloseAuthRejected, "Authentication failed")
	})
}

// expireHandshake fires from the handshake timer when the peer never
// completed authentication in time.
func (s *Server) expireHandshake(c *Conn) {
	if !c.setRejected() {
		return
	}
	s.metrics.HandshakeFailures.WithLabelValues("timeout").Inc()
	s.logger.Warn("handshake timed out", "conn_id", c.id, "remote_addr", c.remote)

	c.sendResponse(ecp.NewErrorResponse(nil,
		ecp.NewError(ecp.CodeHandshakeTimeout, "Authentication timeout")))

	time.AfterFunc(authRejectGrace, func() {
		c.closeWith(CloseAuthTimeout, "Authentication timeout")
	})
}

// authenticateLegacy completes authentication for the deprecated
// ?token= upgrade path; the token was already verified before the
// upgrade.
func (s *Server) authenticateLegacy(c *Conn) {
	sessionID := auth.NewSessionID()
	clientID := auth.NewClientID()
	if !c.setAuthenticated(sessionID, clientID, clientInfo{}, middleware.Caller{Type: middleware.CallerHuman}) {
		return
	}
	s.metrics.AuthenticatedActive.Inc()
	s.logger.Warn("client authenticated via deprecated query-parameter token; switch to auth/handshake",
		"conn_id", c.id, "session_id", sessionID)

	c.sendNotification(ecp.NotifyConnected, map[string]any{
		"sessionId":     sessionID,
		"clientId":      clientID,
		"serverVersion": ecp.Version,
		"workspaceRoot": s.cfg.Server.Workspace,
	})
}

func resolveCaller(p *callerParams) middleware.Caller {
	if p == nil {
		return middleware.Caller{Type: middleware.CallerHuman}
	}
	caller := middleware.Caller{
		AgentID:     p.AgentID,
		ExecutionID: p.ExecutionID,
		RoleType:    p.RoleType,
	}
	if p.Type == string(middleware.CallerAgent) {
		caller.Type = middleware.CallerAgent
	} else {
		caller.Type = middleware.CallerHuman
	}
	return caller
}
