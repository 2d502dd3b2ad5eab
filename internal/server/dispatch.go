package server

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/codedeck/ecpd/internal/adapter/registry"
	"github.com/codedeck/ecpd/internal/domain/auth"
	"github.com/codedeck/ecpd/internal/domain/middleware"
	"github.com/codedeck/ecpd/pkg/ecp"
)

// dispatch runs the full pipeline for one inbound frame: parse, auth
// gate, adapter resolution, middleware chain, adapter call, response.
// Responses for one connection are produced in arrival order because
// dispatch runs synchronously on the read loop.
func (s *Server) dispatch(ctx context.Context, c *Conn, data []byte) {
	start := time.Now()
	c.touch()

	req, perr := ecp.ParseRequest(data)
	if perr != nil {
		s.metrics.RequestsTotal.WithLabelValues(outcomeError).Inc()
		c.sendResponse(ecp.NewErrorResponse(perr.ResponseID(), perr))
		return
	}

	ctx, span := s.tracer.Start(ctx, "ecp.dispatch",
		trace.WithAttributes(attribute.String("rpc.method", req.Method)))
	defer span.End()

	if req.Method == ecp.MethodHandshake {
		s.handleHandshake(c, req)
		return
	}

	if c.State() != auth.StateAuthenticated {
		s.metrics.RequestsTotal.WithLabelValues(outcomeRejected).Inc()
		if req.IsNotification() {
			return
		}
		c.sendResponse(ecp.NewErrorResponse(req.ID,
			ecp.NewError(ecp.CodeNotAuthenticated, "Not authenticated")))
		return
	}

	adapter, ok := s.registry.Resolve(req.Method)
	if !ok {
		s.metrics.RequestsTotal.WithLabelValues(outcomeError).Inc()
		if req.IsNotification() {
			return
		}
		c.sendResponse(ecp.NewErrorResponse(req.ID, ecp.NewMethodNotFound(req.Method)))
		return
	}

	outcome := s.chain.Run(ctx, middleware.Request{
		Method:        req.Method,
		Params:        req.Params,
		WorkspaceRoot: s.cfg.Server.Workspace,
		SessionID:     c.SessionID(),
		ClientID:      c.ClientID(),
		Caller:        c.Caller(),
	})
	if !outcome.Allowed {
		s.metrics.RequestsTotal.WithLabelValues(outcomeRejected).Inc()
		if req.IsNotification() {
			return
		}
		feedback := outcome.Feedback
		if feedback == "" {
			feedback = "Request blocked"
		}
		rpcErr := ecp.NewError(outcome.ErrorCode, feedback)
		if outcome.ErrorData != nil {
			rpcErr = rpcErr.WithData(outcome.ErrorData)
		}
		c.sendResponse(ecp.NewErrorResponse(req.ID, rpcErr))
		return
	}

	result, rpcErr := s.callAdapter(ctx, adapter, req.Method, outcome)
	if rpcErr != nil {
		s.metrics.RequestsTotal.WithLabelValues(outcomeError).Inc()
		if !req.IsNotification() {
			c.sendResponse(ecp.NewErrorResponse(req.ID, rpcErr))
		}
		return
	}

	s.metrics.RequestsTotal.WithLabelValues(outcomeOK).Inc()
	s.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	if !req.IsNotification() {
		c.sendResponse(ecp.NewResult(req.ID, result))
	}

	// Observation hooks run after the response is on its way out.
	s.chain.AfterExecute(ctx, outcome.Context, result)
}

// callAdapter invokes the adapter with panic containment. A panicking
// adapter answers InternalError instead of killing the read loop.
func (s *Server) callAdapter(ctx context.Context, a registry.Adapter, method string, outcome *middleware.Outcome) (result any, rpcErr *ecp.Error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("adapter panic", "method", method, "panic", r)
			result = nil
			rpcErr = ecp.NewInternalError()
		}
	}()
	return a.HandleRequest(ctx, method, outcome.FinalParams)
}
