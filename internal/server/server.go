// Package server wires the request-plane components — normalizer,
// validator, blacklist, rate limiter, breaker-gated dispatcher,
// aggregator, and reject log — into the gin router described by spec
// §6's external interface table.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rpcgateway/internal/admin"
	"rpcgateway/internal/aggregate"
	"rpcgateway/internal/blacklist"
	"rpcgateway/internal/dispatch"
	"rpcgateway/internal/ipnorm"
	"rpcgateway/internal/logging"
	"rpcgateway/internal/ratelimit"
	"rpcgateway/internal/rejectlog"
	"rpcgateway/internal/rpc"
	"rpcgateway/internal/safe"
)

// Server holds every collaborator a request touches and exposes a
// *gin.Engine wired per spec §6.
type Server struct {
	blacklist  *blacklist.List
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	aggregator *aggregate.Aggregator
	rejectLog  *rejectlog.Log
	admin      *admin.Handlers

	engine *gin.Engine
}

// Config parameterizes a Server.
type Config struct {
	Blacklist  *blacklist.List
	Limiter    *ratelimit.Limiter
	Dispatcher *dispatch.Dispatcher
	Aggregator *aggregate.Aggregator
	RejectLog  *rejectlog.Log
	Admin      *admin.Handlers
}

func New(cfg Config) *Server {
	s := &Server{
		blacklist:  cfg.Blacklist,
		limiter:    cfg.Limiter,
		dispatcher: cfg.Dispatcher,
		aggregator: cfg.Aggregator,
		rejectLog:  cfg.RejectLog,
		admin:      cfg.Admin,
	}
	s.engine = s.buildEngine()
	return s
}

// Engine exposes the underlying gin engine for http.Server / TLS
// bootstrapping in cmd/proxy.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/", s.handlePOST)
	r.GET("/", s.handleGET)

	if s.admin != nil {
		s.admin.Register(r)
	}

	return r
}

// handlePOST forwards a validated JSON-RPC call or batch to the
// selected upstream.
//
// @Summary Forward a JSON-RPC call
// @Description Validates, gates (blacklist/rate-limit), and forwards a single JSON-RPC 2.0 request or batch to the upstream.
// @Tags rpc
// @Accept json
// @Produce json
// @Success 200 {object} rpc.Body
// @Router / [post]
func (s *Server) handlePOST(c *gin.Context) {
	ip := ipnorm.ClientIP(c.Request)
	origin := ipnorm.Origin(c.Request)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.reject(ip, origin, "failed to read body", nil)
		s.writeRPCError(c, rpc.CodeParseError, "Parse error", json.RawMessage("null"))
		return
	}

	// The validator runs synchronously before the admission gates (spec
	// §2's data flow), both so a structurally invalid or blocked-namespace
	// body is rejected before touching the blacklist/limiter, and so a
	// blacklist/rate-limit denial can echo the caller's real id for a
	// singleton request rather than always answering null.
	req, vErr, internalErr := parseRequest(body)
	if vErr != nil {
		s.reject(ip, origin, vErr.Message, body)
		s.writeRPCError(c, vErr.Code, vErr.Message, vErr.ID)
		return
	}
	if internalErr != nil {
		// Fail-open per spec §4.2: a validator crash must never surface
		// as a 5xx; the raw body is forwarded to the dispatcher untouched.
		logging.Errorf("server: validator failed internally, passing request through: %v", internalErr)
	}
	echoID := singletonIDOrNull(req)

	if s.blacklist != nil && s.blacklist.IsBlacklisted(ip) {
		s.reject(ip, origin, "blacklisted IP", body)
		s.writeRPCError(c, rpc.CodeRateLimited, "Forbidden: IP blacklisted.", echoID)
		return
	}

	if s.limiter != nil {
		if res := s.limiter.Check(ip, origin); res.Blocked {
			s.reject(ip, origin, res.Reason, body)
			c.Header("Retry-After", itoa64(res.RetryAfterS))
			s.writeRPCError(c, rpc.CodeRateLimited, "Rate limit exceeded.", echoID)
			return
		}
	}

	isPublic := ipnorm.ClassifyOrigin(origin) == ipnorm.Public

	resp := s.dispatcher.DispatchPOST(c.Request.Context(), c.Request.Header, body)
	if resp.Err != nil && resp.StatusCode == 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": resp.Err.Error()})
		return
	}

	if !resp.ActuallyUsedFallback && resp.StatusCode < 500 {
		n := int64(1)
		if req != nil {
			n = int64(len(req.Batch))
		}
		if s.aggregator != nil {
			s.aggregator.CreditURL(origin, n)
			s.aggregator.CreditIP(ip, origin, isPublic, n)
		}
	}

	writeUpstream(c, resp)
}

// parseRequest validates body via rpc.Parse guarded by safe.CallErr, so
// a panic inside the validator never becomes a 5xx (spec §4.2's
// fail-open requirement). It returns exactly one of: a parsed request,
// a *rpc.Error to reject with, or a non-nil internalErr when the
// validator itself failed and the request must be passed through.
func parseRequest(body []byte) (req *rpc.Request, vErr *rpc.Error, internalErr error) {
	result, err := safe.CallErr("rpc.Parse", func() (*rpc.Request, error) {
		r, vErr := rpc.Parse(body)
		if vErr != nil {
			return nil, vErr
		}
		return r, nil
	})
	if err == nil {
		return result, nil, nil
	}
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return nil, rpcErr, nil
	}
	return nil, nil, err
}

// singletonIDOrNull returns the id a blacklist/rate-limit denial should
// echo: the caller's own id for a singleton request, null for a batch
// or an unparsed (fail-open) request, per spec §4.4.
func singletonIDOrNull(req *rpc.Request) json.RawMessage {
	if req == nil || req.IsBatch || len(req.Batch) == 0 {
		return json.RawMessage("null")
	}
	return req.Batch[0].IDOrNull()
}

// handleGET is the diagnostic GET / probe. Neither outcome is fed to
// the breaker.
//
// @Summary Probe upstream
// @Description Diagnostic GET against primary, falling back to the secondary upstream on failure.
// @Tags rpc
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (s *Server) handleGET(c *gin.Context) {
	correlationID := uuid.NewString()
	resp := s.dispatcher.DispatchGET(c.Request.Context(), correlationID)
	if resp.Err != nil && resp.StatusCode == 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": resp.Err.Error()})
		return
	}
	writeUpstream(c, resp)
}

func writeUpstream(c *gin.Context, resp dispatch.Response) {
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	contentType := "application/json"
	if resp.Header != nil {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			contentType = ct
		}
	}
	c.Data(status, contentType, resp.Body)
}

func (s *Server) writeRPCError(c *gin.Context, code int, message string, id json.RawMessage) {
	c.JSON(http.StatusOK, rpc.ErrorBody(&rpc.Error{Code: code, Message: message, ID: id}))
}

func (s *Server) reject(ip, origin, reason string, body []byte) {
	if s.rejectLog != nil {
		s.rejectLog.Log(ip, origin, reason, body)
	}
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}

// Shutdown allows cmd/proxy to drain background collaborators owned
// indirectly through the server (currently a passthrough; the
// aggregator/limiter/blacklist loops are supervised independently by
// cmd/proxy, not by Server itself).
func (s *Server) Shutdown(_ context.Context) error {
	if s.rejectLog != nil {
		s.rejectLog.Close()
	}
	return nil
}
