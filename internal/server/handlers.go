package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletgate/internal/backend"
	"github.com/mbd888/walletgate/internal/broker"
	"github.com/mbd888/walletgate/internal/policy"
	"github.com/mbd888/walletgate/internal/rpcerr"
	"github.com/mbd888/walletgate/internal/validation"
)

// HealthResponse is the health check response body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	allHealthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Healthy:
			checks[st.Name] = "healthy"
		case st.Detail != "":
			checks[st.Name] = "unhealthy: " + st.Detail
		default:
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "walletgate",
		"description": "Policy-gated wallet request broker",
		"version":     "0.1.0",
		"chainId":     s.backend.ChainID(),
		"chainName":   policy.ChainName(s.backend.ChainID()),
	})
}

// -----------------------------------------------------------------------------
// Status & context
// -----------------------------------------------------------------------------

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"address":       s.backend.Address(),
		"chainId":       s.backend.ChainID(),
		"chainName":     policy.ChainName(s.backend.ChainID()),
		"autoApprove":   s.broker.IsAutoApproveEnabled(),
		"policyMode":    s.broker.Policy().Mode,
		"pendingCount":  s.broker.PendingCount(),
		"subscriptions": s.broker.Subscriptions().Count(),
	})
}

func (s *Server) contextHandler(c *gin.Context) {
	snap, err := s.broker.Context(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "context_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// -----------------------------------------------------------------------------
// Pending table
// -----------------------------------------------------------------------------

func (s *Server) pendingHandler(c *gin.Context) {
	pending := s.broker.PendingEnhanced(s.backend.ChainID())
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"count":   len(pending),
	})
}

func (s *Server) approveHandler(c *gin.Context) {
	id := c.Param("id")
	result, err := s.broker.Approve(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		// The request was consumed: the submitter got the failure too.
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "execution_failed",
			"message": err.Error(),
			"id":      id,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "result": result})
}

type rejectBody struct {
	Reason string `json:"reason"`
}

func (s *Server) rejectHandler(c *gin.Context) {
	id := c.Param("id")
	var body rejectBody
	_ = c.ShouldBindJSON(&body) // empty body means default reason

	if err := s.broker.Reject(c.Request.Context(), id, body.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "rejected": true})
}

func (s *Server) approveNextHandler(c *gin.Context) {
	resolved, err := s.broker.ApproveNext(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "execution_failed", "message": err.Error()})
		return
	}
	if resolved == nil {
		c.JSON(http.StatusOK, gin.H{"resolved": nil, "empty": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

func (s *Server) rejectNextHandler(c *gin.Context) {
	var body rejectBody
	_ = c.ShouldBindJSON(&body)

	resolved, err := s.broker.RejectNext(c.Request.Context(), body.Reason)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "reject_failed", "message": err.Error()})
		return
	}
	if resolved == nil {
		c.JSON(http.StatusOK, gin.H{"resolved": nil, "empty": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

func (s *Server) waitForRequestHandler(c *gin.Context) {
	timeout := queryDurationMs(c, "timeoutMs", 30*time.Second)

	view, err := s.broker.WaitForRequest(c.Request.Context(), timeout)
	if err != nil {
		if errors.Is(err, broker.ErrTimeout) {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "timeout", "timeoutMs": timeout.Milliseconds()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "wait_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": view})
}

func (s *Server) clearHandler(c *gin.Context) {
	cleared := s.broker.Clear(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// -----------------------------------------------------------------------------
// Direct submission
// -----------------------------------------------------------------------------

type submitBody struct {
	Method string `json:"method" binding:"required"`
	Params []any  `json:"params"`
}

// submitHandler lets a controller originate a wallet request itself. The
// call blocks like a page request would, so drains and approvals from
// another connection resolve it.
func (s *Server) submitHandler(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result, err := s.broker.Submit(c.Request.Context(), body.Method, body.Params)
	if err != nil {
		rpcError := rpcerr.From(err)
		c.JSON(httpStatusFor(rpcError), gin.H{"error": rpcError})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// httpStatusFor maps provider error codes onto control-plane HTTP status.
func httpStatusFor(e *rpcerr.Error) int {
	switch e.Code {
	case rpcerr.CodeUserRejected:
		return http.StatusForbidden
	case rpcerr.CodeUnauthorized:
		return http.StatusUnauthorized
	case rpcerr.CodeUnsupportedMethod, rpcerr.CodeInvalidParams:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// -----------------------------------------------------------------------------
// Policy & auto-approve
// -----------------------------------------------------------------------------

func (s *Server) getPolicyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.broker.Policy())
}

func (s *Server) updatePolicyHandler(c *gin.Context) {
	var update policy.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	merged, err := s.broker.SetPolicy(c.Request.Context(), update)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, merged)
}

type autoApproveBody struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) autoApproveHandler(c *gin.Context) {
	var body autoApproveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "enabled is required"})
		return
	}
	s.broker.SetAutoApprove(c.Request.Context(), *body.Enabled)
	c.JSON(http.StatusOK, gin.H{"autoApprove": *body.Enabled})
}

// -----------------------------------------------------------------------------
// Drain & idle
// -----------------------------------------------------------------------------

func (s *Server) drainHandler(c *gin.Context) {
	var opts broker.DrainOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	if opts.TimeoutMs == 0 {
		opts.TimeoutMs = s.cfg.DrainTimeoutMs
	}
	if opts.SettleMs == 0 {
		opts.SettleMs = s.cfg.DrainSettleMs
	}

	result, err := s.broker.Drain(c.Request.Context(), opts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "drain_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type waitForIdleBody struct {
	TimeoutMs int64 `json:"timeoutMs"`
	SettleMs  int64 `json:"settleMs"`
}

func (s *Server) waitForIdleHandler(c *gin.Context) {
	var body waitForIdleBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}

	idle, err := s.broker.WaitForIdle(c.Request.Context(),
		time.Duration(body.TimeoutMs)*time.Millisecond,
		time.Duration(body.SettleMs)*time.Millisecond,
	)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "wait_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"idle":         idle,
		"pendingCount": s.broker.PendingCount(),
	})
}

// -----------------------------------------------------------------------------
// Backend passthrough
// -----------------------------------------------------------------------------

func (s *Server) accountsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"accounts": s.backend.Accounts(),
		"active":   s.backend.Address(),
	})
}

type switchAccountBody struct {
	Index      *int   `json:"index"`
	PrivateKey string `json:"privateKey"`
}

func (s *Server) switchAccountHandler(c *gin.Context) {
	var body switchAccountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	var err error
	switch {
	case body.PrivateKey != "":
		err = s.backend.SwitchKey(body.PrivateKey)
	case body.Index != nil:
		err = s.backend.SwitchAccount(*body.Index)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "index or privateKey is required"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "switch_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":   s.backend.Address(),
		"accounts": s.backend.Accounts(),
	})
}

func (s *Server) chainHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"chainId":   s.backend.ChainID(),
		"chainName": policy.ChainName(s.backend.ChainID()),
	})
}

// setChainHandler updates the advertised chain id. The backend keeps
// talking to the same node; a mismatch shows up as a risk flag on
// pending transactions.
func (s *Server) setChainHandler(c *gin.Context) {
	var body struct {
		ChainID int64 `json:"chainId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ChainID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chain_id", "message": "chainId must be a positive integer"})
		return
	}
	s.backend.SetChainID(body.ChainID)
	c.JSON(http.StatusOK, gin.H{
		"chainId":   body.ChainID,
		"chainName": policy.ChainName(body.ChainID),
	})
}

func (s *Server) waitForTransactionHandler(c *gin.Context) {
	hash := c.Param("hash")
	if !validation.IsValidTxHash(hash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hash", "message": "hash must be 0x + 64 hex chars"})
		return
	}
	timeout := queryDurationMs(c, "timeoutMs", 30*time.Second)

	receipt, err := s.backend.WaitForTransaction(c.Request.Context(), hash, timeout)
	if err != nil {
		if errors.Is(err, backend.ErrTimeout) {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "timeout", "txHash": hash})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "wait_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// queryDurationMs reads an optional millisecond query parameter.
func queryDurationMs(c *gin.Context, name string, fallback time.Duration) time.Duration {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
