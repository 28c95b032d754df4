package transport

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Rajchodisetti/signal-engine/internal/admission"
	"github.com/Rajchodisetti/signal-engine/internal/ingest"
	"github.com/Rajchodisetti/signal-engine/internal/observ"
	"github.com/Rajchodisetti/signal-engine/internal/payload"
	"github.com/Rajchodisetti/signal-engine/internal/signal"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerAdminToken     = "X-Admin-Token"
)

// Server is the gin-backed HTTP surface of the ingestion engine
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine

	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer builds the router. Call gin.SetMode before this to pick release or test mode.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{cfg: cfg.withDefaults(), deps: deps, closing: make(chan struct{})}

	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	v1 := r.Group("/v1")
	v1.POST("/webhooks/:token", s.handleWebhook)
	v1.POST("/signals", s.handleSignal)
	v1.GET("/pnl", s.handlePnL)
	v1.GET("/pnl/stream", s.handlePnLStream)
	v1.GET("/trades/open", s.handleOpenTrades)

	admin := v1.Group("", s.requireAdmin)
	admin.POST("/trades/:id/cancel", s.handleCancelTrade)
	admin.GET("/credentials/:id", s.handleGetCredential)
	admin.PUT("/credentials/:id", s.handlePutCredential)
	admin.DELETE("/credentials/:id", s.handleDeleteCredential)
	admin.POST("/credentials/:id/enable", s.handleSetActive(true))
	admin.POST("/credentials/:id/disable", s.handleSetActive(false))

	r.GET("/metrics", gin.WrapH(observ.Handler()))
	r.GET("/healthz", gin.WrapH(observ.HealthHandler(deps.Health)))

	s.engine = r
	return s
}

// Handler returns the router for an http.Server
func (s *Server) Handler() http.Handler {
	return s.engine
}

// CloseStreams ends every open event stream, including ones opened later.
// http.Server.Shutdown does not wait out long-lived responses on its own, so
// register this with RegisterOnShutdown.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observ.RecordDuration("http_request_duration", time.Since(start), map[string]string{
			"route":  route,
			"method": c.Request.Method,
		})
		if route == "/metrics" || route == "/healthz" {
			return
		}
		observ.Log("http_request", map[string]any{
			"method":     c.Request.Method,
			"route":      route,
			"status":     c.Writer.Status(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.cfg.AdminToken == "" {
		c.Next()
		return
	}
	got := c.GetHeader(headerAdminToken)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
		return
	}
	c.Next()
}

func (s *Server) handleWebhook(c *gin.Context) {
	s.ingest(c, c.Param("token"))
}

func (s *Server) handleSignal(c *gin.Context) {
	key, ok := bearer(c.GetHeader("Authorization"))
	if !ok {
		c.JSON(http.StatusUnauthorized, ingest.Result{Reason: signal.ReasonUnknownCredential, Detail: "missing bearer key"})
		return
	}
	s.ingest(c, key)
}

func (s *Server) ingest(c *gin.Context, credentialID string) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ingest.Result{Reason: signal.ReasonInvalidPayload, Detail: "body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, ingest.Result{Reason: signal.ReasonInvalidPayload, Detail: "unreadable body"})
		return
	}

	res, err := s.deps.Ingest.Ingest(c.Request.Context(), ingest.Request{
		CredentialID: credentialID,
		Body:         body,
		DedupKey:     strings.TrimSpace(c.GetHeader(headerIdempotencyKey)),
	})
	if err != nil {
		observ.LogError("ingest_failed", err, map[string]any{"credential_id": credentialID})
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"accepted": false, "error": "temporarily unavailable"})
		return
	}
	c.JSON(statusFor(res), res)
}

// statusFor maps an ingestion result to its HTTP status
func statusFor(res ingest.Result) int {
	if res.Accepted {
		return http.StatusAccepted
	}
	switch res.Reason {
	case signal.ReasonMissingSymbol, signal.ReasonMissingPrice, signal.ReasonInvalidPrice, signal.ReasonInvalidPayload:
		return http.StatusUnprocessableEntity
	case signal.ReasonDisabled:
		return http.StatusForbidden
	case signal.ReasonThrottled:
		return http.StatusTooManyRequests
	case signal.ReasonUnknownCredential:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	key := strings.TrimSpace(header[len(prefix):])
	return key, key != ""
}

func (s *Server) handlePnL(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.PnL.Snapshot())
}

func (s *Server) handleOpenTrades(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"trades": s.deps.Trades.OpenTrades()})
}

func (s *Server) handleCancelTrade(c *gin.Context) {
	t, err := s.deps.Trades.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, t)
	case errors.Is(err, trade.ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, trade.ErrNotOpen):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		observ.LogError("trade_cancel_failed", err, map[string]any{"trade_id": c.Param("id")})
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	}
}

// credentialRequest is the body of PUT /v1/credentials/:id. A missing mapping
// uses the flat default; a missing active flag means active.
type credentialRequest struct {
	AccountID  string                 `json:"account_id"`
	StrategyID string                 `json:"strategy_id" binding:"required"`
	Source     signal.Source          `json:"source"`
	Mapping    *payload.MappingConfig `json:"mapping"`
	Active     *bool                  `json:"active"`
}

func (s *Server) handlePutCredential(c *gin.Context) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mapping := payload.DefaultMapping()
	if req.Mapping != nil {
		mapping = *req.Mapping
	}
	mapping.Active = req.Active == nil || *req.Active

	cred, err := s.deps.Credentials.Configure(c.Request.Context(), admission.Credential{
		ID:         c.Param("id"),
		AccountID:  req.AccountID,
		StrategyID: req.StrategyID,
		Source:     req.Source,
		Mapping:    mapping,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, cred)
	case errors.Is(err, admission.ErrInvalidCredential):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		observ.LogError("credential_configure_failed", err, map[string]any{"credential_id": c.Param("id")})
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "plan lookup failed"})
	}
}

func (s *Server) handleGetCredential(c *gin.Context) {
	cred, ok := s.deps.Credentials.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
		return
	}
	c.JSON(http.StatusOK, cred)
}

func (s *Server) handleDeleteCredential(c *gin.Context) {
	s.deps.Credentials.Remove(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.deps.Credentials.SetActive(c.Param("id"), active) {
			c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
			return
		}
		observ.Log("credential_active_changed", map[string]any{"credential_id": c.Param("id"), "active": active})
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "active": active})
	}
}
