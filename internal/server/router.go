package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/diagnostics"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/metrics"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/replication"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	actorContextKey = "ledgersync_actor"
	maxRequestBytes = 32 << 20
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSyncService    = errors.New("sync service dependency required")
	errMissingDiagnostics    = errors.New("diagnostics service dependency required")
	errMissingLedgerVerifier = errors.New("ledger verifier dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (auth.ActorClaims, error)
}

type SyncService interface {
	Push(ctx context.Context, batch replication.Batch, actor ledger.Actor, opts replication.Options) (replication.PushResult, error)
	Pull(ctx context.Context, since int64, actor ledger.Actor, limit int) (replication.PullResult, error)
	Replay(ctx context.Context, actor ledger.Actor) (replication.ReplayResult, error)
}

type DiagnosticsService interface {
	ReportClient(ctx context.Context, snapshot diagnostics.Snapshot, reporter ledger.Actor) (diagnostics.ReportReceipt, error)
	Consistency(ctx context.Context) (diagnostics.ConsistencyReport, error)
	PipelineHealth(ctx context.Context) (diagnostics.PipelineHealth, error)
}

type LedgerVerifier interface {
	Verify(ctx context.Context) (ledger.VerifyReport, error)
}

type Dependencies struct {
	TokenValidator TokenValidator
	SyncService    SyncService
	Diagnostics    DiagnosticsService
	Ledger         LedgerVerifier
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.Diagnostics == nil {
		return nil, errMissingDiagnostics
	}
	if deps.Ledger == nil {
		return nil, errMissingLedgerVerifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:      deps.TokenValidator,
		sync:        deps.SyncService,
		diagnostics: deps.Diagnostics,
		ledger:      deps.Ledger,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/push", handler.handlePush)
	protected.GET("/sync/pull", handler.handlePull)
	protected.POST("/diagnostics/consistency/report", handler.handleConsistencyReport)
	protected.GET("/diagnostics/consistency", handler.handleConsistency)
	protected.GET("/diagnostics/sync-pipeline-health", handler.handlePipelineHealth)

	admin := protected.Group("/ledger")
	admin.Use(requireRole(ledger.RoleAdmin))
	admin.POST("/replay", handler.handleReplay)
	admin.GET("/verify", handler.handleVerify)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Client-ID"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

type httpHandler struct {
	tokens      TokenValidator
	sync        SyncService
	diagnostics DiagnosticsService
	ledger      LedgerVerifier
	logger      *zap.Logger
}

type pushResponsePayload struct {
	OK bool `json:"ok"`
	replication.PushResult
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)
	var batch replication.Batch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(batch.ClientID) == "" {
		batch.ClientID = c.GetHeader("X-Client-ID")
	}

	// Trusted resync: administrators may overwrite newer server rows.
	opts := replication.Options{}
	if actor.Privileged() {
		opts.AllowSyncConflicts, _ = strconv.ParseBool(c.Query("allow_sync_conflicts"))
	}

	result, err := h.sync.Push(c.Request.Context(), batch, actor, opts)
	if err != nil {
		h.respondServiceError(c, "push failed", err)
		return
	}
	c.JSON(http.StatusOK, pushResponsePayload{OK: true, PushResult: result})
}

func (h *httpHandler) handlePull(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	since, err := queryInt(c, "since")
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	result, err := h.sync.Pull(c.Request.Context(), since, actor, int(limit))
	if err != nil {
		h.respondServiceError(c, "pull failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleConsistencyReport(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)
	var snapshot diagnostics.Snapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(snapshot.ClientID) == "" {
		snapshot.ClientID = c.GetHeader("X-Client-ID")
	}

	receipt, err := h.diagnostics.ReportClient(c.Request.Context(), snapshot, actor)
	if errors.Is(err, diagnostics.ErrClientMismatch) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": serviceErrorCode(err)})
		return
	}
	if errors.Is(err, diagnostics.ErrRateLimited) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "code": serviceErrorCode(err)})
		return
	}
	if err != nil {
		h.respondServiceError(c, "consistency report failed", err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (h *httpHandler) handleConsistency(c *gin.Context) {
	report, err := h.diagnostics.Consistency(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "consistency report failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handlePipelineHealth(c *gin.Context) {
	health, err := h.diagnostics.PipelineHealth(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "pipeline health failed", err)
		return
	}
	c.JSON(http.StatusOK, health)
}

func (h *httpHandler) handleReplay(c *gin.Context) {
	actor, _ := actorFromContext(c)
	result, err := h.sync.Replay(c.Request.Context(), actor)
	if err != nil {
		h.respondServiceError(c, "ledger replay failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleVerify(c *gin.Context) {
	report, err := h.ledger.Verify(c.Request.Context())
	if errors.Is(err, ledger.ErrLedgerIntegrity) {
		h.logger.Error("ledger verification failed", zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "ledger.integrity"})
		return
	}
	if err != nil {
		h.respondServiceError(c, "ledger verification failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, claims.Actor())
	c.Next()
}

func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromContext(c)
		if !ok || actor.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func actorFromContext(c *gin.Context) (ledger.Actor, bool) {
	value, exists := c.Get(actorContextKey)
	if !exists {
		return ledger.Actor{}, false
	}
	actor, ok := value.(ledger.Actor)
	if !ok || actor.UserID == "" {
		return ledger.Actor{}, false
	}
	return actor, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErrorCode(err)})
}

func serviceErrorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}

func queryInt(c *gin.Context, name string) (int64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
