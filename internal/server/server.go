// Package server exposes the governance operations over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/axiafin/modelgov/internal/config"
	"github.com/axiafin/modelgov/internal/governance"
)

// Server wraps the gin engine and the orchestrator it fronts.
type Server struct {
	logger *zap.Logger
	cfg    config.ServerConfig
	orch   *governance.Orchestrator
	engine *gin.Engine
	http   *http.Server
}

// New builds the router. The gin mode comes from configuration so tests can
// run quietly.
func New(logger *zap.Logger, cfg config.ServerConfig, orch *governance.Orchestrator) *Server {
	gin.SetMode(cfg.Mode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))

	s := &Server{
		logger: logger.Named("server"),
		cfg:    cfg,
		orch:   orch,
		engine: engine,
	}
	s.routes()
	return s
}

// Engine returns the underlying router, used by httptest in tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/models", s.registerModel)
		v1.POST("/models/:version/canary", s.deployCanary)
		v1.POST("/models/:version/promote", s.promote)
		v1.POST("/models/:version/metrics", s.updateMetrics)
		v1.POST("/models/:version/rollback", s.manualRollback)
		v1.GET("/models/:version", s.getModel)

		v1.POST("/rollouts/:id/advance", s.advanceRollout)
		v1.POST("/rollouts/:id/pause", s.pauseRollout)
		v1.POST("/rollouts/:id/resume", s.resumeRollout)
		v1.POST("/rollouts/:id/abort", s.abortRollout)
		v1.POST("/rollouts/:id/evaluate", s.evaluateRollout)

		v1.POST("/abtests", s.setupABTest)
		v1.GET("/abtests/:id/assignment", s.abAssignment)
		v1.POST("/abtests/:id/analyze", s.analyzeABTest)

		v1.PUT("/thresholds", s.setThreshold)
		v1.GET("/routing", s.routing)
		v1.GET("/status", s.status)
	}
}

func (s *Server) registerModel(c *gin.Context) {
	var req governance.ModelVersion
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	if err := s.orch.RegisterModel(c.Request.Context(), req); err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"version": req.Version})
}

func (s *Server) getModel(c *gin.Context) {
	v, ok := s.orch.Registry().GetVersion(c.Param("version"))
	if !ok {
		writeProblem(c, governance.ErrNotFound(c.Param("version"), "model version not registered"))
		return
	}
	c.JSON(http.StatusOK, v)
}

type deployCanaryRequest struct {
	Steps []governance.RolloutStep `json:"steps" binding:"required,min=1"`
}

func (s *Server) deployCanary(c *gin.Context) {
	var req deployCanaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	rolloutID, err := s.orch.DeployCanary(c.Request.Context(), c.Param("version"), req.Steps)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rollout_id": rolloutID})
}

func (s *Server) promote(c *gin.Context) {
	if err := s.orch.PromoteToStable(c.Request.Context(), c.Param("version")); err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stable_version": c.Param("version")})
}

func (s *Server) updateMetrics(c *gin.Context) {
	var req governance.ModelMetrics
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	decision, err := s.orch.UpdateModelMetrics(c.Request.Context(), c.Param("version"), req)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

type manualRollbackRequest struct {
	TargetVersion string `json:"target_version"`
	Reason        string `json:"reason" binding:"required"`
}

func (s *Server) manualRollback(c *gin.Context) {
	var req manualRollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	exec, err := s.orch.ManualRollback(c.Request.Context(), c.Param("version"), req.TargetVersion, req.Reason)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) advanceRollout(c *gin.Context) {
	if err := s.orch.Splitter().AdvanceToNextStep(c.Request.Context(), c.Param("id")); err != nil {
		writeProblem(c, err)
		return
	}
	r, err := s.orch.Splitter().GetRollout(c.Param("id"))
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": r.State(), "current_percentage": r.CurrentPct})
}

func (s *Server) pauseRollout(c *gin.Context) {
	reason := c.DefaultQuery("reason", "paused by operator")
	if err := s.orch.Splitter().PauseRollout(c.Request.Context(), c.Param("id"), reason); err != nil {
		writeProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resumeRollout(c *gin.Context) {
	if err := s.orch.Splitter().ResumeRollout(c.Request.Context(), c.Param("id")); err != nil {
		writeProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) abortRollout(c *gin.Context) {
	reason := c.DefaultQuery("reason", "aborted by operator")
	if err := s.orch.Splitter().AbortRollout(c.Request.Context(), c.Param("id"), reason); err != nil {
		writeProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type evaluateRequest struct {
	Actuals []governance.StepMetric `json:"actuals" binding:"required"`
}

func (s *Server) evaluateRollout(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	eval, err := s.orch.Splitter().EvaluateCurrentStep(c.Param("id"), req.Actuals)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, eval)
}

type setupABTestRequest struct {
	TestID           string                  `json:"test_id" binding:"required"`
	ControlVersion   string                  `json:"control_version" binding:"required"`
	TreatmentVersion string                  `json:"treatment_version" binding:"required"`
	Paths            []string                `json:"paths" binding:"required,min=1"`
	Hypotheses       []governance.Hypothesis `json:"hypotheses" binding:"required,min=1"`
}

func (s *Server) setupABTest(c *gin.Context) {
	var req setupABTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	err := s.orch.SetupABTest(c.Request.Context(), req.TestID, req.ControlVersion, req.TreatmentVersion, req.Paths, req.Hypotheses)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"test_id": req.TestID})
}

func (s *Server) abAssignment(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		writeProblem(c, governance.ErrValidation("user_id", "user_id query parameter is required"))
		return
	}
	cohort, err := s.orch.Splitter().ABTestAssignment(c.Param("id"), userID)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"test_id": c.Param("id"), "user_id": userID, "cohort": cohort})
}

func (s *Server) analyzeABTest(c *gin.Context) {
	test, err := s.orch.Splitter().AnalyzeABTest(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"test_id":          test.ID,
		"state":            test.State(),
		"results":          test.Results,
		"winner":           test.Winner,
		"inconclusive_why": test.InconclusiveWhy,
	})
}

func (s *Server) setThreshold(c *gin.Context) {
	var req governance.ConfidenceThreshold
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	if err := s.orch.Registry().SetConfidenceThreshold(c.Request.Context(), req); err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) routing(c *gin.Context) {
	path := c.Query("path")
	requestID := c.Query("request_id")
	if path == "" || requestID == "" {
		writeProblem(c, governance.ErrValidation("routing", "path and request_id query parameters are required"))
		return
	}
	c.JSON(http.StatusOK, s.orch.GetRoutingDecision(path, requestID))
}

func (s *Server) status(c *gin.Context) {
	status := s.orch.GetGovernanceStatus()
	if limitStr := c.Query("executions"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit >= 0 && limit < len(status.RecentExecutions) {
			status.RecentExecutions = status.RecentExecutions[:limit]
		}
	}
	c.JSON(http.StatusOK, status)
}

// Start runs the HTTP listener until the context is cancelled, then drains
// in-flight requests within the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
