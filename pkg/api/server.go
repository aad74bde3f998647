package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aurafw/aura/pkg/log"
	"github.com/aurafw/aura/pkg/metrics"
	"github.com/aurafw/aura/pkg/scheduler"
	"github.com/aurafw/aura/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Server exposes the scheduler over HTTP and WebSocket
type Server struct {
	sched  *scheduler.Scheduler
	router *gin.Engine
	http   *http.Server
	logger zerolog.Logger
}

// RunRequest is the body of POST /api/tasks/run
type RunRequest struct {
	PlanName string         `json:"plan_name" binding:"required"`
	TaskName string         `json:"task_name" binding:"required"`
	Inputs   map[string]any `json:"inputs"`
	Priority int            `json:"priority"`
	Timeout  float64        `json:"timeout_seconds"`
}

// NewServer builds the API server around a scheduler
func NewServer(sched *scheduler.Scheduler, listen string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.UseRawPath = true // run ids carry escaped slashes
	router.Use(gin.Recovery())

	s := &Server{
		sched:  sched,
		router: router,
		http:   &http.Server{Addr: listen, Handler: router},
		logger: log.WithComponent("api"),
	}
	s.routes()
	return s
}

// Handler returns the underlying HTTP handler (used by tests)
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("listen", s.http.Addr).Msg("API server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server failed")
		}
	}()
}

// Shutdown stops the HTTP listener
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.GET("/ws/events", s.handleWebSocket)

	api := s.router.Group("/api")
	api.Use(s.countRequests())

	api.POST("/system/start", s.handleSystemStart)
	api.POST("/system/stop", s.handleSystemStop)
	api.GET("/system/status", s.handleSystemStatus)

	api.GET("/plans", s.handlePlans)
	api.GET("/plans/:plan/tasks", s.handlePlanTasks)
	api.GET("/services", s.handleServices)

	api.POST("/tasks/run", s.handleRunTask)
	api.POST("/tasks/batch", s.handleRunBatch)
	api.POST("/tasks/:cid/cancel", s.handleCancel)
	api.POST("/tasks/:cid/priority", s.handlePriority)

	api.GET("/runs/active", s.handleActiveRuns)
	api.GET("/runs/history", s.handleHistory)

	api.GET("/queue/overview", s.handleQueueOverview)
	api.GET("/queue/list", s.handleQueueList)

	api.GET("/schedule", s.handleScheduleList)
	api.POST("/schedule", s.handleScheduleAdd)
	api.POST("/schedule/:id/run", s.handleScheduleRun)
	api.DELETE("/schedule/:id", s.handleScheduleDelete)
}

func (s *Server) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		metrics.APIRequestsTotal.WithLabelValues(
			c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"status": "error", "message": err.Error()})
}

func statusCodeFor(err error) int {
	if errors.Is(err, types.ErrValidation) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleSystemStart(c *gin.Context) {
	if err := s.sched.Start(); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleSystemStop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := s.sched.Stop(ctx); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"plans":  s.sched.Plans(),
		"active": len(s.sched.ActiveRuns()),
	})
}

func (s *Server) handlePlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "plans": s.sched.Plans()})
}

func (s *Server) handlePlanTasks(c *gin.Context) {
	tasks, err := s.sched.Tasks(c.Param("plan"))
	if err != nil {
		fail(c, statusCodeFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "tasks": tasks})
}

func (s *Server) handleServices(c *gin.Context) {
	entries := s.sched.Services()
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"fqid":   e.FQID,
			"alias":  e.Alias,
			"status": string(e.Status()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "services": out})
}

func (s *Server) runOne(req RunRequest) (string, error) {
	return s.sched.RunTask(req.PlanName, req.TaskName, req.Inputs, scheduler.RunOptions{
		Priority: req.Priority,
		Timeout:  time.Duration(req.Timeout * float64(time.Second)),
	})
}

func (s *Server) handleRunTask(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	cid, err := s.runOne(req)
	if err != nil {
		fail(c, statusCodeFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "cid": cid})
}

func (s *Server) handleRunBatch(c *gin.Context) {
	var reqs []RunRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	results := make([]gin.H, 0, len(reqs))
	for _, req := range reqs {
		cid, err := s.runOne(req)
		if err != nil {
			results = append(results, gin.H{"status": "error", "message": err.Error()})
			continue
		}
		results = append(results, gin.H{"status": "success", "cid": cid})
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "results": results})
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.sched.Cancel(c.Param("cid")); err != nil {
		fail(c, statusCodeFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handlePriority(c *gin.Context) {
	var body struct {
		Priority int `json:"priority" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.sched.SetPriority(c.Param("cid"), body.Priority); err != nil {
		fail(c, statusCodeFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleActiveRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "runs": s.sched.ActiveRuns()})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	c.JSON(http.StatusOK, gin.H{"status": "success", "results": s.sched.History(limit)})
}

func (s *Server) handleQueueOverview(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "queues": s.sched.QueueOverview()})
}

func (s *Server) handleQueueList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	items, err := s.sched.QueueList(
		types.QueueName(c.DefaultQuery("queue", "main")),
		c.Query("state"),
		limit,
	)
	if err != nil {
		fail(c, statusCodeFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "items": items})
}

func (s *Server) handleScheduleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "entries": s.sched.ListScheduleEntries()})
}

func (s *Server) handleScheduleAdd(c *gin.Context) {
	var entry types.ScheduleEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.sched.AddScheduleEntry(&entry); err != nil {
		fail(c, statusCodeFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) handleScheduleRun(c *gin.Context) {
	cid, err := s.sched.RunManualTask(c.Param("id"))
	if err != nil {
		fail(c, statusCodeFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "cid": cid})
}

func (s *Server) handleScheduleDelete(c *gin.Context) {
	if err := s.sched.RemoveScheduleEntry(c.Param("id")); err != nil {
		fail(c, statusCodeFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
