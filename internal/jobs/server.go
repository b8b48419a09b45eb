package jobs

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/ralph/internal/bus"
	"github.com/kandev/ralph/internal/common/logger"
)

// validInterruptReasons is the closed set spec.md §4.7 allows for
// POST /runs/:runId/interrupt.
var validInterruptReasons = map[string]bool{"user_stop": true, "user_quit": true}

// RunStarter kicks off the Run Orchestrator for one run, asynchronously.
// Implemented by cmd/ralphd (C8); the Job/Run Service never imports
// internal/orchestrator directly, keeping C6 and C7 decoupled per the
// control-flow diagram of spec.md §2.
type RunStarter func(ctx context.Context, runID, jobID, prompt string)

// Server implements the Job/Run Service (C7): gin HTTP router, job CRUD,
// run submission, JSONL replay, SSE streaming, interrupt, and caffinated
// shutdown.
type Server struct {
	prefix    string
	bus       bus.Bus
	store     *Store
	persister *Persister
	startRun  RunStarter
	log       *logger.Logger

	mu          sync.Mutex
	activeRuns  map[string]bool
	caffeinated bool
	caffFired   bool
	caffExit    func()

	router *gin.Engine
}

// NewServer wires a Server. startRun is called from the /prompt handler in
// its own goroutine.
func NewServer(prefix string, b bus.Bus, store *Store, persister *Persister, startRun RunStarter, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		prefix:     prefix,
		bus:        b,
		store:      store,
		persister:  persister,
		startRun:   startRun,
		log:        log.WithFields(zap.String("component", "jobs-server")),
		activeRuns: make(map[string]bool),
	}

	b.SubscribeAll(s.trackActiveRuns)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware(), correlationIDMiddleware())
	s.router = r
	s.registerRoutes(r)
	return s
}

// Router returns the underlying *gin.Engine, e.g. for http.Server wiring.
func (s *Server) Router() *gin.Engine { return s.router }

// corsMiddleware grants every origin access, matching spec.md §4.7's
// "permissive CORS (*)" requirement.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// correlationIDHeader is the request/response header callers can use to
// correlate a prompt/job request with the structured log lines it produces.
const correlationIDHeader = "X-Correlation-Id"

// correlationIDMiddleware stamps every request's context with a correlation
// id (reusing one supplied by the caller, or minting a fresh one), so that
// logger.Logger.WithContext picks it up on any log line derived from
// c.Request.Context() without handlers having to thread it through
// explicitly.
func correlationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(correlationIDHeader, id)
		ctx := context.WithValue(c.Request.Context(), logger.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	r.GET("/jobs", s.handleListJobs)
	r.POST("/jobs", s.handleCreateJob)
	r.GET("/jobs/:id", s.handleGetJob)
	r.PUT("/jobs/:id", s.handleUpdateJob)
	r.DELETE("/jobs/:id", s.handleDeleteJob)
	r.POST("/prompt", s.handlePrompt)
	r.POST("/runs/status", s.handleRunsStatus)
	r.POST("/runs/:runId/interrupt", s.handleInterrupt)
	r.GET("/runs/:runId/events", s.handleReplay)
	r.GET("/events", s.handleSSE)
	r.POST("/caffinate", s.handleCaffinate)
	r.POST("/shutdown", s.handleShutdown)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListJobs(c *gin.Context) {
	list, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleCreateJob(c *gin.Context) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	job := &Job{
		ID:        uuid.NewString(),
		Prompt:    body.Prompt,
		Status:    StatusDraft,
		RunIDs:    []string{},
		CreatedAt: nowMillis(),
	}
	if err := s.store.Create(job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.store.Get(c.Param("id"))
	if err != nil {
		s.respondJobErr(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleUpdateJob(c *gin.Context) {
	var upd JobUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.store.Update(c.Param("id"), upd)
	if err != nil {
		s.respondJobErr(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	if err := s.store.Delete(c.Param("id")); err != nil {
		s.respondJobErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) respondJobErr(c *gin.Context, err error) {
	switch err {
	case ErrJobNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case ErrJobRunning:
		c.JSON(http.StatusConflict, gin.H{"error": "job is currently running"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handlePrompt(c *gin.Context) {
	var body struct {
		Prompt string `json:"prompt"`
		JobID  string `json:"jobId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	runID := uuid.NewString()
	reqLog := s.log.WithContext(c.Request.Context())
	reqLog.Info("prompt accepted", zap.String("run_id", runID), zap.String("job_id", body.JobID))

	if body.JobID != "" {
		job, err := s.store.Get(body.JobID)
		if err != nil {
			s.respondJobErr(c, err)
			return
		}
		running := StatusRunning
		runIDCopy := runID
		if _, err := s.store.Update(body.JobID, JobUpdate{
			Status: &running,
			RunID:  &runIDCopy,
			RunIDs: append(job.RunIDs, runID),
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.persister.Track(runID, body.JobID)
	}

	s.mu.Lock()
	s.activeRuns[runID] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				// Internal exception during /prompt handler: caught and
				// re-published so the caller that is already streaming sees
				// the failure (spec.md §7).
				s.log.Error("panic running orchestrator", zap.String("run_id", runID), zap.Any("panic", r))
				bus.NewTaggedPublisher(s.bus, runID).Publish(context.Background(), bus.TagRalphError,
					map[string]any{"error": fmt.Sprintf("internal error: %v", r)})
			}
		}()
		s.startRun(context.Background(), runID, body.JobID, body.Prompt)
	}()

	c.JSON(http.StatusAccepted, gin.H{"id": runID})
}

func (s *Server) handleRunsStatus(c *gin.Context) {
	var body struct {
		RunIDs []string `json:"runIds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := make(map[string]Status, len(body.RunIDs))
	for _, id := range body.RunIDs {
		status, err := DeriveRunStatus(s.prefix, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		result[id] = status
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleInterrupt(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || !validInterruptReasons[body.Reason] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason must be user_stop or user_quit"})
		return
	}

	runID := c.Param("runId")
	bus.NewTaggedPublisher(s.bus, runID).Publish(c.Request.Context(), bus.TagRalphInterrupted,
		map[string]any{"reason": body.Reason})
	c.Status(http.StatusOK)
}

func (s *Server) handleReplay(c *gin.Context) {
	events, err := ReplayEvents(s.prefix, c.Param("runId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if events == nil {
		events = []bus.Event{}
	}
	c.JSON(http.StatusOK, events)
}

// handleSSE implements GET /events (spec.md §4.7, §6 "Wire format: /events
// SSE"): data: <json>\n\n frames, optional ?runId= filter, 5s keepalive,
// auto-close on the filtered run's terminal event, abort on disconnect.
func (s *Server) handleSSE(c *gin.Context) {
	filterRunID := c.Query("runId")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	events := make(chan bus.Event, 64)
	sub := s.bus.SubscribeAll(func(ctx context.Context, e bus.Event) {
		if filterRunID != "" && e.RunID != filterRunID {
			return
		}
		select {
		case events <- e:
		default:
			// Slow consumer: drop rather than stall the bus (spec.md §9
			// "Streaming backpressure").
		}
	})
	defer sub.Unsubscribe()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			if err := writeSSE(c.Writer, e); err != nil {
				return
			}
			flusher.Flush()
			if filterRunID != "" && e.RunID == filterRunID && e.IsTerminal() {
				return
			}
		case <-ticker.C:
			if _, err := c.Writer.Write([]byte(":\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e bus.Event) error {
	data, err := marshalSSE(e)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// handleCaffinate implements POST /caffinate (spec.md §4.7, §8 Caffinate
// drain property): enter caffeinated state; fire the exit callback
// immediately if no jobs are running, otherwise when the active-run set next
// drains to empty.
func (s *Server) handleCaffinate(c *gin.Context) {
	s.mu.Lock()
	s.caffeinated = true
	empty := len(s.activeRuns) == 0
	s.mu.Unlock()

	if empty {
		s.fireCaffeinateExit()
	}
	c.Status(http.StatusOK)
}

// handleShutdown implements POST /shutdown (spec.md §4.7, §6 exit codes):
// always replies 200, then defers process exit to the caller-supplied hook.
func (s *Server) handleShutdown(c *gin.Context) {
	c.Status(http.StatusOK)
	s.mu.Lock()
	fn := s.caffExit
	s.mu.Unlock()
	if fn != nil {
		go func() {
			time.Sleep(50 * time.Millisecond)
			fn()
		}()
	}
}

// SetExitHook registers the callback invoked by caffinate-drain or /shutdown.
// Exposed separately from NewServer because cmd/ralphd builds the hook after
// constructing the Server (it needs the *http.Server to call Shutdown on).
func (s *Server) SetExitHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caffExit = fn
}

// fireCaffeinateExit invokes the exit hook exactly once, even if drain
// conditions are observed more than once (spec.md §8 "fires exactly once").
func (s *Server) fireCaffeinateExit() {
	s.mu.Lock()
	if s.caffFired {
		s.mu.Unlock()
		return
	}
	s.caffFired = true
	fn := s.caffExit
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// trackActiveRuns maintains the running-job set that /caffinate drains
// against: a run becomes active when /prompt starts it and inactive on its
// terminal event.
func (s *Server) trackActiveRuns(ctx context.Context, e bus.Event) {
	if e.RunID == "" || !e.IsTerminal() {
		return
	}

	s.mu.Lock()
	delete(s.activeRuns, e.RunID)
	drained := s.caffeinated && len(s.activeRuns) == 0
	s.mu.Unlock()

	if drained {
		s.fireCaffeinateExit()
	}
}
