package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"medcouncil/internal/consult"
	"medcouncil/internal/provider"
	"medcouncil/internal/session"
)

// Server exposes the consultation engine over HTTP: REST endpoints for
// control and session management, plus a websocket feed of live engine
// events. One consultation runs at a time.
type Server struct {
	engine *consult.Engine
	client *provider.Client
	store  *session.Store
	hub    *Hub
	log    zerolog.Logger

	mu        sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	sessionID string
}

// NewServer wires the engine's event feed into the websocket hub and the
// session persister.
func NewServer(engine *consult.Engine, client *provider.Client, store *session.Store, log zerolog.Logger) *Server {
	s := &Server{
		engine: engine,
		client: client,
		store:  store,
		hub:    NewHub(log),
		log:    log,
	}
	engine.OnEvent = func(ev consult.Event) {
		s.hub.Publish(ev)
	}
	return s
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/state", s.handleState)
		api.POST("/consult/start", s.handleStart)
		api.POST("/consult/pause", s.handlePause)
		api.POST("/consult/resume", s.handleResume)
		api.POST("/consult/stop", s.handleStop)
		api.POST("/consult/patient-message", s.handlePatientMessage)
		api.POST("/consult/vote", s.handleVote)
		api.POST("/consult/summary", s.handleSummary)
		api.GET("/models", s.handleModels)

		api.GET("/sessions", s.handleSessionList)
		api.POST("/sessions", s.handleSessionSave)
		api.GET("/sessions/:id", s.handleSessionGet)
		api.POST("/sessions/:id/load", s.handleSessionLoad)
		api.PATCH("/sessions/:id", s.handleSessionRename)
		api.DELETE("/sessions/:id", s.handleSessionDelete)
		api.GET("/sessions/:id/export", s.handleSessionExport)
	}

	r.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request, s.engine.Snapshot())
	})
	return r
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

type startRequest struct {
	PatientCase consult.PatientCase `json:"patientCase"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := consult.ValidatePatientCase(req.PatientCase); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "会诊正在进行中"})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancelRun = cancel
	s.mu.Unlock()

	go func() {
		if err := s.engine.Run(ctx, req.PatientCase); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("consultation run failed")
		}
		s.persistSnapshot()
		s.mu.Lock()
		s.running = false
		s.cancelRun = nil
		s.mu.Unlock()
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) handlePause(c *gin.Context) {
	s.engine.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.engine.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleStop(c *gin.Context) {
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "没有进行中的会诊"})
		return
	}
	s.engine.Resume()
	cancel()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

type patientMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) handlePatientMessage(c *gin.Context) {
	var req patientMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.AddPatientMessage(req.Content)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type voteRequest struct {
	TargetDoctorID string `json:"targetDoctorId" binding:"required"`
}

func (s *Server) handleVote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.CastVote(req.TargetDoctorID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type summaryRequest struct {
	DoctorID string `json:"doctorId"`
}

// handleSummary regenerates the final summary, optionally with a different
// summarizer.
func (s *Server) handleSummary(c *gin.Context) {
	var req summaryRequest
	_ = c.ShouldBindJSON(&req)
	snap := s.engine.Snapshot()
	if snap.Workflow.Phase != consult.PhaseFinished {
		c.JSON(http.StatusConflict, gin.H{"error": "会诊尚未结束"})
		return
	}
	go func() {
		s.engine.GenerateFinalSummary(context.Background(), req.DoctorID)
		s.persistSnapshot()
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
}

func (s *Server) handleModels(c *gin.Context) {
	cfg := provider.Config{
		Provider: c.Query("provider"),
		APIKey:   c.Query("apiKey"),
		BaseURL:  c.Query("baseUrl"),
	}
	models, err := s.client.ListModels(c.Request.Context(), cfg)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleSessionList(c *gin.Context) {
	sessions, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type sessionSaveRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSessionSave(c *gin.Context) {
	var req sessionSaveRequest
	_ = c.ShouldBindJSON(&req)

	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()

	id, err := s.store.Save(id, req.Name, s.engine.Snapshot())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) handleSessionGet(c *gin.Context) {
	snap, err := s.store.Load(c.Param("id"))
	if err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleSessionLoad(c *gin.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "会诊正在进行中"})
		return
	}
	s.mu.Unlock()

	id := c.Param("id")
	snap, err := s.store.Load(id)
	if err != nil {
		s.sessionError(c, err)
		return
	}
	s.engine.LoadSnapshot(snap)
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleSessionRename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.Rename(c.Param("id"), req.Name); err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSessionDelete(c *gin.Context) {
	if err := s.store.Delete(c.Param("id")); err != nil {
		s.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSessionExport(c *gin.Context) {
	id := c.Param("id")
	switch c.DefaultQuery("format", "markdown") {
	case "json":
		data, err := s.store.ExportJSON(id)
		if err != nil {
			s.sessionError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	case "markdown":
		snap, err := s.store.Load(id)
		if err != nil {
			s.sessionError(c, err)
			return
		}
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(session.ExportMarkdown("", snap)))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown format"})
	}
}

func (s *Server) sessionError(c *gin.Context, err error) {
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// persistSnapshot autosaves the engine state under the active session,
// creating one when none is loaded.
func (s *Server) persistSnapshot() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()

	id, err := s.store.Save(id, "", s.engine.Snapshot())
	if err != nil {
		s.log.Warn().Err(err).Msg("autosave failed")
		return
	}
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}
