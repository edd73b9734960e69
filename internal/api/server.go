// Package api implements the coordinator's external interface (§6): the
// POST /api/<group>/<verb> JSON-over-HTTP surface, the /rpc JSON-RPC 2.0
// multiplexer reusing the same verbs, and the secrets-envelope endpoint.
// /ws and /events/<task_id> are mounted separately from
// internal/orchestrator/streaming, since those own the LogStreamHub.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/delidev/core/internal/common/apierr"
	"github.com/delidev/core/internal/common/httpmw"
	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/orchestrator/lifecycle"
	"github.com/delidev/core/internal/orchestrator/scheduler"
	"github.com/delidev/core/internal/orchestrator/streaming"
	"github.com/delidev/core/internal/secrets"
	"github.com/delidev/core/internal/store"
	"github.com/delidev/core/internal/worker"
	"github.com/delidev/core/internal/workspace"
)

// verbFunc implements one group.verb contract, independent of transport: the
// gin POST /api/:group/:verb route and the /rpc method dispatcher both
// resolve to and call the same verbFunc.
type verbFunc func(ctx context.Context, raw json.RawMessage) (interface{}, error)

// Server composes every orchestrator-side component the external interface
// fronts: the store directly for CRUD groups, and the higher-level
// components for anything with business rules attached.
type Server struct {
	store      store.Store
	lifecycle  *lifecycle.Controller
	scheduler  *scheduler.Scheduler
	workers    *worker.Registry
	secrets    *secrets.Service
	workspaces *workspace.Manager
	hub        *streaming.Hub
	answers    *AnswerStore

	verbs  map[string]verbFunc
	logger *logger.Logger
}

// New builds a Server and registers every §6 verb contract.
func New(s store.Store, lc *lifecycle.Controller, sched *scheduler.Scheduler, workers *worker.Registry, secretsSvc *secrets.Service, workspaces *workspace.Manager, hub *streaming.Hub, log *logger.Logger) *Server {
	srv := &Server{
		store:      s,
		lifecycle:  lc,
		scheduler:  sched,
		workers:    workers,
		secrets:    secretsSvc,
		workspaces: workspaces,
		hub:        hub,
		answers:    NewAnswerStore(),
		logger:     log.WithFields(zap.String("component", "api.server")),
	}
	srv.verbs = srv.buildVerbs()
	return srv
}

// Router builds the gin engine: recovery, request logging, the group/verb
// dispatcher, the /rpc multiplexer, and the streaming handlers' /ws and
// /events/:taskId routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.OtelTracing("coordinator"))
	r.Use(httpmw.RequestLogger(s.logger, "coordinator"))

	api := r.Group("/api")
	api.POST("/:group/:verb", s.handleVerb)

	r.POST("/rpc", s.handleRPC)
	r.GET("/internal/await_tty_input", s.awaitTTYInput)
	r.POST("/internal/publish_log", s.publishLog)

	streaming.NewHandlers(s.hub, s.logger).Register(r.Group(""))

	return r
}

func (s *Server) handleVerb(c *gin.Context) {
	method := c.Param("group") + "." + c.Param("verb")
	fn, ok := s.verbs[method]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "unknown verb " + method}})
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_request", "message": err.Error()}})
		return
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	result, err := fn(c.Request.Context(), raw)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func writeError(c *gin.Context, err error) {
	if apiErr, ok := apierr.As(err); ok {
		c.JSON(apiErr.HTTPStatus(), gin.H{"error": gin.H{"code": apiErr.Code, "message": apiErr.Message, "fields": apiErr.Fields}})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": apierr.CodeInternal, "message": err.Error()}})
}

