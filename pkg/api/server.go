// Package api implements the optional `inspect --serve` read-only HTTP
// mirror (SPEC_FULL.md supplement 3): a thin gin router over pkg/ops's
// status/inspect/triage operations, grounded on the teacher's
// pkg/api.Server/gin-router-plus-handler-struct shape. It never triggers
// a tick or any other mutation — every route here is a GET that calls a
// read-only ops function.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/ops"
	"github.com/codeready-toolchain/drorc/pkg/version"
)

// Server is the read-only inspect HTTP mirror for a single run root.
type Server struct {
	runRoot string
	engine  *gin.Engine
	http    *http.Server
}

// NewServer builds a Server bound to runRoot. Routes are registered at
// construction time so tests can exercise Handler() without calling Run.
func NewServer(runRoot string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{runRoot: runRoot, engine: engine}
	engine.GET("/health", s.handleHealth)
	engine.GET("/status", s.handleStatus)
	engine.GET("/inspect", s.handleInspect)
	engine.GET("/triage", s.handleTriage)
	return s
}

// Handler exposes the underlying http.Handler, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run starts the HTTP server on addr and blocks until it exits.
func (s *Server) Run(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops a running server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "run_root": s.runRoot, "version": version.GitCommit})
}

func (s *Server) handleStatus(c *gin.Context) {
	result, err := ops.Status(s.runRoot)
	writeResult(c, result, err)
}

func (s *Server) handleInspect(c *gin.Context) {
	result, err := ops.Inspect(s.runRoot)
	writeResult(c, result, err)
}

func (s *Server) handleTriage(c *gin.Context) {
	result, err := ops.Triage(s.runRoot)
	writeResult(c, result, err)
}

// writeResult maps an ops result/error pair onto the same envelope shape
// the CLI emits, so operators see an identical document whether they
// shell into the run root or poll this mirror.
func writeResult(c *gin.Context, result any, err error) {
	if err != nil {
		code := coreerr.CodeOf(err)
		slog.Warn("inspect server request failed", "path", c.Request.URL.Path, "code", code, "error", err)
		c.JSON(statusForCode(code), gin.H{
			"schema_version": "dr.cli.v1",
			"ok":             false,
			"error":          gin.H{"code": string(code), "message": err.Error()},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"schema_version": "dr.cli.v1",
		"ok":             true,
		"result":         result,
		"served_at":      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func statusForCode(code coreerr.Code) int {
	switch code {
	case coreerr.InvalidArgs, coreerr.InvalidState, coreerr.PathTraversal:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
