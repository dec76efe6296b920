package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CyberFlameGO/envkey/internal/action"
	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
	"github.com/CyberFlameGO/envkey/internal/httputil"
)

// actionRequest is the envelope the action endpoint accepts: who is acting
// plus the intent itself.
type actionRequest struct {
	Context struct {
		OrgID    string `json:"orgId"`
		UserID   string `json:"userId"`
		DeviceID string `json:"deviceId"`
	} `json:"context"`
	Action action.Action `json:"action"`
}

// stateResponse is the document device clients synchronize against. Diffs
// broadcast over the device channel apply to this exact shape.
type stateResponse struct {
	Graph          graphDomain.Graph `json:"graph"`
	GraphUpdatedAt time.Time         `json:"graphUpdatedAt"`
}

// actionHandler runs one action through the dispatch pipeline.
func (s *Server) actionHandler(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleBadRequestGin(c, err, s.logger)
		return
	}

	if req.Action.Type == "" {
		httputil.HandleErrorGin(c, apperrors.Wrap(apperrors.ErrInvalidInput, "action type must not be blank"), s.logger)
		return
	}

	actx := action.Context{
		OrgID:    req.Context.OrgID,
		UserID:   req.Context.UserID,
		DeviceID: req.Context.DeviceID,
	}

	result, err := s.dispatcher.Dispatch(c.Request.Context(), actx, req.Action)
	if err != nil {
		httputil.HandleErrorGin(c, err, s.logger)
		return
	}

	c.JSON(http.StatusOK, result)
}

// stateHandler returns the current graph snapshot of an org. A locked device
// reports only its lock state so no graph content leaks past the lock.
func (s *Server) stateHandler(c *gin.Context) {
	if s.lock.Locked() {
		c.JSON(http.StatusOK, gin.H{"locked": true})
		return
	}

	orgID := c.Query("orgId")
	if orgID == "" {
		httputil.HandleErrorGin(c, apperrors.Wrap(apperrors.ErrInvalidInput, "orgId must not be blank"), s.logger)
		return
	}

	g, version, err := s.store.Snapshot(orgID)
	if err != nil {
		httputil.HandleErrorGin(c, err, s.logger)
		return
	}

	s.lock.Touch()
	c.JSON(http.StatusOK, stateResponse{Graph: g, GraphUpdatedAt: version})
}

// fetchHandler returns the sealed credential payload of a generated envkey.
// The caller proves entitlement by knowing the full envkey id part; only its
// hash is ever persisted alongside the graph.
func (s *Server) fetchHandler(c *gin.Context) {
	idPart := c.Param("envkeyIdPart")
	if idPart == "" {
		httputil.HandleErrorGin(c, apperrors.Wrap(apperrors.ErrInvalidInput, "envkey id part must not be blank"), s.logger)
		return
	}

	blob, err := s.blobs.GetBlob(c.Request.Context(), graphDomain.BlobKey(idPart))
	if err != nil {
		httputil.HandleErrorGin(c, err, s.logger)
		return
	}

	c.Data(http.StatusOK, "application/json", blob)
}

// aliveHandler reports process liveness and version.
func (s *Server) aliveHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"alive":   true,
		"version": s.version,
	})
}

// stopHandler asks the process to shut down gracefully.
func (s *Server) stopHandler(c *gin.Context) {
	s.logger.Info("stop requested via api")
	s.requestStop()
	c.JSON(http.StatusOK, gin.H{"stopping": true})
}

// healthHandler returns a simple health check response.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// readinessHandler reports whether the server can serve traffic, checking the
// database connection.
func (s *Server) readinessHandler(c *gin.Context) {
	components := gin.H{"database": "ok"}

	if s.db == nil {
		components["database"] = "error"
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "components": components})
		return
	}

	if err := s.db.PingContext(c.Request.Context()); err != nil {
		s.logger.Error("readiness database ping failed", "error", err)
		components["database"] = "error"
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "components": components})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready", "components": components})
}
