package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service"
	"github.com/ifuryst/herald/pkg/util"
)

type createPublicationRequest struct {
	OwnerID     string     `json:"owner_id"`
	ContentRef  string     `json:"content_ref"`
	Title       string     `json:"title"`
	Platform    string     `json:"platform"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Message     string     `json:"message"`
	MediaURL    string     `json:"media_url"`
}

func (s *Server) handleCreatePublication(c *gin.Context) {
	var req createPublicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	// Only an admin may create on behalf of another owner
	ownerID := service.UserID(c)
	if req.OwnerID != "" && service.IsAdmin(c) {
		ownerID = req.OwnerID
	}

	pub, err := s.Services.Publications.Create(c.Request.Context(), service.CreateRequest{
		OwnerID:     ownerID,
		ContentRef:  req.ContentRef,
		Title:       req.Title,
		Platform:    req.Platform,
		ScheduledAt: req.ScheduledAt,
		Message:     req.Message,
		MediaURL:    req.MediaURL,
	})
	if err != nil {
		s.respondError(c, "Failed to create publication", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"publication": pub})
}

func (s *Server) handleListPublications(c *gin.Context) {
	all := c.Query("all") == "true" && service.IsAdmin(c)

	var statuses []models.Status
	for _, raw := range util.ParseList(c.Query("status")) {
		status := models.Status(raw)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown status: " + raw})
			return
		}
		statuses = append(statuses, status)
	}

	pubs, err := s.Services.Publications.List(c.Request.Context(), service.UserID(c), all, statuses...)
	if err != nil {
		s.respondError(c, "Failed to list publications", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"publications": pubs, "count": len(pubs)})
}

func (s *Server) handleGetStats(c *gin.Context) {
	ownerID := service.UserID(c)
	if c.Query("all") == "true" && service.IsAdmin(c) {
		ownerID = ""
	}

	stats, err := s.Services.Monitoring.GetPublicationStats(c.Request.Context(), ownerID)
	if err != nil {
		s.respondError(c, "Failed to get stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (s *Server) handleGetPublication(c *gin.Context) {
	pub, ok := s.ownedPublication(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"publication": pub})
}

func (s *Server) handleCancelPublication(c *gin.Context) {
	if _, ok := s.ownedPublication(c); !ok {
		return
	}

	pub, err := s.Services.Publications.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to cancel publication", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"publication": pub})
}

func (s *Server) handleRefreshMetrics(c *gin.Context) {
	if _, ok := s.ownedPublication(c); !ok {
		return
	}

	pub, err := s.Services.Publications.RefreshMetrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to refresh metrics", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"publication": pub})
}

func (s *Server) handleDeletePublication(c *gin.Context) {
	if _, ok := s.ownedPublication(c); !ok {
		return
	}

	if err := s.Services.Publications.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, "Failed to delete publication", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Publication deleted"})
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs := s.Services.Engine.Jobs()
	c.JSON(http.StatusOK, gin.H{
		"jobs":    jobs,
		"count":   len(jobs),
		"running": s.Services.Engine.IsRunning(),
	})
}

func (s *Server) handleListErrors(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	unresolved := c.Query("unresolved") == "true"

	logs, err := s.Services.Monitoring.GetRecentErrors(c.Request.Context(), limit, unresolved)
	if err != nil {
		s.respondError(c, "Failed to get errors", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"errors": logs, "count": len(logs)})
}

func (s *Server) handleResolveError(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid error id"})
		return
	}

	if err := s.Services.Monitoring.ResolveError(c.Request.Context(), uint(id)); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Error log not found"})
			return
		}
		s.respondError(c, "Failed to resolve error", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Error resolved"})
}

// ownedPublication loads the :id publication and hides records of other owners
// from non-admin callers.
func (s *Server) ownedPublication(c *gin.Context) (*models.Publication, bool) {
	pub, err := s.Services.Publications.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to get publication", err)
		return nil, false
	}
	if pub.OwnerID != service.UserID(c) && !service.IsAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": service.ErrNotFound.Error()})
		return nil, false
	}
	return pub, true
}

func (s *Server) respondError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotScheduled),
		errors.Is(err, service.ErrNotPublished),
		errors.Is(err, service.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, service.ErrCredential):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.Logger.Error(message, zap.Error(err))
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
