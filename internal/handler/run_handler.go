package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/mobility-features-go/internal/models"
	"github.com/jengzang/mobility-features-go/internal/repository"
	"github.com/jengzang/mobility-features-go/internal/service"
	"github.com/jengzang/mobility-features-go/pkg/response"
)

// RunHandler handles HTTP requests for aggregation runs
type RunHandler struct {
	service *service.FeatureService
}

// NewRunHandler creates a new run handler
func NewRunHandler(service *service.FeatureService) *RunHandler {
	return &RunHandler{service: service}
}

// ListRuns handles GET /api/v1/runs
func (h *RunHandler) ListRuns(c *gin.Context) {
	var filter models.RunFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.Error(c, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	runs, err := h.service.ListRuns(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	response.Success(c, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /api/v1/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.service.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		notFoundOr500(c, err, "Run not found", "Failed to get run")
		return
	}
	response.Success(c, run)
}

func notFoundOr500(c *gin.Context, err error, notFound, failed string) {
	if errors.Is(err, repository.ErrNotFound) {
		response.Error(c, http.StatusNotFound, notFound, nil)
		return
	}
	response.Error(c, http.StatusInternalServerError, failed, err)
}
