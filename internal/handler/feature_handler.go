package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/mobility-features-go/internal/models"
	"github.com/jengzang/mobility-features-go/internal/service"
	"github.com/jengzang/mobility-features-go/pkg/response"
)

// FeatureHandler handles HTTP requests for persisted feature rows
type FeatureHandler struct {
	service *service.FeatureService
}

// NewFeatureHandler creates a new feature handler
func NewFeatureHandler(service *service.FeatureService) *FeatureHandler {
	return &FeatureHandler{service: service}
}

// ListFeatures handles GET /api/v1/runs/:id/features
func (h *FeatureHandler) ListFeatures(c *gin.Context) {
	var filter models.FeatureFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.Error(c, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	page, err := h.service.ListFeatures(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		notFoundOr500(c, err, "Run not found", "Failed to list features")
		return
	}
	response.Success(c, page)
}

// GetFeature handles GET /api/v1/runs/:id/features/:hex_id
func (h *FeatureHandler) GetFeature(c *gin.Context) {
	rec, err := h.service.GetFeature(c.Request.Context(), c.Param("id"), c.Param("hex_id"))
	if err != nil {
		notFoundOr500(c, err, "Feature not found", "Failed to get feature")
		return
	}
	response.Success(c, rec)
}
