package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"vehicle-guard/internal/api/middleware"
	"vehicle-guard/internal/models"
	"vehicle-guard/internal/services"
	"vehicle-guard/pkg/utils"
)

type AlertHandler struct {
	alertService *services.AlertService
}

func NewAlertHandler(alertService *services.AlertService) *AlertHandler {
	return &AlertHandler{alertService: alertService}
}

func alertFilterFromQuery(c *gin.Context) models.AlertFilter {
	filter := models.AlertFilter{
		Type:     models.AlertType(c.Query("type")),
		Severity: models.Severity(c.Query("severity")),
	}
	filter.UnreadOnly, _ = strconv.ParseBool(c.Query("unread"))
	filter.Limit, _ = strconv.ParseInt(c.Query("limit"), 10, 64)
	return filter
}

// scopedVehicles narrows a query to the caller's vehicles. ok is false when
// the caller may not see any vehicle at all.
func scopedVehicles(c *gin.Context) (ids []string, ok bool) {
	claims, found := middleware.ClaimsFrom(c)
	if !found {
		return nil, false
	}
	if claims.AllVehicles() {
		return nil, true
	}
	return claims.VehicleIDs, len(claims.VehicleIDs) > 0
}

// GetAlerts lists alerts across the caller's vehicles; ?unread=true limits
// the list to unread ones.
func (h *AlertHandler) GetAlerts(c *gin.Context) {
	ids, ok := scopedVehicles(c)
	if !ok {
		utils.SuccessResponse(c, http.StatusOK, "Alerts retrieved successfully", []*models.AlertEvent{})
		return
	}

	filter := alertFilterFromQuery(c)
	filter.VehicleIDs = ids

	list, err := h.alertService.GetAlerts(c.Request.Context(), filter)
	if err != nil {
		utils.DomainErrorResponse(c, "Failed to retrieve alerts", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Alerts retrieved successfully", list)
}

// GetAlertStatistics retrieves alert statistics
func (h *AlertHandler) GetAlertStatistics(c *gin.Context) {
	ids, ok := scopedVehicles(c)
	if !ok {
		utils.SuccessResponse(c, http.StatusOK, "Alert statistics retrieved successfully", &models.AlertStatistics{})
		return
	}

	stats, err := h.alertService.GetStatistics(c.Request.Context(), ids)
	if err != nil {
		utils.DomainErrorResponse(c, "Failed to retrieve alert statistics", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Alert statistics retrieved successfully", stats)
}

// MarkRead marks an alert as read
func (h *AlertHandler) MarkRead(c *gin.Context) {
	if !h.authorize(c) {
		return
	}

	alert, err := h.alertService.MarkRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.DomainErrorResponse(c, "Failed to mark alert as read", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Alert marked as read", alert)
}

// Acknowledge acknowledges an alert, which also marks it read.
func (h *AlertHandler) Acknowledge(c *gin.Context) {
	if !h.authorize(c) {
		return
	}

	alert, err := h.alertService.Acknowledge(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.DomainErrorResponse(c, "Failed to acknowledge alert", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Alert acknowledged", alert)
}

// authorize loads the alert and checks its vehicle against the caller's
// scope. Alerts outside the scope are reported as missing.
func (h *AlertHandler) authorize(c *gin.Context) bool {
	alert, err := h.alertService.GetAlertByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.DomainErrorResponse(c, "Alert not found", err)
		return false
	}

	claims, ok := middleware.ClaimsFrom(c)
	if !ok || !claims.CanAccess(alert.VehicleID) {
		utils.ErrorResponse(c, http.StatusNotFound, "Alert not found", models.ErrNotFound)
		return false
	}
	return true
}
