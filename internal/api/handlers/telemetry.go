package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"vehicle-guard/internal/api/middleware"
	"vehicle-guard/internal/ingest"
	"vehicle-guard/internal/models"
	"vehicle-guard/internal/services"
	"vehicle-guard/pkg/log"
	"vehicle-guard/pkg/utils"
)

type TelemetryHandler struct {
	telemetry *services.TelemetryService
}

func NewTelemetryHandler(telemetry *services.TelemetryService) *TelemetryHandler {
	return &TelemetryHandler{telemetry: telemetry}
}

// Ingest accepts one device report. A report that arrives out of order is
// answered with 202 and accepted=false; devices must not retry it.
func (h *TelemetryHandler) Ingest(c *gin.Context) {
	var raw ingest.RawReport
	if err := c.ShouldBindJSON(&raw); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if declared := c.GetHeader(middleware.DeviceIDHeader); declared != "" {
		if raw.VehicleID == "" {
			raw.VehicleID = declared
		} else if raw.VehicleID != declared {
			utils.ValidationErrorResponse(c, &models.ValidationError{Field: "vehicleId", Reason: "does not match device id"})
			return
		}
	}

	res, err := h.telemetry.Ingest(c.Request.Context(), raw, services.SourceHTTP)
	switch {
	case err == nil:
		utils.SuccessResponse(c, http.StatusOK, "Reading accepted", res)
	case errors.Is(err, models.ErrStaleReading):
		utils.SuccessResponse(c, http.StatusAccepted, "Reading superseded", res)
	default:
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			utils.ValidationErrorResponse(c, err)
			return
		}
		log.Error(err, "Failed to ingest reading", "vehicleId", raw.VehicleID)
		utils.DomainErrorResponse(c, "Failed to ingest reading", err)
	}
}
