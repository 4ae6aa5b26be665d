package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"vehicle-guard/internal/models"
	"vehicle-guard/internal/services"
	"vehicle-guard/pkg/utils"
)

// SubmitCommandRequest is the body of POST /vehicles/:id/commands.
type SubmitCommandRequest struct {
	Command models.CommandType `json:"command" validate:"required"`
}

// VehicleHandler serves the per-vehicle routes. Scope checks happen in
// middleware before any of these run.
type VehicleHandler struct {
	vehicles  *services.VehicleService
	alerts    *services.AlertService
	commands  *services.CommandService
	validator *validator.Validate
}

func NewVehicleHandler(vehicles *services.VehicleService, alerts *services.AlertService, commands *services.CommandService) *VehicleHandler {
	return &VehicleHandler{
		vehicles:  vehicles,
		alerts:    alerts,
		commands:  commands,
		validator: validator.New(),
	}
}

// GetState returns the latest snapshot of a vehicle.
func (h *VehicleHandler) GetState(c *gin.Context) {
	st, err := h.vehicles.GetState(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.DomainErrorResponse(c, "Vehicle state not found", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Vehicle state retrieved successfully", st)
}

// GetAlerts lists a vehicle's alerts, newest first.
func (h *VehicleHandler) GetAlerts(c *gin.Context) {
	filter := alertFilterFromQuery(c)
	filter.VehicleIDs = []string{c.Param("id")}

	list, err := h.alerts.GetAlerts(c.Request.Context(), filter)
	if err != nil {
		utils.DomainErrorResponse(c, "Failed to retrieve alerts", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Alerts retrieved successfully", list)
}

// GetCommands lists a vehicle's command history, newest first.
func (h *VehicleHandler) GetCommands(c *gin.Context) {
	limit, _ := strconv.ParseInt(c.Query("limit"), 10, 64)

	cmds, err := h.commands.GetHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		utils.DomainErrorResponse(c, "Failed to retrieve commands", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Commands retrieved successfully", cmds)
}

// SubmitCommand queues a remote command and answers with it still pending.
// Delivery and the device's answer show up as command_update events and on
// GET /commands/:id.
func (h *VehicleHandler) SubmitCommand(c *gin.Context) {
	var req SubmitCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	cmd, err := h.commands.Submit(c.Request.Context(), c.Param("id"), req.Command)
	if err != nil {
		utils.DomainErrorResponse(c, "Failed to submit command", err)
		return
	}

	utils.SuccessResponse(c, http.StatusAccepted, "Command submitted", cmd)
}

func (h *VehicleHandler) GetEnvironment(c *gin.Context) {
	env := h.vehicles.GetEnvironment(c.Request.Context(), c.Param("id"))
	utils.SuccessResponse(c, http.StatusOK, "Vehicle environment retrieved successfully", env)
}

// SetGeofence replaces the vehicle's geofence; a null geofence clears it.
func (h *VehicleHandler) SetGeofence(c *gin.Context) {
	var req services.GeofenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if req.Geofence != nil {
		if err := h.validator.Struct(req.Geofence); err != nil {
			utils.ValidationErrorResponse(c, err)
			return
		}
	}

	id := c.Param("id")
	h.vehicles.SetGeofence(id, &req)
	utils.SuccessResponse(c, http.StatusOK, "Geofence updated successfully", h.vehicles.GetEnvironment(c.Request.Context(), id))
}

func (h *VehicleHandler) SetSession(c *gin.Context) {
	var req services.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	id := c.Param("id")
	h.vehicles.SetSession(id, &req)
	utils.SuccessResponse(c, http.StatusOK, "Session updated successfully", h.vehicles.GetEnvironment(c.Request.Context(), id))
}

// SetEngineLock is the manual override for the engine-lock flag.
func (h *VehicleHandler) SetEngineLock(c *gin.Context) {
	var req services.EngineLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	st, err := h.vehicles.SetEngineLock(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		utils.DomainErrorResponse(c, "Failed to update engine lock", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Engine lock updated successfully", st)
}
