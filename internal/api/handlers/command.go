package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"vehicle-guard/internal/api/middleware"
	"vehicle-guard/internal/models"
	"vehicle-guard/internal/services"
	"vehicle-guard/pkg/utils"
)

type CommandHandler struct {
	commands  *services.CommandService
	validator *validator.Validate
}

func NewCommandHandler(commands *services.CommandService) *CommandHandler {
	return &CommandHandler{
		commands:  commands,
		validator: validator.New(),
	}
}

// GetCommand returns one command if its vehicle is in the caller's scope.
func (h *CommandHandler) GetCommand(c *gin.Context) {
	cmd, err := h.commands.GetCommand(c.Request.Context(), c.Param("id"))
	if err != nil {
		utils.DomainErrorResponse(c, "Command not found", err)
		return
	}

	claims, ok := middleware.ClaimsFrom(c)
	if !ok || !claims.CanAccess(cmd.VehicleID) {
		utils.ErrorResponse(c, http.StatusNotFound, "Command not found", models.ErrNotFound)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Command retrieved successfully", cmd)
}

// Acknowledge records a device's confirmation delivered over HTTP instead of
// MQTT. Acks for commands that already settled are ignored.
func (h *CommandHandler) Acknowledge(c *gin.Context) {
	var ack models.CommandAck
	if err := c.ShouldBindJSON(&ack); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	ack.CommandID = c.Param("id")

	if err := h.validator.Struct(&ack); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	cmd, err := h.commands.Acknowledge(c.Request.Context(), ack)
	if err != nil {
		utils.DomainErrorResponse(c, "Failed to acknowledge command", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Command acknowledged", cmd)
}
