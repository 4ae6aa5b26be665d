package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"vehicle-guard/internal/api/middleware"
	"vehicle-guard/internal/broadcast"
	"vehicle-guard/internal/websocket"
	"vehicle-guard/pkg/log"
	"vehicle-guard/pkg/utils"
)

// WebSocketHandler handles WebSocket connections for real-time updates
type WebSocketHandler struct {
	manager *websocket.Manager
}

func NewWebSocketHandler(manager *websocket.Manager) *WebSocketHandler {
	return &WebSocketHandler{manager: manager}
}

// HandleWebSocket upgrades the request and subscribes it to the vehicles in
// the caller's token. ?vehicleIds= narrows, never widens, that scope.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		utils.ErrorResponse(c, http.StatusUnauthorized, "Authentication token required", nil)
		return
	}

	scope := broadcast.Scope{All: claims.AllVehicles(), VehicleIDs: claims.VehicleIDs}
	filters := websocket.Filters{VehicleIDs: queryList(c, "vehicleIds")}

	// Upgrade hijacks the connection; nothing may be written to c afterwards.
	if err := h.manager.Upgrade(c.Writer, c.Request, claims.UserID, scope, filters); err != nil {
		log.Warn("Failed to upgrade connection to WebSocket", "userId", claims.UserID, "error", err)
	}
}

// GetStats returns the number of connected clients and sessions.
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "WebSocket statistics retrieved successfully", h.manager.Stats())
}

// queryList accepts both repeated parameters and comma separated values.
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}
