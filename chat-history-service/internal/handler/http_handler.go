package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-chat/chat-history-service/internal/service"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/response"
	"github.com/weiawesome/wes-io-chat/pkg/store"
)

type HTTPHandler struct {
	chatHistoryService service.ChatHistoryService
}

func NewHTTPHandler(chatHistoryService service.ChatHistoryService) *HTTPHandler {
	return &HTTPHandler{
		chatHistoryService: chatHistoryService,
	}
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	// Path and bare array body used by the web client.
	r.GET("/history/:roomId", h.GetHistory)

	api := r.Group("/api/v1")
	{
		api.GET("/rooms/:room_id/messages", h.GetMessages)
	}

	r.GET("/health", h.HealthCheck)
}

func (h *HTTPHandler) GetHistory(c *gin.Context) {
	messages, err := h.chatHistoryService.GetHistory(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.logError(c, err)
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidRoom) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"message": "Error fetching chat history"})
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *HTTPHandler) GetMessages(c *gin.Context) {
	messages, err := h.chatHistoryService.GetHistory(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		h.logError(c, err)
		switch {
		case errors.Is(err, service.ErrInvalidRoom):
			response.BadRequest(c, "room_id is required")
		case errors.Is(err, store.ErrUnavailable):
			response.ServiceUnavailable(c, "history store unavailable")
		default:
			response.InternalError(c, "failed to get chat history")
		}
		return
	}
	response.Success(c, messages)
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

func (h *HTTPHandler) logError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrInvalidRoom) {
		return
	}
	l := log.Ctx(c.Request.Context())
	l.Error().Err(err).Msg("failed to get chat history")
}
