package v1

import (
	"github.com/gin-gonic/gin"

	"knowsee/chat-relay/internal/interfaces/httpserver/handlers"
)

func registerChatRoutes(group *gin.RouterGroup, handler *handlers.ChatHandler) {
	chat := group.Group("/chat")
	chat.POST("", handler.Send)
	chat.GET("/:id/stream", handler.Stream)
	chat.GET("/:id/messages", handler.Messages)
	chat.DELETE("/:id/messages", handler.Truncate)
	chat.PATCH("/:id/visibility", handler.UpdateVisibility)
	chat.DELETE("/:id", handler.Delete)
}
