package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/suPer8Hu/modelchat/internal/chat"
	"github.com/suPer8Hu/modelchat/internal/common"
	"github.com/suPer8Hu/modelchat/internal/config"
	"github.com/suPer8Hu/modelchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/modelchat/internal/httpapi/middleware"
)

func NewRouter(db *gorm.DB, cfg config.Config, svc *chat.Service, rabbit handlers.JobPublisher) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, svc, rabbit)
	// generation is the expensive path
	turns := middleware.NewRateLimiter(cfg.StreamRatePerMinute).Middleware()

	r.GET("/ping", h.Ping)

	// CRUD users register
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUserByID)

	// auth
	r.POST("/login", h.Login)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/me", h.Me)
	// Chat (JWT required)
	authGroup.GET("/chat/models", h.ListModels)
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.POST("/chat/messages", turns, h.SendChatMessage)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.DELETE("/chat/sessions/:session_id/messages", h.ClearChatMessages)
	authGroup.POST("/chat/messages/stream", turns, h.SendChatMessageStream)
	authGroup.GET("/chat/sessions/:session_id/stream", h.GetLiveTranscript)
	authGroup.DELETE("/chat/sessions/:session_id/stream", h.AbortChatStream)
	authGroup.POST("/chat/messages/async", turns, h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)
	return r
}
