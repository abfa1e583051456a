package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/suPer8Hu/modelchat/internal/chat"
	"github.com/suPer8Hu/modelchat/internal/common"
	"github.com/suPer8Hu/modelchat/internal/config"
)

// JobPublisher enqueues async chat jobs for the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	ChatSvc *chat.Service
	// Rabbit is nil when async jobs are disabled.
	Rabbit JobPublisher
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, rabbit JobPublisher) *Handler {
	return &Handler{DB: db, Cfg: cfg, ChatSvc: svc, Rabbit: rabbit}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// ListModels lists the providers a chat session can be created with.
func (h *Handler) ListModels(c *gin.Context) {
	common.OK(c, gin.H{
		"providers": h.ChatSvc.Providers(),
		"default":   h.Cfg.AIProvider,
	})
}

func ok(c *gin.Context, data any) {
	common.OK(c, data)
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	common.Fail(c, httpStatus, code, msg)
}
