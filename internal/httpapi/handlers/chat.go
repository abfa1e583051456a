package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/suPer8Hu/modelchat/internal/chat"
	"github.com/suPer8Hu/modelchat/internal/common"
	"github.com/suPer8Hu/modelchat/internal/stream"
)

type createSessionReq struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	if req.Provider == "" {
		req.Provider = h.Cfg.AIProvider
	}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.Provider, req.Model)
	if err != nil {
		slog.Error("create chat session failed", "user_id", uid, "error", err)
		fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}

	ok(c, gin.H{"session_id": sess.SessionID, "provider": sess.Provider, "model": sess.Model})
}

type sendMessageReq struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	reply, msgID, err := h.ChatSvc.SendMessage(c.Request.Context(), uid, req.SessionID, req.Message)
	if err != nil {
		var be *stream.BackendError
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			fail(c, http.StatusNotFound, 40004, "session not found")
		case errors.As(err, &be):
			slog.Warn("model backend failed", "session_id", req.SessionID, "error", err)
			fail(c, http.StatusBadGateway, 50201, be.Message)
		default:
			slog.Error("send message failed", "session_id", req.SessionID, "error", err)
			fail(c, http.StatusBadRequest, 40001, "failed to send message")
		}
		return
	}

	ok(c, gin.H{
		"session_id": req.SessionID,
		"reply":      reply,
		"message_id": msgID,
	})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")

	limit, _ := strconv.Atoi(c.Query("limit"))
	beforeIDStr := c.Query("before_id")
	var beforeID uint64
	if beforeIDStr != "" {
		if n, err := strconv.ParseUint(beforeIDStr, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, sessionID, limit, beforeID)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	ok(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

// ClearChatMessages aborts the running turn and deletes the history.
func (h *Handler) ClearChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	n, err := h.ChatSvc.ClearConversation(c.Request.Context(), uid, c.Param("session_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40004, "session not found")
			return
		}
		slog.Error("clear conversation failed", "session_id", c.Param("session_id"), "error", err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	ok(c, gin.H{"deleted": n})
}

func (h *Handler) SendChatMessageStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		fail(c, http.StatusInternalServerError, 50003, "streaming unsupported")
		return
	}

	turn, err := h.ChatSvc.SendMessageStream(c.Request.Context(), uid, req.SessionID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			fail(c, http.StatusNotFound, 40004, "session not found")
		case errors.Is(err, chat.ErrStreamingUnsupported):
			fail(c, http.StatusBadRequest, 40002, err.Error())
		default:
			slog.Error("start stream failed", "session_id", req.SessionID, "error", err)
			fail(c, http.StatusInternalServerError, 50001, "internal error")
		}
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	// avoid gin writing a JSON response later
	c.Status(http.StatusOK)
	flusher.Flush()

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	heartbeat := h.Cfg.StreamHeartbeat()
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	// A client disconnect cancels the request context, which aborts the turn;
	// the aborted outcome still arrives below.
	updates := turn.Updates
	for {
		select {
		case text, open := <-updates:
			if !open {
				updates = nil
				continue
			}
			writeJSON("transcript", gin.H{
				"type": "transcript",
				"text": text,
			})

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case out, open := <-turn.Outcome:
			if !open {
				return
			}
			switch out.Status {
			case stream.StatusSuccess:
				writeJSON("done", gin.H{
					"type":       "done",
					"text":       out.Text,
					"message_id": out.MessageID,
				})
			case stream.StatusError:
				writeJSON("error", gin.H{
					"type":       "error",
					"message":    out.Error,
					"text":       out.Text,
					"message_id": out.MessageID,
				})
			default:
				writeJSON("aborted", gin.H{
					"type": "aborted",
					"text": out.Text,
				})
			}
			return
		}
	}
}

// AbortChatStream stops the running turn of a session.
func (h *Handler) AbortChatStream(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	err := h.ChatSvc.AbortStream(c.Request.Context(), uid, c.Param("session_id"))
	switch {
	case err == nil:
		ok(c, gin.H{"aborted": true})
	case errors.Is(err, gorm.ErrRecordNotFound):
		fail(c, http.StatusNotFound, 40004, "session not found")
	case errors.Is(err, chat.ErrNoActiveStream):
		fail(c, http.StatusNotFound, 40403, "no active stream")
	default:
		fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

// GetLiveTranscript lets a reconnecting client catch up with a running turn.
func (h *Handler) GetLiveTranscript(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	sessionID := c.Param("session_id")

	text, active, err := h.ChatSvc.LiveTranscript(c.Request.Context(), uid, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40004, "session not found")
			return
		}
		slog.Error("read live transcript failed", "session_id", sessionID, "error", err)
		fail(c, http.StatusInternalServerError, 20001, "redis error")
		return
	}

	ok(c, gin.H{
		"session_id": sessionID,
		"active":     active,
		"text":       text,
	})
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	var req sendMessageReq

	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if h.Rabbit == nil {
		fail(c, http.StatusServiceUnavailable, 50301, "async jobs disabled")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	// Insert user message immediately; a retried request reuses the stored one.
	if _, _, err := h.ChatSvc.InsertUserMessageOrGetExisting(c.Request.Context(), uid, req.SessionID, req.Message, idempoKeyPtr); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		slog.Error("insert user message failed", "user_id", uid, "session_id", req.SessionID, "error", err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		slog.Error("new job id failed", "user_id", uid, "session_id", req.SessionID, "error", err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// Create job row (idempotent if key is provided)
	j := &chat.Job{
		ID:             jobID,
		UserID:         uid,
		SessionID:      req.SessionID,
		Prompt:         req.Message,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	job, created, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		slog.Error("create job failed", "user_id", uid, "session_id", req.SessionID, "job_id", jobID, "key", idempoKey, "error", err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), job.ID); err != nil {
			slog.Error("publish job failed", "user_id", uid, "session_id", req.SessionID, "job_id", job.ID, "error", err)
			fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	ok(c, gin.H{"job_id": job.ID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	view := gin.H{
		"id":                j.ID,
		"session_id":        j.SessionID,
		"status":            j.Status,
		"result_message_id": j.ResultMessageID,
		"error":             j.Error,
		"created_at":        j.CreatedAt,
		"updated_at":        j.UpdatedAt,
	}
	if j.Status == chat.JobRunning {
		partial, found, err := h.ChatSvc.JobProgress(c.Request.Context(), j.ID)
		if err != nil {
			slog.Warn("read job progress failed", "job_id", j.ID, "error", err)
		} else if found {
			view["partial"] = partial
		}
	}

	ok(c, gin.H{"job": view})
}
