package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/navtalk/ClinicApp/pkg/realtime/errhandler"
	"github.com/navtalk/ClinicApp/pkg/realtime/session"
	"github.com/navtalk/ClinicApp/pkg/response"
)

const startTimeout = 30 * time.Second

type microphoneRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type textRequest struct {
	Text string `json:"text" binding:"required"`
}

// GetSession returns the controller snapshot
func (h *Handlers) GetSession(c *gin.Context) {
	response.Success(c, "ok", h.session.Snapshot())
}

// StartSession blocks until the session is active or failed
func (h *Handlers) StartSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), startTimeout)
	defer cancel()
	if err := h.session.Start(ctx); err != nil {
		h.sessionError(c, "Failed to start session", err)
		return
	}
	response.Success(c, "session started", h.session.Snapshot())
}

func (h *Handlers) StopSession(c *gin.Context) {
	if err := h.session.Stop(); err != nil {
		h.sessionError(c, "Failed to stop session", err)
		return
	}
	response.Success(c, "session stopped", h.session.Snapshot())
}

func (h *Handlers) ToggleSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), startTimeout)
	defer cancel()
	if err := h.session.Toggle(ctx); err != nil {
		h.sessionError(c, "Failed to toggle session", err)
		return
	}
	response.Success(c, "ok", h.session.Snapshot())
}

func (h *Handlers) SetMicrophone(c *gin.Context) {
	var req microphoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, "Invalid request", err)
		return
	}
	if err := h.session.SetMicrophone(*req.Enabled); err != nil {
		h.sessionError(c, "Failed to switch microphone", err)
		return
	}
	response.Success(c, "ok", h.session.Snapshot())
}

func (h *Handlers) SendText(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, "Invalid request", err)
		return
	}
	if err := h.session.SendText(req.Text); err != nil {
		h.sessionError(c, "Failed to send message", err)
		return
	}
	response.Success(c, "message sent", nil)
}

func (h *Handlers) GetTranscript(c *gin.Context) {
	response.Success(c, "ok", h.session.Transcript())
}

func (h *Handlers) ClearTranscript(c *gin.Context) {
	if err := h.session.ClearTranscript(); err != nil {
		response.FailWithStatus(c, http.StatusInternalServerError, "Failed to clear transcript", err)
		return
	}
	response.Success(c, "transcript cleared", nil)
}

// sessionError maps controller errors onto HTTP statuses
func (h *Handlers) sessionError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotActive), errors.Is(err, session.ErrAborted):
		status = http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		switch errhandler.KindOf(err) {
		case errhandler.KindConfiguration:
			status = http.StatusBadRequest
		case errhandler.KindCapacity:
			status = http.StatusPaymentRequired
		case errhandler.KindTransport, errhandler.KindNegotiation:
			status = http.StatusBadGateway
		}
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	response.FailWithStatus(c, status, msg, err)
}
