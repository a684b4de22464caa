package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	gonanoid "github.com/matoous/go-nanoid"
	"github.com/navtalk/ClinicApp/pkg/records"
	"github.com/navtalk/ClinicApp/pkg/response"
	"go.uber.org/zap"
)

const attachmentField = "files"

func (h *Handlers) GetIntake(c *gin.Context) {
	response.Success(c, "ok", h.intake.Load(c.Request.Context()))
}

// UpdateIntake merges the posted fields into the stored form
func (h *Handlers) UpdateIntake(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		response.Fail(c, "Invalid request", err)
		return
	}
	form, err := h.intake.Update(c.Request.Context(), fields)
	if err != nil {
		response.FailWithStatus(c, http.StatusInternalServerError, "Failed to save intake form", err)
		return
	}
	response.Success(c, "intake form saved", form)
}

// UploadAttachments stores the uploaded files and replaces the attachment list with them
func (h *Handlers) UploadAttachments(c *gin.Context) {
	if h.files == nil {
		response.FailWithStatus(c, http.StatusServiceUnavailable, "File storage is not configured", nil)
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		response.Fail(c, "Failed to get uploaded files: "+err.Error(), nil)
		return
	}
	headers := form.File[attachmentField]

	attachments := make([]records.Attachment, 0, len(headers))
	for _, header := range headers {
		name := filepath.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
		id, err := gonanoid.Nanoid(8)
		if err != nil {
			response.FailWithStatus(c, http.StatusInternalServerError, "Failed to name file", err)
			return
		}
		key := fmt.Sprintf("attachments/%s_%s", id, name)

		file, err := header.Open()
		if err != nil {
			response.Fail(c, "Failed to read uploaded file: "+name, err)
			return
		}
		size, err := h.files.Write(key, file)
		file.Close()
		if err != nil {
			h.logger.Error("attachment write failed", zap.String("key", key), zap.Error(err))
			response.FailWithStatus(c, http.StatusInternalServerError, "Failed to save file: "+name, err)
			return
		}
		attachments = append(attachments, records.Attachment{
			Name: name,
			Size: size,
			URL:  h.files.PublicURL(key),
		})
	}

	saved, err := h.intake.ReplaceAttachments(c.Request.Context(), attachments)
	if err != nil {
		response.FailWithStatus(c, http.StatusInternalServerError, "Failed to save intake form", err)
		return
	}
	response.Success(c, "attachments uploaded", saved)
}
