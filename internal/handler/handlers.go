package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/navtalk/ClinicApp/pkg/devices"
	"github.com/navtalk/ClinicApp/pkg/metrics"
	"github.com/navtalk/ClinicApp/pkg/middleware"
	"github.com/navtalk/ClinicApp/pkg/realtime/session"
	"github.com/navtalk/ClinicApp/pkg/records"
	"github.com/navtalk/ClinicApp/pkg/stores"
	"go.uber.org/zap"
)

// Session is the part of the session controller the control API drives.
type Session interface {
	Start(ctx context.Context) error
	Stop() error
	Toggle(ctx context.Context) error
	SetMicrophone(enabled bool) error
	SendText(text string) error
	Snapshot() session.Snapshot
	Transcript() []records.Entry
	ClearTranscript() error
}

type Options struct {
	Session Session
	Intake  *records.IntakeRepository
	Files   stores.FileStore
	Metrics *metrics.Metrics
	Monitor *metrics.SystemMonitor
	Logger  *zap.Logger

	// RateLimit in ulule format, empty disables limiting
	RateLimit string
	LocalOnly bool
	// ListDevices defaults to devices.ListDevices
	ListDevices func() ([]devices.DeviceInfo, error)
}

type Handlers struct {
	session     Session
	intake      *records.IntakeRepository
	files       stores.FileStore
	metrics     *metrics.Metrics
	monitor     *metrics.SystemMonitor
	logger      *zap.Logger
	rateLimit   string
	localOnly   bool
	listDevices func() ([]devices.DeviceInfo, error)
}

func NewHandlers(opts Options) *Handlers {
	h := &Handlers{
		session:     opts.Session,
		intake:      opts.Intake,
		files:       opts.Files,
		metrics:     opts.Metrics,
		monitor:     opts.Monitor,
		logger:      opts.Logger,
		rateLimit:   opts.RateLimit,
		localOnly:   opts.LocalOnly,
		listDevices: opts.ListDevices,
	}
	if h.logger == nil {
		h.logger = zap.L()
	}
	if h.listDevices == nil {
		h.listDevices = devices.ListDevices
	}
	return h
}

func (h *Handlers) Register(engine *gin.Engine) {
	engine.Use(middleware.LoggerMiddleware(h.logger))
	if h.metrics != nil {
		engine.Use(metrics.GinMiddleware(h.metrics))
		engine.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
	if ls, ok := h.files.(*stores.LocalStore); ok {
		engine.Static(ls.MediaPrefix, ls.Root)
	}

	r := engine.Group("/api")
	if h.localOnly {
		r.Use(middleware.LocalOnly())
	}
	if h.rateLimit != "" {
		limit, err := middleware.RateLimit(h.rateLimit)
		if err != nil {
			h.logger.Warn("invalid rate limit, limiting disabled", zap.String("rate", h.rateLimit), zap.Error(err))
		} else {
			r.Use(limit)
		}
	}

	h.registerSessionRoutes(r)
	h.registerTranscriptRoutes(r)
	h.registerIntakeRoutes(r)
	h.registerSystemRoutes(r)
}

// registerSessionRoutes Session Module
func (h *Handlers) registerSessionRoutes(r *gin.RouterGroup) {
	s := r.Group("session")
	{
		s.GET("", h.GetSession)
		s.POST("/start", h.StartSession)
		s.POST("/stop", h.StopSession)
		s.POST("/toggle", h.ToggleSession)
		s.POST("/microphone", h.SetMicrophone)
		s.POST("/text", h.SendText)
	}
}

// registerTranscriptRoutes Transcript Module
func (h *Handlers) registerTranscriptRoutes(r *gin.RouterGroup) {
	r.GET("/transcript", h.GetTranscript)
	r.DELETE("/transcript", h.ClearTranscript)
}

// registerIntakeRoutes Intake Module
func (h *Handlers) registerIntakeRoutes(r *gin.RouterGroup) {
	intake := r.Group("intake")
	{
		intake.GET("", h.GetIntake)
		intake.PUT("", h.UpdateIntake)
		intake.POST("/attachments", h.UploadAttachments)
	}
}

// registerSystemRoutes System Module
func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	r.GET("/health", h.HealthCheck)
	r.GET("/devices", h.ListDevices)
}
