package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/navtalk/ClinicApp/pkg/config"
	"github.com/navtalk/ClinicApp/pkg/devices"
	"github.com/navtalk/ClinicApp/pkg/events"
	"github.com/navtalk/ClinicApp/pkg/metrics"
	"github.com/navtalk/ClinicApp/pkg/realtime/audio"
	"github.com/navtalk/ClinicApp/pkg/realtime/media"
	"github.com/navtalk/ClinicApp/pkg/realtime/session"
	"github.com/navtalk/ClinicApp/pkg/records"
	"github.com/navtalk/ClinicApp/pkg/stores"
	"go.uber.org/zap"
)

// ClinicApp 进程内共享的组件
type ClinicApp struct {
	cfg    *config.Config
	logger *zap.Logger

	kv          stores.KV
	files       *stores.LocalStore
	transcripts *records.TranscriptRepository
	intake      *records.IntakeRepository

	bus        *events.Bus
	metrics    *metrics.Metrics
	monitor    *metrics.SystemMonitor
	speaker    *devices.Speaker
	renderer   *devices.Renderer
	controller *session.Controller
}

func NewClinicApp(cfg *config.Config, logger *zap.Logger) (*ClinicApp, error) {
	kv, err := stores.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	app := &ClinicApp{
		cfg:         cfg,
		logger:      logger,
		kv:          kv,
		files:       stores.NewLocalStore(cfg.Store.UploadDir),
		transcripts: records.NewTranscriptRepository(kv, logger),
		intake:      records.NewIntakeRepository(kv, logger),
		bus:         events.NewBus(logger),
		metrics:     metrics.NewMetrics(metrics.DefaultNamespace),
	}
	app.monitor = metrics.NewSystemMonitor(app.metrics, 30*time.Second, logger)

	// 扬声器不可用时仍然消费远端媒体
	var out devices.PCMWriter
	if cfg.Audio.Playback {
		speaker := devices.NewSpeaker(48000, 2, logger)
		if err := speaker.Start(); err != nil {
			logger.Warn("playback device unavailable", zap.Error(err))
		} else {
			app.speaker = speaker
			out = speaker
		}
	}
	app.renderer = devices.NewRenderer(out, logger)
	app.renderer.OnPacket = app.metrics.RecordRTPPacket

	sessCfg := session.ConfigFrom(cfg)
	ice := media.NewRemoteICE(sessCfg.BaseURL, sessCfg.License, cfg.ICEFetchTimeout, logger)
	ice.OnFallback = app.metrics.RecordICEFallback

	controller, err := session.New(session.Options{
		Config:      sessCfg,
		Channels:    session.SignalingChannels(sessCfg, nil, logger),
		Negotiators: session.MediaNegotiators(ice, app.renderer, logger),
		Source:      captureSource(cfg, logger),
		SampleRate:  cfg.Audio.SampleRate,
		FrameSize:   cfg.Audio.FrameSize,
		Transcripts: app.transcripts,
		Bus:         app.bus,
		Metrics:     app.metrics,
		Logger:      logger,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.controller = controller
	return app, nil
}

func captureSource(cfg *config.Config, logger *zap.Logger) audio.Source {
	if cfg.Audio.InputFile != "" {
		logger.Info("capturing from wav file", zap.String("path", cfg.Audio.InputFile))
		return devices.NewWAVSource(cfg.Audio.InputFile, logger)
	}
	return devices.NewMicSource(logger)
}

// Close 先结束会话再释放设备与存储
func (a *ClinicApp) Close() error {
	var errs []error
	if a.controller != nil {
		errs = append(errs, a.controller.Close())
	}
	a.monitor.Stop()
	a.renderer.Wait()
	if a.speaker != nil {
		errs = append(errs, a.speaker.Close())
	}
	a.bus.Wait()
	errs = append(errs, a.kv.Close())
	return errors.Join(errs...)
}
