package session

import (
	"github.com/gorilla/websocket"
	"github.com/navtalk/ClinicApp/pkg/realtime/media"
	"github.com/navtalk/ClinicApp/pkg/realtime/signaling"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SignalingChannels 按配置的方言创建信令通道，dialer 为 nil 时用默认值
func SignalingChannels(cfg Config, dialer *websocket.Dialer, logger *zap.Logger) ChannelFactory {
	return func(sessionID string) (signaling.Channel, error) {
		return signaling.New(signaling.Options{
			Base:    cfg.BaseURL,
			License: cfg.License,
			Name:    cfg.Character,
			Model:   cfg.Model,
			UserID:  sessionID,
			Dialect: cfg.Dialect,
			Dialer:  dialer,
			Logger:  logger,
		})
	}
}

// MediaNegotiators 基于 pion 的协商器，sink 可为 nil
func MediaNegotiators(ice media.ICEProvider, sink media.RenderSink, logger *zap.Logger) NegotiatorFactory {
	return func(sender media.Sender, onState func(webrtc.PeerConnectionState)) (Negotiator, error) {
		n, err := media.NewNegotiator(sender, ice, sink, logger)
		if err != nil {
			return nil, err
		}
		n.OnState = onState
		return n, nil
	}
}
