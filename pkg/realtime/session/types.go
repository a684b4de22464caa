package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/navtalk/ClinicApp/pkg/config"
	"github.com/navtalk/ClinicApp/pkg/realtime/media"
	"github.com/navtalk/ClinicApp/pkg/realtime/protocol"
	"github.com/navtalk/ClinicApp/pkg/realtime/signaling"
	"github.com/pion/webrtc/v3"
)

// State 会话生命周期
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
)

// Phase 对话阶段
type Phase string

const (
	PhaseReady     Phase = "ready"
	PhaseListening Phase = "listening"
	PhaseSpeaking  Phase = "speaking"
)

var (
	ErrMissingLicense = errors.New("session: license is required")
	ErrAborted        = errors.New("session: start aborted")
	ErrNotActive      = errors.New("session: not active")
	ErrEmptyMessage   = errors.New("session: empty message")
	ErrClosed         = errors.New("session: controller closed")
)

const (
	DefaultHangupDelay        = 2 * time.Second
	DefaultTranscriptionModel = "whisper-1"
	audioFormat               = "pcm16"
)

// Config 会话配置，每次 Start 时读取
type Config struct {
	License      string
	Character    string
	Voice        string
	Model        string
	BaseURL      string
	SystemPrompt string
	Dialect      signaling.Dialect
	VADThreshold float64
	HangupDelay  time.Duration
	// TranscriptionModel 用户语音转写模型
	TranscriptionModel string
}

// ConfigFrom 从全局配置构造
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		License:      cfg.License,
		Character:    cfg.Character,
		Voice:        cfg.Voice,
		Model:        cfg.Model,
		BaseURL:      cfg.BaseURL,
		SystemPrompt: cfg.SystemPrompt,
		Dialect:      signaling.Dialect(strings.ToLower(cfg.Dialect)),
		VADThreshold: cfg.VADThreshold,
		HangupDelay:  cfg.HangupDelay,
	}
}

func (c Config) withDefaults() Config {
	if c.HangupDelay <= 0 {
		c.HangupDelay = DefaultHangupDelay
	}
	if c.VADThreshold <= 0 {
		c.VADThreshold = protocol.DefaultTurnDetection().Threshold
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = DefaultTranscriptionModel
	}
	return c
}

// Negotiator 媒体协商，由 media.Negotiator 实现
type Negotiator interface {
	HandleOffer(ctx context.Context, offer string) error
	AddCandidate(c protocol.ICECandidate) error
	Close() error
}

// ChannelFactory 每次 Start 创建一个新的信令通道
type ChannelFactory func(sessionID string) (signaling.Channel, error)

// NegotiatorFactory 每次 Start 创建一个协商器，onState 只在当前链路状态变化时回调
type NegotiatorFactory func(sender media.Sender, onState func(webrtc.PeerConnectionState)) (Negotiator, error)

// PendingToolCall 累积中的函数调用参数
type PendingToolCall struct {
	CallID string
	Name   string
	Args   strings.Builder
}

// Snapshot 控制器的只读视图
type Snapshot struct {
	State            State  `json:"state"`
	Phase            Phase  `json:"phase"`
	SessionID        string `json:"sessionId,omitempty"`
	Ready            bool   `json:"ready"`
	Microphone       bool   `json:"microphone"`
	Capturing        bool   `json:"capturing"`
	PendingHangup    string `json:"pendingHangup,omitempty"`
	HangupArmed      bool   `json:"hangupArmed"`
	Fragments        int    `json:"fragments"`
	ToolCalls        int    `json:"toolCalls"`
	TranscriptLength int    `json:"transcriptLength"`
	LastError        string `json:"lastError,omitempty"`
}
