package session

import (
	"errors"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/navtalk/ClinicApp/pkg/events"
	"github.com/navtalk/ClinicApp/pkg/realtime/errhandler"
	"github.com/navtalk/ClinicApp/pkg/realtime/media"
	"github.com/navtalk/ClinicApp/pkg/realtime/protocol"
	"github.com/navtalk/ClinicApp/pkg/realtime/signaling"
	"github.com/navtalk/ClinicApp/pkg/records"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const defaultHangupReason = "conversation finished"

// dispatch 处理一条入站事件：至多一次状态迁移，零或多次发送
func (c *Controller) dispatch(gen uint64, ev protocol.Event) {
	s := c.live
	if s == nil || s.gen != gen {
		c.logger.Debug("stale event dropped", zap.String("type", string(ev.Type())))
		return
	}

	switch e := ev.(type) {
	case protocol.ConnectionSucceeded:
		c.logger.Info("realtime connection established", zap.String("sessionId", s.id))
		c.bus.Emit(events.TopicSessionState, map[string]any{
			"state":     string(c.state),
			"sessionId": s.id,
			"connected": true,
		}, "signaling")

	case protocol.ConnectionFailed:
		c.fail(errhandler.Transport("signaling", "connection failed", errors.New(orDefault(e.Message, "remote rejected the connection"))))

	case protocol.ConnectionClosed:
		c.onChannelClosed(gen, errors.New(orDefault(e.Message, "remote closed the connection")))

	case protocol.InsufficientBalance:
		c.surface(errhandler.Capacity("signaling", "insufficient balance", errors.New(orDefault(e.Message, "insufficient balance"))))
		// 断开先于本事件被读到时直接拆除，否则由随后的 onChannelClosed 处理
		if s.channel.Closing() {
			c.teardown()
		}

	case protocol.SessionCreated:
		c.configure(s)

	case protocol.SessionUpdated:
		s.ready = true
		c.send(s, protocol.ResponseCreate())
		c.activateCapture(s)

	case protocol.SpeechStarted:
		clear(s.fragments)
		s.phase = PhaseListening

	case protocol.SpeechStopped:
		s.phase = PhaseReady

	case protocol.InputTranscribed:
		if strings.TrimSpace(e.Transcript) != "" {
			c.appendEntry(records.RoleUser, e.Transcript)
		}

	case protocol.TranscriptDelta:
		b, ok := s.fragments[e.ResponseID]
		if !ok {
			b = &strings.Builder{}
			s.fragments[e.ResponseID] = b
		}
		b.WriteString(e.Delta)
		s.phase = PhaseSpeaking

	case protocol.TranscriptDone:
		c.finishFragment(s, e)

	case protocol.AudioDone:
		s.phase = PhaseReady
		if s.pending != nil {
			c.armHangup(s)
		}

	case protocol.FunctionCallDelta:
		call, ok := s.calls[e.CallID]
		if !ok {
			call = &PendingToolCall{CallID: e.CallID, Name: e.Name}
			s.calls[e.CallID] = call
		}
		if call.Name == "" {
			call.Name = e.Name
		}
		call.Args.WriteString(e.Delta)

	case protocol.FunctionCallDone:
		c.completeToolCall(s, e)

	case protocol.SignalingOffer:
		c.negotiate(s, e.SDP)

	case protocol.SignalingAnswer:
		// 本端从不发起 offer
		c.logger.Debug("unexpected media answer ignored")

	case protocol.SignalingCandidate:
		if err := s.negotiate.AddCandidate(e.Candidate); err != nil {
			c.logger.Warn("remote ice candidate rejected", zap.Error(err))
		}

	default:
		c.logger.Debug("unhandled realtime event", zap.String("type", string(ev.Type())))
	}
}

// configure 下发会话配置，并重放历史用户发言
func (c *Controller) configure(s *live) {
	td := protocol.DefaultTurnDetection()
	td.Threshold = c.cfg.VADThreshold
	c.send(s, protocol.SessionUpdate(protocol.SessionSettings{
		Instructions:            c.cfg.SystemPrompt + protocol.AutoHangupDirective,
		Voice:                   c.cfg.Voice,
		Modalities:              []string{"text", "audio"},
		TurnDetection:           td,
		InputAudioFormat:        audioFormat,
		OutputAudioFormat:       audioFormat,
		InputAudioTranscription: &protocol.InputTranscription{Model: c.cfg.TranscriptionModel},
		Tools:                   []protocol.Tool{protocol.EndConversationTool()},
		ToolChoice:              "auto",
	}))
	replayed := 0
	for _, entry := range c.transcript {
		if entry.Role != records.RoleUser {
			continue
		}
		c.send(s, protocol.UserText(entry.Content))
		replayed++
	}
	c.logger.Info("session configured", zap.String("sessionId", s.id), zap.Int("replayed", replayed))
}

func (c *Controller) finishFragment(s *live, e protocol.TranscriptDone) {
	b := s.fragments[e.ResponseID]
	delete(s.fragments, e.ResponseID)
	text := ""
	if e.Transcript != nil && *e.Transcript != "" {
		text = *e.Transcript
	} else if b != nil {
		text = b.String()
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	c.appendEntry(records.RoleAssistant, text)
}

func (c *Controller) completeToolCall(s *live, e protocol.FunctionCallDone) {
	call := s.calls[e.CallID]
	delete(s.calls, e.CallID)

	name := e.Name
	if name == "" && call != nil {
		name = call.Name
	}
	raw := ""
	if e.Arguments != nil {
		raw = *e.Arguments
	} else if call != nil {
		raw = call.Args.String()
	}
	args := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := sonic.UnmarshalString(raw, &args); err != nil {
			c.surface(errhandler.Parse("dispatcher", "malformed tool arguments", err))
			return
		}
	}
	c.metrics.RecordToolCall(name)

	var result any
	switch name {
	case protocol.ToolEndConversation:
		reason, _ := args["reason"].(string)
		if strings.TrimSpace(reason) == "" {
			reason = defaultHangupReason
		}
		s.pending = &reason
		result = protocol.ScheduledHangup(reason)
		c.logger.Info("auto hangup requested", zap.String("sessionId", s.id), zap.String("reason", reason))
	default:
		result = protocol.Ignored(name)
		c.logger.Warn("unknown tool call ignored", zap.String("tool", name))
	}

	out, err := protocol.FunctionOutput(e.CallID, result)
	if err != nil {
		c.logger.Error("encode tool result failed", zap.Error(err))
		return
	}
	c.send(s, out)
	if name == protocol.ToolEndConversation {
		c.send(s, protocol.ResponseCreate())
	}
}

// armHangup 当前回复播完后才开始计时
func (c *Controller) armHangup(s *live) {
	if s.hangup != nil {
		return
	}
	gen := s.gen
	reason := *s.pending
	s.hangup = time.AfterFunc(c.cfg.HangupDelay, func() {
		c.post(func() { c.hangupFired(gen, reason) })
	})
	c.logger.Info("auto hangup armed", zap.Duration("delay", c.cfg.HangupDelay))
}

func (c *Controller) hangupFired(gen uint64, reason string) {
	s := c.live
	if s == nil || s.gen != gen {
		c.logger.Debug("auto hangup fired after session ended")
		return
	}
	s.hangup = nil
	c.logger.Info("auto hangup", zap.String("sessionId", s.id), zap.String("reason", reason))
	c.teardown()
}

// negotiate 协商在循环外进行，过期结果由协商器丢弃
func (c *Controller) negotiate(s *live, offer string) {
	gen := s.gen
	neg := s.negotiate
	ctx := s.ctx
	go func() {
		err := neg.HandleOffer(ctx, offer)
		if err == nil || errors.Is(err, media.ErrStale) {
			return
		}
		c.post(func() {
			if c.live == nil || c.live.gen != gen {
				return
			}
			c.surface(errhandler.Negotiation("media", "negotiation failed", err))
		})
	}()
}

func (c *Controller) onMediaState(gen uint64, state webrtc.PeerConnectionState) {
	s := c.live
	if s == nil || s.gen != gen {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.bus.Emit(events.TopicMediaConnected, map[string]any{"sessionId": s.id}, "media")
	case webrtc.PeerConnectionStateFailed:
		c.surface(errhandler.Negotiation("media", "media connection failed", errors.New(state.String())))
	}
}

// onChannelClosed 会话进行中视为致命错误，空闲时静默
func (c *Controller) onChannelClosed(gen uint64, err error) {
	s := c.live
	if s == nil || s.gen != gen {
		return
	}
	if err == nil {
		err = signaling.ErrClosed
	}
	c.fail(errhandler.Transport("signaling", "connection lost", err))
}

// fail 提示用户并完全拆除
func (c *Controller) fail(err error) {
	c.surface(err)
	c.teardown()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
