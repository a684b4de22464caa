package protocol

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// MessageType 消息类型
type MessageType string

const (
	// 连接管理
	TypeConnectedSuccess    MessageType = "conversation.connected.success"
	TypeConnectedFail       MessageType = "conversation.connected.fail"
	TypeConnectedClose      MessageType = "conversation.connected.close"
	TypeInsufficientBalance MessageType = "conversation.connected.insufficient_balance"

	// 会话
	TypeSessionCreated MessageType = "realtime.session.created"
	TypeSessionUpdated MessageType = "realtime.session.updated"

	// 语音活动
	TypeSpeechStarted          MessageType = "realtime.input_audio_buffer.speech_started"
	TypeSpeechStopped          MessageType = "realtime.input_audio_buffer.speech_stopped"
	TypeInputTranscriptionDone MessageType = "realtime.conversation.item.input_audio_transcription.completed"

	// 回复流
	TypeTranscriptDelta   MessageType = "realtime.response.audio_transcript.delta"
	TypeTranscriptDone    MessageType = "realtime.response.audio_transcript.done"
	TypeAudioDone         MessageType = "realtime.response.audio.done"
	TypeFunctionCallDelta MessageType = "realtime.response.function_call_arguments.delta"
	TypeFunctionCallDone  MessageType = "realtime.response.function_call_arguments.done"

	// WebRTC信令（双向）
	TypeSignalingOffer     MessageType = "webrtc.signaling.offer"
	TypeSignalingAnswer    MessageType = "webrtc.signaling.answer"
	TypeSignalingCandidate MessageType = "webrtc.signaling.iceCandidate"

	// 出站
	TypeSessionUpdate      MessageType = "session.update"
	TypeResponseCreate     MessageType = "response.create"
	TypeAudioAppend        MessageType = "input_audio_buffer.append"
	TypeConversationCreate MessageType = "conversation.item.create"
)

// IsSignaling 判断是否属于媒体协商消息
func (t MessageType) IsSignaling() bool {
	switch t {
	case TypeSignalingOffer, TypeSignalingAnswer, TypeSignalingCandidate:
		return true
	}
	return false
}

// Envelope 线上消息外壳 {type, data?}
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound 出站消息
type Outbound struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// Marshal 序列化出站消息
func (o Outbound) Marshal() ([]byte, error) {
	return sonic.ConfigStd.Marshal(o)
}

// ICECandidate 候选者，字段名与浏览器 RTCIceCandidateInit 一致
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
