package protocol

import (
	"encoding/base64"

	"github.com/bytedance/sonic"
)

// TurnDetection 服务端 VAD 参数
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// DefaultTurnDetection 默认 server_vad 配置
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{Type: "server_vad", Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500}
}

type InputTranscription struct {
	Model string `json:"model"`
}

// SessionSettings session.update 中的会话配置
type SessionSettings struct {
	Instructions            string              `json:"instructions"`
	Voice                   string              `json:"voice,omitempty"`
	Modalities              []string            `json:"modalities,omitempty"`
	TurnDetection           TurnDetection       `json:"turn_detection"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`
	Tools                   []Tool              `json:"tools"`
	ToolChoice              string              `json:"tool_choice,omitempty"`
}

// ContentPart 会话条目内容
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ConversationItem conversation.item.create 的条目
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

func SessionUpdate(s SessionSettings) Outbound {
	return Outbound{Type: TypeSessionUpdate, Data: map[string]any{"session": s}}
}

func ResponseCreate() Outbound {
	return Outbound{Type: TypeResponseCreate}
}

// AudioAppend 单个 base64 音频分片
func AudioAppend(chunk string) Outbound {
	return Outbound{Type: TypeAudioAppend, Data: map[string]string{"audio": chunk}}
}

// UserText 用户文本条目，也用于重放历史
func UserText(text string) Outbound {
	return conversationItem(ConversationItem{
		Type:    "message",
		Role:    "user",
		Content: []ContentPart{{Type: "input_text", Text: text}},
	})
}

// UserImage 摄像头帧，以 data URL 形式附带
func UserImage(mime string, data []byte) Outbound {
	url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	return conversationItem(ConversationItem{
		Type:    "message",
		Role:    "user",
		Content: []ContentPart{{Type: "input_image", ImageURL: url}},
	})
}

// FunctionOutput 工具调用结果，output 为 JSON 文本
func FunctionOutput(callID string, result any) (Outbound, error) {
	out, err := sonic.ConfigStd.MarshalToString(result)
	if err != nil {
		return Outbound{}, err
	}
	return conversationItem(ConversationItem{Type: "function_call_output", CallID: callID, Output: out}), nil
}

func Answer(sdp string) Outbound {
	return Outbound{Type: TypeSignalingAnswer, Data: map[string]string{"sdp": sdp}}
}

func Candidate(c ICECandidate) Outbound {
	return Outbound{Type: TypeSignalingCandidate, Data: map[string]ICECandidate{"candidate": c}}
}

func conversationItem(item ConversationItem) Outbound {
	return Outbound{Type: TypeConversationCreate, Data: map[string]ConversationItem{"item": item}}
}
