package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

var (
	ErrEmptyType      = errors.New("protocol: missing message type")
	ErrMissingField   = errors.New("protocol: missing required field")
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Event 已校验的入站事件，每种消息类型对应一个具体结构
type Event interface {
	Type() MessageType
	event()
}

type ConnectionSucceeded struct{}

type ConnectionFailed struct{ Message string }

type ConnectionClosed struct{ Message string }

type InsufficientBalance struct{ Message string }

type SessionCreated struct{ Session json.RawMessage }

type SessionUpdated struct{ Session json.RawMessage }

type SpeechStarted struct{}

type SpeechStopped struct{}

// InputTranscribed 用户语音转写完成
type InputTranscribed struct {
	ItemID     string
	Transcript string
}

type TranscriptDelta struct {
	ResponseID string
	Delta      string
}

// TranscriptDone Transcript 为 nil 表示服务端未给出完整文本
type TranscriptDone struct {
	ResponseID string
	Transcript *string
}

type AudioDone struct{ ResponseID string }

type FunctionCallDelta struct {
	CallID string
	Name   string
	Delta  string
}

// FunctionCallDone Arguments 为 nil 时使用累积的增量文本
type FunctionCallDone struct {
	CallID    string
	Name      string
	Arguments *string
}

type SignalingOffer struct{ SDP string }

type SignalingAnswer struct{ SDP string }

type SignalingCandidate struct{ Candidate ICECandidate }

// Unknown 未识别的消息类型，按前向兼容忽略
type Unknown struct{ Kind MessageType }

func (ConnectionSucceeded) Type() MessageType { return TypeConnectedSuccess }
func (ConnectionFailed) Type() MessageType    { return TypeConnectedFail }
func (ConnectionClosed) Type() MessageType    { return TypeConnectedClose }
func (InsufficientBalance) Type() MessageType { return TypeInsufficientBalance }
func (SessionCreated) Type() MessageType      { return TypeSessionCreated }
func (SessionUpdated) Type() MessageType      { return TypeSessionUpdated }
func (SpeechStarted) Type() MessageType       { return TypeSpeechStarted }
func (SpeechStopped) Type() MessageType       { return TypeSpeechStopped }
func (InputTranscribed) Type() MessageType    { return TypeInputTranscriptionDone }
func (TranscriptDelta) Type() MessageType     { return TypeTranscriptDelta }
func (TranscriptDone) Type() MessageType      { return TypeTranscriptDone }
func (AudioDone) Type() MessageType           { return TypeAudioDone }
func (FunctionCallDelta) Type() MessageType   { return TypeFunctionCallDelta }
func (FunctionCallDone) Type() MessageType    { return TypeFunctionCallDone }
func (SignalingOffer) Type() MessageType      { return TypeSignalingOffer }
func (SignalingAnswer) Type() MessageType     { return TypeSignalingAnswer }
func (SignalingCandidate) Type() MessageType  { return TypeSignalingCandidate }
func (u Unknown) Type() MessageType           { return u.Kind }

func (ConnectionSucceeded) event() {}
func (ConnectionFailed) event()    {}
func (ConnectionClosed) event()    {}
func (InsufficientBalance) event() {}
func (SessionCreated) event()      {}
func (SessionUpdated) event()      {}
func (SpeechStarted) event()       {}
func (SpeechStopped) event()       {}
func (InputTranscribed) event()    {}
func (TranscriptDelta) event()     {}
func (TranscriptDone) event()      {}
func (AudioDone) event()           {}
func (FunctionCallDelta) event()   {}
func (FunctionCallDone) event()    {}
func (SignalingOffer) event()      {}
func (SignalingAnswer) event()     {}
func (SignalingCandidate) event()  {}
func (Unknown) event()             {}

// 线上 payload 形状，指针字段用于区分缺失与空值
type messagePayload struct {
	Message *string `json:"message,omitempty"`
}

type sessionPayload struct {
	Session json.RawMessage `json:"session,omitempty"`
}

type responsePayload struct {
	ResponseID *string `json:"response_id"`
	ItemID     string  `json:"item_id,omitempty"`
	Delta      *string `json:"delta"`
	Transcript *string `json:"transcript"`
}

type functionPayload struct {
	CallID    *string `json:"call_id"`
	Name      string  `json:"name,omitempty"`
	Delta     *string `json:"delta"`
	Arguments *string `json:"arguments"`
}

type sdpPayload struct {
	SDP json.RawMessage `json:"sdp"`
}

type candidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
}

// Decode 解析并校验一条入站消息，校验失败的消息不会进入状态机
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := sonic.ConfigStd.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrEmptyType
	}

	switch env.Type {
	case TypeConnectedSuccess:
		return ConnectionSucceeded{}, nil
	case TypeConnectedFail, TypeConnectedClose, TypeInsufficientBalance:
		var p messagePayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		msg := ""
		if p.Message != nil {
			msg = *p.Message
		}
		switch env.Type {
		case TypeConnectedFail:
			return ConnectionFailed{Message: msg}, nil
		case TypeConnectedClose:
			return ConnectionClosed{Message: msg}, nil
		}
		return InsufficientBalance{Message: msg}, nil
	case TypeSessionCreated, TypeSessionUpdated:
		var p sessionPayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if env.Type == TypeSessionCreated {
			return SessionCreated{Session: p.Session}, nil
		}
		return SessionUpdated{Session: p.Session}, nil
	case TypeSpeechStarted:
		return SpeechStarted{}, nil
	case TypeSpeechStopped:
		return SpeechStopped{}, nil
	case TypeInputTranscriptionDone:
		var p responsePayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if p.Transcript == nil {
			return nil, missing(env.Type, "transcript")
		}
		return InputTranscribed{ItemID: p.ItemID, Transcript: *p.Transcript}, nil
	case TypeTranscriptDelta, TypeTranscriptDone, TypeAudioDone:
		var p responsePayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if p.ResponseID == nil || *p.ResponseID == "" {
			return nil, missing(env.Type, "response_id")
		}
		switch env.Type {
		case TypeTranscriptDelta:
			if p.Delta == nil {
				return nil, missing(env.Type, "delta")
			}
			return TranscriptDelta{ResponseID: *p.ResponseID, Delta: *p.Delta}, nil
		case TypeTranscriptDone:
			return TranscriptDone{ResponseID: *p.ResponseID, Transcript: p.Transcript}, nil
		}
		return AudioDone{ResponseID: *p.ResponseID}, nil
	case TypeFunctionCallDelta, TypeFunctionCallDone:
		var p functionPayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if p.CallID == nil || *p.CallID == "" {
			return nil, missing(env.Type, "call_id")
		}
		if env.Type == TypeFunctionCallDelta {
			if p.Delta == nil {
				return nil, missing(env.Type, "delta")
			}
			return FunctionCallDelta{CallID: *p.CallID, Name: p.Name, Delta: *p.Delta}, nil
		}
		return FunctionCallDone{CallID: *p.CallID, Name: p.Name, Arguments: p.Arguments}, nil
	case TypeSignalingOffer, TypeSignalingAnswer:
		var p sdpPayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		sdp, err := parseSDP(p.SDP)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Type, err)
		}
		if env.Type == TypeSignalingOffer {
			return SignalingOffer{SDP: sdp}, nil
		}
		return SignalingAnswer{SDP: sdp}, nil
	case TypeSignalingCandidate:
		var p candidatePayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		c, err := parseCandidate(p.Candidate)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Type, err)
		}
		return SignalingCandidate{Candidate: c}, nil
	}
	return Unknown{Kind: env.Type}, nil
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := sonic.ConfigStd.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: %w: %v", env.Type, ErrInvalidPayload, err)
	}
	return nil
}

func missing(t MessageType, field string) error {
	return fmt.Errorf("%s: %w %q", t, ErrMissingField, field)
}

// parseSDP 支持纯字符串或 {type, sdp} 对象两种写法
func parseSDP(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w %q", ErrMissingField, "sdp")
	}
	var s string
	if err := sonic.ConfigStd.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return "", fmt.Errorf("%w %q", ErrMissingField, "sdp")
		}
		return s, nil
	}
	var desc struct {
		SDP string `json:"sdp"`
	}
	if err := sonic.ConfigStd.Unmarshal(raw, &desc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return "", fmt.Errorf("%w %q", ErrMissingField, "sdp")
	}
	return desc.SDP, nil
}

// parseCandidate 支持对象或纯 candidate 字符串
func parseCandidate(raw json.RawMessage) (ICECandidate, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return ICECandidate{}, fmt.Errorf("%w %q", ErrMissingField, "candidate")
	}
	var s string
	if err := sonic.ConfigStd.Unmarshal(raw, &s); err == nil {
		return ICECandidate{Candidate: s}, nil
	}
	var c ICECandidate
	if err := sonic.ConfigStd.Unmarshal(raw, &c); err != nil {
		return ICECandidate{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return c, nil
}
