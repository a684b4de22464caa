package errhandler

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Kind 错误类别
type Kind int

const (
	// KindConfiguration 配置错误（缺少凭证），连接前即失败
	KindConfiguration Kind = iota
	// KindTransport 信令通道打开/关闭失败，会话整体拆除
	KindTransport
	// KindNegotiation 媒体协商失败，会话保持
	KindNegotiation
	// KindCapacity 余额/容量不足
	KindCapacity
	// KindResource 设备获取失败（麦克风被拒绝）
	KindResource
	// KindParse 入站消息或工具参数解析失败，只记日志
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindNegotiation:
		return "negotiation"
	case KindCapacity:
		return "capacity"
	case KindResource:
		return "resource"
	case KindParse:
		return "parse"
	}
	return "unknown"
}

// Error 统一错误结构
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Component, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Component, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Surfaced 是否需要展示给用户
func (e *Error) Surfaced() bool { return e.Kind != KindParse }

// Fatal 是否终止会话
func (e *Error) Fatal() bool { return e.Kind == KindTransport }

// New 创建错误
func New(kind Kind, component, message string, err error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, Err: err}
}

func Configuration(component, message string, err error) *Error {
	return New(KindConfiguration, component, message, err)
}

func Transport(component, message string, err error) *Error {
	return New(KindTransport, component, message, err)
}

func Negotiation(component, message string, err error) *Error {
	return New(KindNegotiation, component, message, err)
}

func Capacity(component, message string, err error) *Error {
	return New(KindCapacity, component, message, err)
}

func Resource(component, message string, err error) *Error {
	return New(KindResource, component, message, err)
}

func Parse(component, message string, err error) *Error {
	return New(KindParse, component, message, err)
}

// KindOf 返回错误类别，非统一错误按关键词归类
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"insufficient balance", "insufficient_balance", "quota", "billing"} {
		if strings.Contains(msg, kw) {
			return KindCapacity
		}
	}
	for _, kw := range []string{"permission denied", "device", "microphone", "not allowed"} {
		if strings.Contains(msg, kw) {
			return KindResource
		}
	}
	for _, kw := range []string{"invalid character", "unexpected end of json", "cannot unmarshal", "syntax error"} {
		if strings.Contains(msg, kw) {
			return KindParse
		}
	}
	return KindTransport
}

// Handler 错误处理器
type Handler struct {
	logger *zap.Logger
}

// NewHandler 创建错误处理器
func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &Handler{logger: logger}
}

// Classify 分类错误
func (h *Handler) Classify(err error, component string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: classify(err), Component: component, Message: err.Error(), Err: err}
}

// HandleError 记录日志并返回分类后的错误
func (h *Handler) HandleError(err error, component string) *Error {
	classified := h.Classify(err, component)
	if classified == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("component", classified.Component),
		zap.String("kind", classified.Kind.String()),
		zap.Error(err),
	}
	switch classified.Kind {
	case KindTransport, KindConfiguration:
		h.logger.Error("session error", fields...)
	case KindParse:
		h.logger.Debug("dropped malformed message", fields...)
	default:
		h.logger.Warn("session warning", fields...)
	}
	return classified
}

// UserMessage 面向用户的提示文本
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindConfiguration:
		return "Missing license key. Please configure your credentials."
	case KindTransport:
		return "Unable to start the consultation. Please try again."
	case KindNegotiation:
		return "Video connection failed. The conversation will continue without media."
	case KindCapacity:
		return "Insufficient balance. Please top up your account."
	case KindResource:
		return "Microphone is unavailable. Check the device permissions."
	}
	return ""
}
