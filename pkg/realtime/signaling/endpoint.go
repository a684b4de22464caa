package signaling

import (
	"errors"
	"net/url"
	"strings"
)

const (
	// RealtimePath 主会话连接路径
	RealtimePath = "/api/realtime-api"
	// NegotiationPath split 模式下独立的协商连接路径
	NegotiationPath = "/api/webrtc"
	// ICEServersPath 中继服务器列表接口
	ICEServersPath = "/api/webrtc/ice-servers"
)

var ErrEmptyBase = errors.New("signaling: empty endpoint base")

// NormalizeBase 去掉协议头与末尾分隔符，得到 host[/prefix]
func NormalizeBase(base string) string {
	b := strings.TrimSpace(base)
	for _, scheme := range []string{"wss://", "ws://", "https://", "http://"} {
		if len(b) >= len(scheme) && strings.EqualFold(b[:len(scheme)], scheme) {
			b = b[len(scheme):]
			break
		}
	}
	return strings.TrimRight(b, "/")
}

// BuildEndpoint wss://<base>/api/realtime-api?license=&name=[&model=]
func BuildEndpoint(base, license, name, model string) (string, error) {
	host := NormalizeBase(base)
	if host == "" {
		return "", ErrEmptyBase
	}
	q := url.Values{}
	q.Set("license", license)
	q.Set("name", name)
	if model != "" {
		q.Set("model", model)
	}
	return "wss://" + host + RealtimePath + "?" + encodeOrdered(q, "license", "name", "model"), nil
}

// BuildNegotiationEndpoint split 模式的协商连接地址
func BuildNegotiationEndpoint(base, userID string) (string, error) {
	host := NormalizeBase(base)
	if host == "" {
		return "", ErrEmptyBase
	}
	return "wss://" + host + NegotiationPath + "?userId=" + url.QueryEscape(userID), nil
}

// HTTPBase 同一服务的 https 地址
func HTTPBase(base string) string {
	host := NormalizeBase(base)
	if host == "" {
		return ""
	}
	return "https://" + host
}

// encodeOrdered 按给定顺序编码，保持 license 在前
func encodeOrdered(q url.Values, keys ...string) string {
	var sb strings.Builder
	for _, k := range keys {
		v, ok := q[k]
		if !ok || len(v) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(v[0]))
	}
	return sb.String()
}
