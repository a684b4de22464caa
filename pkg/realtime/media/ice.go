package media

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/navtalk/ClinicApp/pkg/realtime/signaling"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	DefaultSTUN            = "stun:stun.l.google.com:19302"
	DefaultICEFetchTimeout = 3 * time.Second
)

// DefaultICEServers 拉取失败时的兜底配置
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{DefaultSTUN}}}
}

// ICEProvider 返回本次协商使用的中继服务器，永不失败
type ICEProvider interface {
	ICEServers(ctx context.Context) []webrtc.ICEServer
}

// StaticICE 固定配置
type StaticICE []webrtc.ICEServer

func (s StaticICE) ICEServers(context.Context) []webrtc.ICEServer {
	if len(s) == 0 {
		return DefaultICEServers()
	}
	return s
}

// RemoteICE 从服务端拉取中继列表
type RemoteICE struct {
	client  *resty.Client
	url     string
	license string
	logger  *zap.Logger

	// OnFallback 每次回落到默认配置时调用
	OnFallback func()
}

// NewRemoteICE base 可带或不带协议头
func NewRemoteICE(base, license string, timeout time.Duration, logger *zap.Logger) *RemoteICE {
	if timeout <= 0 {
		timeout = DefaultICEFetchTimeout
	}
	if logger == nil {
		logger = zap.L()
	}
	return &RemoteICE{
		client:  resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		url:     signaling.HTTPBase(base) + signaling.ICEServersPath,
		license: license,
		logger:  logger,
	}
}

// ICEServers 失败、超时或空列表都回落到默认 STUN
func (r *RemoteICE) ICEServers(ctx context.Context) []webrtc.ICEServer {
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParam("license", r.license).
		Get(r.url)
	if err != nil {
		r.logger.Warn("ice server fetch failed, using defaults", zap.Error(err))
		return r.fallback()
	}
	if resp.IsError() {
		r.logger.Warn("ice server fetch rejected, using defaults", zap.Int("status", resp.StatusCode()))
		return r.fallback()
	}
	servers, err := parseICEServers(resp.Body())
	if err != nil || len(servers) == 0 {
		r.logger.Warn("ice server list unusable, using defaults", zap.Error(err))
		return r.fallback()
	}
	r.logger.Debug("ice servers fetched", zap.Int("count", len(servers)))
	return servers
}

func (r *RemoteICE) fallback() []webrtc.ICEServer {
	if r.OnFallback != nil {
		r.OnFallback()
	}
	return DefaultICEServers()
}

type iceServerJSON struct {
	URLs       json.RawMessage `json:"urls"`
	URL        string          `json:"url"`
	Username   string          `json:"username"`
	Credential string          `json:"credential"`
}

// parseICEServers 兼容 [..]、{iceServers:[..]}、{data:{iceServers:[..]}} 三种形状
func parseICEServers(body []byte) ([]webrtc.ICEServer, error) {
	var list []iceServerJSON
	if err := sonic.ConfigStd.Unmarshal(body, &list); err != nil {
		var wrapped struct {
			ICEServers []iceServerJSON `json:"iceServers"`
			Data       *struct {
				ICEServers []iceServerJSON `json:"iceServers"`
			} `json:"data"`
		}
		if err := sonic.ConfigStd.Unmarshal(body, &wrapped); err != nil {
			return nil, err
		}
		list = wrapped.ICEServers
		if len(list) == 0 && wrapped.Data != nil {
			list = wrapped.Data.ICEServers
		}
	}

	servers := make([]webrtc.ICEServer, 0, len(list))
	for _, s := range list {
		var urls []string
		if len(s.URLs) > 0 {
			var one string
			if err := sonic.ConfigStd.Unmarshal(s.URLs, &one); err == nil {
				urls = []string{one}
			} else if err := sonic.ConfigStd.Unmarshal(s.URLs, &urls); err != nil {
				continue
			}
		} else if s.URL != "" {
			urls = []string{s.URL}
		}
		if len(urls) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: urls, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	return servers, nil
}
