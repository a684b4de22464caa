package media

import (
	"context"
	"errors"
	"sync"

	"github.com/navtalk/ClinicApp/pkg/realtime/errhandler"
	"github.com/navtalk/ClinicApp/pkg/realtime/protocol"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrStale 协商过程中链路已被替换或关闭
var ErrStale = errors.New("media: negotiation superseded")

// Sender 信令发送
type Sender interface {
	Send(msg protocol.Outbound) error
}

// RenderSink 远端媒体的渲染端
type RenderSink interface {
	Attach(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	SetMuted(muted bool)
}

// Link 一次协商得到的对等连接，只替换不修改
type Link struct {
	gen        uint64
	pc         *webrtc.PeerConnection
	iceServers []webrtc.ICEServer

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func (l *Link) ICEServers() []webrtc.ICEServer { return l.iceServers }

// Negotiator 负责唯一一条媒体链路的 offer/answer/ICE
type Negotiator struct {
	api    *webrtc.API
	sender Sender
	ice    ICEProvider
	sink   RenderSink
	logger *zap.Logger

	// OnState 连接状态变化，仅当前链路触发
	OnState func(webrtc.PeerConnectionState)

	mu   sync.Mutex
	gen  uint64
	link *Link
	// awaiting 新 offer 已到但链路未建好，期间到达的候选先放 early
	awaiting bool
	early    []webrtc.ICECandidateInit
}

// NewNegotiator sink 可为 nil
func NewNegotiator(sender Sender, ice ICEProvider, sink RenderSink, logger *zap.Logger) (*Negotiator, error) {
	api, err := NewAPI()
	if err != nil {
		return nil, err
	}
	if ice == nil {
		ice = StaticICE(nil)
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Negotiator{api: api, sender: sender, ice: ice, sink: sink, logger: logger}, nil
}

// HandleOffer 拉取中继、替换链路、应答并回传 answer
func (n *Negotiator) HandleOffer(ctx context.Context, offer string) error {
	n.mu.Lock()
	n.gen++
	gen := n.gen
	n.awaiting = true
	n.early = nil
	n.mu.Unlock()

	n.logger.Info("media offer received", zap.Strings("media", describeSDP(offer)))
	servers := n.ice.ICEServers(ctx)

	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		return ErrStale
	}
	old := n.link
	n.link = nil
	n.mu.Unlock()
	closeLink(old, n.logger)

	pc, err := n.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		n.mu.Lock()
		if n.gen == gen {
			n.awaiting, n.early = false, nil
		}
		n.mu.Unlock()
		return errhandler.Negotiation("media", "create peer connection", err)
	}
	link := &Link{gen: gen, pc: pc, iceServers: servers}
	n.wire(link)

	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		_ = pc.Close()
		return ErrStale
	}
	n.link = link
	link.pending = n.early
	n.awaiting, n.early = false, nil
	n.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return n.fail(link, "set remote description", err)
	}
	if err := n.flushCandidates(link); err != nil {
		n.logger.Warn("buffered ice candidate rejected", zap.Error(err))
	}
	if !n.isCurrent(link) {
		return ErrStale
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return n.fail(link, "create answer", err)
	}
	if !n.isCurrent(link) {
		return ErrStale
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return n.fail(link, "set local description", err)
	}
	if !n.isCurrent(link) {
		return ErrStale
	}
	if err := n.sender.Send(protocol.Answer(answer.SDP)); err != nil {
		return errhandler.Negotiation("media", "send answer", err)
	}
	n.logger.Info("media answer sent", zap.Int("iceServers", len(servers)))
	return nil
}

func (n *Negotiator) fail(link *Link, step string, err error) error {
	if !n.isCurrent(link) {
		return ErrStale
	}
	return errhandler.Negotiation("media", step, err)
}

func (n *Negotiator) wire(link *Link) {
	pc := link.pc
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil 表示收集结束
		if c == nil || !n.isCurrent(link) {
			return
		}
		init := c.ToJSON()
		msg := protocol.Candidate(protocol.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
		if err := n.sender.Send(msg); err != nil {
			n.logger.Debug("local ice candidate not sent", zap.Error(err))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if !n.isCurrent(link) {
			return
		}
		n.logger.Info("remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
			zap.Uint32("ssrc", uint32(track.SSRC())))
		if n.sink != nil {
			n.sink.Attach(track, receiver)
			n.sink.SetMuted(false)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if !n.isCurrent(link) {
			return
		}
		n.logger.Info("media connection state changed", zap.String("state", state.String()))
		if n.OnState != nil {
			n.OnState(state)
		}
	})
}

// AddCandidate 无链路且无进行中的协商时静默丢弃；远端描述未设置前先缓存
func (n *Negotiator) AddCandidate(c protocol.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	n.mu.Lock()
	if n.awaiting {
		n.early = append(n.early, init)
		n.mu.Unlock()
		return nil
	}
	link := n.link
	n.mu.Unlock()
	if link == nil {
		n.logger.Debug("ice candidate dropped, no media link")
		return nil
	}
	link.mu.Lock()
	if !link.remoteSet {
		link.pending = append(link.pending, init)
		link.mu.Unlock()
		return nil
	}
	link.mu.Unlock()
	if err := link.pc.AddICECandidate(init); err != nil {
		return errhandler.Negotiation("media", "add ice candidate", err)
	}
	return nil
}

func (n *Negotiator) flushCandidates(link *Link) error {
	link.mu.Lock()
	link.remoteSet = true
	pending := link.pending
	link.pending = nil
	link.mu.Unlock()

	var errs []error
	for _, c := range pending {
		errs = append(errs, link.pc.AddICECandidate(c))
	}
	return errors.Join(errs...)
}

func (n *Negotiator) isCurrent(link *Link) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.link == link && n.gen == link.gen
}

// Current 当前链路，可能为 nil
func (n *Negotiator) Current() *Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.link
}

// Close 关闭当前链路并使进行中的协商失效，可重复调用
func (n *Negotiator) Close() error {
	n.mu.Lock()
	n.gen++
	link := n.link
	n.link = nil
	n.awaiting, n.early = false, nil
	n.mu.Unlock()
	return closeLink(link, n.logger)
}

func closeLink(link *Link, logger *zap.Logger) error {
	if link == nil || link.pc == nil {
		return nil
	}
	err := link.pc.Close()
	if err != nil {
		logger.Warn("media link close failed", zap.Error(err))
	} else {
		logger.Info("media link closed")
	}
	return err
}

// describeSDP 列出 offer 中的媒体段，解析失败返回空
func describeSDP(raw string) []string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil
	}
	out := make([]string, 0, len(desc.MediaDescriptions))
	for _, md := range desc.MediaDescriptions {
		out = append(out, md.MediaName.Media)
	}
	return out
}
