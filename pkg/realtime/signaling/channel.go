package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/navtalk/ClinicApp/pkg/realtime/errhandler"
	"github.com/navtalk/ClinicApp/pkg/realtime/protocol"
	"go.uber.org/zap"
)

// Channel 信令通道
type Channel interface {
	// Open 握手完成返回 nil，之前的任何传输错误都会返回
	Open(ctx context.Context) error
	// Send 同一连接上严格按调用顺序发送
	Send(msg protocol.Outbound) error
	// OnMessage 注册入站事件回调，需在 Open 之前调用
	OnMessage(fn func(protocol.Event))
	// OnClose 注册意外断开回调，只触发一次
	OnClose(fn func(error))
	// Close 摘除回调后关闭，可重复调用
	Close() error
	// Closing 本地已开始关闭，或远端已断开（关闭帧/读错误）
	Closing() bool
}

// Dialect 信令方言
type Dialect string

const (
	DialectMultiplexed Dialect = "multiplexed"
	DialectSplit       Dialect = "split"
)

// Options 建立通道所需参数
type Options struct {
	Base    string
	License string
	Name    string
	Model   string
	// UserID split 模式下协商连接的标识
	UserID  string
	Dialect Dialect
	Dialer  *websocket.Dialer
	Logger  *zap.Logger
}

// New 按方言创建通道
func New(opts Options) (Channel, error) {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	endpoint, err := BuildEndpoint(opts.Base, opts.License, opts.Name, opts.Model)
	if err != nil {
		return nil, errhandler.Configuration("signaling", "invalid endpoint", err)
	}
	if opts.Dialect != DialectSplit {
		return NewWSChannel(endpoint, opts.Dialer, opts.Logger), nil
	}
	negotiation, err := BuildNegotiationEndpoint(opts.Base, opts.UserID)
	if err != nil {
		return nil, errhandler.Configuration("signaling", "invalid negotiation endpoint", err)
	}
	return NewSplitChannel(endpoint, negotiation, opts.Dialer, opts.Logger), nil
}

// decoder 把原始帧解码为事件，失败只记日志
type decoder struct {
	logger *zap.Logger
	mu     sync.Mutex
	fn     func(protocol.Event)
}

func (d *decoder) set(fn func(protocol.Event)) {
	d.mu.Lock()
	d.fn = fn
	d.mu.Unlock()
}

func (d *decoder) handle(raw []byte) {
	d.mu.Lock()
	fn := d.fn
	d.mu.Unlock()
	if fn == nil {
		return
	}
	ev, err := protocol.Decode(raw)
	if err != nil {
		d.logger.Debug("dropped inbound message", zap.Error(errhandler.Parse("signaling", "invalid message", err)))
		return
	}
	fn(ev)
}

// closeNotifier 多条连接共享的一次性断开通知
type closeNotifier struct {
	mu   sync.Mutex
	once sync.Once
	fn   func(error)
}

func (n *closeNotifier) set(fn func(error)) {
	n.mu.Lock()
	n.fn = fn
	n.mu.Unlock()
}

func (n *closeNotifier) fire(err error) {
	n.once.Do(func() {
		n.mu.Lock()
		fn := n.fn
		n.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
}

// WSChannel 单连接方言：会话事件与媒体协商共用一条 websocket
type WSChannel struct {
	conn     *conn
	decoder  *decoder
	notifier *closeNotifier
}

func NewWSChannel(endpoint string, dialer *websocket.Dialer, logger *zap.Logger) *WSChannel {
	if logger == nil {
		logger = zap.L()
	}
	ch := &WSChannel{
		conn:     newConn("realtime", endpoint, dialer, logger),
		decoder:  &decoder{logger: logger},
		notifier: &closeNotifier{},
	}
	ch.conn.onData = ch.decoder.handle
	ch.conn.onClose = ch.notifier.fire
	return ch
}

func (ch *WSChannel) Open(ctx context.Context) error {
	if err := ch.conn.open(ctx); err != nil {
		return errhandler.Transport("signaling", "open failed", err)
	}
	return nil
}

func (ch *WSChannel) Send(msg protocol.Outbound) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return ch.conn.send(data)
}

func (ch *WSChannel) OnMessage(fn func(protocol.Event)) { ch.decoder.set(fn) }

func (ch *WSChannel) OnClose(fn func(error)) { ch.notifier.set(fn) }

func (ch *WSChannel) Closing() bool { return ch.conn.isClosing() }

func (ch *WSChannel) Close() error {
	ch.decoder.set(nil)
	ch.notifier.set(nil)
	return ch.conn.close()
}

// SplitChannel 双连接方言：webrtc.signaling.* 走独立的协商连接
type SplitChannel struct {
	primary     *conn
	negotiation *conn
	decoder     *decoder
	notifier    *closeNotifier
}

func NewSplitChannel(endpoint, negotiationEndpoint string, dialer *websocket.Dialer, logger *zap.Logger) *SplitChannel {
	if logger == nil {
		logger = zap.L()
	}
	ch := &SplitChannel{
		primary:     newConn("realtime", endpoint, dialer, logger),
		negotiation: newConn("negotiation", negotiationEndpoint, dialer, logger),
		decoder:     &decoder{logger: logger},
		notifier:    &closeNotifier{},
	}
	for _, c := range []*conn{ch.primary, ch.negotiation} {
		c.onData = ch.decoder.handle
		c.onClose = ch.notifier.fire
	}
	return ch
}

// Open 两条连接都就绪才算成功，任一失败则全部关闭
func (ch *SplitChannel) Open(ctx context.Context) error {
	if err := ch.primary.open(ctx); err != nil {
		return errhandler.Transport("signaling", "open failed", err)
	}
	if err := ch.negotiation.open(ctx); err != nil {
		_ = ch.primary.close()
		return errhandler.Transport("signaling", "negotiation connection failed", err)
	}
	return nil
}

func (ch *SplitChannel) Send(msg protocol.Outbound) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	if msg.Type.IsSignaling() {
		return ch.negotiation.send(data)
	}
	return ch.primary.send(data)
}

func (ch *SplitChannel) OnMessage(fn func(protocol.Event)) { ch.decoder.set(fn) }

func (ch *SplitChannel) OnClose(fn func(error)) { ch.notifier.set(fn) }

func (ch *SplitChannel) Closing() bool {
	return ch.primary.isClosing() || ch.negotiation.isClosing()
}

func (ch *SplitChannel) Close() error {
	ch.decoder.set(nil)
	ch.notifier.set(nil)
	return errors.Join(ch.negotiation.close(), ch.primary.close())
}
