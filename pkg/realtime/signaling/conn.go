package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// WriterBufferSize 出站队列长度
	WriterBufferSize = 1024
	closeGracePeriod = time.Second
	writeTimeout     = 10 * time.Second
)

var (
	ErrClosed     = errors.New("signaling: channel closed")
	ErrNotOpen    = errors.New("signaling: channel not open")
	ErrBufferFull = errors.New("signaling: outbound buffer full")
)

// conn 单条 websocket：一个读协程、一个写协程
type conn struct {
	name   string
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	closing bool
	// lost 远端已断开（收到关闭帧或读出错）
	lost    error
	onData  func([]byte)
	onClose func(error)

	out     chan []byte
	stop    chan struct{}
	writeWG sync.WaitGroup
}

func newConn(name, url string, dialer *websocket.Dialer, logger *zap.Logger) *conn {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &conn{
		name:   name,
		url:    url,
		dialer: dialer,
		logger: logger,
		out:    make(chan []byte, WriterBufferSize),
		stop:   make(chan struct{}),
	}
}

// open 握手完成才返回
func (c *conn) open(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	ws, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.name, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.name, err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.mu.Unlock()

	c.writeWG.Add(1)
	go c.writeLoop(ws)
	go c.readLoop(ws)
	c.logger.Info("signaling connection ready", zap.String("conn", c.name))
	return nil
}

func (c *conn) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	if c.ws == nil {
		return ErrNotOpen
	}
	select {
	case c.out <- data:
		return nil
	default:
		c.logger.Warn("signaling outbound buffer full, dropping message", zap.String("conn", c.name))
		return ErrBufferFull
	}
}

func (c *conn) writeLoop(ws *websocket.Conn) {
	defer c.writeWG.Done()
	for {
		select {
		case <-c.stop:
			return
		case msg := <-c.out:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					c.logger.Debug("signaling connection closed, writer stopped", zap.String("conn", c.name), zap.Error(err))
				} else {
					c.logger.Error("signaling write failed", zap.String("conn", c.name), zap.Error(err))
				}
				return
			}
		}
	}
}

func (c *conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.lost = err
			closing, onClose := c.closing, c.onClose
			c.mu.Unlock()
			if closing {
				return
			}
			c.logger.Warn("signaling connection lost", zap.String("conn", c.name), zap.Error(err))
			if onClose != nil {
				onClose(err)
			}
			return
		}
		c.mu.Lock()
		onData := c.onData
		c.mu.Unlock()
		if onData != nil {
			onData(data)
		}
	}
}

// isClosing 本地已开始关闭或远端已断开
func (c *conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing || c.lost != nil
}

// close 先摘除回调再关闭底层连接，可重复调用
func (c *conn) close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.onData = nil
	c.onClose = nil
	ws, lost := c.ws, c.lost
	c.mu.Unlock()

	close(c.stop)
	if ws == nil {
		return nil
	}
	c.writeWG.Wait()
	dead := lost != nil
	if !dead {
		if err := ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(closeGracePeriod)); err != nil {
			dead = true
			c.logger.Debug("close frame not sent", zap.String("conn", c.name), zap.Error(err))
		}
	}
	// 底层关闭失败只记日志，此时连接已不可用
	if err := ws.Close(); err != nil {
		if dead || errors.Is(err, net.ErrClosed) {
			c.logger.Debug("closing dead signaling connection", zap.String("conn", c.name), zap.Error(err))
		} else {
			c.logger.Warn("signaling connection close failed", zap.String("conn", c.name), zap.Error(err))
		}
	}
	c.logger.Info("signaling connection closed", zap.String("conn", c.name))
	return nil
}
