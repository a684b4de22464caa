package events

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	TopicSessionState     = "session.state"
	TopicSessionError     = "session.error"
	TopicTranscriptAppend = "transcript.appended"
	TopicMediaConnected   = "media.connected"
	TopicAll              = "*"
)

// Event 会话事件
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Source    string         `json:"source"`
}

// EventHandler 事件处理器
type EventHandler func(event Event) error

// subscriber 一个处理器及其待投递队列，同一处理器按发布顺序串行收到事件
type subscriber struct {
	handler EventHandler

	mu      sync.Mutex
	queue   []Event
	running bool
}

// Bus 事件总线，每个控制器持有一个实例
type Bus struct {
	handlers       map[string][]*subscriber
	publishedTypes map[string]time.Time
	mu             sync.RWMutex
	logger         *zap.Logger

	inflight int
	idle     *sync.Cond
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.L()
	}
	return &Bus{
		handlers:       make(map[string][]*subscriber),
		publishedTypes: make(map[string]time.Time),
		logger:         logger,
		idle:           sync.NewCond(&sync.Mutex{}),
	}
}

// Subscribe 订阅事件，eventType 为 "*" 时接收全部
func (bus *Bus) Subscribe(eventType string, handler EventHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.handlers[eventType] = append(bus.handlers[eventType], &subscriber{handler: handler})
	bus.logger.Debug("event handler subscribed", zap.String("eventType", eventType))
}

// Unsubscribe 移除该类型的所有处理器
func (bus *Bus) Unsubscribe(eventType string) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	delete(bus.handlers, eventType)
}

// Publish 异步投递给所有匹配的处理器，不同处理器之间互不等待
func (bus *Bus) Publish(event Event) {
	if bus == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.publishedTypes[event.Type]; !ok {
		bus.publishedTypes[event.Type] = event.Timestamp
	}
	all := make([]*subscriber, 0, len(bus.handlers[event.Type])+len(bus.handlers[TopicAll]))
	all = append(all, bus.handlers[event.Type]...)
	all = append(all, bus.handlers[TopicAll]...)
	if len(all) == 0 {
		return
	}

	bus.idle.L.Lock()
	bus.inflight += len(all)
	bus.idle.L.Unlock()
	// 持锁入队，并发发布时各处理器看到的顺序一致
	for _, sub := range all {
		sub.enqueue(bus, event)
	}
}

func (s *subscriber) enqueue(bus *Bus, event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.drain(bus)
}

// drain 队列清空即退出
func (s *subscriber) drain(bus *Bus) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		bus.deliver(s.handler, event)
	}
}

func (bus *Bus) deliver(h EventHandler, event Event) {
	defer bus.done()
	defer func() {
		if r := recover(); r != nil {
			bus.logger.Error("event handler panicked",
				zap.String("eventType", event.Type),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := h(event); err != nil {
		bus.logger.Error("event handler failed",
			zap.String("eventType", event.Type),
			zap.Error(err))
	}
}

// Emit 便捷方法
func (bus *Bus) Emit(eventType string, data map[string]any, source string) {
	bus.Publish(Event{Type: eventType, Data: data, Source: source})
}

// PublishedTypes 发布过的事件类型及首次发布时间
func (bus *Bus) PublishedTypes() map[string]time.Time {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	out := make(map[string]time.Time, len(bus.publishedTypes))
	for k, v := range bus.publishedTypes {
		out[k] = v
	}
	return out
}

func (bus *Bus) done() {
	bus.idle.L.Lock()
	bus.inflight--
	if bus.inflight == 0 {
		bus.idle.Broadcast()
	}
	bus.idle.L.Unlock()
}

// Wait 等待已投递的处理器执行完毕，可与 Publish 并发调用
func (bus *Bus) Wait() {
	bus.idle.L.Lock()
	for bus.inflight > 0 {
		bus.idle.Wait()
	}
	bus.idle.L.Unlock()
}
