package session

import (
	"context"
	"sync"

	"github.com/navtalk/ClinicApp/pkg/realtime/audio"
	"github.com/navtalk/ClinicApp/pkg/realtime/protocol"
	"github.com/navtalk/ClinicApp/pkg/realtime/signaling"
)

// orderLog 记录拆除顺序
type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (o *orderLog) add(s string) {
	o.mu.Lock()
	o.steps = append(o.steps, s)
	o.mu.Unlock()
}

func (o *orderLog) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string{}, o.steps...)
}

type fakeChannel struct {
	mu      sync.Mutex
	id      string
	openErr error
	gate    chan struct{}
	sent    []protocol.Outbound
	onMsg   func(protocol.Event)
	onClose func(error)
	closing bool
	closes  int
	order   *orderLog
	// settle 等待控制器事件循环处理完已投递的消息
	settle func()
}

func (f *fakeChannel) Open(ctx context.Context) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.openErr
}

func (f *fakeChannel) Send(msg protocol.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return signaling.ErrClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) OnMessage(fn func(protocol.Event)) {
	f.mu.Lock()
	f.onMsg = fn
	f.mu.Unlock()
}

func (f *fakeChannel) OnClose(fn func(error)) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closes++
	f.onMsg, f.onClose = nil, nil
	f.mu.Unlock()
	f.order.add("signaling")
	return nil
}

func (f *fakeChannel) Closing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closing || f.closes > 0
}

func (f *fakeChannel) deliver(ev protocol.Event) {
	f.mu.Lock()
	fn := f.onMsg
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
	f.wait()
}

func (f *fakeChannel) drop(err error) {
	f.mu.Lock()
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	f.wait()
}

func (f *fakeChannel) wait() {
	if f.settle != nil {
		f.settle()
	}
}

func (f *fakeChannel) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeChannel) messages(t protocol.MessageType) []protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Outbound
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeChannel) types() []protocol.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Type)
	}
	return out
}

type fakeNegotiator struct {
	mu         sync.Mutex
	offers     []string
	candidates []protocol.ICECandidate
	closes     int
	offerErr   error
	order      *orderLog
}

func (f *fakeNegotiator) HandleOffer(_ context.Context, offer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, offer)
	return f.offerErr
}

func (f *fakeNegotiator) AddCandidate(c protocol.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeNegotiator) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.order.add("media")
	return nil
}

func (f *fakeNegotiator) counts() (offers, candidates, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers), len(f.candidates), f.closes
}

type fakeSource struct {
	mu        sync.Mutex
	openErr   error
	opens     int
	live      int
	onSamples func([]float32)
	order     *orderLog
}

func (f *fakeSource) Open(_ context.Context, _ int, onSamples func([]float32)) (audio.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens++
	f.live++
	f.onSamples = onSamples
	return &fakeDevice{src: f}, nil
}

func (f *fakeSource) push(samples []float32) {
	f.mu.Lock()
	fn := f.onSamples
	f.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

func (f *fakeSource) stats() (opens, live int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.live
}

type fakeDevice struct {
	src     *fakeSource
	stopped bool
}

func (d *fakeDevice) Stop() error {
	d.src.mu.Lock()
	if !d.stopped {
		d.stopped = true
		d.src.live--
	}
	d.src.mu.Unlock()
	d.src.order.add("audio")
	return nil
}

func (d *fakeDevice) Close() error { return nil }
