package audio

import (
	"context"
	"errors"
	"sync"

	"github.com/navtalk/ClinicApp/pkg/realtime/errhandler"
	"github.com/navtalk/ClinicApp/pkg/realtime/protocol"
	"go.uber.org/zap"
)

var ErrMicrophoneDisabled = errors.New("audio: microphone disabled")

// Device 已打开的采集设备
type Device interface {
	// Stop 停止采集轨道
	Stop() error
	// Close 释放音频上下文
	Close() error
}

// Source 采集源，onSamples 在设备线程上回调单声道 float32 样本
type Source interface {
	Open(ctx context.Context, sampleRate int, onSamples func([]float32)) (Device, error)
}

// Sender 出站消息发送
type Sender interface {
	Send(msg protocol.Outbound) error
}

// Capture 一次采集：处理节点、设备、上下文作为一个整体创建和释放
type Capture struct {
	node   *node
	device Device
}

// node 处理节点：分帧、编码、切片、发送
type node struct {
	mu     sync.Mutex
	live   bool
	framer *Framer
	sender Sender
	logger *zap.Logger
	onSent func(chunks int)
}

func (n *node) process(samples []float32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.live {
		return
	}
	n.framer.Push(samples, func(frame []float32) {
		chunks := Chunk(EncodeFrame(frame), ChunkSize)
		for _, c := range chunks {
			if err := n.sender.Send(protocol.AudioAppend(c)); err != nil {
				n.logger.Debug("audio chunk not sent", zap.Error(err))
				return
			}
		}
		if n.onSent != nil {
			n.onSent(len(chunks))
		}
	})
}

func (n *node) disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.live = false
	n.framer.Reset()
	return nil
}

// Pipeline 麦克风采集到 input_audio_buffer.append 的管线
type Pipeline struct {
	source     Source
	sender     Sender
	sampleRate int
	frameSize  int
	logger     *zap.Logger

	mu      sync.Mutex
	enabled bool
	current *Capture

	// OnChunks 每帧发送完成后回调分片数
	OnChunks func(chunks int)
}

// NewPipeline 创建管线，麦克风默认开启
func NewPipeline(source Source, sender Sender, sampleRate, frameSize int, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.L()
	}
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	if frameSize <= 0 {
		frameSize = FrameSize
	}
	return &Pipeline{
		source:     source,
		sender:     sender,
		sampleRate: sampleRate,
		frameSize:  frameSize,
		logger:     logger,
		enabled:    true,
	}
}

func (p *Pipeline) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

func (p *Pipeline) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Active 是否有采集在运行
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Acquire 打开设备并构建未接通的处理节点，可在事件循环外调用
func (p *Pipeline) Acquire(ctx context.Context) (*Capture, error) {
	if !p.Enabled() {
		return nil, ErrMicrophoneDisabled
	}
	n := &node{framer: NewFramer(p.frameSize), sender: p.sender, logger: p.logger, onSent: p.OnChunks}
	dev, err := p.source.Open(ctx, p.sampleRate, n.process)
	if err != nil {
		return nil, errhandler.Resource("audio", "microphone unavailable", err)
	}
	return &Capture{node: n, device: dev}, nil
}

// Install 接通处理节点；已有采集或麦克风已关闭时返回 false，调用方负责 Release
func (p *Pipeline) Install(c *Capture) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil || !p.enabled {
		return false
	}
	c.node.mu.Lock()
	c.node.live = true
	c.node.mu.Unlock()
	p.current = c
	p.logger.Info("audio capture started", zap.Int("sampleRate", p.sampleRate), zap.Int("frameSize", p.frameSize))
	return true
}

// Activate 仅在麦克风开启且未采集时启动
func (p *Pipeline) Activate(ctx context.Context) error {
	p.mu.Lock()
	skip := !p.enabled || p.current != nil
	p.mu.Unlock()
	if skip {
		return nil
	}
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	if !p.Install(c) {
		return Release(c)
	}
	return nil
}

// Deactivate 停止当前采集，无采集时为空操作
func (p *Pipeline) Deactivate() error {
	p.mu.Lock()
	c := p.current
	p.current = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	err := Release(c)
	if err != nil {
		p.logger.Warn("audio teardown incomplete", zap.Error(err))
	} else {
		p.logger.Info("audio capture stopped")
	}
	return err
}

// Release 断开节点、停止轨道、关闭上下文，三步互不影响
func Release(c *Capture) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.node != nil {
		errs = append(errs, safe(c.node.disconnect))
	}
	if c.device != nil {
		errs = append(errs, safe(c.device.Stop))
		errs = append(errs, safe(c.device.Close))
	}
	return errors.Join(errs...)
}

func safe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("audio teardown panic")
		}
	}()
	return fn()
}
