package devices

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

var ErrPlaybackBufferFull = errors.New("devices: playback buffer full")

// Speaker 流式播放 int16 PCM，设备回调从缓冲区取数
type Speaker struct {
	config StreamConfig
	logger *zap.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	queue chan []byte
	mu    sync.Mutex
	// pending 平滑数据流的内部缓冲
	pending []byte
	closed  bool
}

// NewSpeaker sampleRate/channels 与解码输出一致，约 4 秒缓冲
func NewSpeaker(sampleRate, channels int, logger *zap.Logger) *Speaker {
	if logger == nil {
		logger = zap.L()
	}
	return &Speaker{
		config:  PlaybackStreamConfig(sampleRate, channels),
		logger:  logger,
		queue:   make(chan []byte, 200),
		pending: make([]byte, 0, 8192),
	}
}

// Start 打开默认播放设备
func (s *Speaker) Start() error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init playback context: %w", err)
	}
	device, err := malgo.InitDevice(ctx.Context, s.config.asDeviceConfig(malgo.Playback), malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frames uint32) {
			s.fill(output, int(frames)*2*s.config.Channels)
		},
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("start playback device: %w", err)
	}
	s.mu.Lock()
	s.ctx, s.device = ctx, device
	s.mu.Unlock()
	s.logger.Info("speaker started", zap.Int("sampleRate", s.config.SampleRate), zap.Int("channels", s.config.Channels))
	return nil
}

// fill 数据不足时尾部淡出并补静音
func (s *Speaker) fill(output []byte, need int) {
	s.mu.Lock()
	defer s.mu.Unlock()

drain:
	for len(s.pending) < need {
		select {
		case data := <-s.queue:
			s.pending = append(s.pending, data...)
		default:
			break drain
		}
	}

	if len(s.pending) >= need {
		copy(output, s.pending[:need])
		s.pending = s.pending[need:]
		return
	}

	copied := copy(output, s.pending)
	s.pending = s.pending[:0]
	fade := copied / 2
	if fade > 64 {
		fade = 64
	}
	for i := copied - fade; i+1 < copied; i += 2 {
		sample := int16(output[i]) | int16(output[i+1])<<8
		sample = int16(float64(sample) * float64(copied-i) / float64(fade))
		output[i], output[i+1] = byte(sample), byte(sample>>8)
	}
	for i := copied; i < need && i < len(output); i++ {
		output[i] = 0
	}
}

// Write 非阻塞写入，缓冲满时丢弃
func (s *Speaker) Write(pcm []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("devices: speaker closed")
	}
	select {
	case s.queue <- pcm:
		return nil
	default:
		return ErrPlaybackBufferFull
	}
}

// ClearBuffer 丢弃未播放数据，用户开口时调用
func (s *Speaker) ClearBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = s.pending[:0]
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	device, ctx := s.device, s.ctx
	s.device, s.ctx = nil, nil
	s.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	if ctx != nil {
		err := ctx.Uninit()
		ctx.Free()
		return err
	}
	return nil
}
