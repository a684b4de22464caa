package devices

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/navtalk/ClinicApp/pkg/realtime/audio"
	"go.uber.org/zap"
)

// MicSource 默认麦克风采集
type MicSource struct {
	logger *zap.Logger
}

func NewMicSource(logger *zap.Logger) *MicSource {
	if logger == nil {
		logger = zap.L()
	}
	return &MicSource{logger: logger}
}

// micDevice 打开的麦克风：设备与上下文分别释放
type micDevice struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// Open 初始化上下文和采集设备并开始回调
func (m *MicSource) Open(_ context.Context, sampleRate int, onSamples func([]float32)) (audio.Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		m.logger.Debug("malgo", zap.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	cfg := CaptureStreamConfig(sampleRate).asDeviceConfig(malgo.Capture)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			onSamples(bytesToFloat32(input))
		},
	}
	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	m.logger.Info("microphone opened", zap.Int("sampleRate", sampleRate))
	return &micDevice{ctx: ctx, device: device}, nil
}

func (d *micDevice) Stop() error {
	d.mu.Lock()
	device := d.device
	d.device = nil
	d.mu.Unlock()
	if device == nil {
		return nil
	}
	err := device.Stop()
	device.Uninit()
	return err
}

func (d *micDevice) Close() error {
	d.mu.Lock()
	ctx := d.ctx
	d.ctx = nil
	d.mu.Unlock()
	if ctx == nil {
		return nil
	}
	err := ctx.Uninit()
	ctx.Free()
	return err
}

func bytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

var errNoContext = errors.New("devices: audio context unavailable")
