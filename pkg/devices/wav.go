package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/navtalk/ClinicApp/pkg/realtime/audio"
	"github.com/youpy/go-wav"
	"go.uber.org/zap"
)

// WAVSource 用 WAV 文件模拟麦克风，按实时速率回放
type WAVSource struct {
	Path string
	// Block 每次回调的时长，默认 20ms
	Block time.Duration
	// Pace 两次回调之间的间隔，默认等于 Block
	Pace time.Duration
	Loop bool

	logger *zap.Logger
}

func NewWAVSource(path string, logger *zap.Logger) *WAVSource {
	if logger == nil {
		logger = zap.L()
	}
	return &WAVSource{Path: path, Block: 20 * time.Millisecond, logger: logger}
}

type wavDevice struct {
	stop    chan struct{}
	once    sync.Once
	stopped chan struct{}
}

func (d *wavDevice) Stop() error {
	d.once.Do(func() { close(d.stop) })
	<-d.stopped
	return nil
}

func (d *wavDevice) Close() error { return nil }

// Open 读入整个文件并转换为目标采样率的单声道
func (s *WAVSource) Open(ctx context.Context, sampleRate int, onSamples func([]float32)) (audio.Device, error) {
	samples, err := LoadWAV(s.Path, sampleRate)
	if err != nil {
		return nil, err
	}
	block := s.Block
	if block <= 0 {
		block = 20 * time.Millisecond
	}
	pace := s.Pace
	if pace <= 0 {
		pace = block
	}
	per := int(int64(sampleRate) * int64(block) / int64(time.Second))
	if per <= 0 {
		per = 1
	}

	dev := &wavDevice{stop: make(chan struct{}), stopped: make(chan struct{})}
	go func() {
		defer close(dev.stopped)
		ticker := time.NewTicker(pace)
		defer ticker.Stop()
		pos := 0
		for {
			select {
			case <-dev.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if pos >= len(samples) {
				if !s.Loop {
					return
				}
				pos = 0
			}
			end := pos + per
			if end > len(samples) {
				end = len(samples)
			}
			onSamples(samples[pos:end])
			pos = end
		}
	}()
	s.logger.Info("wav source opened", zap.String("path", s.Path), zap.Int("samples", len(samples)))
	return dev, nil
}

// LoadWAV 读取 WAV 并混音为单声道、重采样到 sampleRate
func LoadWAV(path string, sampleRate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	r := wav.NewReader(f)
	format, err := r.Format()
	if err != nil {
		return nil, fmt.Errorf("wav format: %w", err)
	}
	channels := uint(format.NumChannels)
	if channels == 0 {
		return nil, errors.New("wav: no channels")
	}

	var mono []float32
	for {
		batch, err := r.ReadSamples()
		for _, smp := range batch {
			var sum float64
			for ch := uint(0); ch < channels && ch < 2; ch++ {
				sum += r.FloatValue(smp, ch)
			}
			used := channels
			if used > 2 {
				used = 2
			}
			mono = append(mono, float32(sum/float64(used)))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read wav: %w", err)
		}
	}
	return Resample(mono, int(format.SampleRate), sampleRate), nil
}

// Resample 线性插值重采样
func Resample(in []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		frac := float32(pos - float64(j))
		if j+1 < len(in) {
			out[i] = in[j]*(1-frac) + in[j+1]*frac
		} else {
			out[i] = in[len(in)-1]
		}
	}
	return out
}
