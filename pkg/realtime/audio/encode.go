package audio

import (
	"encoding/base64"
	"encoding/binary"
)

const (
	// SampleRate 采集采样率
	SampleRate = 24000
	// FrameSize 处理节点每帧样本数
	FrameSize = 4096
	// ChunkSize 单条 append 消息的最大 base64 字符数
	ChunkSize = 4096
)

// FloatTo16BitPCM float32 转小端 int16，先钳位到 [-1, 1]
func FloatTo16BitPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// EncodeFrame 一帧样本编码为 base64
func EncodeFrame(samples []float32) string {
	return base64.StdEncoding.EncodeToString(FloatTo16BitPCM(samples))
}

// Chunk 按 size 切分，拼接后与原串相同
func Chunk(payload string, size int) []string {
	if size <= 0 || len(payload) <= size {
		if payload == "" {
			return nil
		}
		return []string{payload}
	}
	chunks := make([]string, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}

// Framer 把任意长度的设备回调样本整理成固定长度帧
type Framer struct {
	size int
	buf  []float32
}

func NewFramer(size int) *Framer {
	if size <= 0 {
		size = FrameSize
	}
	return &Framer{size: size, buf: make([]float32, 0, size)}
}

// Push 追加样本，每凑满一帧回调一次
func (f *Framer) Push(samples []float32, emit func([]float32)) {
	for len(samples) > 0 {
		n := f.size - len(f.buf)
		if n > len(samples) {
			n = len(samples)
		}
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) == f.size {
			frame := make([]float32, f.size)
			copy(frame, f.buf)
			f.buf = f.buf[:0]
			emit(frame)
		}
	}
}

// Reset 丢弃未满的一帧
func (f *Framer) Reset() { f.buf = f.buf[:0] }
