package devices

import (
	"encoding/binary"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	opusSampleRate = 48000
	opusChannels   = 2
	// 120ms @ 48kHz 双声道
	maxOpusFrame = 5760 * opusChannels
)

// PCMWriter 播放端
type PCMWriter interface {
	Write(pcm []byte) error
	ClearBuffer()
}

type pcmDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// Renderer 远端轨道的渲染端：音频解码后送扬声器，视频只计数
type Renderer struct {
	out        PCMWriter
	newDecoder func() (pcmDecoder, error)
	logger     *zap.Logger

	muted  atomic.Bool
	audio  atomic.Uint64
	video  atomic.Uint64
	tracks sync.WaitGroup

	// OnPacket 每收到一个 RTP 包回调一次，kind 为 audio/video
	OnPacket func(kind string)
}

// NewRenderer out 可为 nil（无扬声器时只消费数据）
func NewRenderer(out PCMWriter, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.L()
	}
	r := &Renderer{
		out:    out,
		logger: logger,
		newDecoder: func() (pcmDecoder, error) {
			return opus.NewDecoder(opusSampleRate, opusChannels)
		},
	}
	r.muted.Store(true)
	return r
}

func (r *Renderer) SetMuted(muted bool) { r.muted.Store(muted) }

func (r *Renderer) Muted() bool { return r.muted.Load() }

// Packets 已收到的音视频包数
func (r *Renderer) Packets() (audio, video uint64) { return r.audio.Load(), r.video.Load() }

// Attach 为轨道启动读循环，轨道结束时自动退出
func (r *Renderer) Attach(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	mime := track.Codec().MimeType
	var dec pcmDecoder
	if kind == "audio" && strings.EqualFold(mime, webrtc.MimeTypeOpus) {
		d, err := r.newDecoder()
		if err != nil {
			r.logger.Warn("opus decoder unavailable, audio will be discarded", zap.Error(err))
		} else {
			dec = d
		}
	}
	r.tracks.Add(1)
	go func() {
		defer r.tracks.Done()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				r.logger.Debug("remote track ended", zap.String("kind", kind), zap.Error(err))
				return
			}
			r.handle(kind, dec, pkt)
		}
	}()
}

// Wait 等待所有读循环退出
func (r *Renderer) Wait() { r.tracks.Wait() }

func (r *Renderer) handle(kind string, dec pcmDecoder, pkt *rtp.Packet) {
	if kind == "video" {
		r.video.Add(1)
	} else {
		r.audio.Add(1)
	}
	if r.OnPacket != nil {
		r.OnPacket(kind)
	}
	if kind != "audio" || dec == nil || r.out == nil || r.muted.Load() || len(pkt.Payload) == 0 {
		return
	}
	pcm := make([]int16, maxOpusFrame)
	n, err := dec.Decode(pkt.Payload, pcm)
	if err != nil {
		r.logger.Debug("opus decode failed", zap.Error(err))
		return
	}
	if err := r.out.Write(int16ToBytes(pcm[:n*opusChannels])); err != nil {
		r.logger.Debug("playback write dropped", zap.Error(err))
	}
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
