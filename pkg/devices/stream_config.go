package devices

import "github.com/gen2brain/malgo"

// StreamConfig 描述音频流的参数，零值字段使用设备默认值
type StreamConfig struct {
	Format     malgo.FormatType
	Channels   int
	SampleRate int
	// AlsaNoMMap ALSA NoMMap 设置，默认 1
	AlsaNoMMap uint32
}

// CaptureStreamConfig 麦克风：单声道 float32
func CaptureStreamConfig(sampleRate int) StreamConfig {
	return StreamConfig{Format: malgo.FormatF32, Channels: 1, SampleRate: sampleRate, AlsaNoMMap: 1}
}

// PlaybackStreamConfig 扬声器：int16
func PlaybackStreamConfig(sampleRate, channels int) StreamConfig {
	return StreamConfig{Format: malgo.FormatS16, Channels: channels, SampleRate: sampleRate, AlsaNoMMap: 1}
}

func (config StreamConfig) asDeviceConfig(deviceType malgo.DeviceType) malgo.DeviceConfig {
	deviceConfig := malgo.DefaultDeviceConfig(deviceType)
	if config.Format != malgo.FormatUnknown {
		deviceConfig.Capture.Format = config.Format
		deviceConfig.Playback.Format = config.Format
	}
	if config.Channels != 0 {
		deviceConfig.Capture.Channels = uint32(config.Channels)
		deviceConfig.Playback.Channels = uint32(config.Channels)
	}
	if config.SampleRate != 0 {
		deviceConfig.SampleRate = uint32(config.SampleRate)
	}
	if config.AlsaNoMMap != 0 {
		deviceConfig.Alsa.NoMMap = config.AlsaNoMMap
	}
	return deviceConfig
}
