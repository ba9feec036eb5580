package decoder

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"gunshot-detector/internal/types"

	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// WAVDecoder WAV格式解码器
type WAVDecoder struct{}

// SupportedFormats 返回支持的格式
func (d *WAVDecoder) SupportedFormats() []string {
	return []string{"wav"}
}

// Sniff 识别 RIFF/WAVE 文件头
func (d *WAVDecoder) Sniff(header []byte) bool {
	return len(header) >= 12 &&
		bytes.Equal(header[0:4], []byte("RIFF")) &&
		bytes.Equal(header[8:12], []byte("WAVE"))
}

// Decode 解码WAV数据，只支持整数 PCM
func (d *WAVDecoder) Decode(r io.ReadSeeker, limits Limits) (*types.AudioSample, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, types.NewDecodeError("无效的WAV文件", decoder.Err())
	}

	if decoder.WavAudioFormat != wavFormatPCM && decoder.WavAudioFormat != wavFormatExtensible {
		return nil, types.NewDecodeError(fmt.Sprintf("不支持的WAV编码: %d", decoder.WavAudioFormat), nil)
	}

	bitDepth := int(decoder.BitDepth)
	channels := int(decoder.NumChans)
	sampleRate := int(decoder.SampleRate)
	if bitDepth < 8 || bitDepth > 32 {
		return nil, types.NewDecodeError(fmt.Sprintf("不支持的位深度: %d", bitDepth), nil)
	}
	if channels <= 0 || sampleRate <= 0 {
		return nil, types.NewDecodeError("WAV头信息无效", nil)
	}

	// 读取所有音频数据，缓冲区随实际读到的数据增长
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, types.NewDecodeError("读取WAV采样数据失败", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, types.NewEmptySignalError("WAV文件不包含采样数据")
	}

	frames := len(buf.Data) / channels
	if limits.MaxDuration > 0 {
		duration := time.Duration(float64(frames) / float64(sampleRate) * float64(time.Second))
		if duration > limits.MaxDuration {
			return nil, tooLong(duration, limits.MaxDuration)
		}
	}
	if limits.exceedsSamples(int64(frames * channels)) {
		return nil, tooManySamples(int64(frames*channels), limits.MaxSamples)
	}

	// 转换为float64格式
	samples := make([]float64, frames*channels)
	maxVal := float64(int(1) << uint(bitDepth-1))
	for i := range samples {
		v := buf.Data[i]
		// 8位WAV为无符号采样
		if bitDepth == 8 {
			v -= 128
		}
		samples[i] = clampUnit(float64(v) / maxVal)
	}

	return &types.AudioSample{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
		BitDepth:   bitDepth,
		Format:     "WAV",
	}, nil
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
