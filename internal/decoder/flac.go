package decoder

import (
	"bytes"
	"errors"
	"io"
	"time"

	"gunshot-detector/internal/types"

	"github.com/mewkiz/flac"
)

// flacPreallocFrames 按头信息预分配的帧数上限，超出部分随解码增长
const flacPreallocFrames = 1 << 20

// FLACDecoder FLAC格式解码器
type FLACDecoder struct{}

// SupportedFormats 返回支持的格式
func (d *FLACDecoder) SupportedFormats() []string {
	return []string{"flac"}
}

// Sniff 识别 fLaC 标记
func (d *FLACDecoder) Sniff(header []byte) bool {
	return len(header) >= 4 && bytes.Equal(header[0:4], []byte("fLaC"))
}

// Decode 解码FLAC数据
func (d *FLACDecoder) Decode(r io.ReadSeeker, limits Limits) (*types.AudioSample, error) {
	stream, err := flac.New(r)
	if err != nil {
		return nil, types.NewDecodeError("解析FLAC文件失败", err)
	}

	info := stream.Info
	if info == nil || info.SampleRate == 0 || info.NChannels == 0 {
		return nil, types.NewDecodeError("无法读取FLAC信息", nil)
	}

	sampleRate := int(info.SampleRate)
	channels := int(info.NChannels)
	bitDepth := int(info.BitsPerSample)

	// 先根据头信息拒绝超长文件，NSamples 为 0 表示未知
	var maxFrames int64
	if limits.MaxDuration > 0 {
		maxFrames = int64(limits.MaxDuration.Seconds() * float64(sampleRate))
		if info.NSamples > 0 && int64(info.NSamples) > maxFrames {
			duration := time.Duration(float64(info.NSamples) / float64(sampleRate) * float64(time.Second))
			return nil, tooLong(duration, limits.MaxDuration)
		}
	}
	// NSamples 最多 36 位，声道最多 8 个，乘积不会溢出 int64
	if claimed := int64(info.NSamples) * int64(channels); limits.exceedsSamples(claimed) {
		return nil, tooManySamples(claimed, limits.MaxSamples)
	}

	// 头信息只作为容量提示
	allSamples := make([]float64, 0, int(min(info.NSamples, flacPreallocFrames))*channels)
	maxVal := float64(int(1) << uint(bitDepth-1))

	// 读取所有音频帧
	var decoded int64
	for {
		frame, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, types.NewDecodeError("解析FLAC帧失败", err)
		}
		if len(frame.Subframes) != channels {
			return nil, types.NewDecodeError("FLAC帧声道数与流信息不一致", nil)
		}

		n := len(frame.Subframes[0].Samples)
		decoded += int64(n)
		if maxFrames > 0 && decoded > maxFrames {
			duration := time.Duration(float64(decoded) / float64(sampleRate) * float64(time.Second))
			return nil, tooLong(duration, limits.MaxDuration)
		}
		if total := decoded * int64(channels); limits.exceedsSamples(total) {
			return nil, tooManySamples(total, limits.MaxSamples)
		}

		// 按声道交错存放
		for i := 0; i < n; i++ {
			for ch := 0; ch < channels; ch++ {
				allSamples = append(allSamples, clampUnit(float64(frame.Subframes[ch].Samples[i])/maxVal))
			}
		}
	}

	if len(allSamples) == 0 {
		return nil, types.NewEmptySignalError("FLAC文件不包含采样数据")
	}

	return &types.AudioSample{
		Samples:    allSamples,
		SampleRate: sampleRate,
		Channels:   channels,
		BitDepth:   bitDepth,
		Format:     "FLAC",
	}, nil
}
