// Package testutil 生成测试用的合成波形和 WAV 数据。
package testutil

import (
	"bytes"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"gunshot-detector/internal/types"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// Rate 合成信号的默认采样率
const Rate = 44100

// Burst 描述一个合成的冲击信号：静音 -> 线性起音 -> 指数衰减的宽带噪声
type Burst struct {
	Duration   float64 // 总时长（秒）
	Lead       float64 // 起音前静音（秒）
	AttackMs   float64 // 起音时长
	StartLevel float64 // 起音起点电平（相对峰值）
	DecayMs    float64 // 衰减时间常数
	Peak       float64 // 峰值幅度
	Seed       int64
}

// GunshotBurst 0.5 秒、2ms 起音、接近满量程的宽带冲击
func GunshotBurst() Burst {
	return Burst{
		Duration: 0.5,
		Lead:     0.02,
		AttackMs: 2,
		DecayMs:  30,
		Peak:     0.98,
		Seed:     42,
	}
}

// Samples 以 Rate 生成单声道采样
func (b Burst) Samples() []float64 {
	return b.SamplesAt(Rate)
}

// SamplesAt 以指定采样率生成单声道采样。起音段正负交替，峰值采样点固定在起音末尾。
func (b Burst) SamplesAt(rate int) []float64 {
	rng := rand.New(rand.NewSource(b.Seed))
	n := int(b.Duration * float64(rate))
	lead := int(b.Lead * float64(rate))
	attack := int(math.Round(b.AttackMs * float64(rate) / 1000))
	decay := b.DecayMs / 1000 * float64(rate)

	out := make([]float64, n)
	for i := lead; i < n; i++ {
		k := i - lead
		switch {
		case k < attack:
			level := b.StartLevel + (1-b.StartLevel)*float64(k)/float64(attack)
			sign := 1.0
			if k%2 == 1 {
				sign = -1
			}
			out[i] = sign * b.Peak * level * (0.7 + 0.2*rng.Float64())
		case k == attack:
			out[i] = b.Peak
		default:
			env := math.Exp(-float64(k-attack) / decay)
			out[i] = b.Peak * 0.9 * env * (2*rng.Float64() - 1)
		}
	}
	return out
}

// Sine 以 Rate 生成正弦波
func Sine(freq, amplitude, seconds float64) []float64 {
	return SineAt(freq, amplitude, seconds, Rate)
}

// SineAt 以指定采样率生成正弦波
func SineAt(freq, amplitude, seconds float64, rate int) []float64 {
	n := int(seconds * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

// Mono 包装为单声道 AudioSample
func Mono(samples []float64) *types.AudioSample {
	return &types.AudioSample{
		Samples:    samples,
		SampleRate: Rate,
		Channels:   1,
		BitDepth:   16,
		Format:     "WAV",
	}
}

// EncodeWAV 把采样编码为 16 位 PCM WAV 并返回文件内容
func EncodeWAV(t testing.TB, samples []float64, sampleRate, channels int) []byte {
	t.Helper()

	path := WriteWAV(t, samples, sampleRate, channels)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取 WAV 失败: %v", err)
	}
	return data
}

// WriteWAV 把采样编码为 16 位 PCM WAV 文件，返回文件路径
func WriteWAV(t testing.TB, samples []float64, sampleRate, channels int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fixture.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("创建 WAV 失败: %v", err)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	data := make([]int, len(samples))
	for i, v := range samples {
		v = math.Max(-1, math.Min(1, v))
		data[i] = int(math.Round(v * 32767))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("写入 WAV 失败: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("关闭 WAV 编码器失败: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("关闭 WAV 文件失败: %v", err)
	}
	return path
}

// flacBlockSize 测试 FLAC 的块大小，256 在帧头中有直接编码
const flacBlockSize = 256

// EncodeFLAC 把采样编码为 16 位 verbatim FLAC 并返回文件内容。
// 采样按声道交错，末尾不足一块的部分被丢弃。nsamples 写入 STREAMINFO，0 表示未知。
func EncodeFLAC(t testing.TB, samples []float64, sampleRate, channels int, nsamples uint64) []byte {
	t.Helper()

	var out bytes.Buffer
	info := &meta.StreamInfo{
		BlockSizeMin:  flacBlockSize,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     uint8(channels),
		BitsPerSample: 16,
		NSamples:      nsamples,
	}
	enc, err := flac.NewEncoder(&out, info)
	if err != nil {
		t.Fatalf("创建 FLAC 编码器失败: %v", err)
	}

	assignment := frame.ChannelsMono
	if channels == 2 {
		assignment = frame.ChannelsLR
	}

	frames := len(samples) / channels
	for start := 0; start+flacBlockSize <= frames; start += flacBlockSize {
		subframes := make([]*frame.Subframe, channels)
		for ch := range subframes {
			data := make([]int32, flacBlockSize)
			for i := range data {
				v := math.Max(-1, math.Min(1, samples[(start+i)*channels+ch]))
				data[i] = int32(math.Round(v * 32767))
			}
			subframes[ch] = &frame.Subframe{
				SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
				Samples:   data,
				NSamples:  flacBlockSize,
			}
		}
		f := &frame.Frame{
			Header: frame.Header{
				BlockSize:     flacBlockSize,
				SampleRate:    uint32(sampleRate),
				Channels:      assignment,
				BitsPerSample: 16,
			},
			Subframes: subframes,
		}
		if err := enc.WriteFrame(f); err != nil {
			t.Fatalf("写入 FLAC 帧失败: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("关闭 FLAC 编码器失败: %v", err)
	}
	return out.Bytes()
}

// EncodeWAV8 把采样编码为 8 位无符号 PCM WAV 并返回文件内容
func EncodeWAV8(t testing.TB, samples []float64, sampleRate, channels int) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fixture8.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("创建 WAV 失败: %v", err)
	}

	enc := wav.NewEncoder(f, sampleRate, 8, channels, 1)
	data := make([]int, len(samples))
	for i, v := range samples {
		v = math.Max(-1, math.Min(1, v))
		data[i] = int(math.Round(v*127)) + 128
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 8,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("写入 WAV 失败: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("关闭 WAV 编码器失败: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("关闭 WAV 文件失败: %v", err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取 WAV 失败: %v", err)
	}
	return out
}
