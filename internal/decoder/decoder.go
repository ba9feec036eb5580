package decoder

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gunshot-detector/internal/types"
)

const (
	// sniffLen 用于识别容器格式的头部字节数
	sniffLen = 12
	// DefaultMaxSamples 解码后所有声道的总采样数上限，约 512 MiB 的 float64
	DefaultMaxSamples = 1 << 26
)

// Limits 解码限制
type Limits struct {
	MaxDuration time.Duration // 0 表示不限制
	MaxSamples  int64         // 所有声道合计，0 表示不限制
}

// exceedsSamples 判断总采样数是否超过上限
func (l Limits) exceedsSamples(n int64) bool {
	return l.MaxSamples > 0 && n > l.MaxSamples
}

// AudioDecoder 音频解码器接口
type AudioDecoder interface {
	// Sniff 根据文件头判断是否为本解码器支持的容器
	Sniff(header []byte) bool
	// Decode 解码整个输入。文件头中的长度信息不可信，分配和上限检查以实际解码量为准
	Decode(r io.ReadSeeker, limits Limits) (*types.AudioSample, error)
	SupportedFormats() []string
}

// DecoderRegistry 解码器注册表
type DecoderRegistry struct {
	decoders []AudioDecoder
	limits   Limits
}

// Option 注册表选项
type Option func(*DecoderRegistry)

// WithMaxDuration 限制可解码的最长时长
func WithMaxDuration(d time.Duration) Option {
	return func(r *DecoderRegistry) {
		if d > 0 {
			r.limits.MaxDuration = d
		}
	}
}

// WithMaxSamples 限制解码后的总采样数（所有声道合计）
func WithMaxSamples(n int64) Option {
	return func(r *DecoderRegistry) {
		if n > 0 {
			r.limits.MaxSamples = n
		}
	}
}

// NewDecoderRegistry 创建新的解码器注册表
func NewDecoderRegistry(opts ...Option) *DecoderRegistry {
	registry := &DecoderRegistry{limits: Limits{MaxSamples: DefaultMaxSamples}}

	// 注册支持的解码器
	registry.Register(&WAVDecoder{})
	registry.Register(&FLACDecoder{})

	for _, opt := range opts {
		opt(registry)
	}
	return registry
}

// Register 注册解码器
func (r *DecoderRegistry) Register(decoder AudioDecoder) {
	r.decoders = append(r.decoders, decoder)
}

// Formats 返回所有支持的格式
func (r *DecoderRegistry) Formats() []string {
	var formats []string
	for _, d := range r.decoders {
		for _, f := range d.SupportedFormats() {
			formats = append(formats, strings.ToLower(f))
		}
	}
	return formats
}

// MaxDuration 返回时长上限，0 表示不限制
func (r *DecoderRegistry) MaxDuration() time.Duration {
	return r.limits.MaxDuration
}

// MaxSamples 返回总采样数上限
func (r *DecoderRegistry) MaxSamples() int64 {
	return r.limits.MaxSamples
}

// GetDecoder 根据文件头获取解码器
func (r *DecoderRegistry) GetDecoder(header []byte) (AudioDecoder, error) {
	for _, d := range r.decoders {
		if d.Sniff(header) {
			return d, nil
		}
	}
	return nil, types.NewDecodeError("不支持的音频格式", nil)
}

// Decode 识别容器并解码
func (r *DecoderRegistry) Decode(src io.ReadSeeker) (*types.AudioSample, error) {
	header := make([]byte, sniffLen)
	n, err := io.ReadFull(src, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, types.NewDecodeError("读取文件头失败", err)
	}
	header = header[:n]

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, types.NewDecodeError("重置读取位置失败", err)
	}

	decoder, err := r.GetDecoder(header)
	if err != nil {
		return nil, err
	}

	sample, err := decoder.Decode(src, r.limits)
	if err != nil {
		return nil, err
	}

	if err := sample.Validate(); err != nil {
		return nil, err
	}

	if r.limits.MaxDuration > 0 && sample.Duration() > r.limits.MaxDuration {
		return nil, tooLong(sample.Duration(), r.limits.MaxDuration)
	}
	return sample, nil
}

// DecodeBytes 解码内存中的音频
func (r *DecoderRegistry) DecodeBytes(data []byte) (*types.AudioSample, error) {
	return r.Decode(bytes.NewReader(data))
}

// DecodeFile 解码音频文件
func (r *DecoderRegistry) DecodeFile(filePath string) (*types.AudioSample, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("打开音频文件失败: %w", err)
	}
	defer file.Close()

	return r.Decode(file)
}

func tooLong(got, limit time.Duration) error {
	return types.NewInputTooLargeError(fmt.Sprintf("音频时长 %.1f 秒超过上限 %.1f 秒", got.Seconds(), limit.Seconds()))
}

func tooManySamples(got, limit int64) error {
	return types.NewInputTooLargeError(fmt.Sprintf("采样数 %d 超过上限 %d", got, limit))
}
