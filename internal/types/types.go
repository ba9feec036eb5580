package types

import (
	"fmt"
	"maps"
	"time"
)

// 特征名称，FeatureVector 的键集合是固定的
const (
	FeaturePeakAmplitude    = "peak_amplitude"
	FeatureRMSEnergy        = "rms_energy"
	FeatureZeroCrossingRate = "zero_crossing_rate"
	FeatureAttackTimeMs     = "attack_time_ms"
	FeatureTransientMs      = "transient_duration_ms"
	FeatureSpectralCentroid = "spectral_centroid"
	FeatureHighFreqRatio    = "high_freq_energy_ratio"
	FeatureEnergyBurstRatio = "energy_burst_ratio"
)

// FeatureDomain 特征值的物理取值范围（闭区间）
type FeatureDomain struct {
	Min float64
	Max float64
}

// Contains 判断取值是否落在范围内
func (d FeatureDomain) Contains(v float64) bool {
	return v >= d.Min && v <= d.Max
}

// FeatureDomains 每个特征的取值范围。
// 与采样率或时长相关的上界在此处放宽，由提取器保证实际上界。
var FeatureDomains = map[string]FeatureDomain{
	FeaturePeakAmplitude:    {Min: 0, Max: 1},
	FeatureRMSEnergy:        {Min: 0, Max: 1},
	FeatureZeroCrossingRate: {Min: 0, Max: 1},
	FeatureAttackTimeMs:     {Min: 0, Max: 24 * 60 * 60 * 1000},
	FeatureTransientMs:      {Min: 0, Max: 24 * 60 * 60 * 1000},
	FeatureSpectralCentroid: {Min: 0, Max: 384000},
	FeatureHighFreqRatio:    {Min: 0, Max: 1},
	FeatureEnergyBurstRatio: {Min: 1, Max: 1e12},
}

// FeatureNames 返回按固定顺序排列的特征名称
func FeatureNames() []string {
	return []string{
		FeaturePeakAmplitude,
		FeatureRMSEnergy,
		FeatureZeroCrossingRate,
		FeatureAttackTimeMs,
		FeatureTransientMs,
		FeatureSpectralCentroid,
		FeatureHighFreqRatio,
		FeatureEnergyBurstRatio,
	}
}

// AudioSample 解码后的波形
type AudioSample struct {
	Samples    []float64 // 交错存放的采样值，满量程为 [-1, 1]
	SampleRate int       // 采样率 (Hz)
	Channels   int       // 声道数
	BitDepth   int       // 位深度
	Format     string    // 容器格式，如 WAV、FLAC
}

// Frames 返回每声道的采样点数
func (s *AudioSample) Frames() int {
	if s.Channels <= 0 {
		return 0
	}
	return len(s.Samples) / s.Channels
}

// Duration 返回时长
func (s *AudioSample) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(s.Frames()) / float64(s.SampleRate) * float64(time.Second))
}

// Validate 检查采样率和声道数
func (s *AudioSample) Validate() error {
	if s.SampleRate <= 0 {
		return NewDecodeError(fmt.Sprintf("无效的采样率: %d", s.SampleRate), nil)
	}
	if s.Channels <= 0 {
		return NewDecodeError(fmt.Sprintf("无效的声道数: %d", s.Channels), nil)
	}
	if s.Frames() == 0 {
		return NewEmptySignalError("音频不包含任何采样")
	}
	return nil
}

// Info 返回不含采样数据的音频信息
func (s *AudioSample) Info() AudioInfo {
	return AudioInfo{
		Format:     s.Format,
		SampleRate: s.SampleRate,
		BitDepth:   s.BitDepth,
		Channels:   s.Channels,
		Duration:   s.Duration().Seconds(),
	}
}

// FeatureVector 特征名到数值的映射
type FeatureVector map[string]float64

// Clone 返回副本，调用方之间不共享底层 map
func (f FeatureVector) Clone() FeatureVector {
	if f == nil {
		return nil
	}
	return maps.Clone(f)
}

// DetectionResult 检测结果
type DetectionResult struct {
	Detected   bool          `json:"detected"`
	Confidence float64       `json:"confidence"`
	Features   FeatureVector `json:"features"`
}

// AudioInfo 音频基本信息
type AudioInfo struct {
	Format     string  `json:"format"`
	SampleRate int     `json:"sampleRate"`
	BitDepth   int     `json:"bitDepth"`
	Channels   int     `json:"channels"`
	Duration   float64 `json:"duration"`
}

// AnalysisResult 一次分析的完整结果
type AnalysisResult struct {
	DetectionResult
	Audio AudioInfo `json:"audio"`
}
