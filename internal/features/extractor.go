// Package features 从音频波形中提取用于枪声识别的声学特征。
//
// 处理流程：多声道取平均 -> 重采样到分析采样率 -> 去直流 -> 峰值归一化，
// 随后计算时域特征（峰值、RMS、过零率、起音时间、瞬态时长、能量突发比）
// 和频域特征（频谱质心、高频能量占比）。相同输入总是得到相同的特征值。
package features

import (
	"fmt"
	"io"
	"math"

	"gunshot-detector/internal/decoder"
	"gunshot-detector/internal/types"

	"gonum.org/v1/gonum/floats"
)

const (
	// AnalysisRate 特征计算统一使用的采样率
	AnalysisRate = 44100
	// SilenceFloor 去直流后峰值低于该值视为静音（满量程为 1）
	SilenceFloor = 1e-4
)

// Extractor 特征提取器，无内部可变状态，可并发使用
type Extractor struct {
	registry     *decoder.DecoderRegistry
	analysisRate int
}

// NewExtractor 创建特征提取器
func NewExtractor(registry *decoder.DecoderRegistry) *Extractor {
	if registry == nil {
		registry = decoder.NewDecoderRegistry()
	}
	return &Extractor{
		registry:     registry,
		analysisRate: AnalysisRate,
	}
}

// ExtractReader 解码并提取特征
func (e *Extractor) ExtractReader(r io.ReadSeeker) (types.FeatureVector, error) {
	sample, err := e.registry.Decode(r)
	if err != nil {
		return nil, err
	}
	return e.Extract(sample)
}

// ExtractFile 解码文件并提取特征
func (e *Extractor) ExtractFile(path string) (types.FeatureVector, error) {
	sample, err := e.registry.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return e.Extract(sample)
}

// Extract 从解码后的波形提取特征
func (e *Extractor) Extract(sample *types.AudioSample) (types.FeatureVector, error) {
	if sample == nil {
		return nil, types.NewDecodeError("缺少音频数据", nil)
	}
	if err := sample.Validate(); err != nil {
		return nil, err
	}

	mono := downmix(sample.Samples, sample.Channels)

	// 幅度类特征在原始量程上计算
	peakAmplitude := math.Min(1, peakAbs(mono))
	rmsEnergy := math.Min(1, rms(mono))

	// 以下步骤原地修改 signal，mono 是 downmix 生成的副本
	signal, rate := resample(mono, sample.SampleRate, e.analysisRate)
	removeDC(signal)
	peak := peakAbs(signal)
	if peak < SilenceFloor || math.IsNaN(peak) {
		return nil, types.NewEmptySignalError(fmt.Sprintf("信号峰值 %.2g 低于静音阈值", peak))
	}

	// 归一化到峰值为 1
	floats.Scale(1/peak, signal)

	transient := findTransient(signal, rate)

	spectrum, err := NewSpectrumAnalyzer(rate).AnalyzeSpectrum(signal)
	if err != nil {
		return nil, types.NewEmptySignalError(err.Error())
	}

	return types.FeatureVector{
		types.FeaturePeakAmplitude:    peakAmplitude,
		types.FeatureRMSEnergy:        rmsEnergy,
		types.FeatureZeroCrossingRate: zeroCrossingRate(signal),
		types.FeatureAttackTimeMs:     transient.AttackMs(rate),
		types.FeatureTransientMs:      transient.DurationMs(rate),
		types.FeatureSpectralCentroid: spectrum.Centroid,
		types.FeatureHighFreqRatio:    spectrum.HighFreqRatio,
		types.FeatureEnergyBurstRatio: energyBurstRatio(signal, rate),
	}, nil
}
