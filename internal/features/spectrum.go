package features

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/floats"
)

const (
	defaultWindowSize = 2048   // STFT 窗口大小
	impulsiveCutoffHz = 2000.0 // 冲击类声音的高频能量分界
)

// SpectrumAnalyzer 频谱分析器
type SpectrumAnalyzer struct {
	sampleRate int
	windowSize int
	hopSize    int
	cutoffHz   float64
}

// NewSpectrumAnalyzer 创建频谱分析器
func NewSpectrumAnalyzer(sampleRate int) *SpectrumAnalyzer {
	return &SpectrumAnalyzer{
		sampleRate: sampleRate,
		windowSize: defaultWindowSize,
		hopSize:    defaultWindowSize / 2,
		cutoffHz:   impulsiveCutoffHz,
	}
}

// SpectrumResult 频谱分析结果
type SpectrumResult struct {
	Centroid      float64   // 频谱质心 (Hz)
	HighFreqRatio float64   // 截止频率以上的能量占比
	PowerSpectrum []float64 // 各帧功率谱之和
	BinWidth      float64   // 频率分辨率 (Hz)
}

// AnalyzeSpectrum 对整段信号做短时傅里叶分析并累加功率谱
func (s *SpectrumAnalyzer) AnalyzeSpectrum(samples []float64) (*SpectrumResult, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("音频采样数据为空")
	}

	// 样本太短时缩小窗口，不足部分补零
	windowSize := s.windowSize
	hopSize := s.hopSize
	if len(samples) < windowSize {
		windowSize = nearestPowerOf2(len(samples))
		hopSize = windowSize
	}

	window := hammingWindow(windowSize)
	total := make([]float64, windowSize/2)
	frame := make([]float64, windowSize)

	for _, start := range frameStarts(len(samples), windowSize, hopSize) {
		for i := range frame {
			frame[i] = 0
			if start+i < len(samples) {
				frame[i] = samples[start+i] * window[i]
			}
		}

		// 进行FFT变换
		spectrum := fft.FFTReal(frame)
		floats.Add(total, s.calculatePowerSpectrum(spectrum))
	}

	binWidth := float64(s.sampleRate) / float64(windowSize)
	centroid, highRatio := s.analyzeFrequencyContent(total, binWidth)

	return &SpectrumResult{
		Centroid:      centroid,
		HighFreqRatio: highRatio,
		PowerSpectrum: total,
		BinWidth:      binWidth,
	}, nil
}

// hammingWindow 汉明窗: w(n) = 0.54 - 0.46 * cos(2π * n / (N-1))
func hammingWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// frameStarts 计算各帧起点，最后一帧与信号末尾对齐，保证尾部被覆盖
func frameStarts(length, windowSize, hopSize int) []int {
	if length <= windowSize {
		return []int{0}
	}
	var starts []int
	start := 0
	for ; start+windowSize <= length; start += hopSize {
		starts = append(starts, start)
	}
	if last := starts[len(starts)-1]; last+windowSize < length {
		starts = append(starts, length-windowSize)
	}
	return starts
}

// calculatePowerSpectrum 计算功率谱
func (s *SpectrumAnalyzer) calculatePowerSpectrum(spectrum []complex128) []float64 {
	power := make([]float64, len(spectrum)/2) // 只需要一半，因为FFT是对称的

	for i := 0; i < len(power); i++ {
		// 功率 = |复数|^2
		mag := cmplx.Abs(spectrum[i])
		power[i] = mag * mag
	}

	return power
}

// analyzeFrequencyContent 计算频谱质心和高频能量占比
func (s *SpectrumAnalyzer) analyzeFrequencyContent(powerSpectrum []float64, binWidth float64) (float64, float64) {
	totalPower := floats.Sum(powerSpectrum)
	if totalPower <= 0 {
		return 0, 0
	}

	freqs := make([]float64, len(powerSpectrum))
	highPower := 0.0
	for i := range freqs {
		freqs[i] = float64(i) * binWidth
		if freqs[i] >= s.cutoffHz {
			highPower += powerSpectrum[i]
		}
	}

	centroid := floats.Dot(freqs, powerSpectrum) / totalPower
	ratio := math.Min(1, highPower/totalPower)
	return centroid, ratio
}

// nearestPowerOf2 找到最接近的2的幂
func nearestPowerOf2(n int) int {
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}
