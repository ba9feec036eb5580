package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	resampling "github.com/tphakala/go-audio-resampling"
)

// downmix 多声道取平均合成为单声道
func downmix(samples []float64, channels int) []float64 {
	if channels <= 1 {
		mono := make([]float64, len(samples))
		copy(mono, samples)
		return mono
	}

	frames := len(samples) / channels
	mono := make([]float64, frames)
	scale := 1 / float64(channels)
	for i := 0; i < frames; i++ {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum * scale
	}
	return mono
}

// removeDC 原地去除直流分量
func removeDC(signal []float64) {
	floats.AddConst(-stat.Mean(signal, nil), signal)
}

// peakAbs 返回最大绝对幅度
func peakAbs(signal []float64) float64 {
	if len(signal) == 0 {
		return 0
	}
	return floats.Norm(signal, math.Inf(1))
}

// rms 均方根
func rms(signal []float64) float64 {
	if len(signal) == 0 {
		return 0
	}
	return floats.Norm(signal, 2) / math.Sqrt(float64(len(signal)))
}

// resamplePad 重采样前后各补的零采样数，需大于滤波器半长
const resamplePad = 4096

// resample 把单声道信号转换到目标采样率，输出长度按采样率比例换算。
// 重采样器无法给出可用输出时返回原信号和原采样率。
func resample(signal []float64, from, to int) ([]float64, int) {
	if from == to || to <= 0 || len(signal) == 0 {
		return signal, from
	}

	offset, err := resampleOffset(from, to)
	if err != nil {
		return signal, from
	}

	out, err := resampling.ResampleMono(padZeros(signal, resamplePad), float64(from), float64(to), resampling.QualityHigh)
	if err != nil {
		return signal, from
	}

	n := int(math.Round(float64(len(signal)) * float64(to) / float64(from)))
	if n == 0 || offset >= len(out) {
		return signal, from
	}
	end := min(offset+n, len(out))
	aligned := make([]float64, end-offset)
	copy(aligned, out[offset:end])
	return aligned, to
}

// resampleOffset 返回原信号首个采样在补零后输出中的位置。
// 重采样器从空历史开始，输出比输入提前半个滤波器长度，这里用单位冲激实测。
func resampleOffset(from, to int) (int, error) {
	impulse := make([]float64, 2*resamplePad+1)
	impulse[resamplePad] = 1
	out, err := resampling.ResampleMono(impulse, float64(from), float64(to), resampling.QualityHigh)
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("重采样 %d -> %d Hz 没有输出", from, to)
	}
	return floats.MaxIdx(out), nil
}

// padZeros 在信号前后各补 n 个零
func padZeros(signal []float64, n int) []float64 {
	padded := make([]float64, len(signal)+2*n)
	copy(padded[n:], signal)
	return padded
}
