package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	envelopeBlockMs = 0.5  // 包络块长度
	noisePercentile = 0.1  // 噪声基底取块峰值的分位数
	noiseMultiplier = 2.0  // 起音阈值相对噪声基底的倍数
	minOnsetRatio   = 0.1  // 起音阈值下限（相对峰值）
	maxOnsetRatio   = 0.5  // 起音阈值上限（相对峰值）
	burstFrameMs    = 10.0 // 能量突发短窗长度
	burstHopMs      = 5.0
)

// Transient 主瞬态的时间特征
type Transient struct {
	Onset     int     // 起音采样点
	Peak      int     // 峰值采样点
	End       int     // 衰减结束采样点（不含）
	Threshold float64 // 起音/衰减阈值
}

// AttackMs 起音到峰值的毫秒数
func (t Transient) AttackMs(sampleRate int) float64 {
	return float64(t.Peak-t.Onset) / float64(sampleRate) * 1000
}

// DurationMs 起音到衰减结束的毫秒数
func (t Transient) DurationMs(sampleRate int) float64 {
	return float64(t.End-t.Onset) / float64(sampleRate) * 1000
}

// zeroCrossingRate 归一化过零率，按最大可能过零次数归一化到 [0,1]
func zeroCrossingRate(frame []float64) float64 {
	if len(frame) < 2 {
		return 0.0
	}

	crossings := 0
	for i := 1; i < len(frame); i++ {
		if (frame[i-1] >= 0 && frame[i] < 0) || (frame[i-1] < 0 && frame[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(frame)-1)
}

// blockEnvelope 按块取绝对值峰值
func blockEnvelope(signal []float64, blockSize int) []float64 {
	if blockSize < 1 {
		blockSize = 1
	}
	n := (len(signal) + blockSize - 1) / blockSize
	env := make([]float64, n)
	for k := 0; k < n; k++ {
		start := k * blockSize
		end := min(start+blockSize, len(signal))
		m := 0.0
		for _, v := range signal[start:end] {
			if a := math.Abs(v); a > m {
				m = a
			}
		}
		env[k] = m
	}
	return env
}

// findTransient 定位主瞬态，signal 需已归一化到峰值为 1。
// 起音是包含峰值的连续超阈值区段中第一个超过阈值的采样点。
func findTransient(signal []float64, sampleRate int) Transient {
	peakIdx := 0
	peak := 0.0
	for i, v := range signal {
		if a := math.Abs(v); a > peak {
			peak = a
			peakIdx = i
		}
	}

	blockSize := max(1, int(float64(sampleRate)*envelopeBlockMs/1000))
	env := blockEnvelope(signal, blockSize)

	sorted := make([]float64, len(env))
	copy(sorted, env)
	sort.Float64s(sorted)
	noise := stat.Quantile(noisePercentile, stat.Empirical, sorted, nil)

	threshold := noiseMultiplier * noise
	threshold = math.Max(threshold, minOnsetRatio*peak)
	threshold = math.Min(threshold, maxOnsetRatio*peak)

	peakBlock := peakIdx / blockSize

	first := peakBlock
	for first > 0 && env[first-1] > threshold {
		first--
	}
	last := peakBlock
	for last+1 < len(env) && env[last+1] > threshold {
		last++
	}

	onset := peakIdx
	for i := first * blockSize; i <= peakIdx; i++ {
		if math.Abs(signal[i]) > threshold {
			onset = i
			break
		}
	}

	end := peakIdx + 1
	for i := min((last+1)*blockSize, len(signal)) - 1; i > peakIdx; i-- {
		if math.Abs(signal[i]) > threshold {
			end = i + 1
			break
		}
	}

	return Transient{Onset: onset, Peak: peakIdx, End: end, Threshold: threshold}
}

// energyBurstRatio 短窗峰值能量与短窗平均能量之比，恒不小于 1
func energyBurstRatio(signal []float64, sampleRate int) float64 {
	frameSize := max(1, int(float64(sampleRate)*burstFrameMs/1000))
	hopSize := max(1, int(float64(sampleRate)*burstHopMs/1000))
	if len(signal) < frameSize {
		return 1
	}

	numFrames := (len(signal)-frameSize)/hopSize + 1
	energies := make([]float64, numFrames)
	for k := 0; k < numFrames; k++ {
		frame := signal[k*hopSize : k*hopSize+frameSize]
		energies[k] = floats.Dot(frame, frame) / float64(frameSize)
	}

	mean := stat.Mean(energies, nil)
	if mean <= 0 {
		return 1
	}
	return math.Max(1, floats.Max(energies)/mean)
}
