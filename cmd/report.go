package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"gunshot-detector/internal/types"
)

// featureLabels 报告中的特征名称
var featureLabels = map[string]string{
	types.FeaturePeakAmplitude:    "峰值幅度",
	types.FeatureRMSEnergy:        "RMS 能量",
	types.FeatureZeroCrossingRate: "过零率",
	types.FeatureAttackTimeMs:     "起音时间 (ms)",
	types.FeatureTransientMs:      "瞬态时长 (ms)",
	types.FeatureSpectralCentroid: "频谱质心 (Hz)",
	types.FeatureHighFreqRatio:    "高频能量占比",
	types.FeatureEnergyBurstRatio: "能量突发比",
}

// printDetailedResult 打印详细结果
func printDetailedResult(w io.Writer, target string, result *types.AnalysisResult, scores map[string]float64) {
	name := filepath.Base(target)
	if target == "-" {
		name = "标准输入"
	}
	fmt.Fprintf(w, "\n=== %s ===\n", name)
	if target != "-" {
		fmt.Fprintf(w, "路径: %s\n", target)
	}
	fmt.Fprintf(w, "格式: %s\n", result.Audio.Format)

	// 基本信息
	fmt.Fprintf(w, "采样率: %d Hz\n", result.Audio.SampleRate)
	fmt.Fprintf(w, "位深度: %d bit\n", result.Audio.BitDepth)
	fmt.Fprintf(w, "声道数: %d\n", result.Audio.Channels)
	fmt.Fprintf(w, "时长: %.2f 秒\n", result.Audio.Duration)

	fmt.Fprintf(w, "\n特征:\n")
	for _, key := range types.FeatureNames() {
		fmt.Fprintf(w, "  %-16s %12.4f\n", featureLabels[key], result.Features[key])
	}

	if len(scores) > 0 {
		fmt.Fprintf(w, "\n规则得分:\n")
		names := make([]string, 0, len(scores))
		for n := range scores {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(w, "  %-16s %6.3f\n", n, scores[n])
		}
	}

	fmt.Fprintf(w, "\n置信度: %.1f%%\n", result.Confidence*100)
	if result.Detected {
		fmt.Fprintf(w, "⚠️  警告: 检测到疑似枪声！\n")
	} else {
		fmt.Fprintf(w, "✅ 未检测到枪声\n")
	}
}
