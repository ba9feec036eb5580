package classifier

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gunshot-detector/internal/types"

	"gopkg.in/yaml.v3"
)

// Direction 规则满足的方向
type Direction string

const (
	Above  Direction = "above"  // 特征高于阈值时得分高
	Below  Direction = "below"  // 特征低于阈值时得分高
	Inside Direction = "inside" // 特征落在 [Low, High] 内时得分高
)

// Rule 单条阈值规则。得分是特征值到阈值边界的距离经过 logistic 映射后的结果。
type Rule struct {
	Name      string    `yaml:"name"`
	Feature   string    `yaml:"feature"`
	Direction Direction `yaml:"direction"`
	Threshold float64   `yaml:"threshold,omitempty"`
	Low       float64   `yaml:"low,omitempty"`
	High      float64   `yaml:"high,omitempty"`
	Scale     float64   `yaml:"scale"`
	Weight    float64   `yaml:"weight"`
	LogScale  bool      `yaml:"log_scale,omitempty"` // 在对数域比较，用于比值类特征
}

// Model 分类模型：规则、权重和判决阈值。加载后不再修改。
type Model struct {
	Version           string  `yaml:"version"`
	DecisionThreshold float64 `yaml:"decision_threshold"`
	Gain              float64 `yaml:"gain"`
	Bias              float64 `yaml:"bias"`
	Rules             []Rule  `yaml:"rules"`
}

// DefaultModel 基于枪声声学特征（陡峭起音、宽带能量突发、短衰减）的默认模型
func DefaultModel() *Model {
	return &Model{
		Version:           "builtin-1",
		DecisionThreshold: 0.5,
		Gain:              10,
		Bias:              0.5,
		Rules: []Rule{
			{Name: "burst", Feature: types.FeatureEnergyBurstRatio, Direction: Above, Threshold: 4, Scale: 0.5, Weight: 0.25, LogScale: true},
			{Name: "attack", Feature: types.FeatureAttackTimeMs, Direction: Below, Threshold: 10, Scale: 2, Weight: 0.20},
			{Name: "decay", Feature: types.FeatureTransientMs, Direction: Below, Threshold: 500, Scale: 100, Weight: 0.15},
			{Name: "highfreq", Feature: types.FeatureHighFreqRatio, Direction: Above, Threshold: 0.3, Scale: 0.1, Weight: 0.15},
			{Name: "band", Feature: types.FeatureSpectralCentroid, Direction: Inside, Low: 1000, High: 14000, Scale: 250, Weight: 0.15},
			{Name: "noisiness", Feature: types.FeatureZeroCrossingRate, Direction: Above, Threshold: 0.05, Scale: 0.02, Weight: 0.05},
			{Name: "loudness", Feature: types.FeaturePeakAmplitude, Direction: Above, Threshold: 0.1, Scale: 0.05, Weight: 0.05},
		},
	}
}

// LoadModel 从 YAML 文件加载模型
func LoadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开模型文件 %q 失败: %w", path, err)
	}
	defer f.Close()

	m, err := LoadModelFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("解析模型文件 %q 失败: %w", path, err)
	}
	return m, nil
}

// LoadModelFromReader 解码并校验 YAML 模型
func LoadModelFromReader(r io.Reader) (*Model, error) {
	m := &Model{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("解析模型 YAML 失败: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate 检查模型参数，返回所有问题的合并错误。所有数值必须是有限值。
func (m *Model) Validate() error {
	var errs []error
	finite := func(field string, v float64) bool {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%s 必须是有限值，当前为 %v", field, v))
			return false
		}
		return true
	}

	if finite("decision_threshold", m.DecisionThreshold) && (m.DecisionThreshold <= 0 || m.DecisionThreshold >= 1) {
		errs = append(errs, fmt.Errorf("decision_threshold %v 必须在 (0,1) 内", m.DecisionThreshold))
	}
	if finite("gain", m.Gain) && m.Gain <= 0 {
		errs = append(errs, fmt.Errorf("gain %v 必须为正数", m.Gain))
	}
	if finite("bias", m.Bias) && (m.Bias < 0 || m.Bias > 1) {
		errs = append(errs, fmt.Errorf("bias %v 必须在 [0,1] 内", m.Bias))
	}
	if len(m.Rules) == 0 {
		errs = append(errs, errors.New("rules 不能为空"))
	}

	total := 0.0
	for i, r := range m.Rules {
		prefix := fmt.Sprintf("rules[%d] (%s)", i, r.Name)
		if _, ok := types.FeatureDomains[r.Feature]; !ok {
			errs = append(errs, fmt.Errorf("%s: 未知特征 %q", prefix, r.Feature))
		}
		if finite(prefix+".scale", r.Scale) && r.Scale <= 0 {
			errs = append(errs, fmt.Errorf("%s: scale 必须为正数", prefix))
		}
		if finite(prefix+".weight", r.Weight) && r.Weight < 0 {
			errs = append(errs, fmt.Errorf("%s: weight 不能为负数", prefix))
		}
		switch r.Direction {
		case Above, Below:
			if finite(prefix+".threshold", r.Threshold) && r.LogScale && r.Threshold <= 0 {
				errs = append(errs, fmt.Errorf("%s: log_scale 要求 threshold 为正数", prefix))
			}
		case Inside:
			lowOK := finite(prefix+".low", r.Low)
			highOK := finite(prefix+".high", r.High)
			if lowOK && highOK && r.Low >= r.High {
				errs = append(errs, fmt.Errorf("%s: low 必须小于 high", prefix))
			}
			if lowOK && r.LogScale && r.Low <= 0 {
				errs = append(errs, fmt.Errorf("%s: log_scale 要求 low 为正数", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: 未知方向 %q", prefix, r.Direction))
		}
		total += r.Weight
	}
	// 权重之和溢出或为 NaN 时加权平均没有意义
	if len(m.Rules) > 0 && !(total > 0 && !math.IsInf(total, 0)) {
		errs = append(errs, errors.New("规则权重之和必须是有限正数"))
	}

	return errors.Join(errs...)
}
