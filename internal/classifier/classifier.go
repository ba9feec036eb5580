// Package classifier 根据特征向量判断是否包含枪声。
//
// 每条规则把一个特征到阈值边界的距离映射为 (0,1) 内的软得分，
// 加权平均后经 logistic 变换得到置信度。模型是只读快照，
// 通过原子指针整体替换，进行中的调用始终使用各自取到的快照。
package classifier

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"gunshot-detector/internal/types"
)

// Classifier 枪声分类器，可并发使用
type Classifier struct {
	model atomic.Pointer[Model]
}

// New 创建分类器，model 为 nil 时使用默认模型
func New(model *Model) (*Classifier, error) {
	if model == nil {
		model = DefaultModel()
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("模型无效: %w", err)
	}
	c := &Classifier{}
	c.model.Store(model)
	return c, nil
}

// Model 返回当前模型快照，调用方不得修改
func (c *Classifier) Model() *Model {
	return c.model.Load()
}

// Swap 校验并原子替换模型，返回旧模型
func (c *Classifier) Swap(model *Model) (*Model, error) {
	if model == nil {
		return nil, errors.New("模型为空")
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("模型无效: %w", err)
	}
	return c.model.Swap(model), nil
}

// Classify 对特征向量分类
func (c *Classifier) Classify(features types.FeatureVector) (types.DetectionResult, error) {
	return classify(c.model.Load(), features)
}

// Scores 返回每条规则的得分，用于报告和调试
func (c *Classifier) Scores(features types.FeatureVector) (map[string]float64, error) {
	m := c.model.Load()
	if err := validateFeatures(features); err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(m.Rules))
	for _, r := range m.Rules {
		scores[r.Name] = r.score(features[r.Feature])
	}
	return scores, nil
}

func classify(m *Model, features types.FeatureVector) (types.DetectionResult, error) {
	if err := validateFeatures(features); err != nil {
		return types.DetectionResult{}, err
	}

	weighted, total := 0.0, 0.0
	for _, r := range m.Rules {
		weighted += r.Weight * r.score(features[r.Feature])
		total += r.Weight
	}
	s := weighted / total

	confidence := clamp01(sigmoid(m.Gain * (s - m.Bias)))
	return types.DetectionResult{
		Detected:   confidence > m.DecisionThreshold,
		Confidence: confidence,
		Features:   features.Clone(),
	}, nil
}

// validateFeatures 检查必需键是否齐全且取值在文档范围内
func validateFeatures(features types.FeatureVector) error {
	for _, name := range types.FeatureNames() {
		v, ok := features[name]
		if !ok {
			return types.NewInvalidFeatureError(fmt.Sprintf("缺少特征 %s", name))
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.NewInvalidFeatureError(fmt.Sprintf("特征 %s 不是有限值", name))
		}
		if d := types.FeatureDomains[name]; !d.Contains(v) {
			return types.NewInvalidFeatureError(fmt.Sprintf("特征 %s=%g 超出范围 [%g, %g]", name, v, d.Min, d.Max))
		}
	}
	return nil
}

// score 规则得分，单调地随特征向满足方向移动而增大
func (r Rule) score(v float64) float64 {
	transform := func(x float64) float64 { return x }
	if r.LogScale {
		transform = func(x float64) float64 { return math.Log(math.Max(x, 1e-12)) }
	}

	x := transform(v)
	switch r.Direction {
	case Above:
		return sigmoid((x - transform(r.Threshold)) / r.Scale)
	case Below:
		return sigmoid((transform(r.Threshold) - x) / r.Scale)
	case Inside:
		return sigmoid((x-transform(r.Low))/r.Scale) * sigmoid((transform(r.High)-x)/r.Scale)
	}
	return 0
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// clamp01 限制到 [0,1]，NaN 视为 0
func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
