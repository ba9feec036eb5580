package classifier

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gunshot-detector/internal/types"
)

// impulseFeatures 典型枪声的特征
func impulseFeatures() types.FeatureVector {
	return types.FeatureVector{
		types.FeaturePeakAmplitude:    0.98,
		types.FeatureRMSEnergy:        0.08,
		types.FeatureZeroCrossingRate: 0.45,
		types.FeatureAttackTimeMs:     1.8,
		types.FeatureTransientMs:      70,
		types.FeatureSpectralCentroid: 6000,
		types.FeatureHighFreqRatio:    0.85,
		types.FeatureEnergyBurstRatio: 24,
	}
}

// toneFeatures 持续正弦音的特征，起音时间取最不利的情况
func toneFeatures() types.FeatureVector {
	return types.FeatureVector{
		types.FeaturePeakAmplitude:    0.8,
		types.FeatureRMSEnergy:        0.566,
		types.FeatureZeroCrossingRate: 0.02,
		types.FeatureAttackTimeMs:     0.3,
		types.FeatureTransientMs:      2000,
		types.FeatureSpectralCentroid: 440,
		types.FeatureHighFreqRatio:    0.0001,
		types.FeatureEnergyBurstRatio: 1.03,
	}
}

func newDefault(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClassifyImpulse(t *testing.T) {
	res, err := newDefault(t).Classify(impulseFeatures())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !res.Detected || res.Confidence <= 0.7 {
		t.Fatalf("got detected=%v confidence=%v, want detected with confidence > 0.7", res.Detected, res.Confidence)
	}
}

func TestClassifyTone(t *testing.T) {
	res, err := newDefault(t).Classify(toneFeatures())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Detected || res.Confidence >= 0.3 {
		t.Fatalf("got detected=%v confidence=%v, want not detected with confidence < 0.3", res.Detected, res.Confidence)
	}
}

func TestClassifyReturnsCopyOfFeatures(t *testing.T) {
	in := impulseFeatures()
	res, err := newDefault(t).Classify(in)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	in[types.FeaturePeakAmplitude] = 0
	if res.Features[types.FeaturePeakAmplitude] != 0.98 {
		t.Fatal("result features alias the input map")
	}
}

func TestConfidenceMonotonicInBurstRatio(t *testing.T) {
	c := newDefault(t)
	for _, base := range []types.FeatureVector{impulseFeatures(), toneFeatures()} {
		prev := -1.0
		for ratio := 1.0; ratio <= 200; ratio *= 1.25 {
			fv := base.Clone()
			fv[types.FeatureEnergyBurstRatio] = ratio
			res, err := c.Classify(fv)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if res.Confidence < prev {
				t.Fatalf("confidence dropped from %v to %v at ratio %v", prev, res.Confidence, ratio)
			}
			prev = res.Confidence
		}
	}
}

func TestConfidenceInUnitInterval(t *testing.T) {
	c := newDefault(t)
	extremes := []types.FeatureVector{
		{
			types.FeaturePeakAmplitude: 1, types.FeatureRMSEnergy: 1, types.FeatureZeroCrossingRate: 1,
			types.FeatureAttackTimeMs: 0, types.FeatureTransientMs: 0, types.FeatureSpectralCentroid: 7000,
			types.FeatureHighFreqRatio: 1, types.FeatureEnergyBurstRatio: 1e9,
		},
		{
			types.FeaturePeakAmplitude: 0, types.FeatureRMSEnergy: 0, types.FeatureZeroCrossingRate: 0,
			types.FeatureAttackTimeMs: 1e6, types.FeatureTransientMs: 1e6, types.FeatureSpectralCentroid: 0,
			types.FeatureHighFreqRatio: 0, types.FeatureEnergyBurstRatio: 1,
		},
	}
	for i, fv := range extremes {
		res, err := c.Classify(fv)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if res.Confidence < 0 || res.Confidence > 1 || math.IsNaN(res.Confidence) {
			t.Fatalf("case %d: confidence %v outside [0,1]", i, res.Confidence)
		}
	}
}

func TestClassifyInvalidFeatures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(types.FeatureVector)
	}{
		{"missing key", func(fv types.FeatureVector) { delete(fv, types.FeatureSpectralCentroid) }},
		{"ratio above one", func(fv types.FeatureVector) { fv[types.FeatureHighFreqRatio] = 1.5 }},
		{"negative attack", func(fv types.FeatureVector) { fv[types.FeatureAttackTimeMs] = -1 }},
		{"burst below one", func(fv types.FeatureVector) { fv[types.FeatureEnergyBurstRatio] = 0.5 }},
		{"nan", func(fv types.FeatureVector) { fv[types.FeatureRMSEnergy] = math.NaN() }},
		{"inf", func(fv types.FeatureVector) { fv[types.FeatureTransientMs] = math.Inf(1) }},
	}
	c := newDefault(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fv := impulseFeatures()
			tt.mutate(fv)
			_, err := c.Classify(fv)
			if !errors.Is(err, types.ErrInvalidFeature) {
				t.Fatalf("got %v, want invalid feature error", err)
			}
		})
	}

	if _, err := c.Classify(nil); !errors.Is(err, types.ErrInvalidFeature) {
		t.Fatalf("nil vector: got %v", err)
	}
}

func TestAttackAtThresholdIsStable(t *testing.T) {
	c := newDefault(t)
	fv := impulseFeatures()
	fv[types.FeatureAttackTimeMs] = 10

	base, err := c.Classify(fv)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	scores, err := c.Scores(fv)
	if err != nil {
		t.Fatalf("Scores: %v", err)
	}
	if math.Abs(scores["attack"]-0.5) > 1e-12 {
		t.Fatalf("attack score at threshold = %v, want 0.5", scores["attack"])
	}

	// 一个采样点的扰动（44.1kHz 下约 0.023ms）
	for _, delta := range []float64{-1000.0 / 44100, 1000.0 / 44100} {
		fv[types.FeatureAttackTimeMs] = 10 + delta
		res, err := c.Classify(fv)
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		if res.Detected != base.Detected {
			t.Fatalf("decision flipped for delta %v", delta)
		}
		if math.Abs(res.Confidence-base.Confidence) > 0.01 {
			t.Fatalf("confidence jumped from %v to %v", base.Confidence, res.Confidence)
		}
	}
}

func TestSwapModel(t *testing.T) {
	c := newDefault(t)

	strict := DefaultModel()
	strict.Version = "strict"
	strict.DecisionThreshold = 0.999

	old, err := c.Swap(strict)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if old.Version != "builtin-1" || c.Model().Version != "strict" {
		t.Fatalf("swap did not take effect: old=%s current=%s", old.Version, c.Model().Version)
	}

	res, err := c.Classify(impulseFeatures())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Detected {
		t.Fatal("strict model should not detect")
	}

	bad := DefaultModel()
	bad.Gain = 0
	if _, err := c.Swap(bad); err == nil {
		t.Fatal("expected invalid model to be rejected")
	}
	if c.Model().Version != "strict" {
		t.Fatal("invalid swap replaced the model")
	}
}

func TestConcurrentClassifyDuringSwap(t *testing.T) {
	c := newDefault(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := c.Classify(impulseFeatures()); err != nil {
					t.Errorf("Classify: %v", err)
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		if _, err := c.Swap(DefaultModel()); err != nil {
			t.Fatalf("Swap: %v", err)
		}
	}
	wg.Wait()
}

const validModelYAML = `
version: test-1
decision_threshold: 0.6
gain: 8
bias: 0.5
rules:
  - name: burst
    feature: energy_burst_ratio
    direction: above
    threshold: 4
    scale: 0.5
    weight: 1
    log_scale: true
  - name: band
    feature: spectral_centroid
    direction: inside
    low: 1000
    high: 14000
    scale: 250
    weight: 1
`

func TestLoadModelFromReader(t *testing.T) {
	m, err := LoadModelFromReader(strings.NewReader(validModelYAML))
	if err != nil {
		t.Fatalf("LoadModelFromReader: %v", err)
	}
	if m.Version != "test-1" || len(m.Rules) != 2 || !m.Rules[0].LogScale || m.Rules[1].Direction != Inside {
		t.Fatalf("unexpected model: %+v", m)
	}
}

func TestLoadModelRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "version: x\nfoo: 1\n", "foo"},
		{"bad threshold", strings.Replace(validModelYAML, "decision_threshold: 0.6", "decision_threshold: 1.5", 1), "decision_threshold"},
		{"unknown feature", strings.Replace(validModelYAML, "feature: spectral_centroid", "feature: loudness_db", 1), "未知特征"},
		{"bad direction", strings.Replace(validModelYAML, "direction: inside", "direction: sideways", 1), "未知方向"},
		{"no rules", "version: x\ndecision_threshold: 0.5\ngain: 1\nbias: 0.5\n", "rules 不能为空"},
		{"nan threshold", strings.Replace(validModelYAML, "decision_threshold: 0.6", "decision_threshold: .nan", 1), "decision_threshold"},
		{"nan gain", strings.Replace(validModelYAML, "gain: ", "gain: .nan #", 1), "gain"},
		{"inf bias", strings.Replace(validModelYAML, "bias: ", "bias: .inf #", 1), "bias"},
		{"nan scale", strings.Replace(validModelYAML, "scale: ", "scale: .nan #", 1), "scale"},
		{"inf weight", strings.Replace(validModelYAML, "weight: ", "weight: .inf #", 1), "weight"},
		{"nan rule threshold", strings.Replace(validModelYAML, "    threshold: 4", "    threshold: .nan", 1), "(burst).threshold"},
		{"nan low", strings.Replace(validModelYAML, "low: ", "low: .nan #", 1), "low"},
		{"inf high", strings.Replace(validModelYAML, "high: ", "high: -.inf #", 1), "high"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadModelFromReader(strings.NewReader(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestWatcherReloadsModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	if err := os.WriteFile(path, []byte(validModelYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := LoadModel(path)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	c, err := New(m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var reloaded []string
	w, err := NewWatcher(path, c, WithOnReload(func(old, new *Model) {
		reloaded = append(reloaded, old.Version+"->"+new.Version)
	}))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	// 内容未变
	if changed, err := w.Check(); err != nil || changed {
		t.Fatalf("unchanged file: changed=%v err=%v", changed, err)
	}

	touch := func(content string, at time.Time) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, at, at); err != nil {
			t.Fatal(err)
		}
	}

	now := time.Now()
	touch(strings.Replace(validModelYAML, "test-1", "test-2", 1), now.Add(time.Second))
	changed, err := w.Check()
	if err != nil || !changed {
		t.Fatalf("modified file: changed=%v err=%v", changed, err)
	}
	if c.Model().Version != "test-2" {
		t.Fatalf("model version = %s, want test-2", c.Model().Version)
	}

	// 无效内容保留旧模型
	touch("version: broken\ngain: -1\n", now.Add(2*time.Second))
	if changed, err := w.Check(); err == nil || changed {
		t.Fatalf("invalid file: changed=%v err=%v", changed, err)
	}
	if c.Model().Version != "test-2" {
		t.Fatalf("invalid file replaced model: %s", c.Model().Version)
	}

	if len(reloaded) != 1 || reloaded[0] != "test-1->test-2" {
		t.Fatalf("reload callbacks = %v", reloaded)
	}
}

func TestClamp01(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{math.NaN(), 0},
		{-0.5, 0},
		{0.25, 0.25},
		{math.Inf(1), 1},
	}
	for _, tt := range tests {
		if got := clamp01(tt.in); got != tt.want {
			t.Errorf("clamp01(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSwapRejectsNonFiniteModel(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bad := DefaultModel()
	bad.Version = "nan"
	bad.Gain = math.NaN()
	if _, err := c.Swap(bad); err == nil {
		t.Fatal("expected NaN gain to be rejected")
	}
	if c.Model().Version != "builtin-1" {
		t.Fatalf("model changed to %q", c.Model().Version)
	}
}
